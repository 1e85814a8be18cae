package peer

import (
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/lampo-project/lampo/lnwire"
)

func testPrivKey(t *testing.T, seedByte byte) *btcec.PrivateKey {
	t.Helper()
	secret := make([]byte, 32)
	for i := range secret {
		secret[i] = seedByte
	}
	priv, _ := btcec.PrivKeyFromBytes(secret)
	return priv
}

// recordingHandler is a MessageHandler double that records every message
// routed to it past BOLT-1 housekeeping.
type recordingHandler struct {
	mu   sync.Mutex
	msgs []lnwire.Message
	done chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{done: make(chan struct{}, 8)}
}

func (h *recordingHandler) HandleWireMessage(peerID [33]byte, msg lnwire.Message) error {
	h.mu.Lock()
	h.msgs = append(h.msgs, msg)
	h.mu.Unlock()
	h.done <- struct{}{}
	return nil
}

// TestManagerDialAcceptExchangesInit drives a real Noise_XK handshake over
// loopback between two Managers and confirms each completes Start with the
// remote's Init already consumed.
func TestManagerDialAcceptExchangesInit(t *testing.T) {
	listenerPriv := testPrivKey(t, 1)
	dialerPriv := testPrivKey(t, 2)

	listenerHandler := newRecordingHandler()
	listenerMgr := NewManager(listenerPriv, wire.TestNet3, listenerHandler)
	require.NoError(t, listenerMgr.Listen([]string{"127.0.0.1:0"}))
	listenerMgr.Start()
	defer listenerMgr.Stop()

	addrs := listenerMgr.Addrs()
	require.Len(t, addrs, 1)

	dialerHandler := newRecordingHandler()
	dialerMgr := NewManager(dialerPriv, wire.TestNet3, dialerHandler)
	defer dialerMgr.Stop()

	remoteAddr := &lnwire.NetAddress{
		IdentityKey: listenerPriv.PubKey(),
		Address:     addrs[0],
		ChainNet:    wire.TestNet3,
	}

	p, err := dialerMgr.Dial(remoteAddr)
	require.NoError(t, err)
	require.NotNil(t, p)

	var listenerPub [33]byte
	copy(listenerPub[:], listenerPriv.PubKey().SerializeCompressed())
	require.Equal(t, listenerPub, p.PubKeyBytes())

	require.Eventually(t, func() bool {
		return len(listenerMgr.Peers()) == 1
	}, time.Second, time.Millisecond*10)
}

// TestManagerRoutesNonHousekeepingMessage confirms a message that isn't
// Init/Ping/Pong reaches the MessageHandler on the receiving side, and that
// SendToPeer on the sending side is how it got there.
func TestManagerRoutesNonHousekeepingMessage(t *testing.T) {
	listenerPriv := testPrivKey(t, 3)
	dialerPriv := testPrivKey(t, 4)

	listenerHandler := newRecordingHandler()
	listenerMgr := NewManager(listenerPriv, wire.TestNet3, listenerHandler)
	require.NoError(t, listenerMgr.Listen([]string{"127.0.0.1:0"}))
	listenerMgr.Start()
	defer listenerMgr.Stop()

	dialerHandler := newRecordingHandler()
	dialerMgr := NewManager(dialerPriv, wire.TestNet3, dialerHandler)
	defer dialerMgr.Stop()

	remoteAddr := &lnwire.NetAddress{
		IdentityKey: listenerPriv.PubKey(),
		Address:     listenerMgr.Addrs()[0],
		ChainNet:    wire.TestNet3,
	}
	_, err := dialerMgr.Dial(remoteAddr)
	require.NoError(t, err)

	var listenerPub [33]byte
	copy(listenerPub[:], listenerPriv.PubKey().SerializeCompressed())

	require.Eventually(t, func() bool {
		return len(listenerMgr.Peers()) == 1
	}, time.Second, time.Millisecond*10)

	openMsg := &lnwire.OpenChannel{
		PendingChannelID: [32]byte{9},
		FundingAmount:    100_000,
		FeePerKiloWeight: 2500,
		FundingKey:       dialerPriv.PubKey(),
	}
	require.NoError(t, dialerMgr.SendToPeer(listenerPub, openMsg))

	select {
	case <-listenerHandler.done:
	case <-time.After(time.Second):
		t.Fatal("handler never received routed message")
	}

	listenerHandler.mu.Lock()
	defer listenerHandler.mu.Unlock()
	require.Len(t, listenerHandler.msgs, 1)
	_, ok := listenerHandler.msgs[0].(*lnwire.OpenChannel)
	require.True(t, ok)
}

// TestSendToPeerUnknownPeer confirms SendToPeer reports an error rather than
// silently dropping a message addressed to a peer that isn't connected.
func TestSendToPeerUnknownPeer(t *testing.T) {
	mgr := NewManager(testPrivKey(t, 5), wire.TestNet3, newRecordingHandler())
	err := mgr.SendToPeer([33]byte{1, 2, 3}, &lnwire.Ping{})
	require.Error(t, err)
}
