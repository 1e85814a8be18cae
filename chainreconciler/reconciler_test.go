package chainreconciler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/lampo-project/lampo/channelmanager"
	"github.com/lampo-project/lampo/channeldb"
	"github.com/lampo-project/lampo/contractcourt"
	"github.com/lampo-project/lampo/eventbus"
	"github.com/lampo-project/lampo/keychain"
	"github.com/lampo-project/lampo/lnwire"
	"github.com/lampo-project/lampo/persist"
)

type recordingPeerSender struct {
	mu  sync.Mutex
	out map[[33]byte][]lnwire.Message
}

func newRecordingPeerSender() *recordingPeerSender {
	return &recordingPeerSender{out: make(map[[33]byte][]lnwire.Message)}
}

func (r *recordingPeerSender) SendToPeer(peerID [33]byte, msg lnwire.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out[peerID] = append(r.out[peerID], msg)
	return nil
}

func testStore(t *testing.T) *channeldb.ChannelStore {
	t.Helper()
	fs := persist.NewFSStore(t.TempDir())
	require.NoError(t, fs.Initialize(context.Background()))
	adapter := persist.NewSyncAdapter(fs)
	t.Cleanup(func() { adapter.Shutdown() })
	return channeldb.NewChannelStore(adapter)
}

func testKeyManager(t *testing.T) *keychain.KeyManager {
	t.Helper()
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i + 1)
	}
	km, err := keychain.NewKeyManager(seed, 0, 0, &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	return km
}

// testRig wires a ChainMonitor and ChannelManager against the same store,
// with one channel walked up to StateFundingBroadcast via the responder
// side of the funding handshake -- the only path that needs no funded
// wallet (see lnwallet.FundChannel's own doc comment on the signing gap
// channelmanager's tests work around the same way).
type testRig struct {
	bus      *eventbus.Bus
	monitor  *contractcourt.ChainMonitor
	manager  *channelmanager.ChannelManager
	peerSend *recordingPeerSender
	peerID   [33]byte
	chanID   lnwire.ChannelID
	fundingTx *wire.MsgTx
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	store := testStore(t)
	km := testKeyManager(t)
	bus := eventbus.New()
	peerSend := newRecordingPeerSender()

	monitor := contractcourt.New(store, nil)
	manager := channelmanager.New(channelmanager.Config{
		KeyManager:        km,
		Store:             store,
		Bus:               bus,
		NetParams:         &chaincfg.RegressionNetParams,
		PeerSend:          peerSend,
		DefaultCSVDelay:   144,
		MaxAcceptedHTLCs:  30,
		DustLimitSat:      546,
		ChannelReserveSat: 10_000,
		HTLCMinimumMsat:   1000,
		FeePerKW:          2500,
		MinFundingDepth:   3,
	})

	peerID := [33]byte{4, 5, 6}
	open := &lnwire.OpenChannel{
		PendingChannelID: [32]byte{1},
		FundingAmount:    500_000,
		FeePerKiloWeight: 2500,
		FundingKey:       km.GetNodePubKey(),
	}
	require.NoError(t, manager.HandleWireMessage(peerID, open))

	fundingTx := wire.NewMsgTx(wire.TxVersion)
	fundingTx.AddTxOut(wire.NewTxOut(500_000_00000000, nil))

	created := &lnwire.FundingCreated{
		PendingChannelID: open.PendingChannelID,
		FundingTxid:      fundingTx.TxHash(),
		FundingOutputIdx: 0,
	}
	require.NoError(t, manager.HandleWireMessage(peerID, created))

	summaries := manager.ListChannels()
	require.Len(t, summaries, 1)
	require.Equal(t, channeldb.StateFundingBroadcast, summaries[0].State)

	return &testRig{
		bus:       bus,
		monitor:   monitor,
		manager:   manager,
		peerSend:  peerSend,
		peerID:    peerID,
		chanID:    lnwire.ChannelID(summaries[0].ChannelID),
		fundingTx: fundingTx,
	}
}

func (r *testRig) state(t *testing.T) channeldb.ChannelState {
	t.Helper()
	for _, s := range r.manager.ListChannels() {
		if lnwire.ChannelID(s.ChannelID) == r.chanID {
			return s.State
		}
	}
	t.Fatalf("channel %x not found", r.chanID)
	return 0
}

// TestConfirmedTransactionBatchFlushesOnNextBestBlock exercises the
// ordering contract of spec §4.3/§4.6: ConfirmedTransaction events for
// height h are only applied once the reconciler sees the NewBestBlock that
// closes out height h's scan, and applying them drives the funding
// channel from FundingBroadcast to FundingLocked.
func TestConfirmedTransactionBatchFlushesOnNextBestBlock(t *testing.T) {
	rig := newTestRig(t)

	onFatal := make(chan error, 1)
	rec := New(rig.bus, rig.monitor, rig.manager, func(err error) { onFatal <- err })

	// Subscribed here, synchronously, rather than leaving Run to
	// subscribe on its own goroutine -- otherwise the PublishSync calls
	// below could race Run's first statement and find zero subscribers.
	rec.sub = rig.bus.Subscribe(eventbus.Critical)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- rec.Run(ctx) }()

	publish := rig.bus.PublishSync(ctx)
	header := &wire.BlockHeader{}

	require.NoError(t, publish(eventbus.NewOnChainEvent(eventbus.OnChainEvent{
		Kind: eventbus.EvNewBestBlock, BlockHeader: header, Height: 50,
	})))
	require.NoError(t, publish(eventbus.NewOnChainEvent(eventbus.OnChainEvent{
		Kind: eventbus.EvConfirmedTransaction, Tx: rig.fundingTx, Height: 50, VoutIdx: 0,
	})))

	require.Equal(t, channeldb.StateFundingBroadcast, rig.state(t))

	require.NoError(t, publish(eventbus.NewOnChainEvent(eventbus.OnChainEvent{
		Kind: eventbus.EvNewBestBlock, BlockHeader: header, Height: 51,
	})))

	require.Eventually(t, func() bool {
		return rig.state(t) == channeldb.StateFundingLocked
	}, time.Second, time.Millisecond)

	sent := rig.peerSend.out[rig.peerID]
	require.NotEmpty(t, sent)
	_, ok := sent[len(sent)-1].(*lnwire.FundingLocked)
	require.True(t, ok)

	cancel()
	select {
	case err := <-runDone:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop after cancel")
	}
	select {
	case err := <-onFatal:
		t.Fatalf("unexpected fatal: %v", err)
	default:
	}
}

// TestCriticalOverflowInvokesAbort confirms a Critical subscriber whose
// bounded inbox overflows reaches the reconciler's AbortFunc, per spec §9's
// "overflow is fatal" resolution for this one subscriber.
func TestCriticalOverflowInvokesAbort(t *testing.T) {
	rig := newTestRig(t)

	aborted := make(chan error, 1)
	rec := New(rig.bus, rig.monitor, rig.manager, func(err error) { aborted <- err })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set the reconciler's own Critical subscription before Run starts,
	// so flooding the bus below overflows its 64-deep bound with nothing
	// draining it -- the simplest deterministic way to trip the overflow
	// path without relying on scheduling to outrun Run's own drain loop.
	rec.sub = rig.bus.Subscribe(eventbus.Critical)

	for i := 0; i < 100; i++ {
		rig.bus.Publish(eventbus.NewOnChainEvent(eventbus.OnChainEvent{
			Kind: eventbus.EvNewBlock, Height: int32(i),
		}))
	}

	runDone := make(chan error, 1)
	go func() { runDone <- rec.Run(ctx) }()

	select {
	case err := <-aborted:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("expected abort after critical subscription overflow")
	}
}
