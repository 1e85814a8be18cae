package htlcswitch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lampo-project/lampo/lnwire"
	"github.com/lampo-project/lampo/persist"
)

func TestCircuitMapAddLookupRemove(t *testing.T) {
	cm := NewCircuitMap()

	in := lnwire.ShortChannelID{BlockHeight: 1, TxIndex: 1, TxPosition: 0}
	out := lnwire.ShortChannelID{BlockHeight: 2, TxIndex: 2, TxPosition: 0}

	circuit := &PaymentCircuit{
		PaymentHash:    [32]byte{1, 2, 3},
		IncomingChanID: in,
		IncomingHTLCID: 7,
		OutgoingChanID: out,
		OutgoingHTLCID: 9,
	}
	cm.Add(circuit)
	require.Equal(t, 1, cm.NumOpen())

	got := cm.LookupByHTLC(out, 9)
	require.NotNil(t, got)
	require.Equal(t, circuit.PaymentHash, got.PaymentHash)

	require.Nil(t, cm.LookupByHTLC(out, 10))

	require.NoError(t, cm.Remove(out, 9))
	require.Equal(t, 0, cm.NumOpen())
	require.Error(t, cm.Remove(out, 9))
}

func newTestControlTower(t *testing.T) ControlTower {
	t.Helper()

	fs := persist.NewFSStore(t.TempDir())
	require.NoError(t, fs.Initialize(context.Background()))

	adapter := persist.NewSyncAdapter(fs)
	t.Cleanup(func() { adapter.Shutdown() })

	return NewControlTower(adapter)
}

func TestControlTowerClearForTakeoffLifecycle(t *testing.T) {
	tower := newTestControlTower(t)

	htlc := &lnwire.UpdateAddHTLC{PaymentHash: [32]byte{9, 9, 9}}

	require.NoError(t, tower.ClearForTakeoff(htlc))
	require.ErrorIs(t, tower.ClearForTakeoff(htlc), ErrPaymentInFlight)

	require.NoError(t, tower.Success(htlc.PaymentHash))
	require.ErrorIs(t, tower.ClearForTakeoff(htlc), ErrAlreadyPaid)
	require.ErrorIs(t, tower.Success(htlc.PaymentHash), ErrPaymentAlreadyCompleted)
}

func TestControlTowerFailAllowsRetry(t *testing.T) {
	tower := newTestControlTower(t)

	htlc := &lnwire.UpdateAddHTLC{PaymentHash: [32]byte{4, 4, 4}}

	require.NoError(t, tower.ClearForTakeoff(htlc))
	require.NoError(t, tower.Fail(htlc.PaymentHash))
	require.NoError(t, tower.ClearForTakeoff(htlc))
}

// testLink is a minimal ChannelLink double for exercising the switch's
// forwarding decisions without a live channelmanager.
type testLink struct {
	chanID      lnwire.ChannelID
	shortChanID lnwire.ShortChannelID
	peer        [33]byte
	bandwidth   lnwire.MilliSatoshi
	eligible    bool

	received []*HTLCPacket
}

func (l *testLink) ChanID() lnwire.ChannelID           { return l.chanID }
func (l *testLink) ShortChanID() lnwire.ShortChannelID { return l.shortChanID }
func (l *testLink) PeerPubKey() [33]byte               { return l.peer }
func (l *testLink) EligibleToForward() bool            { return l.eligible }
func (l *testLink) Bandwidth() lnwire.MilliSatoshi      { return l.bandwidth }
func (l *testLink) Start() error                       { return nil }
func (l *testLink) Stop()                              {}

func (l *testLink) HandleSwitchPacket(pkt *HTLCPacket) error {
	l.received = append(l.received, pkt)
	return nil
}

func newSwitch(t *testing.T) *Switch {
	t.Helper()
	sw := New(Config{}, newTestControlTower(t))
	require.NoError(t, sw.Start())
	t.Cleanup(func() { sw.Stop() })
	return sw
}

func TestSwitchForwardsToEligibleLinkWithSufficientBandwidth(t *testing.T) {
	sw := newSwitch(t)

	peer := [33]byte{1}
	incoming := &testLink{
		chanID:      lnwire.ChannelID{0xA},
		shortChanID: lnwire.ShortChannelID{BlockHeight: 1},
		peer:        [33]byte{2},
		bandwidth:   1_000_000,
		eligible:    true,
	}
	outgoing := &testLink{
		chanID:      lnwire.ChannelID{0xB},
		shortChanID: lnwire.ShortChannelID{BlockHeight: 2},
		peer:        peer,
		bandwidth:   500_000,
		eligible:    true,
	}

	require.NoError(t, sw.AddLink(incoming))
	require.NoError(t, sw.AddLink(outgoing))

	err := sw.forward(&HTLCPacket{
		incomingChanID: incoming.shortChanID,
		incomingHTLCID: 1,
		outgoingChanID: outgoing.shortChanID,
		outgoingHTLCID: 1,
		htlc: &lnwire.UpdateAddHTLC{
			PaymentHash: [32]byte{5},
			Amount:      200_000,
		},
	})
	require.NoError(t, err)
	require.Len(t, outgoing.received, 1)
	require.Equal(t, 1, sw.circuits.NumOpen())
}

func TestSwitchFailsBackWhenOutgoingLinkHasInsufficientBandwidth(t *testing.T) {
	sw := newSwitch(t)

	incoming := &testLink{
		chanID:      lnwire.ChannelID{0xA},
		shortChanID: lnwire.ShortChannelID{BlockHeight: 1},
		peer:        [33]byte{2},
		bandwidth:   1_000_000,
		eligible:    true,
	}
	outgoing := &testLink{
		chanID:      lnwire.ChannelID{0xB},
		shortChanID: lnwire.ShortChannelID{BlockHeight: 2},
		peer:        [33]byte{3},
		bandwidth:   1_000,
		eligible:    true,
	}

	require.NoError(t, sw.AddLink(incoming))
	require.NoError(t, sw.AddLink(outgoing))

	err := sw.forward(&HTLCPacket{
		incomingChanID: incoming.shortChanID,
		incomingHTLCID: 1,
		outgoingChanID: outgoing.shortChanID,
		outgoingHTLCID: 1,
		htlc: &lnwire.UpdateAddHTLC{
			PaymentHash: [32]byte{5},
			Amount:      200_000,
		},
	})
	require.Error(t, err)
	require.Len(t, incoming.received, 1)
	require.Equal(t, 0, sw.circuits.NumOpen())
}
