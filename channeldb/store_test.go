package channeldb

import (
	"context"
	"os"
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/lampo-project/lampo/persist"
)

func newTestStore(t *testing.T) *ChannelStore {
	t.Helper()

	dir, err := os.MkdirTemp("", "channeldb-test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	fs := persist.NewFSStore(dir)
	require.NoError(t, fs.Initialize(context.Background()))

	adapter := persist.NewSyncAdapter(fs)
	t.Cleanup(func() { adapter.Shutdown() })

	return NewChannelStore(adapter)
}

func testChannel() *Channel {
	return &Channel{
		ChannelID:           [32]byte{1, 2, 3},
		CounterpartyNodeID:  [33]byte{2},
		FundingOutpoint:     wire.OutPoint{Index: 0},
		CapacitySat:         1_000_000,
		ToSelfBalanceMsat:   900_000_000,
		ToRemoteBalanceMsat: 100_000_000,
		NextCommitmentNum:   1,
		State:               StateNormal,
		PendingHTLCs: []HTLC{
			{HTLCIndex: 1, AmountMsat: 5000, CltvExpiry: 500, Incoming: true},
		},
	}
}

func TestEncodeDecodeChannelRoundTrips(t *testing.T) {
	c := testChannel()
	raw, err := EncodeChannel(c)
	require.NoError(t, err)

	got, err := DecodeChannel(raw)
	require.NoError(t, err)
	require.Equal(t, c, got)
}

func TestManagerSnapshotRoundTrips(t *testing.T) {
	store := newTestStore(t)

	channels := []*Channel{testChannel(), testChannel()}
	channels[1].FundingOutpoint.Index = 1

	require.NoError(t, store.PutManagerSnapshot(channels))

	got, err := store.GetManagerSnapshot()
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, channels[0].CapacitySat, got[0].CapacitySat)
}

func TestGetManagerSnapshotMissingReturnsErrNoActiveChannels(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetManagerSnapshot()
	require.ErrorIs(t, err, ErrNoActiveChannels)
}

func TestMonitorStaleAgainstChannelIsRejected(t *testing.T) {
	store := newTestStore(t)

	c := testChannel()
	c.NextCommitmentNum = 5

	m := &ChannelMonitor{
		FundingOutpoint:  c.FundingOutpoint,
		CommitmentNumber: 1,
	}
	require.NoError(t, store.PutMonitor(m))

	_, err := store.GetMonitor(c)
	require.ErrorIs(t, err, ErrStaleMonitor)
}

func TestMonitorFreshAgainstChannelIsAccepted(t *testing.T) {
	store := newTestStore(t)

	c := testChannel()
	c.NextCommitmentNum = 5

	m := &ChannelMonitor{
		FundingOutpoint:  c.FundingOutpoint,
		CommitmentNumber: 4,
		WatchedOutputs: []WatchedOutput{
			{Outpoint: wire.OutPoint{Index: 0}, Script: []byte{0x00, 0x14}},
		},
	}
	require.NoError(t, store.PutMonitor(m))

	got, err := store.GetMonitor(c)
	require.NoError(t, err)
	require.Equal(t, m.CommitmentNumber, got.CommitmentNumber)
	require.Len(t, got.WatchedOutputs, 1)
}

func TestListMonitorsReturnsAllKeys(t *testing.T) {
	store := newTestStore(t)

	for i := uint32(0); i < 3; i++ {
		m := &ChannelMonitor{FundingOutpoint: wire.OutPoint{Index: i}}
		require.NoError(t, store.PutMonitor(m))
	}

	keys, err := store.ListMonitors()
	require.NoError(t, err)
	require.Len(t, keys, 3)
}
