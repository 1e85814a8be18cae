package contractcourt

import (
	"context"
	"os"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/lampo-project/lampo/channeldb"
	"github.com/lampo-project/lampo/keychain"
	"github.com/lampo-project/lampo/lnwallet"
	"github.com/lampo-project/lampo/persist"
)

func testChannelStore(t *testing.T) *channeldb.ChannelStore {
	t.Helper()

	dir, err := os.MkdirTemp("", "contractcourt-test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	fs := persist.NewFSStore(dir)
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

type fakeBroadcaster struct {
	broadcast []*wire.MsgTx
}

func (f *fakeBroadcaster) BroadcastTx(_ context.Context, tx *wire.MsgTx) error {
	f.broadcast = append(f.broadcast, tx)
	return nil
}

func TestTransactionsConfirmedMarksOwnCommitmentOnce(t *testing.T) {
	store := testChannelStore(t)

	commitTx := wire.NewMsgTx(2)
	commitTx.AddTxOut(wire.NewTxOut(900_000, []byte{0x00, 0x14}))

	snapshot := &channeldb.ChannelMonitor{
		FundingOutpoint: wire.OutPoint{Index: 0},
		CommitTx:        commitTx,
	}
	m := NewMonitor(snapshot, store)

	cm := New(store, nil)
	cm.LoadMonitor(m)

	txid := commitTx.TxHash()
	entry := TxWithPos{Tx: commitTx, Height: 100, Index: 0}

	require.NoError(t, cm.TransactionsConfirmed([]TxWithPos{entry}))
	require.Contains(t, m.confirmed, txid)

	// Re-applying the identical confirmation is a no-op (replay-stable).
	require.NoError(t, cm.TransactionsConfirmed([]TxWithPos{entry}))
	require.Len(t, m.confirmed, 1)
}

func TestTransactionUnconfirmedReversesMark(t *testing.T) {
	store := testChannelStore(t)

	commitTx := wire.NewMsgTx(2)
	commitTx.AddTxOut(wire.NewTxOut(1000, []byte{0x00}))

	snapshot := &channeldb.ChannelMonitor{
		FundingOutpoint: wire.OutPoint{Index: 1},
		CommitTx:        commitTx,
	}
	m := NewMonitor(snapshot, store)

	cm := New(store, nil)
	cm.LoadMonitor(m)

	txid := commitTx.TxHash()
	require.NoError(t, cm.TransactionsConfirmed([]TxWithPos{{Tx: commitTx, Height: 10}}))
	require.Contains(t, m.confirmed, txid)

	require.NoError(t, cm.TransactionUnconfirmed(txid))
	require.NotContains(t, m.confirmed, txid)

	// Unconfirming something never confirmed is a no-op.
	require.NoError(t, cm.TransactionUnconfirmed(txid))
}

func TestBreachTriggersJusticeTransaction(t *testing.T) {
	store := testChannelStore(t)
	keys := testKeyManager(t)

	channelKeysID, err := keys.NewChannelKeysID([16]byte{1})
	require.NoError(t, err)
	signer, err := keys.DeriveChannelKeys(1_000_000, channelKeysID)
	require.NoError(t, err)

	// Build a revoked commitment's to_local output script at an
	// arbitrary per-commitment secret, matching what channelmanager
	// would have recorded at revoke_and_ack time.
	var secret [32]byte
	for i := range secret {
		secret[i] = byte(i + 7)
	}
	_, perCommitPub := btcec.PrivKeyFromBytes(secret[:])

	revocationPriv, err := keychain.DeriveRevocationPrivKey(signer.RevocationBaseKey, secret)
	require.NoError(t, err)
	_ = perCommitPub

	toLocalScript, err := lnwallet.CommitScriptToSelf(144, signer.DelayedPaymentBaseKey.PubKey(),
		revocationPriv.PubKey())
	require.NoError(t, err)

	breachedCommitTx := wire.NewMsgTx(2)
	breachedCommitTx.AddTxOut(wire.NewTxOut(500_000, []byte{0x00, 0x14}))

	fundingOutpoint := wire.OutPoint{Index: 2}
	toLocalOutpoint := wire.OutPoint{Hash: breachedCommitTx.TxHash(), Index: 0}

	snapshot := &channeldb.ChannelMonitor{
		FundingOutpoint: fundingOutpoint,
		RevokedStates: []channeldb.RevokedState{
			{
				CommitmentNum:      3,
				CommitTxid:         breachedCommitTx.TxHash(),
				RevocationPreimage: secret,
				ToLocalOutpoint:    toLocalOutpoint,
				ToLocalValueSat:    500_000,
				ToLocalScript:      toLocalScript,
				ToSelfDelay:        144,
			},
		},
	}
	m := NewMonitor(snapshot, store).WithChannelKeysID(channelKeysID)

	broadcaster := &fakeBroadcaster{}
	justice := NewJusticeGenerator(keys, broadcaster)
	cm := New(store, justice)
	cm.LoadMonitor(m)

	err = cm.TransactionsConfirmed([]TxWithPos{{Tx: breachedCommitTx, Height: 200}})
	require.NoError(t, err)

	require.Len(t, broadcaster.broadcast, 1)
	require.NotEmpty(t, broadcaster.broadcast[0].TxIn[0].Witness)
}

func TestGetRelevantTxidsUnionsMonitors(t *testing.T) {
	store := testChannelStore(t)

	tx1 := wire.NewMsgTx(2)
	tx1.AddTxOut(wire.NewTxOut(1, []byte{0x00}))
	tx2 := wire.NewMsgTx(2)
	tx2.AddTxOut(wire.NewTxOut(2, []byte{0x01}))

	cm := New(store, nil)
	cm.LoadMonitor(NewMonitor(&channeldb.ChannelMonitor{FundingOutpoint: wire.OutPoint{Index: 0}, CommitTx: tx1}, store))
	cm.LoadMonitor(NewMonitor(&channeldb.ChannelMonitor{FundingOutpoint: wire.OutPoint{Index: 1}, CommitTx: tx2}, store))

	txids := cm.GetRelevantTxids()
	require.Len(t, txids, 2)
}
