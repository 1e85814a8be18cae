package handler

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/lampo-project/lampo/chainntfs"
	"github.com/lampo-project/lampo/eventbus"
	"github.com/lampo-project/lampo/keychain"
	"github.com/lampo-project/lampo/lnwire"
	"github.com/lampo-project/lampo/persist"
)

// fakeClient is a no-op chainntfs.Client double, enough to satisfy the
// interface without a live bitcoind -- Handler.New never calls it
// directly (only chainntfs.ChainBackend.Run does, once started), so
// every method just returns a harmless zero value.
type fakeClient struct{}

func (fakeClient) GetBlockChainInfo(ctx context.Context) (*chainntfs.BlockChainInfo, error) {
	return &chainntfs.BlockChainInfo{Chain: "regtest"}, nil
}
func (fakeClient) GetBlockHash(ctx context.Context, height int32) (*chainhash.Hash, error) {
	return &chainhash.Hash{}, nil
}
func (fakeClient) GetBlock(ctx context.Context, hash *chainhash.Hash) (*wire.MsgBlock, error) {
	return wire.NewMsgBlock(wire.NewBlockHeader(0, &chainhash.Hash{}, &chainhash.Hash{}, 0, 0)), nil
}
func (fakeClient) GetRawTransaction(ctx context.Context, txid *chainhash.Hash) (*wire.MsgTx, error) {
	return wire.NewMsgTx(2), nil
}
func (fakeClient) GetTransactionConfirmations(ctx context.Context, txid *chainhash.Hash) (int64, error) {
	return 0, nil
}
func (fakeClient) SendRawTransaction(ctx context.Context, tx *wire.MsgTx) (*chainhash.Hash, error) {
	h := tx.TxHash()
	return &h, nil
}
func (fakeClient) EstimateSmartFee(ctx context.Context, targetBlocks int64) (int64, bool, error) {
	return 0, false, nil
}
func (fakeClient) GetMempoolInfo(ctx context.Context) (*chainntfs.MempoolInfo, error) {
	return &chainntfs.MempoolInfo{}, nil
}

func testHandler(t *testing.T) *Handler {
	t.Helper()

	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i + 1)
	}
	km, err := keychain.NewKeyManager(seed, 0, 0, &chaincfg.RegressionNetParams)
	require.NoError(t, err)

	fs := persist.NewFSStore(t.TempDir())
	require.NoError(t, fs.Initialize(context.Background()))
	adapter := persist.NewSyncAdapter(fs)
	t.Cleanup(func() { adapter.Shutdown() })

	h, err := New(Config{
		KeyManager:        km,
		Store:             adapter,
		RPCClient:         fakeClient{},
		NetParams:         &chaincfg.RegressionNetParams,
		Network:           "regtest",
		ListenAddrs:       []string{"127.0.0.1:0"},
		DefaultCSVDelay:   144,
		MaxAcceptedHTLCs:  30,
		DustLimitSat:      546,
		ChannelReserveSat: 10_000,
		HTLCMinimumMsat:   lnwire.MilliSatoshi(1000),
		FeePerKW:          2500,
		MinFundingDepth:   3,
	})
	require.NoError(t, err)
	return h
}

func TestNewWiresEveryComponent(t *testing.T) {
	h := testHandler(t)

	require.NotNil(t, h.ChannelManager())
	require.NotNil(t, h.Wallet())
	require.NotNil(t, h.PeerManager())
	require.NotNil(t, h.Offchain())
}

func TestSubscribeReceivesPublishedEvents(t *testing.T) {
	h := testHandler(t)

	sub := h.Subscribe(eventbus.Critical)
	defer sub.Cancel()

	h.bus.Publish(eventbus.NewLightningEvent(eventbus.LightningEvent{
		Kind: eventbus.EvChannelReady,
	}))

	ev := <-sub.Events()
	require.Equal(t, eventbus.KindLightning, ev.Kind)
	require.Equal(t, eventbus.EvChannelReady, ev.Lightning.Kind)
}

func TestStartAndStopTearsDownCleanly(t *testing.T) {
	h := testHandler(t)

	require.NoError(t, h.Start(context.Background()))
	h.Stop()
}
