package chainntfs

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"

	"github.com/lampo-project/lampo/eventbus"
)

type fakeClient struct {
	chainInfo BlockChainInfo
	blocks    map[int32]*wire.MsgBlock
	hashes    map[int32]chainhash.Hash
	confsByID map[chainhash.Hash]int64
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		blocks:    make(map[int32]*wire.MsgBlock),
		hashes:    make(map[int32]chainhash.Hash),
		confsByID: make(map[chainhash.Hash]int64),
	}
}

func (f *fakeClient) GetBlockChainInfo(ctx context.Context) (*BlockChainInfo, error) {
	info := f.chainInfo
	return &info, nil
}

func (f *fakeClient) GetBlockHash(ctx context.Context, height int32) (*chainhash.Hash, error) {
	h := f.hashes[height]
	return &h, nil
}

func (f *fakeClient) GetBlock(ctx context.Context, hash *chainhash.Hash) (*wire.MsgBlock, error) {
	for h, ha := range f.hashes {
		if ha == *hash {
			return f.blocks[h], nil
		}
	}
	return wire.NewMsgBlock(wire.NewBlockHeader(0, &chainhash.Hash{}, &chainhash.Hash{}, 0, 0)), nil
}

func (f *fakeClient) GetRawTransaction(ctx context.Context, txid *chainhash.Hash) (*wire.MsgTx, error) {
	return wire.NewMsgTx(2), nil
}

func (f *fakeClient) GetTransactionConfirmations(ctx context.Context, txid *chainhash.Hash) (int64, error) {
	return f.confsByID[*txid], nil
}

func (f *fakeClient) SendRawTransaction(ctx context.Context, tx *wire.MsgTx) (*chainhash.Hash, error) {
	h := tx.TxHash()
	return &h, nil
}

func (f *fakeClient) EstimateSmartFee(ctx context.Context, targetBlocks int64) (int64, bool, error) {
	return 0, false, nil
}

func (f *fakeClient) GetMempoolInfo(ctx context.Context) (*MempoolInfo, error) {
	return &MempoolInfo{}, nil
}

func addBlock(f *fakeClient, height int32, txs ...*wire.MsgTx) *wire.MsgBlock {
	header := wire.NewBlockHeader(0, &chainhash.Hash{}, &chainhash.Hash{}, 0, 0)
	block := wire.NewMsgBlock(header)
	for _, tx := range txs {
		block.AddTransaction(tx)
	}
	var hash chainhash.Hash
	hash[0] = byte(height)
	f.blocks[height] = block
	f.hashes[height] = hash
	return block
}

func TestFeeRateEstimationReturnsFloorOnRegtest(t *testing.T) {
	bus := eventbus.New()
	client := newFakeClient()
	client.chainInfo = BlockChainInfo{Chain: "regtest", Blocks: 0}

	b := New(Config{Client: client, Bus: bus, PollInterval: ticker.New(time.Hour)})

	rate, err := b.FeeRateEstimation(context.Background(), 6, true)
	require.NoError(t, err)
	require.Equal(t, int64(FeeFloorSatPerKw), rate)
}

func TestScanTipOnlyEmitsNewBestBlock(t *testing.T) {
	bus := eventbus.New()
	sub := bus.Subscribe(eventbus.BestEffort)
	defer sub.Cancel()

	client := newFakeClient()
	addBlock(client, 1)
	client.chainInfo = BlockChainInfo{Chain: "regtest", Blocks: 1}

	b := New(Config{Client: client, Bus: bus, PollInterval: ticker.New(time.Hour)})

	err := b.pollOnce(context.Background())
	require.NoError(t, err)

	select {
	case ev := <-sub.Events():
		require.Equal(t, eventbus.EvNewBestBlock, ev.OnChain.Kind)
		require.Equal(t, int32(1), ev.OnChain.Height)
	case <-time.After(2 * time.Second):
		t.Fatal("expected NewBestBlock event")
	}
}

func TestProcessOurTxsReEmitsConfirmationOnceAfterRestart(t *testing.T) {
	bus := eventbus.New()
	sub := bus.Subscribe(eventbus.BestEffort)
	defer sub.Cancel()

	client := newFakeClient()
	client.chainInfo = BlockChainInfo{Chain: "regtest", Blocks: 0}

	b := New(Config{Client: client, Bus: bus, PollInterval: ticker.New(time.Hour)})

	var txid chainhash.Hash
	txid[0] = 0xAB
	b.oursTxs[txid] = struct{}{}
	client.confsByID[txid] = 3

	require.NoError(t, b.processOurTxs(context.Background()))

	select {
	case ev := <-sub.Events():
		require.Equal(t, eventbus.EvConfirmedTransaction, ev.OnChain.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("expected ConfirmedTransaction event")
	}

	_, stillTracked := b.oursTxs[txid]
	require.False(t, stillTracked)
}

func TestBroadcastTxAddsToOursTxs(t *testing.T) {
	bus := eventbus.New()
	client := newFakeClient()

	b := New(Config{Client: client, Bus: bus, PollInterval: ticker.New(time.Hour)})

	tx := wire.NewMsgTx(2)
	err := b.BroadcastTx(context.Background(), tx)
	require.NoError(t, err)

	_, tracked := b.oursTxs[tx.TxHash()]
	require.True(t, tracked)
}
