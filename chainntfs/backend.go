package chainntfs

import (
	"context"
	"errors"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btclog"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/lampo-project/lampo/eventbus"
)

// FeeFloorSatPerKw is the compiled-in floor fee rate returned by
// FeeRateEstimation when the node is on regtest or the estimator is
// unavailable, exported so lnwallet can reuse the same constant.
const FeeFloorSatPerKw = 253

// DefaultPollInterval is the poller's default interval, per spec §4.3.
const DefaultPollInterval = 120

var errFatalBackend = errors.New("chainntfs: fatal backend error, poller terminating")

// watchedOutput is one (txid, script) pair a ChannelMonitor asked us to
// watch -- the "others_txs" watchlist of spec §4.3.
type watchedOutput struct {
	Txid   chainhash.Hash
	Script []byte
}

// ChainBackend polls a Bitcoin RPC endpoint on a timer and emits an ordered
// stream of OnChainEvents onto an eventbus.Bus. It owns no channel state of
// its own; it is purely an event source the ChainReconciler drives the
// rest of the node from.
type ChainBackend struct {
	client Client
	bus    *eventbus.Bus
	ticker ticker.Ticker

	mu         sync.Mutex
	bestHeight int32
	lastHash   chainhash.Hash

	oursTxs   map[chainhash.Hash]struct{}
	othersTxs []watchedOutput

	// confirmedSinceRestart tracks which of oursTxs have already been
	// re-emitted as ConfirmedTransaction once since process start, per
	// the Open Question (a) resolution in SPEC_FULL.md: re-emit exactly
	// once per restart, never again thereafter.
	confirmedSinceRestart map[chainhash.Hash]struct{}

	shutdown chan struct{}
	done     chan struct{}

	log btclog.Logger
}

// Config bundles ChainBackend's construction parameters.
type Config struct {
	Client       Client
	Bus          *eventbus.Bus
	PollInterval ticker.Ticker
	Log          btclog.Logger
}

// New constructs a ChainBackend. The caller must call Run to begin
// polling.
func New(cfg Config) *ChainBackend {
	l := cfg.Log
	if l == nil {
		l = btclog.Disabled
	}
	return &ChainBackend{
		client:                 cfg.Client,
		bus:                    cfg.Bus,
		ticker:                 cfg.PollInterval,
		oursTxs:                make(map[chainhash.Hash]struct{}),
		confirmedSinceRestart:  make(map[chainhash.Hash]struct{}),
		shutdown:               make(chan struct{}),
		done:                   make(chan struct{}),
		log:                    l,
	}
}

// WatchScript registers a (txid, script) pair a ChannelMonitor wants
// rechecked on every subsequent block, per spec §3's UTXO watchlist.
func (b *ChainBackend) WatchScript(txid chainhash.Hash, script []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.othersTxs = append(b.othersTxs, watchedOutput{Txid: txid, Script: script})
}

// Run executes the poll loop until Stop is called or a fatal error occurs.
// It checks the shutdown flag once per iteration, per spec §5.
func (b *ChainBackend) Run(ctx context.Context) {
	defer close(b.done)

	b.ticker.Resume()
	defer b.ticker.Stop()

	for {
		select {
		case <-b.shutdown:
			return
		case <-ctx.Done():
			return
		case <-b.ticker.Ticks():
			if err := b.pollOnce(ctx); err != nil {
				if isFatal(err) {
					pollFailuresTotal.WithLabelValues("true").Inc()
					b.log.Errorf("chainntfs: fatal poll error, terminating: %v", err)
					b.bus.Publish(eventbus.NewOnChainEvent(eventbus.OnChainEvent{
						Kind: eventbus.EvDiscardedTransaction,
						Err:  err,
					}))
					return
				}
				pollFailuresTotal.WithLabelValues("false").Inc()
				b.log.Warnf("chainntfs: transient poll error, retrying next iteration: %v", err)
			}
		}
	}
}

// Stop signals the poll loop to exit and waits for it to do so.
func (b *ChainBackend) Stop() {
	close(b.shutdown)
	<-b.done
}

type transientIface interface{ IsTransient() bool }

func isFatal(err error) bool {
	var t transientIface
	if errors.As(err, &t) {
		return !t.IsTransient()
	}
	return false
}

// pollOnce runs exactly one iteration of the algorithm in spec §4.3.
func (b *ChainBackend) pollOnce(ctx context.Context) error {
	info, err := b.client.GetBlockChainInfo(ctx)
	if err != nil {
		return err
	}

	b.mu.Lock()
	hasWatches := len(b.othersTxs) > 0
	fromHeight := b.bestHeight + 1
	b.mu.Unlock()

	if hasWatches {
		if err := b.scanRange(ctx, fromHeight, info.Blocks); err != nil {
			return err
		}
	} else if info.Blocks > b.currentHeight() {
		if err := b.scanTipOnly(ctx, info.Blocks); err != nil {
			return err
		}
	}

	if err := b.processOurTxs(ctx); err != nil {
		return err
	}

	return nil
}

func (b *ChainBackend) currentHeight() int32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bestHeight
}

// scanRange scans every block from `from` to `to` inclusive, in order,
// emitting ConfirmedTransaction for watched outputs plus NewBestBlock/
// NewBlock for each height advanced -- the "others_txs non-empty" branch of
// spec §4.3 step 2.
func (b *ChainBackend) scanRange(ctx context.Context, from, to int32) error {
	for h := from; h <= to; h++ {
		hash, err := b.client.GetBlockHash(ctx, h)
		if err != nil {
			return err
		}
		block, err := b.client.GetBlock(ctx, hash)
		if err != nil {
			return err
		}

		b.mu.Lock()
		b.bestHeight = h
		b.lastHash = *hash
		b.mu.Unlock()

		header := block.Header
		b.bus.Publish(eventbus.NewOnChainEvent(eventbus.OnChainEvent{
			Kind:        eventbus.EvNewBestBlock,
			BlockHeader: &header,
			Height:      h,
		}))
		b.bus.Publish(eventbus.NewOnChainEvent(eventbus.OnChainEvent{
			Kind:  eventbus.EvNewBlock,
			Block: block,
			Height: h,
		}))

		b.scanBlockForWatchedOutputs(block, h)
	}
	return nil
}

// scanTipOnly fetches only the new tip block when there is nothing in
// othersTxs to watch for -- spec §4.3 step 3.
func (b *ChainBackend) scanTipOnly(ctx context.Context, tipHeight int32) error {
	hash, err := b.client.GetBlockHash(ctx, tipHeight)
	if err != nil {
		return err
	}
	block, err := b.client.GetBlock(ctx, hash)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.bestHeight = tipHeight
	b.lastHash = *hash
	b.mu.Unlock()

	header := block.Header
	b.bus.Publish(eventbus.NewOnChainEvent(eventbus.OnChainEvent{
		Kind:        eventbus.EvNewBestBlock,
		BlockHeader: &header,
		Height:      tipHeight,
	}))

	b.scanBlockForWatchedOutputs(block, tipHeight)
	return nil
}

// scanBlockForWatchedOutputs emits ConfirmedTransaction for every watched
// txid that appears in block, then clears it from othersTxs (spec §3:
// "cleared on confirmation").
func (b *ChainBackend) scanBlockForWatchedOutputs(block *wire.MsgBlock, height int32) {
	b.mu.Lock()
	remaining := b.othersTxs[:0]
	watched := make(map[chainhash.Hash][]byte, len(b.othersTxs))
	for _, w := range b.othersTxs {
		watched[w.Txid] = w.Script
	}
	b.mu.Unlock()

	confirmedAny := false
	header := block.Header
	for voutIdx, tx := range block.Transactions {
		txid := tx.TxHash()
		if _, ok := watched[txid]; ok {
			b.bus.Publish(eventbus.NewOnChainEvent(eventbus.OnChainEvent{
				Kind:        eventbus.EvConfirmedTransaction,
				Tx:          tx,
				VoutIdx:     uint32(voutIdx),
				BlockHeader: &header,
				Height:      height,
				TxID:        txid,
			}))
			delete(watched, txid)
			confirmedAny = true
		}
	}

	if confirmedAny {
		b.mu.Lock()
		filtered := remaining[:0]
		for _, w := range b.othersTxs {
			if _, stillWatched := watched[w.Txid]; stillWatched {
				filtered = append(filtered, w)
			}
		}
		b.othersTxs = filtered
		b.mu.Unlock()
	}
}

// processOurTxs implements spec §4.3 step 4: query every tx we broadcast
// ourselves, classify it, and emit the matching event; confirmed entries
// are dropped from ours_txs (the monitor takes over from there).
func (b *ChainBackend) processOurTxs(ctx context.Context) error {
	b.mu.Lock()
	txids := make([]chainhash.Hash, 0, len(b.oursTxs))
	for txid := range b.oursTxs {
		txids = append(txids, txid)
	}
	b.mu.Unlock()

	for _, txid := range txids {
		confs, err := b.client.GetTransactionConfirmations(ctx, &txid)
		if err != nil {
			b.log.Warnf("chainntfs: unable to classify our tx %v: %v", txid, err)
			continue
		}

		switch {
		case confs > 0:
			b.mu.Lock()
			_, alreadySeen := b.confirmedSinceRestart[txid]
			if !alreadySeen {
				b.confirmedSinceRestart[txid] = struct{}{}
			}
			b.mu.Unlock()

			// Open Question (a): re-emit exactly once per restart
			// even if already confirmed before this process
			// started.
			if !alreadySeen {
				b.bus.Publish(eventbus.NewOnChainEvent(eventbus.OnChainEvent{
					Kind: eventbus.EvConfirmedTransaction,
					TxID: txid,
				}))
			}
			b.mu.Lock()
			delete(b.oursTxs, txid)
			b.mu.Unlock()

		case confs == 0:
			b.bus.Publish(eventbus.NewOnChainEvent(eventbus.OnChainEvent{
				Kind: eventbus.EvUnconfirmedTransaction,
				TxID: txid,
			}))

		default: // confs < 0: conflicting/discarded
			b.bus.Publish(eventbus.NewOnChainEvent(eventbus.OnChainEvent{
				Kind: eventbus.EvDiscardedTransaction,
				TxID: txid,
			}))
			b.mu.Lock()
			delete(b.oursTxs, txid)
			b.mu.Unlock()
		}
	}
	return nil
}

// BroadcastTx sends tx via sendrawtransaction; on success it is added to
// ours_txs and any overlapping watched output is dropped from othersTxs,
// per spec §4.3's "Broadcast" section.
func (b *ChainBackend) BroadcastTx(ctx context.Context, tx *wire.MsgTx) error {
	txid, err := b.client.SendRawTransaction(ctx, tx)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.oursTxs[*txid] = struct{}{}
	filtered := b.othersTxs[:0]
	for _, w := range b.othersTxs {
		if w.Txid != *txid {
			filtered = append(filtered, w)
		}
	}
	b.othersTxs = filtered
	b.mu.Unlock()

	b.bus.Publish(eventbus.NewOnChainEvent(eventbus.OnChainEvent{
		Kind: eventbus.EvSendRawTransaction,
		Tx:   tx,
		TxID: *txid,
	}))
	return nil
}

// FeeRateEstimation returns a fee rate in sat/kW for confirmation within
// targetBlocks, falling back to FeeFloorSatPerKw on regtest or when the
// estimator has no data, per spec §4.3.
func (b *ChainBackend) FeeRateEstimation(ctx context.Context, targetBlocks int64, isRegtest bool) (int64, error) {
	if isRegtest {
		return FeeFloorSatPerKw, nil
	}

	rate, ok, err := b.client.EstimateSmartFee(ctx, targetBlocks)
	if err != nil {
		return 0, err
	}
	if !ok || rate <= 0 {
		return FeeFloorSatPerKw, nil
	}
	if rate < FeeFloorSatPerKw {
		return FeeFloorSatPerKw, nil
	}
	return rate, nil
}
