package contractcourt

import (
	"context"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btclog"

	"github.com/lampo-project/lampo/channeldb"
)

var log btclog.Logger = btclog.Disabled

// UseLogger sets the package-level logger used by contractcourt.
func UseLogger(l btclog.Logger) {
	log = l
}

// Broadcaster is the subset of chainntfs.ChainBackend a JusticeGenerator
// needs: somewhere to hand a finished sweep transaction.
type Broadcaster interface {
	BroadcastTx(ctx context.Context, tx *wire.MsgTx) error
}

// ChainMonitor is the aggregate named "ChainMonitor" in spec §4.4: it owns
// one Monitor per channel and exposes the channel-wide Confirm interface
// the ChainReconciler drives. Confirmation events are applied to every
// Monitor that cares, and a justice transaction is built and broadcast the
// moment a confirmed transaction matches a recorded revoked commitment.
type ChainMonitor struct {
	mu sync.RWMutex

	monitors map[wire.OutPoint]*Monitor

	store   *channeldb.ChannelStore
	justice *JusticeGenerator

	bestHeight int32
}

// New constructs an empty ChainMonitor. Call LoadMonitor once per channel
// (including on restart, before any Confirm call) to populate it.
func New(store *channeldb.ChannelStore, justice *JusticeGenerator) *ChainMonitor {
	return &ChainMonitor{
		monitors: make(map[wire.OutPoint]*Monitor),
		store:    store,
		justice:  justice,
	}
}

// LoadMonitor registers a Monitor for funding outpoint op, either freshly
// created or rehydrated from persist.Store on restart.
func (c *ChainMonitor) LoadMonitor(m *Monitor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.monitors[m.FundingOutpoint] = m
}

// RemoveMonitor drops a channel's Monitor once its close has fully
// resolved on chain.
func (c *ChainMonitor) RemoveMonitor(op wire.OutPoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.monitors, op)
}

// RestoreFromChannels rehydrates one Monitor per channel from
// persist.Store, per spec §3/§4.4's restart invariant: a channel whose
// monitor is missing or stale is reported so the caller (channelmanager)
// can decide how to proceed rather than silently resuming from a gap.
func (c *ChainMonitor) RestoreFromChannels(channels []*channeldb.Channel) error {
	for _, ch := range channels {
		snapshot, err := c.store.GetMonitor(ch)
		if err != nil {
			return fmt.Errorf("contractcourt: restore monitor for channel %x: %w",
				ch.ChannelID, err)
		}
		m := NewMonitor(snapshot, c.store).WithChannelKeysID(ch.ChannelKeysID)
		c.LoadMonitor(m)
	}
	return nil
}

// BestBlockUpdated implements the Confirm surface's tip tracker. Per spec
// §4.4, the best block is monotonic for the aggregate as a whole.
func (c *ChainMonitor) BestBlockUpdated(height int32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if height <= c.bestHeight {
		return nil
	}
	c.bestHeight = height
	return nil
}

// TxWithPos is one confirmed transaction and its position within the
// block it confirmed in, per spec §4.4's transactions_confirmed.
type TxWithPos struct {
	Tx     *wire.MsgTx
	Height int32
	Index  int32
}

// TransactionsConfirmed applies a batch of confirmations to every Monitor
// that recognizes one of the transactions, per spec §4.4. A transaction
// matching a monitor's own commitment txid records the confirmation; one
// matching a recorded revoked-commitment txid triggers justice.
func (c *ChainMonitor) TransactionsConfirmed(txs []TxWithPos) error {
	c.mu.RLock()
	monitors := make([]*Monitor, 0, len(c.monitors))
	for _, m := range c.monitors {
		monitors = append(monitors, m)
	}
	c.mu.RUnlock()

	for _, entry := range txs {
		txid := entry.Tx.TxHash()

		for _, m := range monitors {
			if breach, ok := m.matchBreach(txid); ok {
				if _, err := m.markConfirmed(txid, entry.Height, entry.Index); err != nil {
					return err
				}
				if c.justice != nil {
					if err := c.justice.Punish(m, breach); err != nil {
						log.Errorf("contractcourt: justice tx for %v failed: %v",
							m.FundingOutpoint, err)
					}
				}
				continue
			}

			if m.snapshot.CommitTx != nil && m.snapshot.CommitTx.TxHash() == txid {
				if _, err := m.markConfirmed(txid, entry.Height, entry.Index); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// TransactionUnconfirmed implements the Confirm surface's reorg path: a
// previously-confirmed txid is no longer in the best chain.
func (c *ChainMonitor) TransactionUnconfirmed(txid chainhash.Hash) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, m := range c.monitors {
		m.unmark(txid)
	}
	return nil
}

// GetRelevantTxids implements get_relevant_txids: the union of what every
// monitor wants re-checked on next poll.
func (c *ChainMonitor) GetRelevantTxids() []chainhash.Hash {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seen := make(map[chainhash.Hash]struct{})
	var out []chainhash.Hash
	for _, m := range c.monitors {
		for _, txid := range m.Txids() {
			if _, ok := seen[txid]; ok {
				continue
			}
			seen[txid] = struct{}{}
			out = append(out, txid)
		}
	}
	return out
}

// matchBreach reports whether txid is a revoked commitment transaction
// this monitor recorded, returning the RevokedState describing how to
// punish it.
func (m *Monitor) matchBreach(txid chainhash.Hash) (channeldb.RevokedState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rs := range m.snapshot.RevokedStates {
		if rs.CommitTxid == txid {
			return rs, true
		}
	}
	return channeldb.RevokedState{}, false
}
