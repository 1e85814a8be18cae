// Package channeldb holds the durable shapes of channel and monitor
// state (spec §3) and the PersistenceStore-backed store that reads and
// writes them (spec §4.4). It owns no bucket/B-tree format of its own;
// all durability is delegated to persist.SyncAdapter, keyed exactly as
// spec §6 documents ("manager", "monitors/<funding_txid>_<vout>").
package channeldb

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// ChannelState is one of the states a Channel moves through, per spec §3.
type ChannelState uint8

const (
	StateOpening ChannelState = iota
	StateFundingBroadcast
	StateFundingLocked
	StateNormal
	StateShuttingDown
	StateClosed
)

func (s ChannelState) String() string {
	switch s {
	case StateOpening:
		return "Opening"
	case StateFundingBroadcast:
		return "FundingBroadcast"
	case StateFundingLocked:
		return "FundingLocked"
	case StateNormal:
		return "Normal"
	case StateShuttingDown:
		return "ShuttingDown"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// HTLC is one in-flight HTLC tracked on a Channel's pending_htlcs list.
type HTLC struct {
	HTLCIndex     uint64
	AmountMsat    uint64
	PaymentHash   [32]byte
	CltvExpiry    uint32
	Incoming      bool
	OnionBlob     []byte
}

// Channel is the durable snapshot of one channel's state, per spec §3.
// It is created on open-accept, mutated on every commitment update, and
// destroyed only after its ChannelMonitor is fully reconciled.
type Channel struct {
	ChannelID           [32]byte
	ShortChannelID      uint64 // zero until confirmed
	CounterpartyNodeID  [33]byte
	FundingOutpoint     wire.OutPoint
	ChannelKeysID       [32]byte
	CapacitySat         uint64
	ToSelfBalanceMsat   uint64
	ToRemoteBalanceMsat uint64
	PendingHTLCs        []HTLC
	NextCommitmentNum   uint64
	RevokedCommitTxs    []chainhash.Hash

	State ChannelState
}

// MonitorKey returns the persist.Store key a Channel's ChannelMonitor is
// stored under, per spec §6: "monitors/<funding_txid>_<vout>".
func (c *Channel) MonitorKey() string {
	return monitorKey(c.FundingOutpoint)
}

func monitorKey(op wire.OutPoint) string {
	return "monitors/" + op.Hash.String() + "_" + uitoa(uint64(op.Index))
}

func uitoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
