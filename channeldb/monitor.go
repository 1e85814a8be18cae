package channeldb

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// WatchedOutput is one on-chain output a ChannelMonitor must track for
// spends, per spec §3 (commitment outputs, HTLC outputs, anchors).
type WatchedOutput struct {
	Outpoint wire.OutPoint
	Script   []byte
}

// RevokedState is everything ChannelMonitor needs to sweep a breach: the
// per-commitment point and the secret that derives the revocation key,
// keyed by commitment number, per spec §3 ("all prior revocation keys
// from the remote").
type RevokedState struct {
	CommitmentNum uint64

	// CommitTxid is the txid of the remote commitment transaction this
	// state revokes -- what a JusticeGenerator matches a confirmed
	// transaction against to recognize a breach.
	CommitTxid chainhash.Hash

	PerCommitPoint     [33]byte
	RevocationPreimage [32]byte

	// ToLocalOutpoint/ToLocalValueSat/ToLocalScript/ToSelfDelay describe
	// the revoked commitment's to_local output (paying the counterparty,
	// now ours to sweep): the exact witness script it used, since that
	// script embeds the to_self_delay and local-delayed-key that were
	// live at that commitment height.
	ToLocalOutpoint wire.OutPoint
	ToLocalValueSat uint64
	ToLocalScript   []byte
	ToSelfDelay     uint16
}

// ChannelMonitor is the standalone, chain-facing half of a channel's
// state, per spec §3: it holds enough to react to a broadcast commitment
// transaction (ours, the counterparty's latest, or a breach) without
// needing the channel-manager state machine to be running. It is
// written to persist.Store before the channel-manager snapshot on every
// state transition, and read back first on restart (spec §4.4's
// monitor-before-manager ordering).
type ChannelMonitor struct {
	FundingOutpoint wire.OutPoint

	// CommitTx/CommitSig are our latest valid local commitment
	// transaction and the counterparty's signature over it.
	CommitTx  *wire.MsgTx
	CommitSig []byte

	CommitmentNumber uint64

	RevokedStates []RevokedState

	WatchedOutputs []WatchedOutput

	ClosingTxid *wire.OutPoint // set once a close is confirmed, nil otherwise
}

// IsStaleAgainst reports whether m is older than a Channel snapshot it
// is meant to be paired with, per spec §3's restart invariant: the
// monitor's commitment number must never trail the channel's.
func (m *ChannelMonitor) IsStaleAgainst(c *Channel) bool {
	return m.CommitmentNumber < c.NextCommitmentNum-1
}
