// Package eventbus implements the node's multi-producer/multi-consumer
// broadcast of Events. Every subscriber receives its own copy of the Event
// wrapper, but the OnChain/Lightning/Inventory payload it points to is
// shared by all subscribers.
package eventbus

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
)

// Kind discriminates the three Event super-categories named in spec §3.
type Kind int

const (
	KindOnChain Kind = iota
	KindLightning
	KindInventory
)

// Event is the tagged variant every subscriber receives. Exactly one of
// OnChain/Lightning/Inventory is non-nil, matching its Kind.
type Event struct {
	Kind Kind

	OnChain   *OnChainEvent
	Lightning *LightningEvent
	Inventory *InventoryEvent
}

// Clone returns an independent deep-enough copy suitable for handing to a
// second subscriber -- the structs referenced are themselves treated as
// immutable once constructed, so this is a shallow copy of the Event
// wrapper; callers MUST NOT mutate the embedded block/transaction after
// publishing.
func (e Event) Clone() Event {
	return e
}

// OnChainEventKind discriminates the six on-chain event shapes of spec §3.
type OnChainEventKind int

const (
	EvNewBestBlock OnChainEventKind = iota
	EvNewBlock
	EvConfirmedTransaction
	EvUnconfirmedTransaction
	EvDiscardedTransaction
	EvSendRawTransaction
)

// OnChainEvent carries one on-chain notification. Only the fields relevant
// to Kind are populated; the rest are the type's zero value.
type OnChainEvent struct {
	Kind OnChainEventKind

	BlockHeader *wire.BlockHeader
	Height      int32

	Block *wire.MsgBlock

	Tx       *wire.MsgTx
	VoutIdx  uint32
	TxID     chainhashLike

	Err error
}

// chainhashLike avoids importing chainhash here for just one field type
// while keeping a stable, comparable value; callers pass chainhash.Hash.
type chainhashLike = [32]byte

// LightningEventKind discriminates the Lightning-layer events of spec §3.
type LightningEventKind int

const (
	EvPeerConnect LightningEventKind = iota
	EvChannelPending
	EvChannelReady
	EvFundingChannelStart
	EvFundingChannelEnd
	EvPaymentEvent
	EvChannelEvent
	EvCloseChannelEvent
)

// PaymentState is the terminal or in-flight state of a dispatched payment.
type PaymentState int

const (
	PaymentInFlight PaymentState = iota
	PaymentSuccess
	PaymentFailure
)

// LightningEvent carries one Lightning-layer notification.
type LightningEvent struct {
	Kind LightningEventKind

	PeerID         [33]byte
	ChannelID      [32]byte
	ShortChannelID uint64

	Capacity btcutil.Amount

	FundingTx *wire.MsgTx

	PaymentHash  [32]byte
	PaymentState PaymentState
	AmountMsat   uint64
	FailureMsg   string

	Ready bool
}

// InventoryEventKind discriminates node inventory refresh notifications
// (peer list / channel list changed), used by long-lived observers such as
// a JSON-RPC bridge (out of scope here, but still a valid subscriber).
type InventoryEventKind int

const (
	EvPeerListChanged InventoryEventKind = iota
	EvChannelListChanged
)

// InventoryEvent signals that a snapshot-style view has changed without
// carrying the new snapshot itself -- subscribers re-query the owning
// component.
type InventoryEvent struct {
	Kind InventoryEventKind
}

// NewOnChainEvent wraps an OnChainEvent as a publishable Event.
func NewOnChainEvent(ev OnChainEvent) Event {
	e := ev
	return Event{Kind: KindOnChain, OnChain: &e}
}

// NewLightningEvent wraps a LightningEvent as a publishable Event.
func NewLightningEvent(ev LightningEvent) Event {
	e := ev
	return Event{Kind: KindLightning, Lightning: &e}
}

// NewInventoryEvent wraps an InventoryEvent as a publishable Event.
func NewInventoryEvent(ev InventoryEvent) Event {
	e := ev
	return Event{Kind: KindInventory, Inventory: &e}
}
