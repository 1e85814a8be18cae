// Package chainntfs implements ChainBackend: the adapter that polls a
// Bitcoin full node and derives the ordered event stream the rest of the
// node core (via chainreconciler) drives its Confirm interface from.
package chainntfs

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// BlockEpoch carries the metadata of one newly connected block: kept from
// the teacher's push-based ChainNotifier shape (BlockEpoch), since
// ChainReconciler and ChannelMonitor still want "height + hash" regardless
// of whether the event that produced it came from a push subscription or,
// as here, a poll loop.
type BlockEpoch struct {
	Height int32
	Hash   *chainhash.Hash
	Header *wire.BlockHeader
}

// TxConfirmation is the positional detail of one confirmed transaction
// inside a block: its block height and its index within that block, the
// two coordinates BOLT-7 short_channel_ids are built from and that
// ChannelMonitor.transactions_confirmed needs to decide idempotence.
type TxConfirmation struct {
	BlockHeight uint32
	BlockHash   chainhash.Hash
	TxIndex     uint32
}
