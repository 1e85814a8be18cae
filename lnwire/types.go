package lnwire

import (
	"fmt"

	"github.com/btcsuite/btcd/wire"
)

// ChannelID is the unique identifier for a channel, computed by XOR'ing the
// funding outpoint's txid with its output index (left-padded into the last
// two bytes), per BOLT-2.
type ChannelID [32]byte

// NewChanIDFromOutPoint derives the ChannelID for a channel from its funding
// outpoint.
func NewChanIDFromOutPoint(op *wire.OutPoint) ChannelID {
	var cid ChannelID
	copy(cid[:], op.Hash[:])

	indexBytes := [2]byte{byte(op.Index >> 8), byte(op.Index)}
	cid[30] ^= indexBytes[0]
	cid[31] ^= indexBytes[1]

	return cid
}

func (c ChannelID) String() string {
	return fmt.Sprintf("%x", c[:])
}

// ShortChannelID encodes a channel's location within the chain: the block
// height and transaction index of the funding transaction, and the output
// index of the funding output, per BOLT-7's compact channel identifier.
type ShortChannelID struct {
	BlockHeight uint32
	TxIndex     uint32
	TxPosition  uint16
}

// ToUint64 packs the ShortChannelID into the wire's single 8-byte integer
// representation: 3 bytes block height, 3 bytes tx index, 2 bytes position.
func (s ShortChannelID) ToUint64() uint64 {
	return (uint64(s.BlockHeight) << 40) | (uint64(s.TxIndex) << 16) |
		uint64(s.TxPosition)
}

// NewShortChanIDFromInt unpacks a ShortChannelID from its wire representation.
func NewShortChanIDFromInt(i uint64) ShortChannelID {
	return ShortChannelID{
		BlockHeight: uint32(i >> 40),
		TxIndex:     uint32(i>>16) & 0xFFFFFF,
		TxPosition:  uint16(i),
	}
}

func (s ShortChannelID) String() string {
	return fmt.Sprintf("%dx%dx%d", s.BlockHeight, s.TxIndex, s.TxPosition)
}

// MilliSatoshi is a thousandth of a satoshi, the smallest unit the Lightning
// protocol's wire messages quote amounts in.
type MilliSatoshi uint64

// ToSatoshis truncates a MilliSatoshi value down to the nearest whole
// satoshi.
func (m MilliSatoshi) ToSatoshis() int64 {
	return int64(m / 1000)
}
