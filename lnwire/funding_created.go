package lnwire

import (
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// FundingCreated is sent by the funder once the funding transaction has
// been constructed (but not yet broadcast), carrying its outpoint and the
// funder's signature on the fundee's initial commitment transaction.
type FundingCreated struct {
	PendingChannelID [32]byte
	FundingTxid      chainhash.Hash
	FundingOutputIdx uint16
	CommitSig        [64]byte
}

var _ Message = (*FundingCreated)(nil)

func (c *FundingCreated) Decode(r io.Reader, pver uint32) error {
	return readElements(r,
		&c.PendingChannelID, &c.FundingTxid, &c.FundingOutputIdx,
		&c.CommitSig,
	)
}

func (c *FundingCreated) Encode(w io.Writer, pver uint32) error {
	return writeElements(w,
		c.PendingChannelID, c.FundingTxid, c.FundingOutputIdx,
		c.CommitSig,
	)
}

func (c *FundingCreated) MsgType() MessageType {
	return MsgFundingCreated
}

func (c *FundingCreated) MaxPayloadLength(uint32) uint32 {
	return 32 + 32 + 2 + 64
}

// FundingSigned completes the funding handshake: the fundee's signature on
// the funder's initial commitment transaction, after which the funder may
// broadcast the funding transaction.
type FundingSigned struct {
	ChanID    ChannelID
	CommitSig [64]byte
}

var _ Message = (*FundingSigned)(nil)

func (c *FundingSigned) Decode(r io.Reader, pver uint32) error {
	return readElements(r, &c.ChanID, &c.CommitSig)
}

func (c *FundingSigned) Encode(w io.Writer, pver uint32) error {
	return writeElements(w, c.ChanID, c.CommitSig)
}

func (c *FundingSigned) MsgType() MessageType {
	return MsgFundingSigned
}

func (c *FundingSigned) MaxPayloadLength(uint32) uint32 {
	return 32 + 64
}
