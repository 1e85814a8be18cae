package lnwire

import (
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
)

// FundingLocked is the message both parties to a new channel send once
// they've each observed the funding transaction reach sufficient depth, per
// BOLT-2's channel_ready. It carries the next per-commitment point the
// sender will use, letting the recipient begin building that commitment.
type FundingLocked struct {
	ChanID ChannelID

	// NextPerCommitmentPoint is the point the sender will use to derive
	// its next commitment transaction's keys.
	NextPerCommitmentPoint *btcec.PublicKey
}

// NewFundingLocked creates a new FundingLocked message.
func NewFundingLocked(cid ChannelID, npcp *btcec.PublicKey) *FundingLocked {
	return &FundingLocked{
		ChanID:                  cid,
		NextPerCommitmentPoint: npcp,
	}
}

var _ Message = (*FundingLocked)(nil)

func (c *FundingLocked) Decode(r io.Reader, pver uint32) error {
	return readElements(r, &c.ChanID, &c.NextPerCommitmentPoint)
}

func (c *FundingLocked) Encode(w io.Writer, pver uint32) error {
	return writeElements(w, c.ChanID, c.NextPerCommitmentPoint)
}

func (c *FundingLocked) MsgType() MessageType {
	return MsgFundingLocked
}

func (c *FundingLocked) MaxPayloadLength(uint32) uint32 {
	// ChanID(32) + NextPerCommitmentPoint(33)
	return 65
}
