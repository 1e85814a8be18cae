package lnwire

import (
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
)

// RevokeAndAck is sent after receiving and validating a CommitSig: it
// reveals the per-commitment secret for the now-superseded commitment
// (irrevocably giving the counterparty the right to punish a broadcast of
// it) and advertises the point the sender will use for its next one.
type RevokeAndAck struct {
	ChanID ChannelID

	Revocation           [32]byte
	NextPerCommitPoint *btcec.PublicKey
}

var _ Message = (*RevokeAndAck)(nil)

func (c *RevokeAndAck) Decode(r io.Reader, pver uint32) error {
	return readElements(r, &c.ChanID, &c.Revocation, &c.NextPerCommitPoint)
}

func (c *RevokeAndAck) Encode(w io.Writer, pver uint32) error {
	return writeElements(w, c.ChanID, c.Revocation, c.NextPerCommitPoint)
}

func (c *RevokeAndAck) MsgType() MessageType {
	return MsgRevokeAndAck
}

func (c *RevokeAndAck) MaxPayloadLength(uint32) uint32 {
	return 32 + 32 + 33
}
