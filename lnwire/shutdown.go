package lnwire

import "io"

// Shutdown begins BOLT-2's cooperative close flow: the sender will accept
// no new HTLCs on this channel and proposes the script its share of the
// closing transaction should pay out to.
type Shutdown struct {
	ChanID      ChannelID
	Address     []byte
}

// NewShutdown creates a new Shutdown message.
func NewShutdown(cid ChannelID, addr []byte) *Shutdown {
	return &Shutdown{ChanID: cid, Address: addr}
}

var _ Message = (*Shutdown)(nil)

func (c *Shutdown) Decode(r io.Reader, pver uint32) error {
	return readElements(r, &c.ChanID, &c.Address)
}

func (c *Shutdown) Encode(w io.Writer, pver uint32) error {
	return writeElements(w, c.ChanID, c.Address)
}

func (c *Shutdown) MsgType() MessageType {
	return MsgShutdown
}

func (c *Shutdown) MaxPayloadLength(uint32) uint32 {
	return MaxMessagePayload
}

// ClosingSigned carries one round of the closing-transaction fee
// negotiation: a proposed fee and the sender's signature on a closing
// transaction paying that fee. Negotiation continues until both sides
// agree on the same fee.
type ClosingSigned struct {
	ChanID   ChannelID
	FeeSat   uint64
	Sig      [64]byte
}

var _ Message = (*ClosingSigned)(nil)

func (c *ClosingSigned) Decode(r io.Reader, pver uint32) error {
	return readElements(r, &c.ChanID, &c.FeeSat, &c.Sig)
}

func (c *ClosingSigned) Encode(w io.Writer, pver uint32) error {
	return writeElements(w, c.ChanID, c.FeeSat, c.Sig)
}

func (c *ClosingSigned) MsgType() MessageType {
	return MsgClosingSigned
}

func (c *ClosingSigned) MaxPayloadLength(uint32) uint32 {
	return 32 + 8 + 64
}
