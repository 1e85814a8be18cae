package lnwire

import "io"

// UpdateFailHTLC fails a previously added HTLC. Reason is the Sphinx-onion
// encrypted failure blob built by htlcswitch, opaque at the wire layer.
type UpdateFailHTLC struct {
	ChanID ChannelID
	ID     uint64
	Reason []byte
}

var _ Message = (*UpdateFailHTLC)(nil)

func (c *UpdateFailHTLC) Decode(r io.Reader, pver uint32) error {
	return readElements(r, &c.ChanID, &c.ID, &c.Reason)
}

func (c *UpdateFailHTLC) Encode(w io.Writer, pver uint32) error {
	return writeElements(w, c.ChanID, c.ID, c.Reason)
}

func (c *UpdateFailHTLC) MsgType() MessageType {
	return MsgUpdateFailHTLC
}

func (c *UpdateFailHTLC) MaxPayloadLength(uint32) uint32 {
	return MaxMessagePayload
}
