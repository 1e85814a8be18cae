package lnwire

import "io"

// Error is sent by either side to signal a protocol violation or internal
// error for a specific channel, or, with an all-zero ChanID, for the
// connection as a whole. Per BOLT-1, the recipient should close the named
// channel (or the connection) on receipt.
type Error struct {
	ChanID ChannelID
	Data   []byte
}

// NewError creates a new Error message.
func NewError(cid ChannelID, data []byte) *Error {
	return &Error{ChanID: cid, Data: data}
}

var _ Message = (*Error)(nil)

func (c *Error) Decode(r io.Reader, pver uint32) error {
	return readElements(r, &c.ChanID, &c.Data)
}

func (c *Error) Encode(w io.Writer, pver uint32) error {
	return writeElements(w, c.ChanID, c.Data)
}

func (c *Error) MsgType() MessageType {
	return MsgError
}

func (c *Error) MaxPayloadLength(uint32) uint32 {
	return MaxMessagePayload
}
