package lnwire

import "io"

// Ping is sent periodically to check the liveness of the connection and, via
// NumPongBytes, to ask the recipient to pad its reply for traffic analysis
// resistance, per BOLT-1.
type Ping struct {
	NumPongBytes uint16
	PaddingBytes []byte
}

var _ Message = (*Ping)(nil)

func (c *Ping) Decode(r io.Reader, pver uint32) error {
	return readElements(r, &c.NumPongBytes, &c.PaddingBytes)
}

func (c *Ping) Encode(w io.Writer, pver uint32) error {
	return writeElements(w, c.NumPongBytes, c.PaddingBytes)
}

func (c *Ping) MsgType() MessageType {
	return MsgPing
}

func (c *Ping) MaxPayloadLength(uint32) uint32 {
	return MaxMessagePayload
}

// Pong replies to a Ping, padded out to the requested length.
type Pong struct {
	PongBytes []byte
}

var _ Message = (*Pong)(nil)

func (c *Pong) Decode(r io.Reader, pver uint32) error {
	return readElements(r, &c.PongBytes)
}

func (c *Pong) Encode(w io.Writer, pver uint32) error {
	return writeElements(w, c.PongBytes)
}

func (c *Pong) MsgType() MessageType {
	return MsgPong
}

func (c *Pong) MaxPayloadLength(uint32) uint32 {
	return MaxMessagePayload
}
