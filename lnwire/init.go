package lnwire

import "io"

// Init is the first message sent by both peers after the Noise_XK handshake
// completes, per BOLT-1. GlobalFeatures/LocalFeatures are raw feature
// bitmaps; this rewrite does not negotiate any feature beyond the baseline
// BOLT-2/3 transitions channelmanager implements, so they're carried as
// opaque byte slices rather than a parsed feature-vector type.
type Init struct {
	GlobalFeatures []byte
	LocalFeatures  []byte
}

// NewInitMessage creates a new Init message.
func NewInitMessage(globalFeatures, localFeatures []byte) *Init {
	return &Init{
		GlobalFeatures: globalFeatures,
		LocalFeatures:  localFeatures,
	}
}

var _ Message = (*Init)(nil)

func (c *Init) Decode(r io.Reader, pver uint32) error {
	return readElements(r, &c.GlobalFeatures, &c.LocalFeatures)
}

func (c *Init) Encode(w io.Writer, pver uint32) error {
	return writeElements(w, c.GlobalFeatures, c.LocalFeatures)
}

func (c *Init) MsgType() MessageType {
	return MsgInit
}

func (c *Init) MaxPayloadLength(uint32) uint32 {
	return MaxMessagePayload
}
