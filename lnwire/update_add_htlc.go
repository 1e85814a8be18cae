package lnwire

import "io"

// OnionPacketSize is the fixed size of a Sphinx onion routing packet, per
// BOLT-4: one version byte, an ephemeral pubkey, a payload of 20
// fixed-size hop payloads, and a HMAC.
const OnionPacketSize = 1366

// UpdateAddHTLC adds a new HTLC to the sender's outgoing commitment: an
// amount, a payment hash, a CLTV expiry, and the onion packet describing
// how the receiving node should continue forwarding it.
type UpdateAddHTLC struct {
	ChanID      ChannelID
	ID          uint64
	Amount      MilliSatoshi
	PaymentHash [32]byte
	Expiry      uint32

	OnionBlob [OnionPacketSize]byte
}

var _ Message = (*UpdateAddHTLC)(nil)

func (c *UpdateAddHTLC) Decode(r io.Reader, pver uint32) error {
	if err := readElements(r,
		&c.ChanID, &c.ID, &c.Amount, &c.PaymentHash, &c.Expiry,
	); err != nil {
		return err
	}

	_, err := io.ReadFull(r, c.OnionBlob[:])
	return err
}

func (c *UpdateAddHTLC) Encode(w io.Writer, pver uint32) error {
	if err := writeElements(w,
		c.ChanID, c.ID, c.Amount, c.PaymentHash, c.Expiry,
	); err != nil {
		return err
	}
	_, err := w.Write(c.OnionBlob[:])
	return err
}

func (c *UpdateAddHTLC) MsgType() MessageType {
	return MsgUpdateAddHTLC
}

func (c *UpdateAddHTLC) MaxPayloadLength(uint32) uint32 {
	return MaxMessagePayload
}
