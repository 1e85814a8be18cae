package lnwire

import (
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
)

// AcceptChannel is the funding responder's reply to OpenChannel: its own
// parameters and basepoints, after which the initiator can assemble and
// sign the funding transaction.
type AcceptChannel struct {
	PendingChannelID     [32]byte
	DustLimit            uint64
	MaxValueInFlight     MilliSatoshi
	ChannelReserve       uint64
	HTLCMinimum          MilliSatoshi
	MinAcceptDepth       uint32
	CSVDelay             uint16
	MaxAcceptedHTLCs     uint16
	FundingKey           *btcec.PublicKey
	RevocationPoint      *btcec.PublicKey
	PaymentPoint         *btcec.PublicKey
	DelayedPaymentPoint  *btcec.PublicKey
	HTLCPoint            *btcec.PublicKey
	FirstCommitmentPoint *btcec.PublicKey

	ExtraData []byte
}

// UpfrontShutdownScript decodes the optional upfront_shutdown_script TLV
// extension, returning nil if the peer didn't send one.
func (c *AcceptChannel) UpfrontShutdownScript() ([]byte, error) {
	return decodeUpfrontShutdownScript(c.ExtraData)
}

// SetUpfrontShutdownScript encodes script into ExtraData's TLV stream.
func (c *AcceptChannel) SetUpfrontShutdownScript(script []byte) error {
	extra, err := encodeUpfrontShutdownScript(script)
	if err != nil {
		return err
	}
	c.ExtraData = extra
	return nil
}

var _ Message = (*AcceptChannel)(nil)

func (c *AcceptChannel) Decode(r io.Reader, pver uint32) error {
	return readElements(r,
		&c.PendingChannelID, &c.DustLimit, &c.MaxValueInFlight,
		&c.ChannelReserve, &c.HTLCMinimum, &c.MinAcceptDepth,
		&c.CSVDelay, &c.MaxAcceptedHTLCs, &c.FundingKey,
		&c.RevocationPoint, &c.PaymentPoint, &c.DelayedPaymentPoint,
		&c.HTLCPoint, &c.FirstCommitmentPoint, &c.ExtraData,
	)
}

func (c *AcceptChannel) Encode(w io.Writer, pver uint32) error {
	return writeElements(w,
		c.PendingChannelID, c.DustLimit, c.MaxValueInFlight,
		c.ChannelReserve, c.HTLCMinimum, c.MinAcceptDepth,
		c.CSVDelay, c.MaxAcceptedHTLCs, c.FundingKey,
		c.RevocationPoint, c.PaymentPoint, c.DelayedPaymentPoint,
		c.HTLCPoint, c.FirstCommitmentPoint, c.ExtraData,
	)
}

func (c *AcceptChannel) MsgType() MessageType {
	return MsgAcceptChannel
}

func (c *AcceptChannel) MaxPayloadLength(uint32) uint32 {
	return MaxMessagePayload
}
