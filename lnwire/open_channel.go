package lnwire

import (
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// OpenChannel is the first message of BOLT-2's funding workflow: the
// initiator proposes a channel's parameters and hands over the basepoints
// it'll use to derive every future per-commitment keyset.
type OpenChannel struct {
	ChainHash            chainhash.Hash
	PendingChannelID     [32]byte
	FundingAmount        uint64
	PushAmount           MilliSatoshi
	DustLimit            uint64
	MaxValueInFlight     MilliSatoshi
	ChannelReserve       uint64
	HTLCMinimum          MilliSatoshi
	FeePerKiloWeight     uint32
	CSVDelay             uint16
	MaxAcceptedHTLCs     uint16
	FundingKey           *btcec.PublicKey
	RevocationPoint      *btcec.PublicKey
	PaymentPoint         *btcec.PublicKey
	DelayedPaymentPoint  *btcec.PublicKey
	HTLCPoint            *btcec.PublicKey
	FirstCommitmentPoint *btcec.PublicKey
	ChannelFlags         uint8

	// ExtraData is the raw, optional TLV stream trailing the fixed
	// fields above (BOLT-2's upfront_shutdown_script extension).
	ExtraData []byte
}

// UpfrontShutdownScript decodes the optional upfront_shutdown_script TLV
// extension, returning nil if the peer didn't send one.
func (c *OpenChannel) UpfrontShutdownScript() ([]byte, error) {
	return decodeUpfrontShutdownScript(c.ExtraData)
}

// SetUpfrontShutdownScript encodes script into ExtraData's TLV stream.
func (c *OpenChannel) SetUpfrontShutdownScript(script []byte) error {
	extra, err := encodeUpfrontShutdownScript(script)
	if err != nil {
		return err
	}
	c.ExtraData = extra
	return nil
}

var _ Message = (*OpenChannel)(nil)

func (c *OpenChannel) Decode(r io.Reader, pver uint32) error {
	return readElements(r,
		&c.ChainHash, &c.PendingChannelID, &c.FundingAmount,
		&c.PushAmount, &c.DustLimit, &c.MaxValueInFlight,
		&c.ChannelReserve, &c.HTLCMinimum, &c.FeePerKiloWeight,
		&c.CSVDelay, &c.MaxAcceptedHTLCs, &c.FundingKey,
		&c.RevocationPoint, &c.PaymentPoint, &c.DelayedPaymentPoint,
		&c.HTLCPoint, &c.FirstCommitmentPoint, &c.ChannelFlags,
		&c.ExtraData,
	)
}

func (c *OpenChannel) Encode(w io.Writer, pver uint32) error {
	return writeElements(w,
		c.ChainHash, c.PendingChannelID, c.FundingAmount,
		c.PushAmount, c.DustLimit, c.MaxValueInFlight,
		c.ChannelReserve, c.HTLCMinimum, c.FeePerKiloWeight,
		c.CSVDelay, c.MaxAcceptedHTLCs, c.FundingKey,
		c.RevocationPoint, c.PaymentPoint, c.DelayedPaymentPoint,
		c.HTLCPoint, c.FirstCommitmentPoint, c.ChannelFlags,
		c.ExtraData,
	)
}

func (c *OpenChannel) MsgType() MessageType {
	return MsgOpenChannel
}

func (c *OpenChannel) MaxPayloadLength(uint32) uint32 {
	return MaxMessagePayload
}
