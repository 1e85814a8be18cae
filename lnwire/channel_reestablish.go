package lnwire

import (
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
)

// ChannelReestablish is exchanged immediately after reconnecting to a peer
// with an existing channel, per BOLT-2's reestablishment procedure: each
// side reports its next expected commitment number and the last revocation
// secret it received, letting the other detect and recover from any state
// mismatch left by the disconnection.
type ChannelReestablish struct {
	ChanID              ChannelID
	NextLocalCommitHeight  uint64
	NextRemoteRevokeHeight uint64

	// LastRemoteCommitSecret is the per-commitment secret for the
	// counterparty's last revoked commitment, proving the sender hasn't
	// lost state. Zero if this is the first ever reestablish.
	LastRemoteCommitSecret [32]byte

	// LocalUnrevokedCommitPoint is the sender's current, unrevoked
	// per-commitment point, needed by the counterparty if it must
	// retransmit a revoke_and_ack.
	LocalUnrevokedCommitPoint *btcec.PublicKey
}

var _ Message = (*ChannelReestablish)(nil)

func (c *ChannelReestablish) Decode(r io.Reader, pver uint32) error {
	return readElements(r,
		&c.ChanID, &c.NextLocalCommitHeight, &c.NextRemoteRevokeHeight,
		&c.LastRemoteCommitSecret, &c.LocalUnrevokedCommitPoint,
	)
}

func (c *ChannelReestablish) Encode(w io.Writer, pver uint32) error {
	return writeElements(w,
		c.ChanID, c.NextLocalCommitHeight, c.NextRemoteRevokeHeight,
		c.LastRemoteCommitSecret, c.LocalUnrevokedCommitPoint,
	)
}

func (c *ChannelReestablish) MsgType() MessageType {
	return MsgChannelReestablish
}

func (c *ChannelReestablish) MaxPayloadLength(uint32) uint32 {
	return 32 + 8 + 8 + 32 + 33
}
