package lnwire

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"
)

func randPub(t *testing.T) *btcec.PublicKey {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return priv.PubKey()
}

func roundTrip(t *testing.T, msg Message) Message {
	t.Helper()

	var buf bytes.Buffer
	_, err := WriteMessage(&buf, msg, 0)
	require.NoError(t, err)

	got, err := ReadMessage(&buf, 0)
	require.NoError(t, err)
	return got
}

func TestFundingLockedRoundTrip(t *testing.T) {
	msg := NewFundingLocked(ChannelID{1, 2, 3}, randPub(t))
	got := roundTrip(t, msg)

	fl, ok := got.(*FundingLocked)
	require.True(t, ok)
	require.Equal(t, msg.ChanID, fl.ChanID)
	require.True(t, msg.NextPerCommitmentPoint.IsEqual(fl.NextPerCommitmentPoint))
}

func TestUpdateAddHTLCRoundTrip(t *testing.T) {
	msg := &UpdateAddHTLC{
		ChanID: ChannelID{9},
		ID:     42,
		Amount: 500_000,
		Expiry: 144,
	}
	msg.PaymentHash[0] = 0xAB
	msg.OnionBlob[0] = 0xFF

	got := roundTrip(t, msg)
	add, ok := got.(*UpdateAddHTLC)
	require.True(t, ok)
	require.Equal(t, msg.ID, add.ID)
	require.Equal(t, msg.Amount, add.Amount)
	require.Equal(t, msg.PaymentHash, add.PaymentHash)
	require.Equal(t, msg.OnionBlob, add.OnionBlob)
}

func TestCommitSigRoundTripWithMultipleHTLCSigs(t *testing.T) {
	msg := &CommitSig{ChanID: ChannelID{1}}
	msg.CommitSig[0] = 0x01
	msg.HtlcSigs = [][64]byte{{0x02}, {0x03}}

	got := roundTrip(t, msg)
	cs, ok := got.(*CommitSig)
	require.True(t, ok)
	require.Equal(t, msg.CommitSig, cs.CommitSig)
	require.Equal(t, msg.HtlcSigs, cs.HtlcSigs)
}

func TestRevokeAndAckRoundTrip(t *testing.T) {
	msg := &RevokeAndAck{ChanID: ChannelID{7}, NextPerCommitPoint: randPub(t)}
	msg.Revocation[0] = 0x55

	got := roundTrip(t, msg)
	ra, ok := got.(*RevokeAndAck)
	require.True(t, ok)
	require.Equal(t, msg.Revocation, ra.Revocation)
	require.True(t, msg.NextPerCommitPoint.IsEqual(ra.NextPerCommitPoint))
}

func TestOpenChannelUpfrontShutdownScriptRoundTrip(t *testing.T) {
	msg := &OpenChannel{
		FundingAmount: 1_000_000,
		FundingKey:    randPub(t),
		RevocationPoint:      randPub(t),
		PaymentPoint:         randPub(t),
		DelayedPaymentPoint:  randPub(t),
		HTLCPoint:            randPub(t),
		FirstCommitmentPoint: randPub(t),
	}
	require.NoError(t, msg.SetUpfrontShutdownScript([]byte{0x00, 0x14, 0x01}))

	got := roundTrip(t, msg)
	oc, ok := got.(*OpenChannel)
	require.True(t, ok)

	script, err := oc.UpfrontShutdownScript()
	require.NoError(t, err)
	require.Equal(t, []byte{0x00, 0x14, 0x01}, script)
}

func TestShortChannelIDPacksAndUnpacks(t *testing.T) {
	scid := ShortChannelID{BlockHeight: 500_000, TxIndex: 12, TxPosition: 3}
	got := NewShortChanIDFromInt(scid.ToUint64())
	require.Equal(t, scid, got)
}

func TestUnknownMessageTypeErrors(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF})

	_, err := ReadMessage(&buf, 0)
	require.Error(t, err)
}
