package keychain

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

// SignCommitSig produces the raw 64-byte r||s signature that
// lnwire.CommitSig/FundingCreated/FundingSigned carry over a commitment
// transaction's sighash -- BOLT-3's commitment_signed has no room for a
// DER envelope, just the two fixed-width scalars.
func SignCommitSig(priv *btcec.PrivateKey, sigHash []byte) ([64]byte, error) {
	var out [64]byte
	sig, err := signLowS(priv, sigHash)
	if err != nil {
		return out, err
	}
	r, s := sig.R(), sig.S()
	rBytes := r.Bytes()
	sBytes := s.Bytes()
	copy(out[0:32], rBytes[:])
	copy(out[32:64], sBytes[:])
	return out, nil
}

// VerifyCommitSig checks a raw 64-byte r||s commitment signature against
// sigHash and the counterparty's funding public key, reassembling it into
// a verifiable signature the same way zpay32's invoice decoder turns a
// compact recoverable signature back into one.
func VerifyCommitSig(pub *btcec.PublicKey, sigHash []byte, sig [64]byte) bool {
	r := new(btcec.ModNScalar)
	r.SetByteSlice(sig[0:32])
	s := new(btcec.ModNScalar)
	s.SetByteSlice(sig[32:64])

	return ecdsa.NewSignature(r, s).Verify(sigHash, pub)
}
