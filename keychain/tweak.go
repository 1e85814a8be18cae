package keychain

import (
	"crypto/sha256"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
)

// SingleTweakBytes computes the standard BOLT-3 per-commitment tweak:
// SHA256(per_commitment_point || base_point), used to derive the localkey/
// remotekey/delayedkey actually placed in a commitment transaction from the
// channel's static basepoints.
func SingleTweakBytes(perCommitmentPoint, basePoint *btcec.PublicKey) [32]byte {
	h := sha256.New()
	h.Write(perCommitmentPoint.SerializeCompressed())
	h.Write(basePoint.SerializeCompressed())
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// TweakPrivKey adds tweak to priv modulo the curve order, the private-key
// side of SingleTweakBytes: pubkey(TweakPrivKey(priv, tweak)) ==
// TweakPubKey(priv.PubKey(), tweak).
func TweakPrivKey(priv *btcec.PrivateKey, tweak [32]byte) *btcec.PrivateKey {
	privInt := new(big.Int).SetBytes(priv.Serialize())
	tweakInt := new(big.Int).SetBytes(tweak[:])

	curveOrder := btcec.S256().N
	privInt.Add(privInt, tweakInt)
	privInt.Mod(privInt, curveOrder)

	tweaked, _ := btcec.PrivKeyFromBytes(privInt.Bytes())
	return tweaked
}

// TweakPubKey is TweakPrivKey's public-key analogue: it adds tweak*G to
// basePoint without ever needing the corresponding private key, for
// deriving the counterparty's delayed/payment keys from the basepoints
// they disclosed in open_channel/accept_channel.
func TweakPubKey(basePoint *btcec.PublicKey, tweak [32]byte) *btcec.PublicKey {
	tweakPoint := scalarBaseMult(tweak)

	var baseJacobian btcec.JacobianPoint
	basePoint.AsJacobian(&baseJacobian)

	var sum btcec.JacobianPoint
	btcec.AddNonConst(&tweakPoint, &baseJacobian, &sum)
	sum.ToAffine()

	return btcec.NewPublicKey(&sum.X, &sum.Y)
}

// DeriveRevocationPubKey is DeriveRevocationPrivKey's public-key analogue:
// it computes the revocation public key from the two basepoints alone,
// for verifying a commitment's to_local script (or building the
// counterparty's commitment transaction for them) before any secret for
// that height has been revealed.
//
//	revocationpubkey = revocation_basepoint * SHA256(revocation_basepoint || per_commitment_point)
//	                 + per_commitment_point * SHA256(per_commitment_point || revocation_basepoint)
func DeriveRevocationPubKey(revocationBasePoint, perCommitmentPoint *btcec.PublicKey) *btcec.PublicKey {
	h1 := sha256.New()
	h1.Write(revocationBasePoint.SerializeCompressed())
	h1.Write(perCommitmentPoint.SerializeCompressed())
	var revocationTweak [32]byte
	copy(revocationTweak[:], h1.Sum(nil))

	h2 := sha256.New()
	h2.Write(perCommitmentPoint.SerializeCompressed())
	h2.Write(revocationBasePoint.SerializeCompressed())
	var commitmentTweak [32]byte
	copy(commitmentTweak[:], h2.Sum(nil))

	term1 := scalarMult(revocationBasePoint, revocationTweak)
	term2 := scalarMult(perCommitmentPoint, commitmentTweak)

	var sum btcec.JacobianPoint
	btcec.AddNonConst(&term1, &term2, &sum)
	sum.ToAffine()

	return btcec.NewPublicKey(&sum.X, &sum.Y)
}

// scalarMult multiplies point by scalar, both given in the forms that
// show up constantly in the tweak arithmetic above: a compressed pubkey
// and a 32-byte big-endian scalar.
func scalarMult(point *btcec.PublicKey, scalar [32]byte) btcec.JacobianPoint {
	var k btcec.ModNScalar
	k.SetBytes(&scalar)

	var p btcec.JacobianPoint
	point.AsJacobian(&p)

	var result btcec.JacobianPoint
	btcec.ScalarMultNonConst(&k, &p, &result)
	return result
}

// scalarBaseMult computes scalar*G.
func scalarBaseMult(scalar [32]byte) btcec.JacobianPoint {
	var k btcec.ModNScalar
	k.SetBytes(&scalar)

	var result btcec.JacobianPoint
	btcec.ScalarBaseMultNonConst(&k, &result)
	return result
}

// DeriveRevocationPrivKey computes the BOLT-3 revocation private key once a
// counterparty has revoked a commitment by handing us its per-commitment
// secret:
//
//	revocationprivkey = revocation_basepoint_secret * SHA256(revocation_basepoint || per_commitment_point)
//	                  + per_commitment_secret       * SHA256(per_commitment_point || revocation_basepoint)
//	                  (mod n)
//
// Knowing this key is what lets us sweep the revoked to_local output should
// the counterparty ever broadcast that old commitment.
func DeriveRevocationPrivKey(revocationBaseKey *btcec.PrivateKey, perCommitmentSecret [32]byte) (*btcec.PrivateKey, error) {
	perCommitmentPriv, perCommitmentPub := btcec.PrivKeyFromBytes(perCommitmentSecret[:])

	revocationBasePoint := revocationBaseKey.PubKey()

	h1 := sha256.New()
	h1.Write(revocationBasePoint.SerializeCompressed())
	h1.Write(perCommitmentPub.SerializeCompressed())
	revocationTweak := h1.Sum(nil)

	h2 := sha256.New()
	h2.Write(perCommitmentPub.SerializeCompressed())
	h2.Write(revocationBasePoint.SerializeCompressed())
	commitmentTweak := h2.Sum(nil)

	curveOrder := btcec.S256().N

	term1 := new(big.Int).Mul(
		new(big.Int).SetBytes(revocationBaseKey.Serialize()),
		new(big.Int).SetBytes(revocationTweak),
	)
	term1.Mod(term1, curveOrder)

	term2 := new(big.Int).Mul(
		new(big.Int).SetBytes(perCommitmentPriv.Serialize()),
		new(big.Int).SetBytes(commitmentTweak),
	)
	term2.Mod(term2, curveOrder)

	sum := new(big.Int).Add(term1, term2)
	sum.Mod(sum, curveOrder)

	priv, _ := btcec.PrivKeyFromBytes(sum.Bytes())
	return priv, nil
}
