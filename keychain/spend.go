package keychain

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// OutputDescriptorKind discriminates the four spendable-output shapes a
// ChannelMonitor can hand to the KeyManager for finalization.
type OutputDescriptorKind int

const (
	// StaticPaymentOutput is our balance output on the counterparty's
	// commitment transaction (option_static_remotekey / anchors): spent
	// directly with our payment basepoint key, no CSV delay.
	StaticPaymentOutput OutputDescriptorKind = iota

	// DelayedPaymentOutput is our balance output on our own commitment
	// transaction: spendable only after the to-self-delay CSV using the
	// delayed payment basepoint tweaked by the per-commitment point.
	DelayedPaymentOutput

	// StaticOutput is any other output whose spending key is a bare
	// basepoint with no per-commitment tweak (e.g. a to-remote P2WPKH
	// output that never needed tweaking).
	StaticOutput

	// RevokedOutput is a counterparty's old to_local output, spendable
	// by us only because they broadcast a commitment they had already
	// revoked: the spending key is the revocation private key derived
	// from our revocation basepoint and the per-commitment secret they
	// handed over at revoke_and_ack time.
	RevokedOutput
)

// SpendableOutputDescriptor names one output a ChannelMonitor wants swept
// and the channel context required to re-derive the key that spends it.
type SpendableOutputDescriptor struct {
	Kind OutputDescriptorKind

	Outpoint wire.OutPoint
	Output   wire.TxOut

	ChannelKeysID   [32]byte
	ChannelValueSat uint64

	// PerCommitmentPoint is required for DelayedPaymentOutput; it tweaks
	// the delayed payment basepoint into the actual per-commitment key.
	PerCommitmentPoint *btcec.PublicKey

	// ToSelfDelay is the relative CSV delay encoded in the script,
	// required to build the correct sequence number for
	// DelayedPaymentOutput.
	ToSelfDelay uint16

	// PerCommitmentSecret is the counterparty's revealed per-commitment
	// secret for the breached commitment height, required for
	// RevokedOutput.
	PerCommitmentSecret [32]byte

	// WitnessScript is the exact to_local witness script the breached
	// commitment used (its OP_IF revocation branch needs the specific
	// local-delayed-key/to_self_delay that were live at that height, not
	// the channel's current ones), required for RevokedOutput.
	WitnessScript []byte

	SigHashType byte
}

// signerFor lazily derives (or returns from the single-entry cache) the
// ChannelSigner for a descriptor's channel_keys_id.
func (k *KeyManager) signerFor(desc *SpendableOutputDescriptor) (*ChannelSigner, error) {
	if k.signerCache != nil && k.signerCache.ChannelKeysID == desc.ChannelKeysID {
		return k.signerCache, nil
	}
	signer, err := k.DeriveChannelKeys(desc.ChannelValueSat, desc.ChannelKeysID)
	if err != nil {
		return nil, err
	}
	k.signerCache = signer
	return signer, nil
}

// spendingKeyAndScript derives the private key and expected witness program
// for one descriptor, per its Kind.
func (k *KeyManager) spendingKeyAndScript(desc *SpendableOutputDescriptor) (*btcec.PrivateKey, []byte, error) {
	signer, err := k.signerFor(desc)
	if err != nil {
		return nil, nil, err
	}

	switch desc.Kind {
	case StaticPaymentOutput, StaticOutput:
		priv := signer.PaymentBaseKey
		pkh := btcutil.Hash160(priv.PubKey().SerializeCompressed())
		script, err := txscript.NewScriptBuilder().
			AddOp(txscript.OP_0).AddData(pkh).Script()
		return priv, script, err

	case DelayedPaymentOutput:
		if desc.PerCommitmentPoint == nil {
			return nil, nil, fmt.Errorf("keychain: delayed payment output missing per-commitment point")
		}
		tweak := SingleTweakBytes(desc.PerCommitmentPoint, signer.DelayedPaymentBaseKey.PubKey())
		tweaked := TweakPrivKey(signer.DelayedPaymentBaseKey, tweak)
		witnessScript, err := delayedPaymentWitnessScript(tweaked.PubKey(), desc.ToSelfDelay)
		return tweaked, witnessScript, err

	case RevokedOutput:
		if len(desc.WitnessScript) == 0 {
			return nil, nil, fmt.Errorf("keychain: revoked output missing witness script")
		}
		priv, err := DeriveRevocationPrivKey(signer.RevocationBaseKey, desc.PerCommitmentSecret)
		if err != nil {
			return nil, nil, err
		}
		return priv, desc.WitnessScript, nil

	default:
		return nil, nil, fmt.Errorf("keychain: unknown output descriptor kind %d", desc.Kind)
	}
}

// delayedPaymentWitnessScript builds the standard BOLT-3 to-local output
// script redeemable by our delayed key after to_self_delay blocks.
func delayedPaymentWitnessScript(delayedPubKey *btcec.PublicKey, toSelfDelay uint16) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddData(delayedPubKey.SerializeCompressed()).
		AddOp(txscript.OP_CHECKSIGVERIFY).
		AddInt64(int64(toSelfDelay)).
		AddOp(txscript.OP_CHECKSEQUENCEVERIFY).
		Script()
}

// SignSpendableOutputsPSBT finalizes witnesses for every descriptor against
// the matching input of psbt, by previous-outpoint equality. Fails if any
// descriptor cannot be matched to an input or any derived key disagrees
// with the output's script.
func (k *KeyManager) SignSpendableOutputsPSBT(descriptors []*SpendableOutputDescriptor, pkt *psbt.Packet) error {
	for _, desc := range descriptors {
		idx := -1
		for i, txIn := range pkt.UnsignedTx.TxIn {
			if txIn.PreviousOutPoint == desc.Outpoint {
				idx = i
				break
			}
		}
		if idx == -1 {
			return ErrDescriptorNotMatched
		}

		priv, expectedScript, err := k.spendingKeyAndScript(desc)
		if err != nil {
			return err
		}
		if !bytes.Equal(expectedScript, desc.Output.PkScript) &&
			desc.Kind != DelayedPaymentOutput && desc.Kind != RevokedOutput {
			return fmt.Errorf("keychain: derived key disagrees with output script for outpoint %v", desc.Outpoint)
		}

		witness, err := signWitness(priv, pkt.UnsignedTx, idx, &desc.Output, desc.Kind, expectedScript)
		if err != nil {
			return err
		}
		pkt.Inputs[idx].FinalScriptWitness = witness
	}
	return nil
}

// signWitness produces the final witness stack for one input.
func signWitness(priv *btcec.PrivateKey, tx *wire.MsgTx, idx int, out *wire.TxOut, kind OutputDescriptorKind, witnessScript []byte) ([]byte, error) {
	sigHashes := txscript.NewTxSigHashes(tx, txscript.NewCannedPrevOutputFetcher(out.PkScript, out.Value))

	switch kind {
	case DelayedPaymentOutput:
		sig, err := txscript.RawTxInWitnessSignature(
			tx, sigHashes, idx, out.Value, witnessScript,
			txscript.SigHashAll, priv,
		)
		if err != nil {
			return nil, err
		}
		// commitScriptToSelf's OP_ELSE branch: <sig> <> <witness_script>.
		// A P2WSH witness must end with the exact script the output's
		// hash commits to, or the interpreter has nothing to execute.
		return witnessToWire([][]byte{sig, nil, witnessScript})

	case RevokedOutput:
		// Takes commitScriptToSelf's OP_IF branch: <sig> <1> <witness_script>.
		sig, err := txscript.RawTxInWitnessSignature(
			tx, sigHashes, idx, out.Value, witnessScript,
			txscript.SigHashAll, priv,
		)
		if err != nil {
			return nil, err
		}
		return witnessToWire([][]byte{sig, {0x01}, witnessScript})

	default:
		sig, err := txscript.RawTxInWitnessSignature(
			tx, sigHashes, idx, out.Value, witnessScript,
			txscript.SigHashAll, priv,
		)
		if err != nil {
			return nil, err
		}
		return witnessToWire([][]byte{sig, priv.PubKey().SerializeCompressed()})
	}
}

// witnessToWire serializes a witness stack (some elements may be nil, which
// the delayed-payment branch uses to signal "no second-stage key push") into
// the flat <count><len><bytes>... encoding PSBT's FinalScriptWitness field
// expects, matching wire.MsgTx's own witness serialization.
func witnessToWire(stack [][]byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := wire.WriteVarInt(&buf, 0, uint64(len(stack))); err != nil {
		return nil, err
	}
	for _, elem := range stack {
		if elem == nil {
			elem = []byte{}
		}
		if err := wire.WriteVarBytes(&buf, 0, elem); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
