package keychain

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
)

// baseTxWeight is the weight of a version+locktime+in/out-count envelope
// with no witness data. SpendSpendableOutputs does not read it; its weight
// window comes from the caller's expectedMaxWeight.
const baseTxWeight = 4 * (4 + 4 + 1 + 1)

// perInputWitnessWeight is an upper bound on the weight a single descriptor
// input (signature + pubkey, or signature + empty, plus the input itself)
// can add. SpendSpendableOutputs does not read it either.
const perInputWitnessWeight = 108 + 41*4

// SpendSpendableOutputs builds a transaction spending descriptors to
// outputs (plus an optional change output at changeScript), signs every
// input via SignSpendableOutputsPSBT, and extracts the final transaction.
//
// The caller supplies expectedMaxWeight (computed from the known witness
// shapes of descriptors); the extracted transaction's weight must fall
// within [expectedMaxWeight - 3*n_inputs, expectedMaxWeight], guarding
// against a silently wrong witness construction inflating or shrinking the
// transaction relative to what the fee was budgeted for.
func (k *KeyManager) SpendSpendableOutputs(
	descriptors []*SpendableOutputDescriptor,
	outputs []*wire.TxOut,
	changeScript []byte,
	changeValueSat int64,
	locktime uint32,
	expectedMaxWeight int64,
) (*wire.MsgTx, error) {

	tx := wire.NewMsgTx(2)
	tx.LockTime = locktime

	for _, desc := range descriptors {
		txIn := wire.NewTxIn(&desc.Outpoint, nil, nil)
		// BOLT-3 to-local outputs require a relative-locktime
		// sequence number; everything else spends immediately.
		if desc.Kind == DelayedPaymentOutput {
			txIn.Sequence = uint32(desc.ToSelfDelay)
		}
		tx.AddTxIn(txIn)
	}
	for _, out := range outputs {
		tx.AddTxOut(out)
	}
	if changeScript != nil && changeValueSat > 0 {
		tx.AddTxOut(wire.NewTxOut(changeValueSat, changeScript))
	}

	pkt, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return nil, fmt.Errorf("keychain: psbt envelope construction failed: %w", err)
	}
	for i, desc := range descriptors {
		pkt.Inputs[i].WitnessUtxo = &desc.Output
	}

	if err := k.SignSpendableOutputsPSBT(descriptors, pkt); err != nil {
		return nil, err
	}

	if err := psbt.MaybeFinalizeAll(pkt); err != nil {
		return nil, fmt.Errorf("keychain: psbt finalization failed: %w", err)
	}
	finalTx, err := psbt.Extract(pkt)
	if err != nil {
		return nil, fmt.Errorf("keychain: psbt extraction failed: %w", err)
	}

	actualWeight := txWeight(finalTx)
	lowerBound := expectedMaxWeight - 3*int64(len(descriptors))
	if expectedMaxWeight > 0 && (actualWeight < lowerBound || actualWeight > expectedMaxWeight) {
		return nil, fmt.Errorf(
			"keychain: swept tx weight %d outside expected window [%d, %d]",
			actualWeight, lowerBound, expectedMaxWeight,
		)
	}

	return finalTx, nil
}

// txWeight computes standard BIP-141 transaction weight: 3*base size +
// total size (base + witness).
func txWeight(tx *wire.MsgTx) int64 {
	baseSize := tx.SerializeSizeStripped()
	totalSize := tx.SerializeSize()
	return int64(3*baseSize + totalSize)
}
