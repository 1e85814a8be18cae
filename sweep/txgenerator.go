package sweep

import (
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"

	"github.com/lampo-project/lampo/keychain"
	"github.com/lampo-project/lampo/lnwallet"
)

// DefaultMaxInputsPerTx bounds how many inputs a single sweep batches
// together, matching the teacher's own default; sweeping more than this
// many outputs at once needs multiple transactions.
const DefaultMaxInputsPerTx = 100

// nonWitnessEnvelopeWeight is the weight of a sweep transaction's
// non-witness data excluding its inputs: version, locktime, and the
// input/output count varints (each still 1 byte under
// DefaultMaxInputsPerTx), all of which enter weight at 4x per byte.
const nonWitnessEnvelopeWeight = 4 * (4 + 4 + 1 + 1)

// segwitMarkerWeight is the 2-byte segwit marker+flag, weight 1 per byte
// since it's witness data.
const segwitMarkerWeight = 2

// PartitionInputs splits sweepableInputs into one or more batches no
// larger than maxInputsPerTx, skipping any input whose value doesn't
// cover its own marginal fee contribution (a negative-yield input just
// shrinks the swept total by including it) and any batch whose swept
// total would land below the dust limit for a single P2WPKH sweep
// output. Inputs are considered highest-yield first so a batch's total
// only drops below dust once every remaining input would too.
func PartitionInputs(sweepableInputs []*Input, relayFeePerKW,
	feePerKW lnwallet.SatPerKWeight, maxInputsPerTx int) ([][]*Input, error) {

	dustLimit := txrules.GetDustThreshold(
		lnwallet.P2WPKHSize, btcutil.Amount(relayFeePerKW.FeePerKVByte()),
	)

	yields := make(map[wire.OutPoint]int64, len(sweepableInputs))
	for _, in := range sweepableInputs {
		size, err := in.witnessSizeUpperBound()
		if err != nil {
			return nil, err
		}
		fee := feePerKW.FeeForWeight(int64(size))
		yields[in.OutPoint()] = int64(in.Value()) - int64(fee)
	}

	sorted := make([]*Input, len(sweepableInputs))
	copy(sorted, sweepableInputs)
	sort.Slice(sorted, func(i, j int) bool {
		return yields[sorted[i].OutPoint()] > yields[sorted[j].OutPoint()]
	})

	var (
		batches [][]*Input
		current []*Input
		total   btcutil.Amount
	)
	flush := func() {
		if len(current) == 0 {
			return
		}
		fee, err := EstimateFee(current, lnwallet.P2WPKHSize, feePerKW)
		if err == nil && total-fee >= dustLimit {
			batches = append(batches, current)
		}
		current, total = nil, 0
	}

	for _, in := range sorted {
		if yields[in.OutPoint()] <= 0 {
			break
		}

		current = append(current, in)
		total += in.Value()

		if len(current) >= maxInputsPerTx {
			flush()
		}
	}
	flush()

	return batches, nil
}

// EstimateFee returns the fee a sweep transaction spending inputs to a
// single output of outputPkScriptSize bytes would pay at feePerKW,
// computed from BIP-141 weight the same way the teacher's
// getWeightEstimate does: non-witness bytes counted at 4x, witness bytes
// at 1x, with every input's witness upper-bounded by its descriptor
// kind.
func EstimateFee(inputs []*Input, outputPkScriptSize int, feePerKW lnwallet.SatPerKWeight) (btcutil.Amount, error) {
	weight, err := estimateWeight(inputs, outputPkScriptSize)
	if err != nil {
		return 0, err
	}
	return feePerKW.FeeForWeight(weight), nil
}

// estimateWeight computes the BIP-141 weight of a transaction spending
// inputs to one output carrying outputPkScriptSize bytes of script.
func estimateWeight(inputs []*Input, outputPkScriptSize int) (int64, error) {
	nonWitnessBytes := len(inputs)*lnwallet.InputSize + 8 + 1 + outputPkScriptSize

	witnessBytes := segwitMarkerWeight
	for _, in := range inputs {
		size, err := in.witnessSizeUpperBound()
		if err != nil {
			return 0, err
		}
		witnessBytes += size
	}

	return int64(nonWitnessEnvelopeWeight) + int64(nonWitnessBytes)*4 + int64(witnessBytes), nil
}

// CreateSweepTx builds and signs a transaction spending every descriptor
// in inputs to a single output at outputPkScript, sized to the swept
// total minus the fee feePerKW implies for the finished transaction's
// estimated weight. keyMgr does the actual signing via
// SpendSpendableOutputs, which also re-checks the assembled
// transaction's real weight against the estimate this function budgeted
// for.
func CreateSweepTx(keyMgr *keychain.KeyManager, inputs []*Input,
	outputPkScript []byte, feePerKW lnwallet.SatPerKWeight) (*wire.MsgTx, error) {

	if len(inputs) == 0 {
		return nil, fmt.Errorf("sweep: no inputs to sweep")
	}

	var total btcutil.Amount
	descs := make([]*keychain.SpendableOutputDescriptor, 0, len(inputs))
	for _, in := range inputs {
		total += in.Value()
		descs = append(descs, in.Desc)
	}

	weight, err := estimateWeight(inputs, len(outputPkScript))
	if err != nil {
		return nil, fmt.Errorf("sweep: estimate weight: %w", err)
	}
	fee := feePerKW.FeeForWeight(weight)

	sweepValue := total - fee
	if sweepValue <= 0 {
		return nil, fmt.Errorf("sweep: swept value %d does not cover fee %d", total, fee)
	}

	outputs := []*wire.TxOut{{Value: int64(sweepValue), PkScript: outputPkScript}}

	tx, err := keyMgr.SpendSpendableOutputs(descs, outputs, nil, 0, 0, weight)
	if err != nil {
		return nil, fmt.Errorf("sweep: build sweep tx: %w", err)
	}
	return tx, nil
}
