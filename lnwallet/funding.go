package lnwallet

import (
	"fmt"

	"github.com/btcsuite/btcd/wire"
)

// fundingTxEstimatedVSize is a rough virtual size for a one-input,
// two-output (funding + change) P2WPKH-sourced funding transaction, used
// only to budget a fee; coin selection below adds inputs one at a time so
// the true count rarely matches this, but the shortfall is covered by the
// change output absorbing it.
const fundingTxEstimatedVSize = 200

// FundChannel selects confirmed UTXOs to cover fundingOutput's value plus
// an estimated fee at feeRateSatPerKW, and assembles an unsigned funding
// transaction: fundingOutput first, followed by a change output back to
// this wallet's own address for any positive change. Change is not
// checked against the dust limit.
//
// It does not sign the result. No path in this module signs a plain
// wallet UTXO yet (keychain's PSBT signer only finalizes the channel
// "spendable output" descriptors used for sweeps); wiring that in is
// follow-up work for whichever caller needs a broadcastable transaction,
// same as CreateTransaction's own unfinished state.
func (w *WalletManager) FundChannel(fundingOutput *wire.TxOut, feeRateSatPerKW int64) (*wire.MsgTx, error) {
	if fundingOutput.Value <= 0 {
		return nil, fmt.Errorf("lnwallet: funding output value must be positive")
	}

	feeRate := feeRateSatPerKWToSatPerVByte(feeRateSatPerKW)
	estimatedFee := int64(feeRate.FeeForSize(fundingTxEstimatedVSize))

	target := fundingOutput.Value + estimatedFee

	candidates := w.ListUnspent(1)

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxOut(fundingOutput)

	var selected int64
	for _, credit := range candidates {
		if selected >= target {
			break
		}
		tx.AddTxIn(&wire.TxIn{
			PreviousOutPoint: credit.OutPoint,
			Sequence:         wire.MaxTxInSequenceNum,
		})
		selected += int64(credit.Amount)
	}

	if selected < target {
		return nil, fmt.Errorf("lnwallet: insufficient confirmed funds: have %d sat, need %d sat",
			selected, target)
	}

	if change := selected - target; change > 0 {
		changeScript := w.GetOnChainAddress()
		tx.AddTxOut(wire.NewTxOut(change, changeScript))
	}

	return tx, nil
}
