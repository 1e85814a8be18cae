// Package sweep builds the fee-aware transactions that spend outputs a
// ChannelMonitor has decided this node is now entitled to -- a revoked
// counterparty commitment's to_local output chief among them. It leaves
// key derivation and witness signing to keychain.KeyManager; its own job
// is deciding how big a fee a sweep should pay and assembling the
// descriptors and outputs keychain needs to build it.
package sweep

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"

	"github.com/lampo-project/lampo/keychain"
	"github.com/lampo-project/lampo/lnwallet"
)

// Input is one output queued for sweeping, wrapping the descriptor
// keychain needs to sign it with the bit of extra context (its witness
// size class) fee estimation needs.
type Input struct {
	Desc *keychain.SpendableOutputDescriptor
}

// OutPoint identifies the UTXO this input spends.
func (i *Input) OutPoint() wire.OutPoint {
	return i.Desc.Outpoint
}

// Value is the amount, in satoshis, the swept output carries.
func (i *Input) Value() btcutil.Amount {
	return btcutil.Amount(i.Desc.Output.Value)
}

// witnessSizeUpperBound returns a conservative upper bound, in bytes, on
// the witness this input's descriptor kind produces, mirroring the
// teacher's getInputWitnessSizeUpperBound but over keychain's narrower
// set of output kinds: script-path spends (to_local, revoked to_local)
// and plain P2WPKH spends (static/to-remote balance). Second-level HTLC
// witness types the teacher also estimates for (offered/accepted,
// timeout/success) have no equivalent descriptor kind here -- this
// module's commitment model never leaves an HTLC output for sweep's
// sake, it resolves them over the wire before a commitment ever
// confirms unilaterally -- so there's nothing to estimate for them.
func (i *Input) witnessSizeUpperBound() (int, error) {
	switch i.Desc.Kind {
	case keychain.StaticPaymentOutput, keychain.StaticOutput:
		return lnwallet.P2WKHWitnessSize, nil

	case keychain.DelayedPaymentOutput:
		return lnwallet.ToLocalDelayedWitnessSize, nil

	case keychain.RevokedOutput:
		return lnwallet.ToLocalPenaltyWitnessSize, nil

	default:
		return 0, fmt.Errorf("sweep: unknown output descriptor kind %v", i.Desc.Kind)
	}
}
