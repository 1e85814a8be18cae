package contractcourt

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/wire"

	"github.com/lampo-project/lampo/channeldb"
	"github.com/lampo-project/lampo/keychain"
	"github.com/lampo-project/lampo/lnwallet"
	"github.com/lampo-project/lampo/sweep"
)

// conservativeJusticeFeePerKW is the fee rate a justice transaction pays,
// matching the teacher's own breacharbiter.go ("TODO(roasbeef): remove
// hard-coded fee") in spirit: breach punishment is time-sensitive enough
// that a conservative fixed rate beats delaying broadcast on a
// fee-estimator round trip, but unlike a flat satoshi fee it still scales
// with the swept transaction's actual weight via sweep.EstimateFee.
const conservativeJusticeFeePerKW = lnwallet.SatPerKWeight(10000)

// JusticeGenerator builds and broadcasts the transaction that sweeps a
// revoked commitment's to_local output the moment a breach is detected,
// adapted from the teacher's breachArbiter.createJusticeTx: same
// responsibility (sweep ALL funds we're now entitled to), rewritten
// against keychain's PSBT-based spend path and sweep's weight-based fee
// estimation instead of the teacher's witness-generator-function
// closures.
type JusticeGenerator struct {
	keys        *keychain.KeyManager
	broadcaster Broadcaster
}

// NewJusticeGenerator constructs a JusticeGenerator. keys derives the
// revocation private key for a breached commitment; broadcaster hands
// the finished sweep to the chain.
func NewJusticeGenerator(keys *keychain.KeyManager, broadcaster Broadcaster) *JusticeGenerator {
	return &JusticeGenerator{keys: keys, broadcaster: broadcaster}
}

// Punish builds the justice transaction for a detected breach and hands
// it to the broadcaster. It sweeps only the revoked to_local output
// described by rs; second-stage HTLC outputs on the same breached
// commitment are each their own RevokedState-like descriptor (tracked via
// the channel's own pending-HTLC bookkeeping) and are out of scope for
// this single-output sweep, matching the teacher's own explicit
// "TODO(roasbeef): handle the 2-layer HTLCs" in createJusticeTx.
func (j *JusticeGenerator) Punish(m *Monitor, rs channeldb.RevokedState) error {
	if len(rs.ToLocalScript) == 0 || rs.ToLocalValueSat == 0 {
		return fmt.Errorf("contractcourt: revoked state for commitment %d has no to_local output to sweep",
			rs.CommitmentNum)
	}

	outputScript, err := lnwallet.WitnessScriptHash(rs.ToLocalScript)
	if err != nil {
		return fmt.Errorf("contractcourt: hash to_local witness script: %w", err)
	}

	desc := &keychain.SpendableOutputDescriptor{
		Kind:                keychain.RevokedOutput,
		Outpoint:            rs.ToLocalOutpoint,
		Output:              wire.TxOut{Value: int64(rs.ToLocalValueSat), PkScript: outputScript},
		ChannelKeysID:       m.channelKeysID,
		ChannelValueSat:     rs.ToLocalValueSat,
		PerCommitmentSecret: rs.RevocationPreimage,
		WitnessScript:       rs.ToLocalScript,
		ToSelfDelay:         rs.ToSelfDelay,
	}

	sweepScript := j.keys.DestinationScript()

	tx, err := sweep.CreateSweepTx(
		j.keys, []*sweep.Input{{Desc: desc}}, sweepScript, conservativeJusticeFeePerKW,
	)
	if err != nil {
		return fmt.Errorf("contractcourt: build justice tx for %s: %w", rs.ToLocalOutpoint, err)
	}

	log.Infof("contractcourt: broadcasting justice tx %s sweeping breach of commitment %d",
		tx.TxHash(), rs.CommitmentNum)

	return j.broadcaster.BroadcastTx(context.Background(), tx)
}
