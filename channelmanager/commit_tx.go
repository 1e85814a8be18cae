package channelmanager

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/lampo-project/lampo/keychain"
	"github.com/lampo-project/lampo/lnwallet"
)

// remoteCommit is this node's cached view of the commitment transaction
// its counterparty currently holds but has not yet revoked: everything a
// channeldb.RevokedState needs the moment that commitment's
// per-commitment secret is finally handed over in revoke_and_ack (spec
// §3, §4.5's monitor-before-ack invariant). Held on channelEntry between
// the commit_sig round that produced it and the revoke_and_ack that
// retires it.
type remoteCommit struct {
	height          uint64
	perCommitPoint  *btcec.PublicKey
	txid            chainhash.Hash
	toLocalOutpoint wire.OutPoint
	toLocalValueSat uint64
	toLocalScript   []byte
	toSelfDelay     uint16
}

// buildCommitment constructs one side's view of the channel's current
// commitment transaction, per BOLT-3: a single input spending the funding
// multisig output, a to_local output paying the holder through
// lnwallet.CommitScriptToSelf (CSV-delayed, clawed back by the other side
// if they learn the holder's per-commitment secret), and a to_remote
// output paying the other side directly to their static payment key
// (this node never negotiates option_anchors, so to_remote needs no
// script of its own).
//
// forRemote selects whose commitment this builds: false is "ours" (we can
// broadcast it, so its to_local is tweaked by our own upcoming
// per-commitment point and revocable by the counterparty's revocation
// basepoint); true is "theirs" (the one we sign for them, to_local tweaked
// by their most recently disclosed per-commitment point and revocable by
// our own revocation basepoint) -- the BOLT-3 "irrevocably commits the
// other side" arrangement that makes punishing a broadcast revoked state
// possible at all.
func (m *ChannelManager) buildCommitment(entry *channelEntry, forRemote bool) (
	tx *wire.MsgTx, toLocalScript []byte, toLocalSat uint64, toLocalOutpoint wire.OutPoint, err error) {

	var (
		delayedBase, revocationBase, toRemotePayKey *btcec.PublicKey
		perCommitPoint                              *btcec.PublicKey
		csvDelay                                     uint16
		toLocalBalanceMsat, toRemoteBalanceMsat      uint64
	)

	if forRemote {
		delayedBase = entry.remote.delayedPayment
		revocationBase = entry.signer.RevocationBaseKey.PubKey()
		toRemotePayKey = entry.signer.PaymentBaseKey.PubKey()
		perCommitPoint = entry.remote.firstCommitPoint
		csvDelay = entry.remoteCSVDelay
		toLocalBalanceMsat = entry.snapshot.ToRemoteBalanceMsat
		toRemoteBalanceMsat = entry.snapshot.ToSelfBalanceMsat
	} else {
		delayedBase = entry.signer.DelayedPaymentBaseKey.PubKey()
		revocationBase = entry.remote.revocation
		toRemotePayKey = entry.remote.payment
		perCommitPoint = perCommitmentPoint(entry.signer.CommitmentSeed, entry.snapshot.NextCommitmentNum)
		csvDelay = entry.csvDelay
		toLocalBalanceMsat = entry.snapshot.ToSelfBalanceMsat
		toRemoteBalanceMsat = entry.snapshot.ToRemoteBalanceMsat
	}

	if delayedBase == nil || revocationBase == nil || toRemotePayKey == nil || perCommitPoint == nil {
		return nil, nil, 0, wire.OutPoint{}, fmt.Errorf(
			"channelmanager: counterparty basepoints not yet known for channel %x", entry.snapshot.ChannelID)
	}

	tweak := keychain.SingleTweakBytes(perCommitPoint, delayedBase)
	delayedKey := keychain.TweakPubKey(delayedBase, tweak)
	revocationKey := keychain.DeriveRevocationPubKey(revocationBase, perCommitPoint)

	toLocalScript, err = lnwallet.CommitScriptToSelf(uint32(csvDelay), delayedKey, revocationKey)
	if err != nil {
		return nil, nil, 0, wire.OutPoint{}, err
	}
	toLocalPkScript, err := lnwallet.WitnessScriptHash(toLocalScript)
	if err != nil {
		return nil, nil, 0, wire.OutPoint{}, err
	}

	toRemotePkh := btcutil.Hash160(toRemotePayKey.SerializeCompressed())
	toRemotePkScript, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).AddData(toRemotePkh).Script()
	if err != nil {
		return nil, nil, 0, wire.OutPoint{}, err
	}

	tx = wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: entry.snapshot.FundingOutpoint,
		Sequence:         wire.MaxTxInSequenceNum,
	})

	toLocalSat = toLocalBalanceMsat / 1000
	haveToLocal := toLocalSat > entry.dustLimitSat
	if haveToLocal {
		toLocalOutpoint.Index = uint32(len(tx.TxOut))
		tx.AddTxOut(wire.NewTxOut(int64(toLocalSat), toLocalPkScript))
	}
	if toRemoteBalanceMsat/1000 > entry.dustLimitSat {
		tx.AddTxOut(wire.NewTxOut(int64(toRemoteBalanceMsat/1000), toRemotePkScript))
	}

	toLocalOutpoint.Hash = tx.TxHash()
	if !haveToLocal {
		toLocalSat = 0
	}
	return tx, toLocalScript, toLocalSat, toLocalOutpoint, nil
}

// commitmentSigHash computes the BIP-143 witness sighash for a
// commitment transaction's single funding-multisig input, the value every
// commit_sig this node sends or verifies is a signature over.
func commitmentSigHash(entry *channelEntry, tx *wire.MsgTx) ([]byte, error) {
	fundingPkScript, err := lnwallet.WitnessScriptHash(entry.redeemScript)
	if err != nil {
		return nil, fmt.Errorf("channelmanager: funding output script: %w", err)
	}
	fundingValue := int64(entry.snapshot.CapacitySat)

	prevFetcher := txscript.NewCannedPrevOutputFetcher(fundingPkScript, fundingValue)
	sigHashes := txscript.NewTxSigHashes(tx, prevFetcher)
	return txscript.CalcWitnessSigHash(
		entry.redeemScript, sigHashes, txscript.SigHashAll, tx, 0, fundingValue,
	)
}
