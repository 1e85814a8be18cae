package lnwallet

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// WitnessScriptHash generates a pay-to-witness-script-hash public key
// script paying to a version 0 witness program paying to redeemScript.
func WitnessScriptHash(redeemScript []byte) ([]byte, error) {
	bldr := txscript.NewScriptBuilder()
	bldr.AddOp(txscript.OP_0)
	scriptHash := sha256.Sum256(redeemScript)
	bldr.AddData(scriptHash[:])
	return bldr.Script()
}

// genMultiSigScript generates the non-p2sh 2-of-2 funding multisig script,
// BIP-69 lexicographically sorted per BOLT-3.
func genMultiSigScript(aPub, bPub []byte) ([]byte, error) {
	if len(aPub) != 33 || len(bPub) != 33 {
		return nil, fmt.Errorf("lnwallet: compressed pubkeys only")
	}

	if bytes.Compare(aPub, bPub) == 1 {
		aPub, bPub = bPub, aPub
	}

	bldr := txscript.NewScriptBuilder()
	bldr.AddOp(txscript.OP_2)
	bldr.AddData(aPub)
	bldr.AddData(bPub)
	bldr.AddOp(txscript.OP_2)
	bldr.AddOp(txscript.OP_CHECKMULTISIG)
	return bldr.Script()
}

// FundingOutput is genFundingPkScript exported for channelmanager's
// funding workflow, which lives outside this package but needs the same
// 2-of-2 redeem script and P2WSH output genFundingPkScript builds.
func FundingOutput(aPub, bPub []byte, amountSat int64) ([]byte, *wire.TxOut, error) {
	return genFundingPkScript(aPub, bPub, amountSat)
}

// genFundingPkScript creates the funding redeem script and its matching
// P2WSH output for the funding transaction.
func genFundingPkScript(aPub, bPub []byte, amt int64) ([]byte, *wire.TxOut, error) {
	if amt <= 0 {
		return nil, nil, fmt.Errorf("lnwallet: funding amount must be positive")
	}

	redeemScript, err := genMultiSigScript(aPub, bPub)
	if err != nil {
		return nil, nil, err
	}
	pkScript, err := WitnessScriptHash(redeemScript)
	if err != nil {
		return nil, nil, err
	}
	return redeemScript, wire.NewTxOut(amt, pkScript), nil
}

// CommitScriptToSelf generates the to_local output script of BOLT-3:
// revocation-punishable and CSV-delayed.
//
//	OP_IF
//	    <revocationPubkey>
//	OP_ELSE
//	    <csvTimeout>
//	    OP_CSV
//	    OP_DROP
//	    <localDelayedPubkey>
//	OP_ENDIF
//	OP_CHECKSIG
func CommitScriptToSelf(csvTimeout uint32, selfKey, revokeKey *btcec.PublicKey) ([]byte, error) {
	builder := txscript.NewScriptBuilder()

	builder.AddOp(txscript.OP_IF)
	builder.AddData(revokeKey.SerializeCompressed())
	builder.AddOp(txscript.OP_ELSE)
	builder.AddInt64(int64(csvTimeout))
	builder.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddData(selfKey.SerializeCompressed())
	builder.AddOp(txscript.OP_ENDIF)
	builder.AddOp(txscript.OP_CHECKSIG)

	return builder.Script()
}

// commitScriptUnencumbered generates the to_remote output script: a plain
// P2WPKH-style direct payment to key, used for BOLT-3's non-delayed
// counterparty output.
func commitScriptUnencumbered(key *btcec.PublicKey) ([]byte, error) {
	builder := txscript.NewScriptBuilder()
	builder.AddData(key.SerializeCompressed())
	builder.AddOp(txscript.OP_CHECKSIGVERIFY)
	builder.AddOp(txscript.OP_1)
	return builder.Script()
}

// offeredHTLCScript generates the witness script for an HTLC the local
// party has offered to the remote party, per BOLT-3's
// "Offered HTLC Outputs": spendable by the remote with the payment
// preimage, by the local party after absoluteTimeout, or by either in
// response to a breach with the revocation key.
func offeredHTLCScript(revocationKey, remoteHTLCKey, localHTLCKey *btcec.PublicKey,
	paymentHash []byte, absoluteTimeout uint32) ([]byte, error) {

	builder := txscript.NewScriptBuilder()

	builder.AddOp(txscript.OP_DUP)
	builder.AddOp(txscript.OP_HASH160)
	builder.AddData(btcutil.Hash160(revocationKey.SerializeCompressed()))
	builder.AddOp(txscript.OP_EQUAL)
	builder.AddOp(txscript.OP_IF)
	builder.AddOp(txscript.OP_CHECKSIG)
	builder.AddOp(txscript.OP_ELSE)
	builder.AddData(remoteHTLCKey.SerializeCompressed())
	builder.AddOp(txscript.OP_SWAP)
	builder.AddOp(txscript.OP_SIZE)
	builder.AddInt64(32)
	builder.AddOp(txscript.OP_EQUAL)
	builder.AddOp(txscript.OP_NOTIF)
	builder.AddOp(txscript.OP_DROP)
	builder.AddInt64(2)
	builder.AddOp(txscript.OP_SWAP)
	builder.AddData(localHTLCKey.SerializeCompressed())
	builder.AddInt64(2)
	builder.AddOp(txscript.OP_CHECKMULTISIG)
	builder.AddOp(txscript.OP_ELSE)
	builder.AddOp(txscript.OP_HASH160)
	builder.AddData(btcutil.Hash160(paymentHash))
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddOp(txscript.OP_CHECKSIG)
	builder.AddOp(txscript.OP_ENDIF)
	builder.AddOp(txscript.OP_ENDIF)

	return builder.Script()
}

// acceptedHTLCScript generates the witness script for an HTLC the local
// party has accepted from the remote party, per BOLT-3's
// "Received HTLC Outputs": spendable by the local party with the preimage
// before absoluteTimeout, by the remote after absoluteTimeout, or by
// either in response to a breach with the revocation key.
func acceptedHTLCScript(revocationKey, remoteHTLCKey, localHTLCKey *btcec.PublicKey,
	paymentHash []byte, absoluteTimeout uint32) ([]byte, error) {

	builder := txscript.NewScriptBuilder()

	builder.AddOp(txscript.OP_DUP)
	builder.AddOp(txscript.OP_HASH160)
	builder.AddData(btcutil.Hash160(revocationKey.SerializeCompressed()))
	builder.AddOp(txscript.OP_EQUAL)
	builder.AddOp(txscript.OP_IF)
	builder.AddOp(txscript.OP_CHECKSIG)
	builder.AddOp(txscript.OP_ELSE)
	builder.AddData(remoteHTLCKey.SerializeCompressed())
	builder.AddOp(txscript.OP_SWAP)
	builder.AddOp(txscript.OP_SIZE)
	builder.AddInt64(32)
	builder.AddOp(txscript.OP_EQUAL)
	builder.AddOp(txscript.OP_IF)
	builder.AddOp(txscript.OP_HASH160)
	builder.AddData(btcutil.Hash160(paymentHash))
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddInt64(2)
	builder.AddOp(txscript.OP_SWAP)
	builder.AddData(localHTLCKey.SerializeCompressed())
	builder.AddInt64(2)
	builder.AddOp(txscript.OP_CHECKMULTISIG)
	builder.AddOp(txscript.OP_ELSE)
	builder.AddOp(txscript.OP_DROP)
	builder.AddInt64(int64(absoluteTimeout))
	builder.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddOp(txscript.OP_CHECKSIG)
	builder.AddOp(txscript.OP_ENDIF)
	builder.AddOp(txscript.OP_ENDIF)

	return builder.Script()
}

// htlcSecondLevelScript generates the witness script for the
// second-level HTLC-timeout/HTLC-success transaction's output: spendable
// after csvTimeout by localDelayedKey, or immediately by either party in
// response to a breach with revocationKey. Grounded on
// lnwallet.CommitScriptToSelf's same shape, reused for the second-level
// output per BOLT-3.
func htlcSecondLevelScript(csvTimeout uint32, revocationKey, localDelayedKey *btcec.PublicKey) ([]byte, error) {
	return CommitScriptToSelf(csvTimeout, localDelayedKey, revocationKey)
}

// findScriptOutputIndex finds the index of the transaction output paying
// to script, used by the funding workflow to locate its own output within
// a peer-provided funding transaction.
func findScriptOutputIndex(tx *wire.MsgTx, script []byte) (bool, uint32) {
	for i, txOut := range tx.TxOut {
		if bytes.Equal(txOut.PkScript, script) {
			return true, uint32(i)
		}
	}
	return false, 0
}
