package lnwallet

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

func randKey(t *testing.T) *btcec.PrivateKey {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return priv
}

func TestGenFundingPkScriptIsP2WSH(t *testing.T) {
	a := randKey(t).PubKey()
	b := randKey(t).PubKey()

	redeem, txOut, err := genFundingPkScript(a.SerializeCompressed(), b.SerializeCompressed(), 100_000)
	require.NoError(t, err)
	require.NotEmpty(t, redeem)

	class := txscript.GetScriptClass(txOut.PkScript)
	require.Equal(t, txscript.WitnessV0ScriptHashTy, class)
}

func TestGenMultiSigScriptIsOrderIndependent(t *testing.T) {
	a := randKey(t).PubKey().SerializeCompressed()
	b := randKey(t).PubKey().SerializeCompressed()

	s1, err := genMultiSigScript(a, b)
	require.NoError(t, err)
	s2, err := genMultiSigScript(b, a)
	require.NoError(t, err)
	require.Equal(t, s1, s2)
}

func TestCommitScriptToSelfProducesValidScript(t *testing.T) {
	self := randKey(t).PubKey()
	revoke := randKey(t).PubKey()

	script, err := CommitScriptToSelf(144, self, revoke)
	require.NoError(t, err)
	require.NotEmpty(t, script)

	pkScript, err := WitnessScriptHash(script)
	require.NoError(t, err)
	require.Equal(t, txscript.WitnessV0ScriptHashTy, txscript.GetScriptClass(pkScript))
}

func TestOfferedAndAcceptedHTLCScriptsDiffer(t *testing.T) {
	revocation := randKey(t).PubKey()
	remote := randKey(t).PubKey()
	local := randKey(t).PubKey()
	hash := make([]byte, 32)

	offered, err := offeredHTLCScript(revocation, remote, local, hash, 500000)
	require.NoError(t, err)
	accepted, err := acceptedHTLCScript(revocation, remote, local, hash, 500000)
	require.NoError(t, err)

	require.NotEqual(t, offered, accepted)
}

func TestFindScriptOutputIndex(t *testing.T) {
	tx := wire.NewMsgTx(2)
	tx.AddTxOut(wire.NewTxOut(1000, []byte{0x00, 0x01}))
	tx.AddTxOut(wire.NewTxOut(2000, []byte{0x00, 0x02}))

	found, idx := findScriptOutputIndex(tx, []byte{0x00, 0x02})
	require.True(t, found)
	require.EqualValues(t, 1, idx)

	found, _ = findScriptOutputIndex(tx, []byte{0xff})
	require.False(t, found)
}
