package sweep

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/lampo-project/lampo/keychain"
	"github.com/lampo-project/lampo/lnwallet"
)

func testKeyManager(t *testing.T) *keychain.KeyManager {
	t.Helper()
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i + 3)
	}
	km, err := keychain.NewKeyManager(seed, 0, 0, &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	return km
}

func revokedInput(t *testing.T, km *keychain.KeyManager, index uint32, value int64) *Input {
	t.Helper()

	channelKeysID, err := km.NewChannelKeysID([16]byte{9})
	require.NoError(t, err)
	signer, err := km.DeriveChannelKeys(1_000_000, channelKeysID)
	require.NoError(t, err)

	var secret [32]byte
	for i := range secret {
		secret[i] = byte(i + 11)
	}
	revocationPriv, err := keychain.DeriveRevocationPrivKey(signer.RevocationBaseKey, secret)
	require.NoError(t, err)

	script, err := lnwallet.CommitScriptToSelf(144, signer.DelayedPaymentBaseKey.PubKey(),
		revocationPriv.PubKey())
	require.NoError(t, err)
	pkScript, err := lnwallet.WitnessScriptHash(script)
	require.NoError(t, err)

	return &Input{Desc: &keychain.SpendableOutputDescriptor{
		Kind:                keychain.RevokedOutput,
		Outpoint:            wire.OutPoint{Index: index},
		Output:              wire.TxOut{Value: value, PkScript: pkScript},
		ChannelKeysID:       channelKeysID,
		ChannelValueSat:     1_000_000,
		PerCommitmentSecret: secret,
		WitnessScript:       script,
		ToSelfDelay:         144,
	}}
}

func TestCreateSweepTxPaysTheEstimatedFee(t *testing.T) {
	km := testKeyManager(t)
	in := revokedInput(t, km, 0, 500_000)

	destScript := km.DestinationScript()
	tx, err := CreateSweepTx(km, []*Input{in}, destScript, lnwallet.SatPerKWeight(10000))
	require.NoError(t, err)

	require.Len(t, tx.TxOut, 1)
	require.NotEmpty(t, tx.TxIn[0].Witness)

	fee, err := EstimateFee([]*Input{in}, len(destScript), lnwallet.SatPerKWeight(10000))
	require.NoError(t, err)
	require.Equal(t, int64(500_000)-int64(fee), tx.TxOut[0].Value)
}

func TestCreateSweepTxRejectsValueBelowFee(t *testing.T) {
	km := testKeyManager(t)
	in := revokedInput(t, km, 0, 100)

	_, err := CreateSweepTx(km, []*Input{in}, km.DestinationScript(), lnwallet.SatPerKWeight(10000))
	require.Error(t, err)
}

func TestPartitionInputsDropsNegativeYieldAndDust(t *testing.T) {
	km := testKeyManager(t)

	large := revokedInput(t, km, 0, 1_000_000)
	dust := revokedInput(t, km, 1, 50)

	batches, err := PartitionInputs(
		[]*Input{large, dust}, lnwallet.SatPerKWeight(253), lnwallet.SatPerKWeight(10000),
		DefaultMaxInputsPerTx,
	)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)
	require.Equal(t, large.OutPoint(), batches[0][0].OutPoint())
}

func TestPartitionInputsRespectsMaxInputsPerTx(t *testing.T) {
	km := testKeyManager(t)

	inputs := make([]*Input, 0, 5)
	for i := 0; i < 5; i++ {
		inputs = append(inputs, revokedInput(t, km, uint32(i), 200_000))
	}

	batches, err := PartitionInputs(
		inputs, lnwallet.SatPerKWeight(253), lnwallet.SatPerKWeight(10000), 2,
	)
	require.NoError(t, err)

	var total int
	for _, b := range batches {
		require.LessOrEqual(t, len(b), 2)
		total += len(b)
	}
	require.Equal(t, 5, total)
}

func TestWitnessSizeUpperBoundRejectsUnknownKind(t *testing.T) {
	in := &Input{Desc: &keychain.SpendableOutputDescriptor{Kind: keychain.OutputDescriptorKind(99)}}
	_, err := in.witnessSizeUpperBound()
	require.Error(t, err)
}
