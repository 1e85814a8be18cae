package keychain

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"
)

func chainhashDoubleHash(b []byte) []byte {
	h := chainhash.DoubleHashB(b)
	return h
}

func testSeed() []byte {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i)
	}
	return seed
}

func TestDeriveChannelKeysIsPureFunctionOfSeedAndID(t *testing.T) {
	seed := testSeed()

	km1, err := NewKeyManager(seed, 1700000000, 123456, &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	km2, err := NewKeyManager(seed, 1700000000, 123456, &chaincfg.RegressionNetParams)
	require.NoError(t, err)

	var id [32]byte
	copy(id[:], bytes.Repeat([]byte{0x42}, 32))

	s1, err := km1.DeriveChannelKeys(100000, id)
	require.NoError(t, err)
	s2, err := km2.DeriveChannelKeys(100000, id)
	require.NoError(t, err)

	require.Equal(t, s1.FundingKey.Serialize(), s2.FundingKey.Serialize())
	require.Equal(t, s1.RevocationBaseKey.Serialize(), s2.RevocationBaseKey.Serialize())
	require.Equal(t, s1.PaymentBaseKey.Serialize(), s2.PaymentBaseKey.Serialize())
	require.Equal(t, s1.DelayedPaymentBaseKey.Serialize(), s2.DelayedPaymentBaseKey.Serialize())
	require.Equal(t, s1.HtlcBaseKey.Serialize(), s2.HtlcBaseKey.Serialize())
	require.Equal(t, s1.CommitmentSeed, s2.CommitmentSeed)
}

func TestDeriveChannelKeysDiffersAcrossIDs(t *testing.T) {
	seed := testSeed()
	km, err := NewKeyManager(seed, 1, 2, &chaincfg.RegressionNetParams)
	require.NoError(t, err)

	var idA, idB [32]byte
	idA[31] = 1
	idB[31] = 2

	sA, err := km.DeriveChannelKeys(1000, idA)
	require.NoError(t, err)
	sB, err := km.DeriveChannelKeys(1000, idB)
	require.NoError(t, err)

	require.NotEqual(t, sA.FundingKey.Serialize(), sB.FundingKey.Serialize())
}

func TestGetSecureRandomBytesInjective(t *testing.T) {
	seed := testSeed()
	km, err := NewKeyManager(seed, 5, 6, &chaincfg.RegressionNetParams)
	require.NoError(t, err)

	seen := make(map[[32]byte]bool)
	for i := 0; i < 5000; i++ {
		b := km.GetSecureRandomBytes()
		require.False(t, seen[b], "collision at iteration %d", i)
		seen[b] = true
	}
}

func TestNewChannelKeysIDLayout(t *testing.T) {
	seed := testSeed()
	km, err := NewKeyManager(seed, 0x0102030405060708, 0xAABBCCDD, &chaincfg.RegressionNetParams)
	require.NoError(t, err)

	var userID [16]byte
	userID[0] = 0xFF

	id, err := km.NewChannelKeysID(userID)
	require.NoError(t, err)

	require.Equal(t, []byte{0, 0, 0, 0}, id[0:4]) // first counter value
	require.Equal(t, []byte{0xAA, 0xBB, 0xCC, 0xDD}, id[4:8])
	require.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, id[8:16])
	require.Equal(t, userID[:], id[16:32])

	id2, err := km.NewChannelKeysID(userID)
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0, 0, 1}, id2[0:4])
}

func TestNewKeyManagerRejectsBadSeedLength(t *testing.T) {
	_, err := NewKeyManager(make([]byte, 16), 0, 0, &chaincfg.RegressionNetParams)
	require.ErrorIs(t, err, ErrInvalidSeed)
}

func TestSignGossipMessageVerifies(t *testing.T) {
	seed := testSeed()
	km, err := NewKeyManager(seed, 1, 1, &chaincfg.RegressionNetParams)
	require.NoError(t, err)

	msg := []byte("node_announcement payload")
	sig, err := km.SignGossipMessage(msg)
	require.NoError(t, err)

	digest := chainhashDoubleHash(msg)
	require.True(t, sig.Verify(digest, km.GetNodePubKey()))
}
