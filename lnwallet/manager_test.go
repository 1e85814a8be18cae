package lnwallet

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcwallet/wtxmgr"
	"github.com/stretchr/testify/require"

	"github.com/lampo-project/lampo/keychain"
)

func testKeyManager(t *testing.T) *keychain.KeyManager {
	t.Helper()
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i + 1)
	}
	km, err := keychain.NewKeyManager(seed, 0, 0, &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	return km
}

func TestNewGeneratesThirtyTwoByteSeed(t *testing.T) {
	w, seed, err := New(Config{KeyManager: testKeyManager(t)})
	require.NoError(t, err)
	require.NotNil(t, w)
	require.Len(t, seed, 32)
}

func TestGetOnChainBalanceSumsCredits(t *testing.T) {
	w, _, err := New(Config{KeyManager: testKeyManager(t)})
	require.NoError(t, err)

	w.credits = []*wtxmgr.Credit{
		{Amount: 1000},
		{Amount: 2500},
	}

	require.EqualValues(t, 3500, w.GetOnChainBalance())
}

func TestListUnspentFiltersByConfirmations(t *testing.T) {
	w, _, err := New(Config{KeyManager: testKeyManager(t)})
	require.NoError(t, err)

	w.bestHeight = 100
	w.credits = []*wtxmgr.Credit{
		{Amount: 1000}, // Height 0 -> treated as unconfirmed
	}
	w.credits[0].Height = 95

	confirmed := w.ListUnspent(3)
	require.Len(t, confirmed, 1)

	none := w.ListUnspent(100)
	require.Empty(t, none)
}

func TestListenStopsCleanly(t *testing.T) {
	w, _, err := New(Config{KeyManager: testKeyManager(t)})
	require.NoError(t, err)

	go w.Listen()
	w.Stop()
}
