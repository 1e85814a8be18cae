package persist

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSyncAdapterWriteReadRoundTrip(t *testing.T) {
	store := NewFSStore(t.TempDir())
	require.NoError(t, store.Initialize(context.Background()))

	adapter := NewSyncAdapter(store)
	defer adapter.Shutdown()

	require.NoError(t, adapter.Write("manager", []byte("snapshot")))

	got, err := adapter.Read("manager")
	require.NoError(t, err)
	require.Equal(t, []byte("snapshot"), got)
}

func TestSyncAdapterExistsAndRemove(t *testing.T) {
	store := NewFSStore(t.TempDir())
	require.NoError(t, store.Initialize(context.Background()))

	adapter := NewSyncAdapter(store)
	defer adapter.Shutdown()

	require.NoError(t, adapter.Write("scorer", []byte("x")))

	ok, err := adapter.Exists("scorer")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, adapter.Remove("scorer"))

	ok, err = adapter.Exists("scorer")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSyncAdapterListAcrossKeys(t *testing.T) {
	store := NewFSStore(t.TempDir())
	require.NoError(t, store.Initialize(context.Background()))

	adapter := NewSyncAdapter(store)
	defer adapter.Shutdown()

	require.NoError(t, adapter.Write("monitors/a_0", []byte("1")))
	require.NoError(t, adapter.Write("monitors/b_1", []byte("2")))

	keys, err := adapter.List("monitors")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"monitors/a_0", "monitors/b_1"}, keys)
}
