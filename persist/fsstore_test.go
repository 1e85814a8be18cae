package persist

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFSStoreWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := NewFSStore(dir)
	ctx := context.Background()

	require.NoError(t, s.Initialize(ctx))
	require.NoError(t, s.Write(ctx, "monitors/abcd_0", []byte("monitor-bytes")))

	got, err := s.Read(ctx, "monitors/abcd_0")
	require.NoError(t, err)
	require.Equal(t, []byte("monitor-bytes"), got)

	exists, err := s.Exists(ctx, "monitors/abcd_0")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestFSStoreReadMissingKeyReturnsErrNotFound(t *testing.T) {
	s := NewFSStore(t.TempDir())
	ctx := context.Background()
	require.NoError(t, s.Initialize(ctx))

	_, err := s.Read(ctx, "monitors/does_not_exist")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFSStoreListReturnsAllKeysUnderPrefix(t *testing.T) {
	s := NewFSStore(t.TempDir())
	ctx := context.Background()
	require.NoError(t, s.Initialize(ctx))

	require.NoError(t, s.Write(ctx, "monitors/a_0", []byte("1")))
	require.NoError(t, s.Write(ctx, "monitors/b_1", []byte("2")))
	require.NoError(t, s.Write(ctx, "manager", []byte("3")))

	keys, err := s.List(ctx, "monitors")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"monitors/a_0", "monitors/b_1"}, keys)
}

func TestFSStoreRemoveDeletesKey(t *testing.T) {
	s := NewFSStore(t.TempDir())
	ctx := context.Background()
	require.NoError(t, s.Initialize(ctx))
	require.NoError(t, s.Write(ctx, "scorer", []byte("x")))

	require.NoError(t, s.Remove(ctx, "scorer"))

	exists, err := s.Exists(ctx, "scorer")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestFSStoreSyncOnEmptyDirSucceeds(t *testing.T) {
	s := NewFSStore(t.TempDir())
	ctx := context.Background()
	require.NoError(t, s.Initialize(ctx))
	require.NoError(t, s.Sync(ctx))
}
