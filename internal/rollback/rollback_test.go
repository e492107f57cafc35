package rollback

import (
	"path/filepath"
	"testing"

	"github.com/kvpartition/vbstore/internal/dbformat"
	"github.com/kvpartition/vbstore/internal/fileformat"
	"github.com/kvpartition/vbstore/internal/vfs"
	"github.com/stretchr/testify/require"
)

func openHandle(t *testing.T) *fileformat.Handle {
	t.Helper()
	path := filepath.Join(t.TempDir(), "0.couch.1")
	h, err := fileformat.Open(vfs.Default(), path, fileformat.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func TestRollbackToEarlierCommit(t *testing.T) {
	h := openHandle(t)
	require.NoError(t, h.StageDoc([]byte("k1"), []byte("v1"), dbformat.Metadata{}, 1, false, false))
	require.NoError(t, h.StageDoc([]byte("k2"), []byte("v2"), dbformat.Metadata{}, 2, false, false))
	require.NoError(t, h.StageDoc([]byte("k3"), []byte("v3"), dbformat.Metadata{}, 3, false, false))
	require.NoError(t, h.Commit(fileformat.CommitOptions{Sync: true}))

	require.NoError(t, h.StageDoc([]byte("k4"), []byte("v4"), dbformat.Metadata{}, 4, false, false))
	require.NoError(t, h.Commit(fileformat.CommitOptions{Sync: true}))

	var discarded []string
	result, err := Rollback(h, 3, func(id []byte) { discarded = append(discarded, string(id)) }, Options{Sync: true})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, uint64(3), result.HighSeqno)
	require.Equal(t, []string{"k4"}, discarded)

	_, err = h.ReadDoc([]byte("k4"))
	require.Error(t, err)
	doc, err := h.ReadDoc([]byte("k1"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), doc.Body)
}

func TestRollbackRequiresResetWhenDiscardTooLarge(t *testing.T) {
	h := openHandle(t)
	require.NoError(t, h.StageDoc([]byte("k1"), []byte("v1"), dbformat.Metadata{}, 1, false, false))
	require.NoError(t, h.Commit(fileformat.CommitOptions{Sync: true}))

	require.NoError(t, h.StageDoc([]byte("k2"), []byte("v2"), dbformat.Metadata{}, 2, false, false))
	require.NoError(t, h.StageDoc([]byte("k3"), []byte("v3"), dbformat.Metadata{}, 3, false, false))
	require.NoError(t, h.Commit(fileformat.CommitOptions{Sync: true}))

	result, err := Rollback(h, 1, nil, Options{Sync: true})
	require.NoError(t, err)
	require.False(t, result.Success, "discarding 2 of 3 records should require a reset instead of rolling back")
}

func TestRollbackNoOpWhenTargetAtOrAboveLatest(t *testing.T) {
	h := openHandle(t)
	require.NoError(t, h.StageDoc([]byte("k1"), []byte("v1"), dbformat.Metadata{}, 1, false, false))
	require.NoError(t, h.Commit(fileformat.CommitOptions{Sync: true}))

	result, err := Rollback(h, 5, nil, Options{})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, uint64(1), result.HighSeqno)
}
