package scanregistry

import (
	"path/filepath"
	"testing"

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

func TestInsertLookupRemove(t *testing.T) {
	r := New()
	h := openHandle(t)

	id := r.Insert(h)
	got, ok := r.Lookup(id)
	require.True(t, ok)
	require.Same(t, h, got)
	require.Equal(t, 1, r.Len())

	r.Remove(id)
	_, ok = r.Lookup(id)
	require.False(t, ok)
	require.Equal(t, 0, r.Len())
}

func TestInsertAssignsDistinctMonotonicIDs(t *testing.T) {
	r := New()
	h1 := openHandle(t)
	h2 := openHandle(t)

	id1 := r.Insert(h1)
	id2 := r.Insert(h2)
	require.NotEqual(t, id1, id2)
	require.Less(t, uint64(id1), uint64(id2))
}

func TestLookupMissingIDReturnsFalse(t *testing.T) {
	r := New()
	_, ok := r.Lookup(ScanID(999))
	require.False(t, ok)
}
