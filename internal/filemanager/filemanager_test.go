package filemanager

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kvpartition/vbstore/internal/logging"
	"github.com/kvpartition/vbstore/internal/vfs"
	"github.com/stretchr/testify/require"
)

func TestFileNameDerivation(t *testing.T) {
	m := New(vfs.Default(), "/data", logging.Discard)
	require.Equal(t, filepath.Join("/data", "3.couch.7"), m.FileName(3, 7))
	require.Equal(t, filepath.Join("/data", "3.couch.7.compact"), m.CompactFileName(3, 7))
}

func TestDiscoverPicksHighestRevision(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"0.couch.1", "0.couch.3", "0.couch.2", "1.couch.5", "0.couch.3.compact"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}

	m := New(vfs.Default(), dir, logging.Discard)
	require.NoError(t, m.Discover())

	rev, ok := m.CurrentRevision(0)
	require.True(t, ok)
	require.Equal(t, uint64(3), rev)

	rev, ok = m.CurrentRevision(1)
	require.True(t, ok)
	require.Equal(t, uint64(5), rev)
}

func TestAdvanceRevisionQueuesOldFile(t *testing.T) {
	dir := t.TempDir()
	m := New(vfs.Default(), dir, logging.Discard)
	m.revision[0] = 1

	newPath, oldPath := m.AdvanceRevision(0, 1)
	require.Equal(t, m.FileName(0, 2), newPath)
	require.Equal(t, m.FileName(0, 1), oldPath)
	require.Equal(t, 1, m.PendingCount())
}

func TestReclaimPendingRemovesFiles(t *testing.T) {
	dir := t.TempDir()
	m := New(vfs.Default(), dir, logging.Discard)
	path := filepath.Join(dir, "0.couch.1")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	m.pending = []string{path}

	m.ReclaimPending()
	require.Equal(t, 0, m.PendingCount())
	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestListPartitionFiles(t *testing.T) {
	m := New(vfs.Default(), "/data", logging.Discard)
	m.revision[2] = 1
	m.revision[0] = 4
	files := m.ListPartitionFiles()
	require.Equal(t, []string{m.FileName(0, 4), m.FileName(2, 1)}, files)
}
