package vbstore

import (
	"testing"

	"github.com/kvpartition/vbstore/internal/compaction"
	"github.com/kvpartition/vbstore/internal/dbformat"
	"github.com/stretchr/testify/require"
)

func TestPartitionCompactInstallsNextRevisionAndPreservesLiveDocs(t *testing.T) {
	s := newTestStore(t)
	p, err := s.Partition(0)
	require.NoError(t, err)

	wb := p.Begin()
	wb.Set([]byte("live"), []byte("v1"), dbformat.Metadata{}, false, nil)
	wb.Delete([]byte("live"), nil, dbformat.Metadata{}, nil)
	require.NoError(t, wb.Commit(true))

	wb2 := p.Begin()
	wb2.Set([]byte("other"), []byte("v2"), dbformat.Metadata{}, false, nil)
	require.NoError(t, wb2.Commit(true))

	revBefore, ok := s.files.CurrentRevision(0)
	require.True(t, ok)

	stat, err := p.Compact(compaction.Options{PurgeBeforeSeq: 100, DropDeletes: true})
	require.NoError(t, err)
	require.Equal(t, uint64(1), stat.Copied)
	require.Equal(t, uint64(1), stat.Purged)

	revAfter, ok := s.files.CurrentRevision(0)
	require.True(t, ok)
	require.Equal(t, revBefore+1, revAfter)

	item, err := p.Get([]byte("other"), false)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), item.Body)

	_, err = p.Get([]byte("live"), false)
	require.Error(t, err)
}

func TestPartitionRollbackDiscardsLatestCommit(t *testing.T) {
	s := newTestStore(t)
	p, err := s.Partition(0)
	require.NoError(t, err)

	wb := p.Begin()
	wb.Set([]byte("k1"), []byte("v1"), dbformat.Metadata{}, false, nil)
	wb.Set([]byte("k2"), []byte("v2"), dbformat.Metadata{}, false, nil)
	wb.Set([]byte("k3"), []byte("v3"), dbformat.Metadata{}, false, nil)
	require.NoError(t, wb.Commit(true))

	wb2 := p.Begin()
	wb2.Set([]byte("k4"), []byte("v4"), dbformat.Metadata{}, false, nil)
	require.NoError(t, wb2.Commit(true))

	var discarded []string
	result, err := p.Rollback(3, func(id []byte) { discarded = append(discarded, string(id)) })
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, []string{"k4"}, discarded)

	_, err = p.Get([]byte("k4"), false)
	require.Error(t, err)
	item, err := p.Get([]byte("k1"), false)
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), item.Body)
}
