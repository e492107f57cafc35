package vbstore

import (
	"testing"

	"github.com/kvpartition/vbstore/internal/config"
	"github.com/kvpartition/vbstore/internal/dbformat"
	"github.com/kvpartition/vbstore/internal/fileformat"
	"github.com/kvpartition/vbstore/internal/logging"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := config.Default()
	cfg.DBDir = t.TempDir()
	s, err := Open(cfg, nil, nil)
	require.NoError(t, err)
	return s
}

// Open with a nil logger must fall back to the structured-JSON production
// logger, not silently go unlogged.
func TestOpenDefaultsToZerologLogger(t *testing.T) {
	cfg := config.Default()
	cfg.DBDir = t.TempDir()
	s, err := Open(cfg, nil, nil)
	require.NoError(t, err)

	_, ok := s.logger.(*logging.ZerologLogger)
	require.True(t, ok, "Open(nil logger) should default to *logging.ZerologLogger, got %T", s.logger)
}

func TestWriteBatchCommitThenGet(t *testing.T) {
	s := newTestStore(t)
	p, err := s.Partition(0)
	require.NoError(t, err)

	var outcome Outcome
	var wasExisting bool
	wb := p.Begin()
	wb.Set([]byte("k1"), []byte("v1"), dbformat.Metadata{}, false, func(o Outcome, existing bool) {
		outcome = o
		wasExisting = existing
	})
	require.NoError(t, wb.Commit(true))
	require.Equal(t, OutcomeSuccess, outcome)
	require.False(t, wasExisting)

	item, err := p.Get([]byte("k1"), false)
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), item.Body)
}

func TestWriteBatchUpdateReportsExisting(t *testing.T) {
	s := newTestStore(t)
	p, err := s.Partition(0)
	require.NoError(t, err)

	wb := p.Begin()
	wb.Set([]byte("k1"), []byte("v1"), dbformat.Metadata{}, false, nil)
	require.NoError(t, wb.Commit(true))

	var wasExisting bool
	wb2 := p.Begin()
	wb2.Set([]byte("k1"), []byte("v2"), dbformat.Metadata{}, false, func(o Outcome, existing bool) {
		wasExisting = existing
	})
	require.NoError(t, wb2.Commit(true))
	require.True(t, wasExisting)

	item, err := p.Get([]byte("k1"), false)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), item.Body)
}

func TestDeleteOfMissingKeyReportsDocNotFound(t *testing.T) {
	s := newTestStore(t)
	p, err := s.Partition(0)
	require.NoError(t, err)

	var outcome Outcome
	wb := p.Begin()
	wb.Delete([]byte("missing"), nil, dbformat.Metadata{}, func(o Outcome, existing bool) {
		outcome = o
	})
	require.NoError(t, wb.Commit(true))
	require.Equal(t, OutcomeDocNotFound, outcome)
}

func TestMultiGetCoalescesLookups(t *testing.T) {
	s := newTestStore(t)
	p, err := s.Partition(0)
	require.NoError(t, err)

	wb := p.Begin()
	wb.Set([]byte("a"), []byte("1"), dbformat.Metadata{}, false, nil)
	wb.Set([]byte("b"), []byte("2"), dbformat.Metadata{}, false, nil)
	require.NoError(t, wb.Commit(true))

	out, err := p.MultiGet([][]byte{[]byte("a"), []byte("b"), []byte("missing")})
	require.NoError(t, err)
	require.Equal(t, []byte("1"), out["a"].Body)
	require.Equal(t, []byte("2"), out["b"].Body)
	require.Nil(t, out["missing"])
}

// With PersistDocNamespace enabled, every write/read path must agree on
// the same on-disk, namespace-prefixed key space: callers only ever see
// logical (unprefixed) keys.
func TestPersistDocNamespaceRoundTrip(t *testing.T) {
	cfg := config.Default()
	cfg.DBDir = t.TempDir()
	cfg.PersistDocNamespace = true
	cfg.RestoreNamespaceOnScan = true
	s, err := Open(cfg, nil, nil)
	require.NoError(t, err)
	p, err := s.Partition(0)
	require.NoError(t, err)

	wb := p.Begin()
	wb.Set([]byte("a"), []byte("1"), dbformat.Metadata{}, false, nil)
	wb.Set([]byte("b"), []byte("2"), dbformat.Metadata{}, false, nil)
	require.NoError(t, wb.Commit(true))

	got, err := p.Get([]byte("a"), false)
	require.NoError(t, err)
	require.Equal(t, []byte("a"), got.ID)
	require.Equal(t, []byte("1"), got.Body)

	out, err := p.MultiGet([][]byte{[]byte("a"), []byte("b"), []byte("missing")})
	require.NoError(t, err)
	require.Equal(t, []byte("1"), out["a"].Body)
	require.Equal(t, []byte("a"), out["a"].ID)
	require.Equal(t, []byte("2"), out["b"].Body)
	require.Nil(t, out["missing"])

	require.True(t, p.MightContainKey([]byte("a")))

	sc := p.InitScan(0, ValuesAndKeys)
	defer sc.Close()
	seen := map[string][]byte{}
	require.NoError(t, sc.Scan(func(item *Item) fileformat.ScanAction {
		seen[string(item.ID)] = item.Body
		return fileformat.ScanContinue
	}))
	require.Equal(t, []byte("1"), seen["a"])
	require.Equal(t, []byte("2"), seen["b"])
}

func TestStateRoundTrip(t *testing.T) {
	s := newTestStore(t)
	p, err := s.Partition(0)
	require.NoError(t, err)

	wb := p.Begin()
	wb.SetState(PartitionState{State: StateActive, CheckpointID: 3, MaxCas: 42})
	require.NoError(t, wb.Commit(true))

	st, ok, err := p.State()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, StateActive, st.State)
	require.Equal(t, uint64(3), st.CheckpointID)
	require.Equal(t, uint64(42), st.MaxCas)
}

func TestGetStatRecognisesKnownKeys(t *testing.T) {
	s := newTestStore(t)
	_, ok := s.GetStat(StatFailureGet)
	require.True(t, ok)
	_, ok = s.GetStat("not_a_real_stat")
	require.False(t, ok)
}
