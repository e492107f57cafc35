package vbstore

import (
	"testing"

	"github.com/kvpartition/vbstore/internal/dbformat"
	"github.com/kvpartition/vbstore/internal/fileformat"
	"github.com/stretchr/testify/require"
)

func TestScanOrderedByCommitAndFetchesBodies(t *testing.T) {
	s := newTestStore(t)
	p, err := s.Partition(0)
	require.NoError(t, err)

	wb := p.Begin()
	wb.Set([]byte("k1"), []byte("v1"), dbformat.Metadata{}, false, nil)
	wb.Set([]byte("k2"), []byte("v2"), dbformat.Metadata{}, false, nil)
	require.NoError(t, wb.Commit(true))

	sc := p.InitScan(0, ValuesAndKeys)
	defer sc.Close()

	var seen []string
	err = sc.Scan(func(item *Item) fileformat.ScanAction {
		seen = append(seen, string(item.ID)+"="+string(item.Body))
		return fileformat.ScanContinue
	})
	require.NoError(t, err)
	require.Equal(t, []string{"k1=v1", "k2=v2"}, seen)
}

func TestScanKeysOnlySkipsBodyFetch(t *testing.T) {
	s := newTestStore(t)
	p, err := s.Partition(0)
	require.NoError(t, err)

	wb := p.Begin()
	wb.Set([]byte("k1"), []byte("v1"), dbformat.Metadata{}, false, nil)
	require.NoError(t, wb.Commit(true))

	sc := p.InitScan(0, KeysOnly)
	defer sc.Close()

	var gotID string
	err = sc.Scan(func(item *Item) fileformat.ScanAction {
		gotID = string(item.ID)
		require.Nil(t, item.Body)
		return fileformat.ScanContinue
	})
	require.NoError(t, err)
	require.Equal(t, "k1", gotID)
}

func TestScanCancelStopsEarly(t *testing.T) {
	s := newTestStore(t)
	p, err := s.Partition(0)
	require.NoError(t, err)

	wb := p.Begin()
	wb.Set([]byte("k1"), []byte("v1"), dbformat.Metadata{}, false, nil)
	wb.Set([]byte("k2"), []byte("v2"), dbformat.Metadata{}, false, nil)
	require.NoError(t, wb.Commit(true))

	sc := p.InitScan(0, ValuesAndKeys)
	defer sc.Close()

	count := 0
	err = sc.Scan(func(item *Item) fileformat.ScanAction {
		count++
		return fileformat.ScanCancel
	})
	require.Error(t, err)
	require.Equal(t, 1, count)
}

func TestScanAfterCloseReturnsErrScanIDNotFound(t *testing.T) {
	s := newTestStore(t)
	p, err := s.Partition(0)
	require.NoError(t, err)

	sc := p.InitScan(0, ValuesAndKeys)
	sc.Close()

	err = sc.Scan(func(item *Item) fileformat.ScanAction { return fileformat.ScanContinue })
	require.ErrorIs(t, err, ErrScanIDNotFound)
}
