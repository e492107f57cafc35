package fileformat

import (
	"path/filepath"
	"testing"

	"github.com/kvpartition/vbstore/internal/dbformat"
	"github.com/kvpartition/vbstore/internal/kverrors"
	"github.com/kvpartition/vbstore/internal/vfs"
	"github.com/stretchr/testify/require"
)

// A write failure during StageDoc must classify as io-transient, not
// get silently swallowed or mistaken for on-disk corruption.
func TestStageDocClassifiesInjectedWriteFailureAsIOTransient(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "0.couch.1")
	faultFS := vfs.NewFaultInjectionFS(vfs.Default())

	h, err := Open(faultFS, path, Options{})
	require.NoError(t, err)
	defer h.Close()

	faultFS.InjectWriteError("")
	err = h.StageDoc([]byte("k"), []byte("v"), dbformat.Metadata{}, 1, false, false)
	require.Error(t, err)
	require.True(t, kverrors.Is(err, kverrors.KindIOTransient), "got %v", err)
}

// A read failure while reopening an existing partition file must
// classify as io-transient too, rather than panicking or surfacing a
// raw vfs error to the caller.
func TestOpenClassifiesInjectedReadFailureAsIOTransient(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "0.couch.1")
	faultFS := vfs.NewFaultInjectionFS(vfs.Default())

	h, err := Open(faultFS, path, Options{})
	require.NoError(t, err)
	require.NoError(t, h.StageDoc([]byte("k"), []byte("v"), dbformat.Metadata{}, 1, false, false))
	require.NoError(t, h.Commit(CommitOptions{Sync: true}))
	require.NoError(t, h.Close())

	faultFS.InjectReadError("")
	_, err = Open(faultFS, path, Options{})
	require.Error(t, err)
	require.True(t, kverrors.Is(err, kverrors.KindIOTransient), "got %v", err)
}
