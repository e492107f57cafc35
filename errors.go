package vbstore

import "github.com/kvpartition/vbstore/internal/kverrors"

// Public re-exports of the §7 error taxonomy. Callers outside this
// module should compare against these rather than reaching into
// internal/kverrors directly.
type (
	// Kind classifies a failure the way the caller is expected to react to it.
	Kind = kverrors.Kind
)

const (
	KindNotFound       = kverrors.KindNotFound
	KindExistsConflict = kverrors.KindExistsConflict
	KindIOTransient    = kverrors.KindIOTransient
	KindIOFatal        = kverrors.KindIOFatal
	KindAlloc          = kverrors.KindAlloc
	KindCancelled      = kverrors.KindCancelled
	KindInvariant      = kverrors.KindInvariant
)

var (
	ErrNotFound          = kverrors.ErrNotFound
	ErrPartitionNotFound = kverrors.ErrPartitionNotFound
	ErrScanIDNotFound    = kverrors.ErrScanIDNotFound
	ErrResetRequired     = kverrors.ErrResetRequired
	ErrCancelled         = kverrors.ErrCancelled
	ErrClosed            = kverrors.ErrClosed
	ErrCorrupt           = kverrors.ErrCorrupt
	ErrQueueFull         = kverrors.ErrQueueFull
)

// KindOf extracts the Kind of err, or KindUnknown if err was never classified.
func KindOf(err error) Kind { return kverrors.KindOf(err) }
