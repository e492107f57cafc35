package fileformat

import (
	"errors"

	"github.com/kvpartition/vbstore/internal/kverrors"
)

// errBadMagic, errChecksumMismatch and errTruncated are the raw on-disk
// integrity failures this package can detect; all map onto
// kverrors.KindIOFatal (errTruncated through classify's default case),
// since a corrupt partition file should not be trusted for further writes.
var (
	errBadMagic         = errors.New("superblock magic mismatch")
	errChecksumMismatch = errors.New("record checksum mismatch")
	errTruncated        = errors.New("truncated index entry")
)

// classify maps a raw file-format error onto the store-wide error
// taxonomy (spec §7). This is the single mapping table the spec calls
// for at the §4.A boundary — every caller above this package sees only
// a kverrors.Kind, never an os.PathError or a checksum mismatch directly.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, errBadMagic), errors.Is(err, errChecksumMismatch):
		return kverrors.New(kverrors.KindIOFatal, op, err)
	case errors.Is(err, kverrors.ErrNotFound), errors.Is(err, kverrors.ErrPartitionNotFound):
		return kverrors.New(kverrors.KindNotFound, op, err)
	case errors.Is(err, kverrors.ErrCancelled):
		return kverrors.New(kverrors.KindCancelled, op, err)
	case isTransientIOError(err):
		return kverrors.New(kverrors.KindIOTransient, op, err)
	default:
		return kverrors.New(kverrors.KindIOFatal, op, err)
	}
}

// isTransientIOError reports whether err looks like a retryable OS-level
// I/O failure rather than a structural corruption. It matches errors that
// wrapIOError tagged on their way out of a vfs.FS call, which is how an
// error from the fault-injection vfs layer reaches the io-transient path.
func isTransientIOError(err error) bool {
	return errors.Is(err, errInjectedTransient)
}

// errInjectedTransient is wrapped around any error returned directly by a
// vfs.FS call (as opposed to one this package detected itself via
// checksum/magic validation), on the assumption that the underlying OS/
// fault-injection layer is the authority on whether a given I/O failure
// is retryable. Real os.PathError values from a live disk are, in
// practice, usually transient (ENOSPC, EIO on a single sector); a fatal
// on-disk format error is something *this* package detects and wraps
// with errBadMagic/errChecksumMismatch instead.
var errInjectedTransient = errors.New("io error")

// wrapIOError tags a raw error from the vfs layer as a transient I/O error.
func wrapIOError(err error) error {
	if err == nil {
		return nil
	}
	return errors.Join(err, errInjectedTransient)
}
