// Package compaction implements §4.F: copying a partition's live documents
// forward into a fresh revision file, applying the time_purge hook
// (tombstone purge below the purge seqno, TTL expiry notification,
// collection erasure, and a bloom-filter callback) to each document as it
// passes through.
//
// Grounded on CouchKVStore::compactDB/compactDBInternal (couch-kvstore.cc):
// open the source read-only, stream its documents through an
// edit_docinfo_hook + time_purge_hook pair into a ".compact" shadow file,
// then the caller renames the shadow into place as the next revision.
package compaction

import (
	"fmt"

	"github.com/kvpartition/vbstore/internal/compression"
	"github.com/kvpartition/vbstore/internal/fileformat"
	"github.com/kvpartition/vbstore/internal/logging"
	"github.com/kvpartition/vbstore/internal/vfs"
)

// Decision is what the time_purge hook decided for one document.
type Decision struct {
	// Drop removes the document from the compacted file entirely.
	Drop bool
	// ExpiredNotify fires Options.OnExpire for this document before it's dropped.
	ExpiredNotify bool
}

// Options configures one compaction pass.
type Options struct {
	Logger logging.Logger

	// PurgeBeforeSeq: the per-vb watermark. A tombstone at or below this
	// seqno is eligible for purge via the PurgeBeforeTS test below; a
	// value of 0 disables the seqno half of that test (every tombstone
	// qualifies on timestamp alone), matching the
	// "purge_before_seq == 0" special case.
	PurgeBeforeSeq uint64

	// PurgeBeforeTS is compared against each tombstone's expiry field
	// (its deletion time): a tombstone with Meta.Expiry < PurgeBeforeTS,
	// and whose seqno also clears PurgeBeforeSeq, is purged. Distinct
	// from NowUnix, which governs TTL expiry of *live* documents.
	PurgeBeforeTS uint32

	// DropDeletes, when true, drops every tombstone unconditionally
	// (except the last-sequence tie-break below), bypassing the
	// PurgeBeforeTS/PurgeBeforeSeq test entirely. This is the
	// drop_deletes flag of the compaction context, distinct from
	// PurgeBeforeSeq: a caller compacting away a dropped vBucket wants
	// every tombstone gone regardless of watermark.
	DropDeletes bool

	// NowUnix is compared against each live document's expiry field;
	// non-zero, non-deleted, past-expiry documents are dropped and
	// reported via OnExpire, mirroring the original's expiry-during-compaction
	// path.
	NowUnix uint32

	// DroppedCollection reports whether a document id belongs to a
	// collection being erased (collection-erasure hook). May be nil.
	DroppedCollection func(id []byte) bool

	// OnExpire is invoked (outside any internal lock) for each document
	// dropped for having expired, carrying the full item (body inflated,
	// datatype preserved) so the caller can propagate the deletion to
	// higher layers (checkpoint manager, DCP) that own sequence-number
	// allocation — out of scope for this package itself.
	OnExpire func(item *fileformat.Doc)

	// BloomAdd, if set, is called once per document that survives
	// compaction, feeding the caller's presence-probe structure
	// (§12 MightContainKey).
	BloomAdd func(id []byte)

	// WriteQueueCap bounds how many staged documents are buffered before
	// being flushed to the destination handle in one Commit, matching
	// Config.CompactionWriteQueueCap (§4.J). A value of 0 means "flush
	// once at the end" (no intermediate commits).
	WriteQueueCap int

	// Compression selects the codec re-staged bodies are compressed
	// with in the shadow file, matching Config.BodyCompression (§4.J).
	// Zero value is compression.NoCompression, honoured literally, the
	// same as fileformat.Options.Compression.
	Compression compression.Type

	// LastSeq is the source file's last sequence as of the start of this
	// pass. Compact overwrites whatever the caller sets here before the
	// hook ever runs; it exists as a field (rather than a separate hook
	// argument) purely so DefaultHook can read it through the same
	// Options value every other policy field comes through. It backs
	// the "tombstone equal to the file's last sequence is always kept"
	// tie-break: the newest record in a file is never itself eligible
	// for purge, no matter how the other fields are set.
	LastSeq uint64
}

// Stats reports what a compaction pass did.
type Stats struct {
	Copied  uint64
	Purged  uint64
	Expired uint64
	Dropped uint64 // dropped for collection erasure
}

// Hook decides the fate of one document during compaction. The default
// hook (see DefaultHook) implements DropDeletes/PurgeBeforeTS/
// PurgeBeforeSeq/NowUnix/DroppedCollection; callers needing custom
// behavior can supply their own.
type Hook func(info *fileformat.DocInfo, opts Options) Decision

// DefaultHook implements the standard tombstone-purge + TTL-expiry +
// collection-erasure policy described in §4.F.
func DefaultHook(info *fileformat.DocInfo, opts Options) Decision {
	if opts.DroppedCollection != nil && opts.DroppedCollection(info.ID) {
		return Decision{Drop: true}
	}
	if info.Deleted && info.Seq != opts.LastSeq {
		if opts.DropDeletes {
			return Decision{Drop: true}
		}
		if info.Meta.Expiry < opts.PurgeBeforeTS && (opts.PurgeBeforeSeq == 0 || info.Seq <= opts.PurgeBeforeSeq) {
			return Decision{Drop: true}
		}
		return Decision{}
	}
	if !info.Deleted && info.Meta.Expiry != 0 && opts.NowUnix >= info.Meta.Expiry {
		return Decision{Drop: true, ExpiredNotify: true}
	}
	return Decision{}
}

// Compact streams every live document of src into a freshly opened handle
// at dstPath, applying hook (DefaultHook if nil) to each, and commits the
// result. The caller is responsible for closing src/dst and performing
// the atomic rename into the next revision (internal/filemanager).
func Compact(fsys vfs.FS, src *fileformat.Handle, dstPath string, hook Hook, opts Options) (*fileformat.Handle, Stats, error) {
	if hook == nil {
		hook = DefaultHook
	}
	logger := logging.OrDefault(opts.Logger)

	dst, err := fileformat.Open(fsys, dstPath, fileformat.Options{Logger: logger, Compression: opts.Compression})
	if err != nil {
		return nil, Stats{}, fmt.Errorf("compaction: open shadow file: %w", err)
	}

	opts.LastSeq = src.Info().LastSeq

	var stats Stats
	staged := 0
	maxPurge := opts.PurgeBeforeSeq

	flush := func() error {
		if staged == 0 {
			return nil
		}
		if err := dst.Commit(fileformat.CommitOptions{Sync: false, PurgeSeq: maxPurge}); err != nil {
			return err
		}
		staged = 0
		return nil
	}

	walkErr := src.ChangesSince(0, func(d *fileformat.Doc) fileformat.ScanAction {
		if d.Body == nil && !d.Info.Deleted {
			return fileformat.ScanNeedBody
		}

		decision := hook(&d.Info, opts)
		if decision.Drop {
			if decision.ExpiredNotify {
				stats.Expired++
				if opts.OnExpire != nil {
					opts.OnExpire(d)
				}
			} else if d.Info.Deleted {
				stats.Purged++
			} else {
				stats.Dropped++
			}
			return fileformat.ScanContinue
		}

		if err := dst.StageDoc(d.Info.ID, d.Body, d.Info.Meta, d.Info.Seq, d.Info.Deleted, d.Info.Meta.Datatype.IsCompressed()); err != nil {
			logger.Errorf("[compaction] stage failed for key %q: %v", d.Info.ID, err)
			return fileformat.ScanCancel
		}
		if opts.BloomAdd != nil {
			opts.BloomAdd(d.Info.ID)
		}
		stats.Copied++
		staged++
		if opts.WriteQueueCap > 0 && staged >= opts.WriteQueueCap {
			if err := flush(); err != nil {
				logger.Errorf("[compaction] intermediate commit failed: %v", err)
				return fileformat.ScanCancel
			}
		}
		return fileformat.ScanContinue
	})
	if walkErr != nil {
		_ = dst.Close()
		return nil, stats, fmt.Errorf("compaction: copy forward: %w", walkErr)
	}

	if err := flush(); err != nil {
		_ = dst.Close()
		return nil, stats, fmt.Errorf("compaction: final commit: %w", err)
	}
	if err := dst.Commit(fileformat.CommitOptions{Sync: true, PurgeSeq: maxPurge}); err != nil {
		_ = dst.Close()
		return nil, stats, fmt.Errorf("compaction: sync commit: %w", err)
	}

	logger.Infof("[compaction] copied=%d purged=%d expired=%d dropped=%d", stats.Copied, stats.Purged, stats.Expired, stats.Dropped)
	return dst, stats, nil
}
