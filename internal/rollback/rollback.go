// Package rollback implements §4.G: walking a partition's durable header
// chain backward to a prior commit, aborting to "reset required" when
// the walk can't reach the target or would discard too much history, and
// streaming the discarded key range to the caller before installing the
// older state as current.
//
// Grounded directly on CouchKVStore::rollback (couch-kvstore.cc): open a
// second handle, loop couchstore_rewind_db_header while
// info.last_sequence > rollbackSeqno (treating a rewind failure as
// "reset"), compare totSeqCount/2 against rollbackSeqCount to decide
// whether the discard is small enough to be worth it, stream the
// discarded range through a keys-only scan, then commit the rewound
// header.
package rollback

import (
	"fmt"

	"github.com/kvpartition/vbstore/internal/fileformat"
	"github.com/kvpartition/vbstore/internal/logging"
)

// Result mirrors the original's RollbackResult.
type Result struct {
	Success   bool
	HighSeqno uint64
	SnapStart uint64
	SnapEnd   uint64
}

// Options configures one rollback attempt.
type Options struct {
	Logger logging.Logger
	// Sync controls whether installing the rewound header is fsynced
	// before returning.
	Sync bool
}

// Rollback rewinds h to the most recent commit whose LastSeq is <= target.
// keysCB, if non-nil, is called once per document id that will be
// discarded by the rewind — in no particular order — before the rewind
// is installed, so the caller can invalidate any cached state for those
// keys (§4.G "stream discarded key range").
//
// A Result with Success == false means the rewind was abandoned (either
// no commit in the chain satisfies the target, or half or more of the
// partition's records would be discarded) and the caller must treat the
// partition as needing a full reset instead.
func Rollback(h *fileformat.Handle, target uint64, keysCB func(id []byte), opts Options) (Result, error) {
	logger := logging.OrDefault(opts.Logger)

	latest := h.Info().LastSeq
	if target >= latest {
		// Nothing to discard.
		return Result{Success: true, HighSeqno: latest, SnapStart: latest, SnapEnd: latest}, nil
	}

	totSeqCount := h.ChangesCount(0, latest)

	var found *fileformat.HeaderView
	walkErr := h.WalkHeadersBackward(func(hv fileformat.HeaderView) (bool, error) {
		if hv.LastSeq <= target {
			v := hv
			found = &v
			return true, nil
		}
		return false, nil
	})
	if walkErr != nil {
		return Result{}, fmt.Errorf("rollback: walk header chain: %w", walkErr)
	}
	if found == nil {
		logger.Warnf("[rollback] no commit with lastSeq<=%d in chain, reset required", target)
		return Result{Success: false}, nil
	}

	rollbackSeqCount := h.ChangesCount(found.LastSeq, latest)
	if totSeqCount/2 <= rollbackSeqCount {
		logger.Warnf("[rollback] discarding %d of %d records is at least half the history, reset required", rollbackSeqCount, totSeqCount)
		return Result{Success: false}, nil
	}

	if keysCB != nil {
		err := h.ChangesSince(found.LastSeq, func(d *fileformat.Doc) fileformat.ScanAction {
			keysCB(d.Info.ID)
			return fileformat.ScanContinue
		})
		if err != nil {
			return Result{}, fmt.Errorf("rollback: stream discarded keys: %w", err)
		}
	}

	if err := h.InstallHeaderRef(found.Ref, opts.Sync); err != nil {
		return Result{}, fmt.Errorf("rollback: install rewound header: %w", err)
	}

	logger.Infof("[rollback] rewound to seq=%d (discarded %d records)", found.LastSeq, rollbackSeqCount)
	return Result{
		Success:   true,
		HighSeqno: found.LastSeq,
		SnapStart: found.LastSeq,
		SnapEnd:   found.LastSeq,
	}, nil
}
