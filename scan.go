package vbstore

import (
	"github.com/kvpartition/vbstore/internal/fileformat"
	"github.com/kvpartition/vbstore/internal/scanregistry"
)

// ValueFilter selects whether an ordered scan fetches document bodies.
type ValueFilter int

const (
	// ValuesAndKeys fetches the body of every non-deleted document.
	ValuesAndKeys ValueFilter = iota
	// KeysOnly skips body fetches entirely.
	KeysOnly
)

// ScanContext is a registered, resumable ordered scan over one
// partition's current revision (§4.E "Ordered scan"). Create one with
// Partition.InitScan and release it with Close once finished.
type ScanContext struct {
	id        scanregistry.ScanID
	partition *Partition
	filter    ValueFilter
	startSeq  uint64
	lastRead  uint64
}

// InitScan opens a read-only view of p's current revision, registers it
// in the store's scan registry under a fresh scan id, and returns a
// context ready to be driven by Scan.
func (p *Partition) InitScan(startSeq uint64, filter ValueFilter) *ScanContext {
	p.mu.Lock()
	h := p.handle
	p.mu.Unlock()

	id := p.store.scans.Insert(h)
	return &ScanContext{id: id, partition: p, filter: filter, startSeq: startSeq}
}

// ID returns the scan's registry id, for diagnostics/stats.
func (sc *ScanContext) ID() scanregistry.ScanID { return sc.id }

// Scan drives the scan forward from max(startSeq, lastRead+1), invoking
// cb once per surviving document. cb's ScanAction controls whether the
// scan continues, cancels, or (for a keys-only scan that changes its
// mind) requests the body for the current document.
func (sc *ScanContext) Scan(cb func(*Item) fileformat.ScanAction) error {
	h, ok := sc.partition.store.scans.Lookup(sc.id)
	if !ok {
		return ErrScanIDNotFound
	}

	start := sc.startSeq
	if sc.lastRead+1 > start {
		start = sc.lastRead + 1
	}

	cfg := sc.partition.store.cfg
	return h.ChangesSince(start, func(d *fileformat.Doc) fileformat.ScanAction {
		sc.lastRead = d.Info.Seq
		if sc.filter == ValuesAndKeys && d.Body == nil && !d.Info.Deleted {
			return fileformat.ScanNeedBody
		}
		item := itemFromDoc(d)
		if cfg.PersistDocNamespace && cfg.RestoreNamespaceOnScan && len(item.ID) > 0 {
			item.ID = item.ID[1:]
		}
		return cb(item)
	})
}

// Close removes the scan from the registry (§4.E destroyScanContext).
// It does not close the partition's handle, which the scan only
// borrowed.
func (sc *ScanContext) Close() {
	sc.partition.store.scans.Remove(sc.id)
}
