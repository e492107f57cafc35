// Package scanregistry implements §4.H: a mapping from scan_id to the
// file-handle backing an in-flight ordered scan, guarded by a single
// dedicated lock that is only ever held for pointer-copy operations.
// Scan execution itself (changes_since, callbacks) runs with the lock
// released.
//
// Grounded on couch-kvstore's scan-context bookkeeping (couch-kvstore.cc):
// scan ids come from a monotonic counter, insert/lookup/remove are the
// only three operations, and the registry never calls into the handle it
// stores.
package scanregistry

import (
	"sync"
	"sync/atomic"

	"github.com/kvpartition/vbstore/internal/fileformat"
)

// ScanID is a monotonically increasing handle identifying one in-flight
// ordered scan (§4.E initScanContext).
type ScanID uint64

// Registry maps ScanID to the *fileformat.Handle backing that scan.
type Registry struct {
	mu      sync.Mutex
	entries map[ScanID]*fileformat.Handle
	next    atomic.Uint64
}

// New returns an empty registry. The counter starts at 1 so the zero
// value of ScanID can be used by callers as "no scan".
func New() *Registry {
	r := &Registry{entries: make(map[ScanID]*fileformat.Handle)}
	r.next.Store(1)
	return r
}

// Insert allocates a fresh ScanID for h and records it, returning the id.
func (r *Registry) Insert(h *fileformat.Handle) ScanID {
	id := ScanID(r.next.Add(1) - 1)
	r.mu.Lock()
	r.entries[id] = h
	r.mu.Unlock()
	return id
}

// Lookup returns the handle registered under id, if any.
func (r *Registry) Lookup(id ScanID) (*fileformat.Handle, bool) {
	r.mu.Lock()
	h, ok := r.entries[id]
	r.mu.Unlock()
	return h, ok
}

// Remove drops id from the registry. It does not close the handle; the
// caller (destroyScanContext, §4.E) owns that.
func (r *Registry) Remove(id ScanID) {
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
}

// Len reports how many scans are currently registered. Intended for
// diagnostics/stats (§6), not for control flow.
func (r *Registry) Len() int {
	r.mu.Lock()
	n := len(r.entries)
	r.mu.Unlock()
	return n
}
