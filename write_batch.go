package vbstore

import (
	"fmt"

	"github.com/kvpartition/vbstore/internal/dbformat"
	"github.com/kvpartition/vbstore/internal/fileformat"
)

// Outcome is the per-mutation result delivered after Commit (§4.D step 7).
type Outcome int

const (
	// OutcomeSuccess means the mutation was durably committed.
	OutcomeSuccess Outcome = iota
	// OutcomeDocNotFound means a delete targeted a key absent from the partition.
	OutcomeDocNotFound
	// OutcomeFailed means the whole batch failed after documents began
	// writing; no partial state is ever reported as success.
	OutcomeFailed
)

// MutationCallback receives the durable outcome of one buffered
// mutation, plus whether it was a fresh insert (false) or an update to
// an existing key (true) as of the pre-commit snapshot.
type MutationCallback func(outcome Outcome, wasExisting bool)

type pendingMutation struct {
	id       []byte
	body     []byte
	meta     dbformat.Metadata
	deleted  bool
	compress bool
	callback MutationCallback
}

// WriteBatch buffers a single-writer transaction against one partition
// (§4.D): any number of Set/Delete calls followed by one Commit. A
// WriteBatch belongs to exactly one partition by construction, so the
// "only one vBucket per batch" invariant of the original protocol is
// structural rather than a runtime check.
type WriteBatch struct {
	partition *Partition
	mutations []pendingMutation
	state     *PartitionState
	manifest  []byte
}

// Begin opens a new write transaction against p.
func (p *Partition) Begin() *WriteBatch {
	return &WriteBatch{partition: p}
}

// Set buffers an insert-or-update of id. cb, if non-nil, is invoked
// once the batch commits (or fails).
func (wb *WriteBatch) Set(id, body []byte, meta dbformat.Metadata, compress bool, cb MutationCallback) {
	wb.mutations = append(wb.mutations, pendingMutation{id: id, body: body, meta: meta, compress: compress, callback: cb})
}

// Delete buffers a tombstone write for id. The tombstone retains
// metadata and, if body is non-nil, an optional body.
func (wb *WriteBatch) Delete(id []byte, body []byte, meta dbformat.Metadata, cb MutationCallback) {
	wb.mutations = append(wb.mutations, pendingMutation{id: id, body: body, meta: meta, deleted: true, callback: cb})
}

// SetState stages the per-partition state local doc to be rewritten
// atomically with this commit (§4.D step 3).
func (wb *WriteBatch) SetState(s PartitionState) {
	wb.state = &s
}

// SetCollectionsManifest stages the optional collections manifest local
// doc (§4.D step 4).
func (wb *WriteBatch) SetCollectionsManifest(manifest []byte) {
	wb.manifest = manifest
}

// Commit durably flushes every buffered mutation, the state doc, and
// the collections manifest (when staged) as one consistent snapshot
// (§4.D), then delivers each mutation's outcome.
func (wb *WriteBatch) Commit(sync bool) error {
	p := wb.partition
	p.mu.Lock()
	defer p.mu.Unlock()
	h := p.handle
	cfg := p.store.cfg

	ids := make([][]byte, len(wb.mutations))
	for i, m := range wb.mutations {
		ids[i] = namespaceKey(cfg, m.id)
	}
	existed := make(map[string]bool, len(ids))
	if len(ids) > 0 {
		_ = h.DocInfosByIDs(ids, func(id []byte, info *fileformat.DocInfo, err error) fileformat.ScanAction {
			existed[string(stripNamespace(cfg, id))] = err == nil && info != nil
			return fileformat.ScanContinue
		})
	}

	fail := func(err error) error {
		for _, m := range wb.mutations {
			if m.callback != nil {
				m.callback(OutcomeFailed, existed[string(m.id)])
			}
		}
		return err
	}

	seq := h.Info().LastSeq
	for _, m := range wb.mutations {
		if m.deleted && !existed[string(m.id)] {
			if m.callback != nil {
				m.callback(OutcomeDocNotFound, false)
			}
			continue
		}
		seq++
		if err := h.StageDoc(namespaceKey(cfg, m.id), m.body, m.meta, seq, m.deleted, m.compress); err != nil {
			return fail(fmt.Errorf("vbstore: stage %q: %w", m.id, err))
		}
	}

	if wb.state != nil {
		buf, err := encodeVBState(*wb.state)
		if err != nil {
			return fail(err)
		}
		if err := h.StageLocalDoc(localVBStateKey, buf); err != nil {
			return fail(err)
		}
	}
	if wb.manifest != nil {
		if err := h.StageLocalDoc(collectionsManifestKey, wb.manifest); err != nil {
			return fail(err)
		}
	}

	if err := h.Commit(fileformat.CommitOptions{Sync: sync}); err != nil {
		return fail(err)
	}

	for _, m := range wb.mutations {
		if m.callback == nil {
			continue
		}
		if m.deleted && !existed[string(m.id)] {
			continue // already delivered DocNotFound above
		}
		m.callback(OutcomeSuccess, existed[string(m.id)])
	}
	return nil
}
