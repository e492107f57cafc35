package vbstore

import (
	"fmt"
	"os"
	"sync"

	"github.com/kvpartition/vbstore/internal/audit"
	"github.com/kvpartition/vbstore/internal/compaction"
	"github.com/kvpartition/vbstore/internal/config"
	"github.com/kvpartition/vbstore/internal/dbformat"
	"github.com/kvpartition/vbstore/internal/fileformat"
	"github.com/kvpartition/vbstore/internal/filemanager"
	"github.com/kvpartition/vbstore/internal/kverrors"
	"github.com/kvpartition/vbstore/internal/logging"
	"github.com/kvpartition/vbstore/internal/rollback"
	"github.com/kvpartition/vbstore/internal/scanregistry"
	"github.com/kvpartition/vbstore/internal/vfs"
)

// collectionsManifestKey is the well-known local-doc name the optional
// collections manifest is written under (§3/§6).
const collectionsManifestKey = "_local/collections/manifest"

// Store owns one on-disk directory and hands out Partition handles by
// numeric partition (vBucket) id. It wires together the file-format
// adapter, file manager, compaction/rollback engines, scan registry,
// and (optionally) the audit pipeline.
type Store struct {
	cfg    config.Config
	fs     vfs.FS
	files  *filemanager.Manager
	logger logging.Logger
	scans  *scanregistry.Registry
	audit  *audit.Pipeline
	stats  stats

	mu         sync.Mutex
	partitions map[uint16]*Partition
}

// Open creates a Store rooted at cfg.DBDir, discovering any partition
// files already on disk. auditPipeline may be nil if audit events are
// not wired up for this deployment.
func Open(cfg config.Config, logger logging.Logger, auditPipeline *audit.Pipeline) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logging.IsNil(logger) {
		logger = logging.NewZerologLogger(os.Stderr, logging.LevelWarn)
	}
	fsys := vfs.Default()

	files := filemanager.New(fsys, cfg.DBDir, logger)
	if err := files.Discover(); err != nil {
		return nil, fmt.Errorf("vbstore: discover partition files: %w", err)
	}

	return &Store{
		cfg:        cfg,
		fs:         fsys,
		files:      files,
		logger:     logger,
		scans:      scanregistry.New(),
		audit:      auditPipeline,
		partitions: make(map[uint16]*Partition),
	}, nil
}

// Audit returns the audit pipeline wired in at Open, or nil if none was
// configured. Callers (the RBAC subsystem, configuration control, the
// bucket flusher) push their own events through it directly; the store
// itself never emits audit events on their behalf.
func (s *Store) Audit() *audit.Pipeline {
	return s.audit
}

// GetStat returns the current value of a stats-key (§6) and whether it
// was recognised.
func (s *Store) GetStat(name string) (uint64, bool) {
	return s.stats.get(name)
}

// ListPartitionFiles returns the path currently backing every known
// partition (§12 supplemented "GetLiveFiles"-style listing).
func (s *Store) ListPartitionFiles() []string {
	return s.files.ListPartitionFiles()
}

// ReclaimPending drives the pending-deletion queue (§4.C); callers
// typically invoke this from a periodic background task.
func (s *Store) ReclaimPending() {
	s.files.ReclaimPending()
}

// Partition opens (or returns the already-open) handle for a partition
// id, honouring the single-writer invariant (§5): callers are expected
// to serialise mutating operations on the returned *Partition
// themselves, but Partition also holds its own mutex as a backstop.
func (s *Store) Partition(id uint16) (*Partition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.partitions[id]; ok {
		return p, nil
	}

	path := s.files.CurrentFile(id)
	h, err := fileformat.Open(s.fs, path, fileformat.Options{
		Logger:      s.logger,
		Compression: s.cfg.BodyCompression,
	})
	if err != nil {
		return nil, kverrors.New(kverrors.KindIOFatal, "open_partition", err)
	}

	p := &Partition{id: id, store: s, handle: h}
	s.partitions[id] = p
	return p, nil
}

// Partition is one open vBucket's durable state.
type Partition struct {
	id    uint16
	store *Store

	mu     sync.Mutex
	handle *fileformat.Handle
}

// ID returns the partition's numeric id.
func (p *Partition) ID() uint16 { return p.id }

// Item is a fully materialised document returned to callers (§4.E).
type Item struct {
	ID       []byte
	Body     []byte
	Meta     dbformat.Metadata
	Seq      uint64
	Deleted  bool
	MetaOnly bool
}

// defaultCollectionNamespace is the namespace byte PersistDocNamespace
// prefixes every on-disk key with. This module doesn't plumb a per-key
// collection id through Set/Delete (collections are out of scope beyond
// the manifest local doc, §12), so every key belongs to the same,
// single namespace on disk — grounded on couch-kvstore.cc's
// DocNamespace::DefaultCollection, the value makeDocKey falls back to
// for keys that carry no collection information of their own.
const defaultCollectionNamespace byte = 0x00

// namespaceKey returns the on-disk key id's logical bytes should be
// staged/looked-up under, given cfg.PersistDocNamespace (§4.J).
func namespaceKey(cfg config.Config, id []byte) []byte {
	if !cfg.PersistDocNamespace {
		return id
	}
	out := make([]byte, 0, len(id)+1)
	out = append(out, defaultCollectionNamespace)
	return append(out, id...)
}

// stripNamespace reverses namespaceKey, returning the logical key an
// on-disk id decodes to. Point-get and multi-get always strip (callers
// never see the on-disk encoding detail); ordered scan strips only when
// Config.RestoreNamespaceOnScan also asks for it (§9 open question).
func stripNamespace(cfg config.Config, id []byte) []byte {
	if cfg.PersistDocNamespace && len(id) > 0 {
		return id[1:]
	}
	return id
}

func itemFromDoc(d *fileformat.Doc) *Item {
	return &Item{
		ID:      d.Info.ID,
		Body:    d.Body,
		Meta:    d.Info.Meta,
		Seq:     d.Info.Seq,
		Deleted: d.Info.Deleted,
	}
}

// Get performs a point read (§4.E "Point get"). metaOnly skips the body
// fetch entirely.
func (p *Partition) Get(id []byte, metaOnly bool) (*Item, error) {
	p.mu.Lock()
	h := p.handle
	cfg := p.store.cfg
	p.mu.Unlock()

	onDiskID := namespaceKey(cfg, id)

	if metaOnly {
		info, err := h.DocInfoByID(onDiskID)
		if err != nil {
			p.store.stats.failureGet.Add(1)
			return nil, err
		}
		return &Item{ID: stripNamespace(cfg, info.ID), Meta: info.Meta, Seq: info.Seq, Deleted: info.Deleted, MetaOnly: true}, nil
	}

	doc, err := h.ReadDoc(onDiskID)
	if err != nil {
		p.store.stats.failureGet.Add(1)
		return nil, err
	}
	p.store.stats.ioTotalReadBytes.Add(uint64(len(doc.Body)))
	item := itemFromDoc(doc)
	item.ID = stripNamespace(cfg, item.ID)
	return item, nil
}

// MultiGet resolves many keys in one pass (§4.E "Multi-get"), coalesced
// through a single docinfos_by_ids call.
func (p *Partition) MultiGet(ids [][]byte) (map[string]*Item, error) {
	p.mu.Lock()
	h := p.handle
	cfg := p.store.cfg
	p.mu.Unlock()

	onDisk := make([][]byte, len(ids))
	for i, id := range ids {
		onDisk[i] = namespaceKey(cfg, id)
	}

	// DocInfosByIDs holds the handle's read lock for its whole scan, so
	// body fetches (which also take that lock) must happen in a second
	// pass after it returns rather than from inside its callback.
	found := make([]string, 0, len(onDisk))
	out := make(map[string]*Item, len(ids))
	err := h.DocInfosByIDs(onDisk, func(id []byte, info *fileformat.DocInfo, infoErr error) fileformat.ScanAction {
		logical := string(stripNamespace(cfg, id))
		if infoErr != nil || info == nil {
			out[logical] = nil
			return fileformat.ScanContinue
		}
		found = append(found, string(id))
		return fileformat.ScanContinue
	})
	if err != nil {
		return nil, err
	}

	for _, key := range found {
		doc, readErr := h.ReadDoc([]byte(key))
		logical := string(stripNamespace(cfg, []byte(key)))
		if readErr != nil {
			out[logical] = nil
			continue
		}
		p.store.stats.ioBgFetchReadCount.Add(1)
		item := itemFromDoc(doc)
		item.ID = stripNamespace(cfg, item.ID)
		out[logical] = item
	}
	return out, nil
}

// MightContainKey answers the cheap presence probe (§12) through the
// handle's Options.Probe. The store opens partition handles without a
// probe, so this always answers true ("maybe present").
func (p *Partition) MightContainKey(id []byte) bool {
	p.mu.Lock()
	h := p.handle
	cfg := p.store.cfg
	p.mu.Unlock()
	return h.MightContainKey(namespaceKey(cfg, id))
}

// State reads back the per-partition state local doc (§3/§6).
func (p *Partition) State() (PartitionState, bool, error) {
	p.mu.Lock()
	h := p.handle
	p.mu.Unlock()

	buf, ok := h.LocalDocRead(localVBStateKey)
	if !ok {
		return PartitionState{}, false, nil
	}
	st, err := decodeVBState(buf)
	if err != nil {
		return PartitionState{}, false, err
	}
	return st, true, nil
}

// Compact runs the compaction engine (§4.F) against this partition's
// current revision, installs the resulting file as the new current
// revision, and queues the old revision for reclamation.
func (p *Partition) Compact(opts compaction.Options) (compaction.Stats, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rev, ok := p.store.files.CurrentRevision(p.id)
	if !ok {
		return compaction.Stats{}, kverrors.New(kverrors.KindNotFound, "compact", fmt.Errorf("partition %d has no current revision", p.id))
	}
	dstPath := p.store.files.CompactFileName(p.id, rev)
	if opts.Compression == 0 {
		opts.Compression = p.store.cfg.BodyCompression
	}

	dst, stat, err := compaction.Compact(p.store.fs, p.handle, dstPath, nil, opts)
	if err != nil {
		p.store.stats.failureCompaction.Add(1)
		return compaction.Stats{}, err
	}

	newPath, oldPath := p.store.files.AdvanceRevision(p.id, rev)
	if err := p.store.fs.Rename(dstPath, newPath); err != nil {
		_ = dst.Close()
		p.store.stats.failureCompaction.Add(1)
		return compaction.Stats{}, kverrors.New(kverrors.KindIOFatal, "compact_rename", err)
	}
	_ = oldPath // queued for reclamation by AdvanceRevision already

	old := p.handle
	p.handle = dst
	_ = old.Close()

	p.store.stats.ioCompactionWrite.Add(stat.Copied)
	return stat, nil
}

// Rollback rewinds this partition to the most recent durable commit at
// or before target, invoking keysCB for every key the rewind discards
// (§4.G).
func (p *Partition) Rollback(target uint64, keysCB func(id []byte)) (rollback.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cfg := p.store.cfg
	wrapped := keysCB
	if keysCB != nil {
		wrapped = func(id []byte) { keysCB(stripNamespace(cfg, id)) }
	}
	return rollback.Rollback(p.handle, target, wrapped, rollback.Options{Logger: p.store.logger, Sync: true})
}

// Close releases the partition's open file handle.
func (p *Partition) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handle.Close()
}
