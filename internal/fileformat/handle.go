package fileformat

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/kvpartition/vbstore/internal/compression"
	"github.com/kvpartition/vbstore/internal/dbformat"
	"github.com/kvpartition/vbstore/internal/kverrors"
	"github.com/kvpartition/vbstore/internal/logging"
	"github.com/kvpartition/vbstore/internal/vfs"
)

// ScanAction is returned by a scan/compaction callback to control iteration,
// mirroring the couchstore callback contract (§4.E): continue, cancel, or
// (for metadata-only iteration) request the body be fetched before the
// next call.
type ScanAction int

const (
	// ScanContinue proceeds to the next document.
	ScanContinue ScanAction = iota
	// ScanCancel stops iteration immediately; callers see kverrors.ErrCancelled.
	ScanCancel
	// ScanNeedBody re-invokes the callback for the same document, this
	// time with its body populated.
	ScanNeedBody
)

// Options configures an open Handle.
type Options struct {
	Logger logging.Logger
	// Probe, if set, backs MightContainKey. Grounded in the bloom-filter
	// callback the compaction engine installs (§4.F); left nil it makes
	// MightContainKey always answer "maybe".
	Probe func(id []byte) bool
	// Compression selects the codec StageDoc uses when asked to compress
	// a body (§4.J Config.BodyCompression). The zero value is
	// compression.NoCompression, which StageDoc honors literally (the
	// body is staged unchanged); config.Default() sets this to
	// compression.SnappyCompression so Store-opened handles compress by
	// default without this package imposing that choice itself.
	Compression compression.Type
}

// Handle is an open partition revision file.
type Handle struct {
	fs          vfs.FS
	path        string
	logger      logging.Logger
	probe       func(id []byte) bool
	compression compression.Type

	mu sync.RWMutex

	ra   vfs.RandomAccessFile
	w    vfs.WritableFile
	size int64 // current end-of-file offset; next write lands here

	generation atomic.Uint64

	// durable state as of the last successful Commit/Open/InstallHeaderRef.
	curHeaderOffset int64
	curHeaderLen    uint64
	commitID        uint64
	docCount        uint64
	deletedCount    uint64
	lastSeq         uint64
	purgeSeq        uint64
	index           map[string]indexEntry
	localDocs       map[string][]byte

	// pending, uncommitted writes accumulated since the last Commit.
	pendingIndex     map[string]indexEntry
	pendingLocalDocs map[string][]byte
}

// Info summarizes a partition's durable state (§4.A/§4.J "Info").
type Info struct {
	LastSeq      uint64
	PurgeSeq     uint64
	DocCount     uint64
	DeletedCount uint64
	FileSize     int64
	CommitID     uint64
}

// Open opens (creating if absent) the partition revision file at path.
func Open(fsys vfs.FS, path string, opts Options) (*Handle, error) {
	logger := logging.OrDefault(opts.Logger)
	h := &Handle{
		fs:          fsys,
		path:        path,
		logger:      logger,
		probe:       opts.Probe,
		compression: opts.Compression,
	}

	if !fsys.Exists(path) {
		if err := h.initEmpty(); err != nil {
			return nil, classify("open", err)
		}
		return h, nil
	}

	if err := h.openExisting(); err != nil {
		return nil, classify("open", err)
	}
	return h, nil
}

func (h *Handle) initEmpty() error {
	w, err := h.fs.Create(h.path)
	if err != nil {
		return wrapIOError(err)
	}
	sb := encodeSuperblock(-1, 0)
	if _, err := w.Write(sb); err != nil {
		_ = w.Close()
		return wrapIOError(err)
	}
	if err := w.Sync(); err != nil {
		_ = w.Close()
		return wrapIOError(err)
	}
	if err := w.Close(); err != nil {
		return wrapIOError(err)
	}

	ra, err := h.fs.OpenRandomAccess(h.path)
	if err != nil {
		return wrapIOError(err)
	}
	aw, err := h.fs.OpenAppend(h.path)
	if err != nil {
		_ = ra.Close()
		return wrapIOError(err)
	}

	h.ra = ra
	h.w = aw
	h.size = int64(superblockSize)
	h.curHeaderOffset = -1
	h.index = map[string]indexEntry{}
	h.localDocs = map[string][]byte{}
	h.resetPending()
	return nil
}

func (h *Handle) openExisting() error {
	ra, err := h.fs.OpenRandomAccess(h.path)
	if err != nil {
		return wrapIOError(err)
	}

	sbBuf := make([]byte, superblockSize)
	if _, err := ra.ReadAt(sbBuf, 0); err != nil {
		_ = ra.Close()
		return wrapIOError(err)
	}
	headerOff, _, err := decodeSuperblock(sbBuf)
	if err != nil {
		_ = ra.Close()
		return err
	}

	size := ra.Size()

	h.ra = ra
	h.size = size
	h.curHeaderOffset = headerOff

	if headerOff < 0 {
		h.index = map[string]indexEntry{}
		h.localDocs = map[string][]byte{}
	} else {
		tail := make([]byte, size-headerOff)
		if _, err := ra.ReadAt(tail, headerOff); err != nil {
			_ = ra.Close()
			return wrapIOError(err)
		}
		typ, payload, consumed, err := readFrame(tail)
		if err != nil {
			_ = ra.Close()
			return err
		}
		if typ != recHeader {
			_ = ra.Close()
			return fmt.Errorf("fileformat: expected header record, got type %d", typ)
		}
		hs, err := decodeHeader(payload)
		if err != nil {
			_ = ra.Close()
			return err
		}
		h.curHeaderLen = uint64(consumed)
		h.commitID = hs.commitID
		h.docCount = hs.docCount
		h.deletedCount = hs.deletedCount
		h.lastSeq = hs.lastSeq
		h.purgeSeq = hs.purgeSeq
		h.index = hs.index
		h.localDocs = hs.localDocs
	}

	aw, err := h.fs.OpenAppend(h.path)
	if err != nil {
		_ = ra.Close()
		return wrapIOError(err)
	}
	h.w = aw
	h.generation.Store(h.commitID)
	h.resetPending()
	return nil
}

func (h *Handle) resetPending() {
	h.pendingIndex = map[string]indexEntry{}
	h.pendingLocalDocs = map[string][]byte{}
}

// Close releases the handle's open file descriptors.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var firstErr error
	if h.w != nil {
		if err := h.w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if h.ra != nil {
		if err := h.ra.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Path returns the file path this handle is open on.
func (h *Handle) Path() string { return h.path }

// Generation returns the handle's current commit generation, for use with TaggedHandle.
func (h *Handle) Generation() uint16 {
	return uint16(h.generation.Load())
}

// Info returns a snapshot of the handle's durable state.
func (h *Handle) Info() Info {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Info{
		LastSeq:      h.lastSeq,
		PurgeSeq:     h.purgeSeq,
		DocCount:     h.docCount,
		DeletedCount: h.deletedCount,
		FileSize:     h.size,
		CommitID:     h.commitID,
	}
}

// StageDoc appends a document body (compressing it first if requested) to
// the log and records its metadata in the pending index, without making
// it visible to readers until Commit. seq must be strictly greater than
// every previously assigned sequence number for this handle.
func (h *Handle) StageDoc(id []byte, body []byte, meta dbformat.Metadata, seq uint64, deleted bool, compress bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	entry := indexEntry{seq: seq, deleted: deleted}
	if deleted && body == nil {
		entry.noBody = true
	} else {
		payload := body
		if compress {
			encoded, err := compression.Compress(h.compression, body)
			if err != nil {
				return classify("stage_doc", fmt.Errorf("compress body: %w", err))
			}
			// The codec byte makes every compressed record self-describing,
			// so ReadDoc never needs to know which Config.BodyCompression
			// was in effect when the record was written.
			payload = append([]byte{byte(h.compression)}, encoded...)
			meta.Datatype |= dbformat.DatatypeSnappy
		}
		off := h.size
		buf := frame(nil, recDoc, payload)
		if _, err := h.w.Write(buf); err != nil {
			return classify("stage_doc", wrapIOError(err))
		}
		h.size += int64(len(buf))
		entry.bodyOff = off
		entry.bodyLen = uint32(len(buf))
	}

	if meta.Version == dbformat.VersionUnknown {
		meta.Version = dbformat.Version1
	}
	if meta.Version == dbformat.Version0 {
		entry.metaBuf = dbformat.EncodeV0(meta)
	} else {
		entry.metaBuf = dbformat.EncodeV1(meta)
	}

	h.pendingIndex[string(id)] = entry
	return nil
}

// StageLocalDoc stages a write to a named local (non-versioned) document,
// such as _local/vbstate (§4.D).
func (h *Handle) StageLocalDoc(name string, value []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pendingLocalDocs[name] = append([]byte(nil), value...)
	return nil
}

// CommitOptions controls a single Commit call.
type CommitOptions struct {
	// Sync, when false, skips the fsync of the new data and the
	// superblock (§4.D's "commit without durability" fast path). The
	// commit is still atomically visible to this handle; it is simply
	// not guaranteed durable across a crash until a subsequent synced
	// commit.
	Sync bool
	// PurgeSeq, if non-zero, advances the partition's purge watermark
	// as part of this commit.
	PurgeSeq uint64
}

// Commit makes every staged write since the last Commit durable and
// atomically visible as a single unit: the document batch, the local
// docs (including _local/vbstate), and the index snapshot all land in
// one header record (§4.D).
func (h *Handle) Commit(opts CommitOptions) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	merged := make(map[string]indexEntry, len(h.index)+len(h.pendingIndex))
	for k, v := range h.index {
		merged[k] = v
	}
	var docDelta, delDelta int64
	var maxSeq uint64
	for k, v := range h.pendingIndex {
		if prev, ok := merged[k]; ok {
			if !prev.deleted && v.deleted {
				delDelta++
			} else if prev.deleted && !v.deleted {
				delDelta--
			}
		} else {
			docDelta++
			if v.deleted {
				delDelta++
			}
		}
		merged[k] = v
		if v.seq > maxSeq {
			maxSeq = v.seq
		}
	}

	mergedLocal := make(map[string][]byte, len(h.localDocs)+len(h.pendingLocalDocs))
	for k, v := range h.localDocs {
		mergedLocal[k] = v
	}
	for k, v := range h.pendingLocalDocs {
		mergedLocal[k] = v
	}

	lastSeq := h.lastSeq
	if maxSeq > lastSeq {
		lastSeq = maxSeq
	}
	purgeSeq := h.purgeSeq
	if opts.PurgeSeq > purgeSeq {
		purgeSeq = opts.PurgeSeq
	}

	hs := headerSnapshot{
		prevHeaderOffset: h.curHeaderOffset,
		prevHeaderLen:    h.curHeaderLen,
		commitID:         h.commitID + 1,
		docCount:         uint64(int64(h.docCount) + docDelta),
		deletedCount:     uint64(int64(h.deletedCount) + delDelta),
		lastSeq:          lastSeq,
		purgeSeq:         purgeSeq,
		index:            merged,
		localDocs:        mergedLocal,
	}

	payload := encodeHeader(hs)
	headerOff := h.size
	buf := frame(nil, recHeader, payload)
	if _, err := h.w.Write(buf); err != nil {
		return classify("commit", wrapIOError(err))
	}
	headerLen := uint64(len(buf))
	h.size += int64(len(buf))

	if opts.Sync {
		if err := h.w.Sync(); err != nil {
			return classify("commit", wrapIOError(err))
		}
	}

	sb := encodeSuperblock(headerOff, 0)
	if err := h.rewriteSuperblock(sb, opts.Sync); err != nil {
		return classify("commit", err)
	}

	h.curHeaderOffset = headerOff
	h.curHeaderLen = headerLen
	h.commitID = hs.commitID
	h.docCount = hs.docCount
	h.deletedCount = hs.deletedCount
	h.lastSeq = hs.lastSeq
	h.purgeSeq = hs.purgeSeq
	h.index = merged
	h.localDocs = mergedLocal
	h.resetPending()
	h.generation.Store(h.commitID)
	return nil
}

// rewriteSuperblock overwrites the fixed-size superblock in place using a
// positioned write, leaving the handle's append cursor untouched.
func (h *Handle) rewriteSuperblock(sb []byte, sync bool) error {
	if _, err := h.w.WriteAt(sb, 0); err != nil {
		return wrapIOError(err)
	}
	if sync {
		if err := h.w.Sync(); err != nil {
			return wrapIOError(err)
		}
	}
	return nil
}

// ReadDoc fetches a document's metadata and body by id.
func (h *Handle) ReadDoc(id []byte) (*Doc, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.readDocLocked(id)
}

func (h *Handle) readDocLocked(id []byte) (*Doc, error) {
	e, ok := h.index[string(id)]
	if !ok {
		return nil, classify("read_doc", kverrors.ErrNotFound)
	}
	info, err := docInfoFromEntry(id, e)
	if err != nil {
		return nil, classify("read_doc", err)
	}
	if e.noBody {
		return &Doc{Info: info}, nil
	}
	raw := make([]byte, e.bodyLen)
	if _, err := h.ra.ReadAt(raw, e.bodyOff); err != nil {
		return nil, classify("read_doc", wrapIOError(err))
	}
	_, payload, _, err := readFrame(raw)
	if err != nil {
		return nil, classify("read_doc", err)
	}
	body := payload
	if info.Meta.Datatype.IsCompressed() {
		if len(payload) < 1 {
			return nil, classify("read_doc", fmt.Errorf("compressed payload missing codec byte"))
		}
		codec := compression.Type(payload[0])
		body, err = compression.Decompress(codec, payload[1:])
		if err != nil {
			return nil, classify("read_doc", fmt.Errorf("%s decode: %w", codec, err))
		}
	}
	bodyCopy := make([]byte, len(body))
	copy(bodyCopy, body)
	return &Doc{Info: info, Body: bodyCopy}, nil
}

// DocInfoByID fetches only a document's metadata.
func (h *Handle) DocInfoByID(id []byte) (*DocInfo, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.index[string(id)]
	if !ok {
		return nil, classify("doc_info", kverrors.ErrNotFound)
	}
	info, err := docInfoFromEntry(id, e)
	if err != nil {
		return nil, classify("doc_info", err)
	}
	return &info, nil
}

// DocInfosByIDs fetches metadata for a batch of ids, coalescing the
// underlying lookups under one read lock, calling cb once per id in the
// order given. cb returning ScanCancel stops iteration early.
func (h *Handle) DocInfosByIDs(ids [][]byte, cb func(id []byte, info *DocInfo, err error) ScanAction) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, id := range ids {
		e, ok := h.index[string(id)]
		var infoPtr *DocInfo
		var err error
		if !ok {
			err = classify("doc_info", kverrors.ErrNotFound)
		} else {
			info, derr := docInfoFromEntry(id, e)
			if derr != nil {
				err = classify("doc_info", derr)
			} else {
				infoPtr = &info
			}
		}
		if cb(id, infoPtr, err) == ScanCancel {
			return kverrors.New(kverrors.KindCancelled, "doc_infos_by_ids", kverrors.ErrCancelled)
		}
	}
	return nil
}

// sortedIDsBySeq returns document ids ordered by ascending sequence number.
func (h *Handle) sortedIDsBySeq() []string {
	ids := make([]string, 0, len(h.index))
	for id := range h.index {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return h.index[ids[i]].seq < h.index[ids[j]].seq
	})
	return ids
}

// ChangesSince iterates every document with seq > sinceSeq in ascending
// sequence order (§4.E ordered scan). cb is first called with body == nil;
// returning ScanNeedBody re-invokes it once more with the body populated.
func (h *Handle) ChangesSince(sinceSeq uint64, cb func(*Doc) ScanAction) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, id := range h.sortedIDsBySeq() {
		e := h.index[id]
		if e.seq <= sinceSeq {
			continue
		}
		info, err := docInfoFromEntry([]byte(id), e)
		if err != nil {
			return classify("changes_since", err)
		}
		action := cb(&Doc{Info: info})
		if action == ScanNeedBody {
			full, err := h.readDocLocked([]byte(id))
			if err != nil {
				return err
			}
			action = cb(full)
		}
		if action == ScanCancel {
			return kverrors.New(kverrors.KindCancelled, "changes_since", kverrors.ErrCancelled)
		}
	}
	return nil
}

// ChangesCount returns the number of documents with minSeq < seq <= maxSeq.
func (h *Handle) ChangesCount(minSeq, maxSeq uint64) uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var n uint64
	for _, e := range h.index {
		if e.seq > minSeq && e.seq <= maxSeq {
			n++
		}
	}
	return n
}

// AllDocs iterates every live (non-deleted, unless includeDeleted) document
// ordered by id (§4.E "get_all_keys"/all_docs).
func (h *Handle) AllDocs(includeDeleted bool, cb func(*DocInfo) ScanAction) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.index))
	for id := range h.index {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		e := h.index[id]
		if e.deleted && !includeDeleted {
			continue
		}
		info, err := docInfoFromEntry([]byte(id), e)
		if err != nil {
			return classify("all_docs", err)
		}
		if cb(&info) == ScanCancel {
			return kverrors.New(kverrors.KindCancelled, "all_docs", kverrors.ErrCancelled)
		}
	}
	return nil
}

// LocalDocRead reads a named local document's committed value.
func (h *Handle) LocalDocRead(name string) ([]byte, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	v, ok := h.localDocs[name]
	return v, ok
}

// HeaderRef identifies one commit's header record for rewind-chain walking.
type HeaderRef struct {
	Offset int64
	Length uint64
}

// HeaderView is a read-only projection of a historical commit, used by
// the rollback engine to decide which header to rewind to (§4.G).
type HeaderView struct {
	Ref      HeaderRef
	Prev     HeaderRef
	CommitID uint64
	LastSeq  uint64
	PurgeSeq uint64
	DocCount uint64
}

// CurrentHeaderRef returns a reference to the handle's current commit.
func (h *Handle) CurrentHeaderRef() HeaderRef {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return HeaderRef{Offset: h.curHeaderOffset, Length: h.curHeaderLen}
}

// readHeaderAt loads and parses the header frame at ref.
func (h *Handle) readHeaderAt(ref HeaderRef) (headerSnapshot, error) {
	if ref.Offset < 0 {
		return headerSnapshot{}, fmt.Errorf("fileformat: no header at negative offset")
	}
	buf := make([]byte, ref.Length)
	if _, err := h.ra.ReadAt(buf, ref.Offset); err != nil {
		return headerSnapshot{}, wrapIOError(err)
	}
	typ, payload, _, err := readFrame(buf)
	if err != nil {
		return headerSnapshot{}, err
	}
	if typ != recHeader {
		return headerSnapshot{}, fmt.Errorf("fileformat: expected header record, got type %d", typ)
	}
	return decodeHeader(payload)
}

// WalkHeadersBackward calls visit once per commit starting at the current
// header and walking toward the oldest, stopping when visit returns true
// or an error, or when the chain is exhausted. Grounded on
// couchstore_rewind_db_header's backward traversal in the rollback()
// C++ function this package's sibling internal/rollback adapts.
func (h *Handle) WalkHeadersBackward(visit func(HeaderView) (stop bool, err error)) error {
	h.mu.RLock()
	ref := HeaderRef{Offset: h.curHeaderOffset, Length: h.curHeaderLen}
	h.mu.RUnlock()

	for ref.Offset >= 0 {
		hs, err := h.readHeaderAt(ref)
		if err != nil {
			return classify("walk_headers", err)
		}
		prev := HeaderRef{Offset: hs.prevHeaderOffset, Length: hs.prevHeaderLen}
		stop, err := visit(HeaderView{
			Ref:      ref,
			Prev:     prev,
			CommitID: hs.commitID,
			LastSeq:  hs.lastSeq,
			PurgeSeq: hs.purgeSeq,
			DocCount: hs.docCount,
		})
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
		ref = prev
	}
	return nil
}

// InstallHeaderRef reinstates a historical commit as the handle's current,
// visible state. Rather than truncating the file (which would destroy the
// append-only invariant and any concurrent reader's view), it appends a
// new header record whose index/local-docs/counters are copied from the
// target commit, chained after the current header. The file only ever
// grows; "rewinding" is a statement about which header the superblock
// points at, not a rewrite of history.
func (h *Handle) InstallHeaderRef(ref HeaderRef, sync bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	target, err := h.readHeaderAt(ref)
	if err != nil {
		return classify("install_header", err)
	}

	hs := headerSnapshot{
		prevHeaderOffset: h.curHeaderOffset,
		prevHeaderLen:    h.curHeaderLen,
		commitID:         h.commitID + 1,
		docCount:         target.docCount,
		deletedCount:     target.deletedCount,
		lastSeq:          target.lastSeq,
		purgeSeq:         target.purgeSeq,
		index:            target.index,
		localDocs:        target.localDocs,
	}

	payload := encodeHeader(hs)
	headerOff := h.size
	buf := frame(nil, recHeader, payload)
	if _, err := h.w.Write(buf); err != nil {
		return classify("install_header", wrapIOError(err))
	}
	headerLen := uint64(len(buf))
	h.size += int64(len(buf))

	if sync {
		if err := h.w.Sync(); err != nil {
			return classify("install_header", wrapIOError(err))
		}
	}
	sb := encodeSuperblock(headerOff, 0)
	if err := h.rewriteSuperblock(sb, sync); err != nil {
		return classify("install_header", err)
	}

	h.curHeaderOffset = headerOff
	h.curHeaderLen = headerLen
	h.commitID = hs.commitID
	h.docCount = hs.docCount
	h.deletedCount = hs.deletedCount
	h.lastSeq = hs.lastSeq
	h.purgeSeq = hs.purgeSeq
	h.index = hs.index
	h.localDocs = hs.localDocs
	h.resetPending()
	h.generation.Store(h.commitID)
	return nil
}

// MightContainKey is a cheap presence probe backed by the configured
// bloom-filter-style callback, if any (§12 supplemented feature).
// With no probe installed it always answers true ("maybe present"),
// which is always a safe answer for a presence filter.
func (h *Handle) MightContainKey(id []byte) bool {
	if h.probe == nil {
		return true
	}
	return h.probe(id)
}
