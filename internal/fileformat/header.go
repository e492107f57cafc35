package fileformat

// headerSnapshot is the full state captured by one commit: a complete
// index over every document id, tombstones included, plus the local-docs map, along with
// the bookkeeping counters the rest of the engine needs without having
// to rescan. It is rewritten in full on every commit — the deliberate
// simplification over an incremental B-tree described in format.go.
type headerSnapshot struct {
	prevHeaderOffset int64
	prevHeaderLen    uint64
	commitID         uint64
	docCount         uint64
	deletedCount     uint64
	lastSeq          uint64
	purgeSeq         uint64
	index            map[string]indexEntry
	localDocs        map[string][]byte
}

func encodeHeader(h headerSnapshot) []byte {
	buf := make([]byte, 0, 256)
	buf = putUvarint(buf, uint64(h.prevHeaderOffset))
	buf = putUvarint(buf, h.prevHeaderLen)
	buf = putUvarint(buf, h.commitID)
	buf = putUvarint(buf, h.docCount)
	buf = putUvarint(buf, h.deletedCount)
	buf = putUvarint(buf, h.lastSeq)
	buf = putUvarint(buf, h.purgeSeq)

	buf = putUvarint(buf, uint64(len(h.index)))
	for id, e := range h.index {
		buf = encodeIndexEntry(buf, []byte(id), e)
	}

	buf = putUvarint(buf, uint64(len(h.localDocs)))
	for name, val := range h.localDocs {
		buf = putBytes(buf, []byte(name))
		buf = putBytes(buf, val)
	}
	return buf
}

func decodeHeader(buf []byte) (headerSnapshot, error) {
	var h headerSnapshot
	var v uint64
	var err error

	if v, buf, err = getUvarint(buf); err != nil {
		return h, err
	}
	h.prevHeaderOffset = int64(v)
	if h.prevHeaderLen, buf, err = getUvarint(buf); err != nil {
		return h, err
	}
	if h.commitID, buf, err = getUvarint(buf); err != nil {
		return h, err
	}
	if h.docCount, buf, err = getUvarint(buf); err != nil {
		return h, err
	}
	if h.deletedCount, buf, err = getUvarint(buf); err != nil {
		return h, err
	}
	if h.lastSeq, buf, err = getUvarint(buf); err != nil {
		return h, err
	}
	if h.purgeSeq, buf, err = getUvarint(buf); err != nil {
		return h, err
	}

	var n uint64
	if n, buf, err = getUvarint(buf); err != nil {
		return h, err
	}
	h.index = make(map[string]indexEntry, n)
	for i := uint64(0); i < n; i++ {
		var id []byte
		var e indexEntry
		id, e, buf, err = decodeIndexEntry(buf)
		if err != nil {
			return h, err
		}
		h.index[string(id)] = e
	}

	if n, buf, err = getUvarint(buf); err != nil {
		return h, err
	}
	h.localDocs = make(map[string][]byte, n)
	for i := uint64(0); i < n; i++ {
		var name, val []byte
		name, buf, err = getBytes(buf)
		if err != nil {
			return h, err
		}
		val, buf, err = getBytes(buf)
		if err != nil {
			return h, err
		}
		h.localDocs[string(name)] = val
	}
	return h, nil
}
