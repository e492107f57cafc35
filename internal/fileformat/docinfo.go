package fileformat

import (
	"github.com/kvpartition/vbstore/internal/dbformat"
)

// DocInfo is the metadata half of a document: everything needed to decide
// whether to fetch the body at all (spec §4.E "need-body" callbacks).
type DocInfo struct {
	ID       []byte
	Seq      uint64
	Deleted  bool
	Meta     dbformat.Metadata
	bodyOff  int64
	bodyLen  uint32
	noBody   bool // true for a tombstone written with no body at all
}

// Doc is a full document: metadata plus body.
type Doc struct {
	Info DocInfo
	Body []byte
}

// indexEntry is the serialized form of a DocInfo stored in a header's
// index snapshot.
type indexEntry struct {
	seq      uint64
	deleted  bool
	bodyOff  int64
	bodyLen  uint32
	noBody   bool
	metaBuf  []byte
}

func encodeIndexEntry(buf []byte, id []byte, e indexEntry) []byte {
	buf = putBytes(buf, id)
	buf = putUvarint(buf, e.seq)
	var flags byte
	if e.deleted {
		flags |= 0x1
	}
	if e.noBody {
		flags |= 0x2
	}
	buf = append(buf, flags)
	buf = putUvarint(buf, uint64(e.bodyOff))
	buf = putUvarint(buf, uint64(e.bodyLen))
	buf = putBytes(buf, e.metaBuf)
	return buf
}

func decodeIndexEntry(buf []byte) (id []byte, e indexEntry, rest []byte, err error) {
	id, buf, err = getBytes(buf)
	if err != nil {
		return nil, indexEntry{}, nil, err
	}
	e.seq, buf, err = getUvarint(buf)
	if err != nil {
		return nil, indexEntry{}, nil, err
	}
	if len(buf) < 1 {
		return nil, indexEntry{}, nil, errTruncated
	}
	flags := buf[0]
	e.deleted = flags&0x1 != 0
	e.noBody = flags&0x2 != 0
	buf = buf[1:]
	var off uint64
	off, buf, err = getUvarint(buf)
	if err != nil {
		return nil, indexEntry{}, nil, err
	}
	e.bodyOff = int64(off)
	var blen uint64
	blen, buf, err = getUvarint(buf)
	if err != nil {
		return nil, indexEntry{}, nil, err
	}
	e.bodyLen = uint32(blen)
	e.metaBuf, buf, err = getBytes(buf)
	if err != nil {
		return nil, indexEntry{}, nil, err
	}
	return id, e, buf, nil
}

func docInfoFromEntry(id []byte, e indexEntry) (DocInfo, error) {
	meta, err := dbformat.Decode(e.metaBuf)
	if err != nil {
		return DocInfo{}, err
	}
	return DocInfo{
		ID:      id,
		Seq:     e.seq,
		Deleted: e.deleted,
		Meta:    meta,
		bodyOff: e.bodyOff,
		bodyLen: e.bodyLen,
		noBody:  e.noBody,
	}, nil
}

func entryFromDocInfo(info DocInfo) indexEntry {
	var metaBuf []byte
	if info.Meta.Version == dbformat.Version0 {
		metaBuf = dbformat.EncodeV0(info.Meta)
	} else {
		metaBuf = dbformat.EncodeV1(info.Meta)
	}
	return indexEntry{
		seq:     info.Seq,
		deleted: info.Deleted,
		bodyOff: info.bodyOff,
		bodyLen: info.bodyLen,
		noBody:  info.noBody,
		metaBuf: metaBuf,
	}
}
