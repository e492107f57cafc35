// Package dbformat packs and unpacks per-document metadata in the stable,
// little-endian, length-discriminated layout persisted alongside every
// document body.
//
// Two on-disk versions exist:
//
//	V0 (24 bytes): flags(4) expiry(4) cas(8) revSeqno(8)
//	V1 (V0 + flexCode(1) + datatype(1))
//
// The version of a decoded buffer is discriminated purely by its length;
// there is no explicit version byte. This matches the couch-kvstore
// MetaData class this package is grounded on (couch-kvstore.cc, the
// CouchRequest constructor and readVBState/saveVBState call sites).
package dbformat

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"unicode/utf8"
)

// Datatype is a bitmask describing how a document body is encoded.
type Datatype uint8

const (
	// DatatypeRaw means the body is opaque bytes.
	DatatypeRaw Datatype = 0x00
	// DatatypeJSON means the body is well-formed JSON text.
	DatatypeJSON Datatype = 0x01
	// DatatypeSnappy means the body is snappy-compressed.
	DatatypeSnappy Datatype = 0x02
	// DatatypeXattr means the body carries extended attributes.
	DatatypeXattr Datatype = 0x04
)

// HasXattrs reports whether the datatype bitmask carries extended attributes.
func (d Datatype) HasXattrs() bool { return d&DatatypeXattr != 0 }

// IsJSON reports whether the datatype bitmask marks the body as JSON.
func (d Datatype) IsJSON() bool { return d&DatatypeJSON != 0 }

// IsCompressed reports whether the datatype bitmask marks the body as
// snappy-compressed.
func (d Datatype) IsCompressed() bool { return d&DatatypeSnappy != 0 }

// HlcCasSeqnoUninitialised is the sentinel for a partition that has not
// yet transitioned to hybrid-logical-clock CAS generation.
const HlcCasSeqnoUninitialised int64 = -1

// MetaDataSizeV0 is the encoded length of a V0 metadata buffer:
// flags(4) + expiry(4) + cas(8) + revSeqno(8).
const MetaDataSizeV0 = 4 + 4 + 8 + 8

// MetaDataSizeV1 is the encoded length of a V1 metadata buffer:
// V0 + flexCode(1) + datatype(1).
const MetaDataSizeV1 = MetaDataSizeV0 + 1 + 1

// flexCodeV1 marks a V1 buffer as using the "flexible metadata" layout.
// It has no meaning beyond being a recognisable non-zero discriminator;
// kept for wire-format fidelity with the original metadata versioning.
const flexCodeV1 = 0x01

// Version identifies an on-disk metadata layout.
type Version int

const (
	// VersionUnknown is returned for a buffer of unrecognised length.
	VersionUnknown Version = iota
	// Version0 is the legacy layout lacking datatype.
	Version0
	// Version1 is the current layout (V0 + flex-code + datatype).
	Version1
)

// ErrCorruptMetadata is returned when a metadata buffer's length matches
// neither V0 nor V1.
var ErrCorruptMetadata = errors.New("dbformat: metadata buffer has invalid length")

// Metadata is the decoded, version-independent view of a document's
// persisted metadata fields (spec §3 "Document").
type Metadata struct {
	Cas               uint64
	RevSeqno          uint64
	Expiry            uint32
	Flags             uint32
	Datatype          Datatype
	HLCCasEpochSeqno  int64
	MightContainXattr bool
	Version           Version
}

// DetectVersion returns the metadata version implied by a buffer's length.
func DetectVersion(buf []byte) Version {
	switch len(buf) {
	case MetaDataSizeV0:
		return Version0
	case MetaDataSizeV1:
		return Version1
	default:
		return VersionUnknown
	}
}

// Decode parses a metadata buffer of either on-disk version.
func Decode(buf []byte) (Metadata, error) {
	v := DetectVersion(buf)
	if v == VersionUnknown {
		return Metadata{}, ErrCorruptMetadata
	}

	m := Metadata{
		Flags:    binary.LittleEndian.Uint32(buf[0:4]),
		Expiry:   binary.LittleEndian.Uint32(buf[4:8]),
		Cas:      binary.LittleEndian.Uint64(buf[8:16]),
		RevSeqno: binary.LittleEndian.Uint64(buf[16:24]),
		Version:  v,
	}
	if v == Version1 {
		// buf[24] is the flex code; only the datatype byte carries meaning here.
		m.Datatype = Datatype(buf[25])
	}
	return m, nil
}

// EncodeV0 packs a metadata buffer in the legacy layout.
func EncodeV0(m Metadata) []byte {
	buf := make([]byte, MetaDataSizeV0)
	binary.LittleEndian.PutUint32(buf[0:4], m.Flags)
	binary.LittleEndian.PutUint32(buf[4:8], m.Expiry)
	binary.LittleEndian.PutUint64(buf[8:16], m.Cas)
	binary.LittleEndian.PutUint64(buf[16:24], m.RevSeqno)
	return buf
}

// EncodeV1 packs a metadata buffer in the current layout. The returned
// slice is a single contiguous allocation, matching the couch-kvstore
// contract that any string views into the buffer remain valid for its
// lifetime.
func EncodeV1(m Metadata) []byte {
	buf := make([]byte, MetaDataSizeV1)
	binary.LittleEndian.PutUint32(buf[0:4], m.Flags)
	binary.LittleEndian.PutUint32(buf[4:8], m.Expiry)
	binary.LittleEndian.PutUint64(buf[8:16], m.Cas)
	binary.LittleEndian.PutUint64(buf[16:24], m.RevSeqno)
	buf[24] = flexCodeV1
	buf[25] = byte(m.Datatype)
	return buf
}

// DetermineDatatype classifies a document body as JSON or raw by checking
// whether it is well-formed UTF-8 JSON text. It never inspects the
// compression bit; callers decide compression separately.
func DetermineDatatype(body []byte) Datatype {
	if len(body) == 0 {
		return DatatypeRaw
	}
	if !utf8.Valid(body) {
		return DatatypeRaw
	}
	if looksLikeJSON(body) {
		return DatatypeJSON
	}
	return DatatypeRaw
}

// looksLikeJSON performs the same "well-formed UTF-8 JSON" check the
// original performs with its JSON_checker before falling back to raw;
// here we do a real decode rather than a hand-rolled scanner, trading a
// small amount of CPU for correctness (and reuse of encoding/json, which
// every consumer already links).
func looksLikeJSON(body []byte) bool {
	trimmed := trimSpaceASCII(body)
	if len(trimmed) == 0 {
		return false
	}
	switch trimmed[0] {
	case '{', '[', '"', 't', 'f', 'n', '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		return jsonValid(body)
	default:
		return false
	}
}

func jsonValid(body []byte) bool {
	return json.Valid(body)
}

func trimSpaceASCII(b []byte) []byte {
	i := 0
	for i < len(b) {
		switch b[i] {
		case ' ', '\t', '\n', '\r':
			i++
			continue
		}
		break
	}
	return b[i:]
}

// UpgradeV0ToV1 builds a V1 metadata record from a V0 one, inferring the
// datatype from the (already decompressed) body. Mirrors the
// upgrade(docinfo, body) hook from spec §4.B.
func UpgradeV0ToV1(v0 Metadata, body []byte) Metadata {
	v1 := v0
	v1.Version = Version1
	v1.Datatype = DetermineDatatype(body)
	return v1
}
