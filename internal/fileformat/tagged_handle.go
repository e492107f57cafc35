package fileformat

// TaggedHandle pairs a *Handle with a small generation tag, so a caller
// holding one can detect that the handle it points at has installed a
// different header since the tag was taken (a commit, or a rollback
// rewinding to an earlier header) without the handle's
// owner having to pack bits into the pointer itself.
//
// Grounded on tagged_ptr.h's TaggedPtr<T>, which packs a 16-bit tag into
// the spare bits of an x86-64 pointer. That representation relies on
// the host architecture leaving the top bits of a canonical pointer
// unused, which Go's runtime gives no guarantee about (and the garbage
// collector would not tolerate a tagged pointer being stored in a
// regular field). A plain two-field struct carries the same information
// portably, at the cost of one extra machine word per handle reference.
type TaggedHandle struct {
	Handle *Handle
	Tag    uint16
}

// IsStale reports whether the tag on this handle no longer matches the
// handle's current generation, meaning the handle has committed or been
// rewound since the tag was taken. Compaction writes a new Handle and
// leaves the old one's generation unchanged, so it does not make a tag
// stale.
func (t TaggedHandle) IsStale() bool {
	if t.Handle == nil {
		return true
	}
	return uint16(t.Handle.generation.Load()) != t.Tag
}
