// Package vbstore is the per-partition persistence engine of a
// key-value database bucket: a durable, append-only document store
// that persists items belonging to many logical partitions (vBuckets)
// onto a single-writer on-disk format.
//
// A Store owns one on-disk directory and hands out Partition handles by
// numeric id. Each Partition serialises its own writes (single-writer
// invariant, §5) but partitions are otherwise independent: opening,
// reading, compacting, and rolling back one partition never blocks
// another.
//
// The write path is a Begin/Set/Delete/Commit transaction
// (write_batch.go); reads are point get, multi-get, and ordered scans
// (store.go); compaction and rollback are exposed as whole-partition
// operations backed by internal/compaction and internal/rollback.
// Security-relevant events can optionally be routed through an
// internal/audit pipeline wired in at Store construction.
package vbstore
