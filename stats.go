package vbstore

import "sync/atomic"

// Stat names recognised by Store.GetStat (§6 "Stats keys").
const (
	StatFailureCompaction  = "failure_compaction"
	StatFailureGet         = "failure_get"
	StatIOTotalReadBytes   = "io_total_read_bytes"
	StatIOTotalWriteBytes  = "io_total_write_bytes"
	StatIOCompactionRead   = "io_compaction_read_bytes"
	StatIOCompactionWrite  = "io_compaction_write_bytes"
	StatIOBgFetchReadCount = "io_bg_fetch_read_count"
)

// stats holds the store-wide counters backing GetStat. Every field is an
// atomic.Uint64 so producers (the write path, compaction, background
// reads) never need a shared mutex just to bump a counter.
type stats struct {
	failureCompaction  atomic.Uint64
	failureGet         atomic.Uint64
	ioTotalReadBytes   atomic.Uint64
	ioTotalWriteBytes  atomic.Uint64
	ioCompactionRead   atomic.Uint64
	ioCompactionWrite  atomic.Uint64
	ioBgFetchReadCount atomic.Uint64
}

// get returns (value, true) for a recognised stat name, or (0, false)
// otherwise.
func (s *stats) get(name string) (uint64, bool) {
	switch name {
	case StatFailureCompaction:
		return s.failureCompaction.Load(), true
	case StatFailureGet:
		return s.failureGet.Load(), true
	case StatIOTotalReadBytes:
		return s.ioTotalReadBytes.Load(), true
	case StatIOTotalWriteBytes:
		return s.ioTotalWriteBytes.Load(), true
	case StatIOCompactionRead:
		return s.ioCompactionRead.Load(), true
	case StatIOCompactionWrite:
		return s.ioCompactionWrite.Load(), true
	case StatIOBgFetchReadCount:
		return s.ioBgFetchReadCount.Load(), true
	default:
		return 0, false
	}
}
