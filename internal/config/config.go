// Package config implements §4.J: the immutable configuration surface
// loaded once at startup (and on each reconfigure) that governs
// partition sizing, the on-disk adapter's behaviour, and the compaction
// thresholds.
//
// Grounded on KVStoreConfig (engines/ep/src/kvstore_config.h): a flat,
// mostly-scalar options struct with getters and a handful of setters for
// the fields that are mutated after construction (buffered,
// periodicSyncBytes, persistDocNamespace). The C++ constructor takes its
// values from a central Configuration object or from explicit
// parameters; here both paths collapse into loading (or defaulting) a
// YAML document, since this repo's teacher has no configuration file of
// its own to imitate more closely.
package config

import (
	"fmt"
	"os"

	"github.com/kvpartition/vbstore/internal/compression"
	"gopkg.in/yaml.v3"
)

// Backend selects which on-disk adapter a Config's partitions use.
type Backend string

// Couch is the only backend this module implements; the field exists
// so callers and config files have a named, documented slot for it,
// matching how the original plumbs "backend" through without baking in
// a one-off default everywhere it's read.
const Couch Backend = "couch"

// Config is an immutable snapshot of the options recognised by §4.J.
// A Config is never mutated in place; Reconfigure-style changes are
// expressed by loading a new Config and swapping it in at the call
// sites that hold one.
type Config struct {
	// MaxVBuckets sizes every per-partition map the caller keeps.
	MaxVBuckets uint16 `yaml:"max_vbuckets"`
	// MaxShards is the number of independent writer groups.
	MaxShards uint16 `yaml:"max_shards"`
	// DBDir is the root directory under which partition files live.
	DBDir string `yaml:"db_dir"`
	// Backend selects the file-format adapter implementation.
	Backend Backend `yaml:"backend"`
	// Buffered enables the adapter's page-cache layer; disable only
	// for tests that want to observe every write hit disk immediately.
	Buffered bool `yaml:"buffered"`
	// PeriodicSyncBytes, when non-zero, makes the adapter fsync every
	// N bytes written instead of only at explicit commit boundaries.
	PeriodicSyncBytes uint64 `yaml:"periodic_sync_bytes"`
	// PersistDocNamespace prefixes every on-disk key with a 1-byte
	// namespace discriminator (§4.B / collections support).
	PersistDocNamespace bool `yaml:"persist_doc_namespace"`
	// CompactionExpMemThreshold is the memory-usage gate under which
	// TTL expiry is allowed to run during compaction.
	CompactionExpMemThreshold uint8 `yaml:"compaction_exp_mem_threshold"`
	// CompactionWriteQueueCap bounds how many staged documents a
	// compaction pass buffers before flushing (internal/compaction's
	// Options.WriteQueueCap).
	CompactionWriteQueueCap int `yaml:"compaction_write_queue_cap"`

	// RestoreNamespaceOnScan resolves the Open Question of whether an
	// ordered scan over a partition written with PersistDocNamespace
	// should strip the namespace byte back off before handing keys to
	// scan callbacks. Decided yes: callbacks should never observe the
	// on-disk encoding detail, matching how every other read path
	// (point get, multi-get) already returns namespace-free keys.
	RestoreNamespaceOnScan bool `yaml:"restore_namespace_on_scan"`

	// BodyCompression selects the codec the file-format adapter uses
	// when staging a compressible document body. Every compressed
	// record on disk carries its own codec byte (internal/fileformat),
	// so changing this between Store generations is safe: existing
	// records keep decoding with whatever codec wrote them.
	BodyCompression compression.Type `yaml:"body_compression"`
}

// Default returns the baseline configuration: 1024 vBuckets, four
// shards, buffered adapter I/O, snappy body compression, and namespace
// restoration on scan enabled.
func Default() Config {
	return Config{
		MaxVBuckets:               1024,
		MaxShards:                 4,
		DBDir:                     "data",
		Backend:                   Couch,
		Buffered:                  true,
		PersistDocNamespace:       false,
		CompactionExpMemThreshold: 85,
		CompactionWriteQueueCap:   256,
		RestoreNamespaceOnScan:    true,
		BodyCompression:           compression.SnappyCompression,
	}
}

// Load reads and parses a YAML configuration file, filling any field
// the file omits from Default().
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects combinations that would make a Store unusable.
func (c Config) Validate() error {
	if c.MaxVBuckets == 0 {
		return fmt.Errorf("config: max_vbuckets must be > 0")
	}
	if c.MaxShards == 0 {
		return fmt.Errorf("config: max_shards must be > 0")
	}
	if c.DBDir == "" {
		return fmt.Errorf("config: db_dir must be set")
	}
	if c.Backend != Couch {
		return fmt.Errorf("config: unrecognised backend %q", c.Backend)
	}
	if c.BodyCompression != compression.NoCompression && !c.BodyCompression.IsSupported() {
		return fmt.Errorf("config: unsupported body_compression %s", c.BodyCompression)
	}
	return nil
}

// WithBuffered returns a copy of c with Buffered set, mirroring
// KVStoreConfig::setBuffered without mutating the receiver.
func (c Config) WithBuffered(buffered bool) Config {
	c.Buffered = buffered
	return c
}

// WithPeriodicSyncBytes returns a copy of c with PeriodicSyncBytes set.
func (c Config) WithPeriodicSyncBytes(n uint64) Config {
	c.PeriodicSyncBytes = n
	return c
}

// WithPersistDocNamespace returns a copy of c with PersistDocNamespace set.
func (c Config) WithPersistDocNamespace(enabled bool) Config {
	c.PersistDocNamespace = enabled
	return c
}

// WithBodyCompression returns a copy of c with BodyCompression set.
func (c Config) WithBodyCompression(t compression.Type) Config {
	c.BodyCompression = t
	return c
}
