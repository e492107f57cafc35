// Package audit implements §4.I: a durable, rotated, append-only event
// log fed by many producers and drained by exactly one consumer
// goroutine, plus the JSON configuration surface that governs which
// events are enabled and how often the log rotates.
//
// Grounded on two original sources: the audit daemon's queue/consumer
// split (original_source/auditd) for the enqueue/drain/rotate protocol,
// and original_source/logger/custom_rotating_file_sink.cc for the
// numbered-file rotation scheme (<base>.NNNNNN; on startup a new file is
// opened one past the highest existing index). The condition-variable
// wait bounded by "seconds until next rotation" becomes a buffered
// channel plus a select on a rotation timer.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kvpartition/vbstore/internal/logging"
)

// EventID identifies an audit event type.
type EventID uint32

// EventShuttingDown is enqueued by Shutdown before the consumer is
// asked to stop, so it is guaranteed to be processed and flushed.
const EventShuttingDown EventID = 0

// EventConfigured is re-emitted after every successful Reconfigure.
const EventConfigured EventID = 1

// Identity is the real user identity attached to every event.
type Identity struct {
	Domain string `json:"domain"`
	User   string `json:"user"`
}

// Event is one record delivered to the log.
type Event struct {
	ID        EventID         `json:"id"`
	Timestamp string          `json:"timestamp"`
	Real      Identity        `json:"real_userid"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventState is the enabled/sync configuration for one event id.
type EventState struct {
	Enabled bool
	Sync    bool
}

// Config is the JSON-loaded configuration surface for the pipeline.
type Config struct {
	Enabled         bool                   `json:"auditd_enabled"`
	DescriptorsPath string                 `json:"descriptors_path"`
	LogDir          string                 `json:"log_path"`
	RotateInterval  time.Duration          `json:"-"`
	RotateSeconds   int64                  `json:"rotate_interval"`
	UUID            string                 `json:"uuid"`
	Version         int                    `json:"version"`
	Events          map[EventID]EventState `json:"-"`
}

// LoadConfig reads and parses a JSON audit configuration file (§4.J
// "configure events" reload path).
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("audit: read config %s: %w", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("audit: parse config %s: %w", path, err)
	}
	cfg.RotateInterval = time.Duration(cfg.RotateSeconds) * time.Second
	if cfg.UUID == "" {
		cfg.UUID = uuid.NewString()
	}
	if cfg.Events == nil {
		cfg.Events = make(map[EventID]EventState)
	}
	return cfg, nil
}

// Listener is notified whenever an event id's enabled state changes.
type Listener func(id EventID, enabled bool)

const maxQueueSize = 4096

// Pipeline is the running audit subsystem: one consumer goroutine
// draining a bounded queue into a rotated JSON-lines log.
type Pipeline struct {
	logger logging.Logger

	cfgMu sync.Mutex
	cfg   Config

	listenersMu sync.Mutex
	listeners   []Listener

	events  chan Event
	done    chan struct{}
	ready   chan struct{}
	dropped atomic.Uint64

	fileMu      sync.Mutex
	file        *os.File
	nextFileID  uint64
	bytesInFile int64
}

var logNameRe = regexp.MustCompile(`\.(\d+)$`)

// Start opens (or resumes) the rotated log under cfg.LogDir, spawns the
// consumer goroutine, and blocks until it has signalled it is running
// (the "startup rendezvous" of §4.I) before returning.
func Start(cfg Config, logger logging.Logger) (*Pipeline, error) {
	logger = logging.OrDefault(logger)
	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("audit: create log dir: %w", err)
	}

	p := &Pipeline{
		logger: logger,
		cfg:    cfg,
		events: make(chan Event, maxQueueSize),
		done:   make(chan struct{}),
		ready:  make(chan struct{}),
	}
	p.nextFileID = findFirstLogFileID(cfg.LogDir)
	if err := p.openNextFile(); err != nil {
		return nil, err
	}

	go p.run()
	<-p.ready
	return p, nil
}

func findFirstLogFileID(dir string) uint64 {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	var next uint64
	for _, e := range entries {
		m := logNameRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		v, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil {
			continue
		}
		if v+1 > next {
			next = v + 1
		}
	}
	return next
}

func (p *Pipeline) openNextFile() error {
	name := filepath.Join(p.cfg.LogDir, fmt.Sprintf("audit.log.%06d", p.nextFileID))
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("audit: open log file %s: %w", name, err)
	}
	p.nextFileID++
	p.fileMu.Lock()
	old := p.file
	p.file = f
	p.bytesInFile = 0
	p.fileMu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	p.logger.Infof("[audit] opened log file %s", name)
	return nil
}

// PutEvent enqueues ev for the consumer. If the queue is full the event
// is dropped and a counter incremented (§4.I "Queue").
func (p *Pipeline) PutEvent(ev Event) {
	if ev.Timestamp == "" {
		ev.Timestamp = isoTimestamp()
	}
	select {
	case p.events <- ev:
	default:
		p.dropped.Add(1)
		p.logger.Warnf("[audit] queue full, dropped event id=%d", ev.ID)
	}
}

// DroppedCount reports how many events have been dropped for a full queue.
func (p *Pipeline) DroppedCount() uint64 {
	return p.dropped.Load()
}

// RegisterListener appends l to the set notified on every event-state
// change. Registration is append-only, matching §4.I.
func (p *Pipeline) RegisterListener(l Listener) {
	p.listenersMu.Lock()
	p.listeners = append(p.listeners, l)
	p.listenersMu.Unlock()
}

// Reconfigure reloads cfg, updates every known event's enabled/sync
// flags, notifies listeners, and rotates the log if the descriptors
// path or log directory changed.
func (p *Pipeline) Reconfigure(cfg Config) error {
	p.cfgMu.Lock()
	prev := p.cfg
	p.cfg = cfg
	p.cfgMu.Unlock()

	p.listenersMu.Lock()
	listeners := append([]Listener(nil), p.listeners...)
	p.listenersMu.Unlock()
	for id, state := range cfg.Events {
		for _, l := range listeners {
			l(id, state.Enabled)
		}
	}

	if prev.DescriptorsPath != cfg.DescriptorsPath || prev.LogDir != cfg.LogDir {
		if err := p.openNextFile(); err != nil {
			return err
		}
	}

	p.PutEvent(Event{ID: EventConfigured})
	return nil
}

// Shutdown enqueues a shutting-down event, then stops accepting new work
// and waits for the consumer to drain and flush. The event is enqueued
// before any stop signal is visible to the consumer, so it is always
// the last thing processed (§4.I "Shutdown").
func (p *Pipeline) Shutdown() {
	p.events <- Event{ID: EventShuttingDown, Timestamp: isoTimestamp()}
	<-p.done
}

func (p *Pipeline) run() {
	close(p.ready)
	for {
		wait := p.timeUntilRotation()
		timer := time.NewTimer(wait)
		select {
		case ev := <-p.events:
			timer.Stop()
			batch := []Event{ev}
			batch = p.drainAvailable(batch)
			if p.processBatch(batch) {
				p.flush()
				close(p.done)
				return
			}
		case <-timer.C:
			if len(p.events) == 0 {
				p.maybeRotate()
			}
		}
	}
}

func (p *Pipeline) drainAvailable(batch []Event) []Event {
	for {
		select {
		case ev := <-p.events:
			batch = append(batch, ev)
		default:
			return batch
		}
	}
}

// processBatch writes every event in batch to the log and reports
// whether a shutdown event was seen.
func (p *Pipeline) processBatch(batch []Event) (shuttingDown bool) {
	for _, ev := range batch {
		if ev.ID == EventShuttingDown {
			shuttingDown = true
		}
		p.writeLine(ev)
	}
	p.flush()
	return shuttingDown
}

func (p *Pipeline) writeLine(ev Event) {
	line, err := json.Marshal(ev)
	if err != nil {
		p.logger.Errorf("[audit] marshal event id=%d: %v", ev.ID, err)
		return
	}
	line = append(line, '\n')

	p.fileMu.Lock()
	n, err := p.file.Write(line)
	if err == nil {
		p.bytesInFile += int64(n)
	}
	p.fileMu.Unlock()
	if err != nil {
		p.logger.Errorf("[audit] write event id=%d: %v", ev.ID, err)
	}
}

func (p *Pipeline) flush() {
	p.fileMu.Lock()
	f := p.file
	p.fileMu.Unlock()
	if f != nil {
		_ = f.Sync()
	}
}

func (p *Pipeline) timeUntilRotation() time.Duration {
	p.cfgMu.Lock()
	d := p.cfg.RotateInterval
	p.cfgMu.Unlock()
	if d <= 0 {
		return time.Hour
	}
	return d
}

func (p *Pipeline) maybeRotate() {
	if err := p.openNextFile(); err != nil {
		p.logger.Errorf("[audit] rotate failed: %v", err)
	}
}

func isoTimestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
