package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestPipeline(t *testing.T, rotate time.Duration) *Pipeline {
	t.Helper()
	dir := t.TempDir()
	p, err := Start(Config{LogDir: dir, RotateInterval: rotate, Events: map[EventID]EventState{}}, nil)
	require.NoError(t, err)
	t.Cleanup(p.Shutdown)
	return p
}

func readLines(t *testing.T, dir string) []Event {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var events []Event
	for _, e := range entries {
		f, err := os.Open(filepath.Join(dir, e.Name()))
		require.NoError(t, err)
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			var ev Event
			require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
			events = append(events, ev)
		}
		require.NoError(t, f.Close())
	}
	return events
}

func TestPutEventIsPersistedAndFlushed(t *testing.T) {
	dir := t.TempDir()
	p, err := Start(Config{LogDir: dir, RotateInterval: time.Hour, Events: map[EventID]EventState{}}, nil)
	require.NoError(t, err)

	p.PutEvent(Event{ID: 42, Real: Identity{Domain: "local", User: "alice"}})
	p.Shutdown()

	events := readLines(t, dir)
	var found bool
	for _, ev := range events {
		if ev.ID == 42 {
			found = true
			require.Equal(t, "alice", ev.Real.User)
		}
	}
	require.True(t, found, "expected event id=42 to be written to the log")
}

func TestShutdownEventIsAlwaysFlushedLast(t *testing.T) {
	p := newTestPipeline(t, time.Hour)
	p.PutEvent(Event{ID: 1})
	p.PutEvent(Event{ID: 2})
	p.Shutdown()

	// Shutdown blocks until the consumer has drained and flushed, so the
	// log is complete here and its last line is the shutdown event.
	events := readLines(t, p.cfg.LogDir)
	require.NotEmpty(t, events)
	require.Equal(t, EventShuttingDown, events[len(events)-1].ID)
}

func TestQueueDropsWhenFull(t *testing.T) {
	dir := t.TempDir()
	p, err := Start(Config{LogDir: dir, RotateInterval: time.Hour, Events: map[EventID]EventState{}}, nil)
	require.NoError(t, err)
	defer p.Shutdown()

	for i := 0; i < maxQueueSize*2; i++ {
		p.PutEvent(Event{ID: EventID(i + 100)})
	}
	require.Greater(t, p.DroppedCount(), uint64(0))
}

func TestReconfigureNotifiesListeners(t *testing.T) {
	p := newTestPipeline(t, time.Hour)

	var notified []EventID
	p.RegisterListener(func(id EventID, enabled bool) {
		notified = append(notified, id)
	})

	err := p.Reconfigure(Config{
		LogDir:         p.cfg.LogDir,
		RotateInterval: time.Hour,
		Events: map[EventID]EventState{
			7: {Enabled: true},
		},
	})
	require.NoError(t, err)
	require.Contains(t, notified, EventID(7))
}

func TestFindFirstLogFileIDResumesAfterExisting(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "audit.log.000000"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "audit.log.000003"), nil, 0o644))
	require.Equal(t, uint64(4), findFirstLogFileID(dir))
}
