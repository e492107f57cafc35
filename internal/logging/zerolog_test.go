package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync/atomic"
	"testing"
)

// Contract: ZerologLogger emits one JSON object per call, not the
// DefaultLogger's "TIMESTAMP LEVEL [component] message" text.
func TestZerologLogger_EmitsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewZerologLogger(&buf, LevelDebug)

	logger.Infof("%s%s", NSFlush, "flush started")

	line := strings.TrimSpace(buf.String())
	var decoded map[string]any
	if err := json.Unmarshal([]byte(line), &decoded); err != nil {
		t.Fatalf("ZerologLogger output is not valid JSON: %v (line: %q)", err, line)
	}
	if decoded["level"] != "info" {
		t.Errorf("level = %v, want %q", decoded["level"], "info")
	}
	if msg, _ := decoded["message"].(string); !strings.Contains(msg, "flush started") {
		t.Errorf("message = %q, want it to contain %q", msg, "flush started")
	}
}

// Contract: ZerologLogger filters below its configured level.
func TestZerologLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewZerologLogger(&buf, LevelWarn)

	logger.Debugf("debug message")
	logger.Infof("info message")
	logger.Warnf("warn message")
	logger.Errorf("error message")

	output := buf.String()
	if strings.Contains(output, "debug message") {
		t.Error("debug message should have been filtered out at WARN level")
	}
	if strings.Contains(output, "info message") {
		t.Error("info message should have been filtered out at WARN level")
	}
	if !strings.Contains(output, "warn message") {
		t.Error("warn message should have been logged at WARN level")
	}
	if !strings.Contains(output, "error message") {
		t.Error("error message should have been logged at WARN level")
	}
}

// Contract: Fatalf calls the configured FatalHandler without exiting the process.
func TestZerologLogger_FatalfCallsHandlerWithoutExiting(t *testing.T) {
	var buf bytes.Buffer
	logger := NewZerologLogger(&buf, LevelWarn)

	var handlerCalled atomic.Bool
	var capturedMsg string
	logger.SetFatalHandler(func(msg string) {
		capturedMsg = msg
		handlerCalled.Store(true)
	})

	logger.Fatalf("invariant violation: %s", "file already compacting")

	if !handlerCalled.Load() {
		t.Error("FatalHandler was not called")
	}
	if !strings.Contains(capturedMsg, "invariant violation: file already compacting") {
		t.Errorf("FatalHandler received wrong message: %s", capturedMsg)
	}
	if !strings.Contains(buf.String(), `"level":"fatal"`) {
		t.Errorf("expected a fatal-level JSON record, got: %s", buf.String())
	}
}

// Contract: ZerologLogger satisfies the Logger interface.
func TestZerologLogger_ImplementsLogger(t *testing.T) {
	var _ Logger = NewZerologLogger(nil, LevelInfo)
}
