// zerolog.go backs the Logger interface with github.com/rs/zerolog instead
// of the standard library's log.Logger, producing structured JSON output.
//
// Grounded on cuemby-warren/pkg/log's Config/Init pattern: a zerolog.Logger
// built once with a timestamp field and a minimum level, then used for every
// call. That package keeps a single package-level global; ZerologLogger
// instead wraps one zerolog.Logger per instance so a process opening more
// than one Store doesn't share log configuration across them.
package logging

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// ZerologLogger is the structured-JSON production Logger implementation:
// every call site still goes through the same five-method Logger interface
// DefaultLogger implements, but output is one JSON object per line instead
// of "TIMESTAMP LEVEL [component] message" text.
type ZerologLogger struct {
	zl           zerolog.Logger
	level        Level
	fatalHandler atomic.Pointer[FatalHandler]
}

// NewZerologLogger creates a JSON-structured logger writing to w at the
// given level. A nil w defaults to os.Stderr.
func NewZerologLogger(w io.Writer, level Level) *ZerologLogger {
	if w == nil {
		w = os.Stderr
	}
	zl := zerolog.New(w).With().Timestamp().Logger().Level(zerologLevel(level))
	return &ZerologLogger{zl: zl, level: level}
}

func zerologLevel(l Level) zerolog.Level {
	switch l {
	case LevelError:
		return zerolog.ErrorLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelDebug:
		return zerolog.DebugLevel
	default:
		return zerolog.InfoLevel
	}
}

// SetFatalHandler sets the handler called when Fatalf is invoked, matching
// DefaultLogger's contract.
func (l *ZerologLogger) SetFatalHandler(h FatalHandler) {
	l.fatalHandler.Store(&h)
}

// Level returns the logging level.
func (l *ZerologLogger) Level() Level {
	return l.level
}

// Errorf logs a formatted error message as a structured event.
func (l *ZerologLogger) Errorf(format string, args ...any) {
	l.zl.Error().Msg(fmt.Sprintf(format, args...))
}

// Warnf logs a formatted warning message as a structured event.
func (l *ZerologLogger) Warnf(format string, args ...any) {
	l.zl.Warn().Msg(fmt.Sprintf(format, args...))
}

// Infof logs a formatted informational message as a structured event.
func (l *ZerologLogger) Infof(format string, args ...any) {
	l.zl.Info().Msg(fmt.Sprintf(format, args...))
}

// Debugf logs a formatted debug message as a structured event.
func (l *ZerologLogger) Debugf(format string, args ...any) {
	l.zl.Debug().Msg(fmt.Sprintf(format, args...))
}

// Fatalf logs at FATAL level and calls the configured FatalHandler.
// zerolog.Logger.Fatal() calls os.Exit(1); WithLevel sidesteps that so
// Fatalf keeps DefaultLogger's contract of never exiting the process.
func (l *ZerologLogger) Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	l.zl.WithLevel(zerolog.FatalLevel).Msg(msg)
	if h := l.fatalHandler.Load(); h != nil {
		(*h)(msg)
	}
}
