// Package logger configures the process-wide zerolog logger and provides
// small helpers for attaching connection/stream identity to a sub-logger.
package logger

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Environment variable name for log level configuration.
const envLogLevel = "RAOP_LOG_LEVEL"

var (
	global   zerolog.Logger
	initOnce sync.Once
)

// Init initializes the global logger. Safe to call multiple times; only the
// first call has effect unless SetLevel/UseWriter is called afterwards.
func Init() {
	initOnce.Do(func() {
		global = zerolog.New(os.Stdout).With().Timestamp().Logger().Level(detectLevel())
	})
}

func detectLevel() zerolog.Level {
	if env := os.Getenv(envLogLevel); env != "" {
		if lvl, err := zerolog.ParseLevel(strings.ToLower(env)); err == nil {
			return lvl
		}
	}
	return zerolog.InfoLevel
}

// SetLevel changes the runtime log level.
func SetLevel(level string) error {
	Init()
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return err
	}
	global = global.Level(lvl)
	return nil
}

// UseWriter swaps the output writer (intended for tests). Retains the
// current level.
func UseWriter(w io.Writer) {
	Init()
	global = global.Output(w)
}

// Logger returns the global logger (ensures Init was called).
func Logger() *zerolog.Logger { Init(); return &global }

// WithConn attaches connection identity fields.
func WithConn(l *zerolog.Logger, connID int, peerAddr string) zerolog.Logger {
	return l.With().Int("conn_id", connID).Str("peer_addr", peerAddr).Logger()
}

// WithSink attaches the metadata sink name.
func WithSink(l *zerolog.Logger, sink string) zerolog.Logger {
	return l.With().Str("sink", sink).Logger()
}
