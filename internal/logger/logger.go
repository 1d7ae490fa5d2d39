// Package logger holds the agent's global zerolog logger. File output rotates
// through lumberjack; console output is decoupled from the caller so a stalled
// terminal never holds up the worker loop.
package logger

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"wsagent/internal/queue"
)

const consoleBufferLines = 1000

// consoleSink writes log lines to a terminal from its own goroutine. When the
// terminal stalls (Windows Quick Edit mode, a paused pager) the ring fills and
// the oldest lines are discarded.
type consoleSink struct {
	w      io.Writer
	lines  *queue.Ring[[]byte]
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
	closed atomic.Bool
}

func newConsoleSink(w io.Writer, capacity int) *consoleSink {
	s := &consoleSink{
		w:     w,
		lines: queue.New[[]byte](capacity),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

// Write never blocks. Lines written after Close are discarded.
func (s *consoleSink) Write(p []byte) (int, error) {
	if !s.closed.Load() {
		s.lines.Push(bytes.Clone(p))
	}
	return len(p), nil
}

// Dropped reports how many lines were evicted unwritten.
func (s *consoleSink) Dropped() uint64 {
	return s.lines.Dropped()
}

func (s *consoleSink) run() {
	defer close(s.done)
	for {
		select {
		case <-s.lines.Ready():
			s.flush()
		case <-s.stop:
			s.flush()
			return
		}
	}
}

func (s *consoleSink) flush() {
	for {
		p, ok := s.lines.Pop()
		if !ok {
			return
		}
		s.w.Write(p)
	}
}

// Close writes what is still queued and stops the goroutine.
func (s *consoleSink) Close() {
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.stop)
		<-s.done
	})
}

// Config holds the logger configuration (Logging.json).
type Config struct {
	Level      string `json:"Level"`
	FilePath   string `json:"FilePath"`
	MaxSizeMB  int    `json:"MaxSizeMB"`
	MaxBackups int    `json:"MaxBackups"`
	MaxAgeDays int    `json:"MaxAgeDays"`
	Compress   bool   `json:"Compress"`
	Console    bool   `json:"Console"`
	Format     string `json:"Format"` // "json" (default) or "fixed" column layout for the file
}

// DefaultConfig returns sensible defaults for logging.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		FilePath:   "log/wsagent/wsagent.log",
		MaxSizeMB:  10,
		MaxBackups: 5,
		MaxAgeDays: 30,
		Compress:   true,
		Format:     "json",
	}
}

// sinks are the writers opened by one Init call.
type sinks struct {
	file    *lumberjack.Logger
	console *consoleSink
}

func (s *sinks) close() {
	if s == nil {
		return
	}
	if s.console != nil {
		s.console.Close()
	}
	if s.file != nil {
		s.file.Close()
	}
}

var (
	mu     sync.Mutex
	global = zerolog.Nop()
	active *sinks
)

// Init (re)configures the global logger. On hot reload the new writers are
// opened before the previous ones are closed, so a failed reload leaves the
// old configuration in place.
func Init(cfg Config) error {
	next, out, err := openSinks(cfg)
	if err != nil {
		return err
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	mu.Lock()
	defer mu.Unlock()

	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	prev := active
	active = next
	global = zerolog.New(out).With().Timestamp().Caller().Logger()
	prev.close()
	return nil
}

func openSinks(cfg Config) (*sinks, io.Writer, error) {
	s := &sinks{}
	var writers []io.Writer

	if cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0755); err != nil {
			return nil, nil, err
		}
		s.file = &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		if cfg.Format == "fixed" {
			writers = append(writers, NewFixedFormatWriter(s.file))
		} else {
			writers = append(writers, s.file)
		}
	}

	if cfg.Console {
		s.console = newConsoleSink(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05.000",
		}, consoleBufferLines)
		writers = append(writers, s.console)
	}

	switch len(writers) {
	case 0:
		return s, os.Stdout, nil
	case 1:
		return s, writers[0], nil
	default:
		return s, zerolog.MultiLevelWriter(writers...), nil
	}
}

// Close flushes and releases the writers opened by Init. Later log calls are
// discarded until the next Init.
func Close() {
	mu.Lock()
	defer mu.Unlock()

	active.close()
	active = nil
	global = zerolog.Nop()
}

// ConsoleDropped reports console lines discarded because the terminal fell
// behind. Zero when console output is off.
func ConsoleDropped() uint64 {
	mu.Lock()
	defer mu.Unlock()
	if active == nil || active.console == nil {
		return 0
	}
	return active.console.Dropped()
}

// WithComponent returns a child logger tagged with component.
func WithComponent(component string) zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return global.With().Str("component", component).Logger()
}
