// Package journal records delivered events as JSON lines in a rotating file.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"wsagent/internal/config"
	"wsagent/internal/logger"
	"wsagent/internal/protocol"
)

// Entry is one journal line.
type Entry struct {
	Seq uint64 `json:"seq"`
	protocol.Event
}

// Journal appends events to a lumberjack-rotated file.
type Journal struct {
	filePath string
	writer   *lumberjack.Logger
	mu       sync.Mutex
	seq      uint64
	closed   bool
}

// New opens the journal described by cfg.
func New(cfg config.JournalConfig) (*Journal, error) {
	if cfg.FilePath == "" {
		return nil, fmt.Errorf("journal file path is required")
	}

	dir := filepath.Dir(cfg.FilePath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}

	writer := &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	}

	log := logger.WithComponent("journal")
	log.Info().
		Str("file_path", cfg.FilePath).
		Int("max_size_mb", cfg.MaxSizeMB).
		Int("max_backups", cfg.MaxBackups).
		Msg("Journal opened")

	return &Journal{filePath: cfg.FilePath, writer: writer}, nil
}

// Record appends ev to the journal.
func (j *Journal) Record(ev protocol.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return fmt.Errorf("journal is closed")
	}

	j.seq++
	line, err := json.Marshal(Entry{Seq: j.seq, Event: ev})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := j.writer.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write journal: %w", err)
	}
	return nil
}

// Path returns the active journal file.
func (j *Journal) Path() string {
	return j.filePath
}

// Close flushes and closes the file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true
	return j.writer.Close()
}

// Read parses journal lines from r. Blank lines are skipped.
func Read(r io.Reader) ([]Entry, error) {
	var entries []Entry
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return entries, fmt.Errorf("journal line %d: %w", line, err)
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}
