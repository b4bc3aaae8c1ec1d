package wal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/yairfalse/cdcwatch/telemetry"
)

// ErrCorruptEntry marks a line that is not a valid journal entry, typically
// a write torn by a crash.
var ErrCorruptEntry = errors.New("corrupt entry")

// EntryType defines the type of WAL entry
type EntryType string

const (
	EntryRestartRequested  EntryType = "restart_requested"
	EntryRestartInitiated  EntryType = "restart_initiated"
	EntryRestartFailed     EntryType = "restart_failed"
	EntryRestartSuppressed EntryType = "restart_suppressed"
	EntryCycleCompleted    EntryType = "cycle_completed"
)

// Entry represents a single WAL entry
type Entry struct {
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
	Type      EntryType       `json:"type"`
	CycleID   string          `json:"cycle_id,omitempty"`
	JobID     string          `json:"job_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Config controls where journal files live and how long they are kept
type Config struct {
	Dir           string
	FilePrefix    string
	RetentionDays int
}

const defaultPrefix = "cdcwatch"

func (c Config) prefix() string {
	if c.FilePrefix == "" {
		return defaultPrefix
	}
	return c.FilePrefix
}

// WAL is an append-only JSONL audit journal of restart actions
type WAL struct {
	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	sequence int64
	path     string
	cfg      Config
}

// Open creates or opens a WAL file in cfg.Dir. Sequence numbers continue
// from the highest one found in existing files.
func Open(cfg Config) (*WAL, error) {
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	seq, err := lastSequence(cfg)
	if err != nil {
		return nil, err
	}

	filename := fmt.Sprintf("%s-%s.wal", cfg.prefix(), time.Now().UTC().Format("20060102-150405"))
	path := filepath.Join(cfg.Dir, filename)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	return &WAL{
		file:     file,
		writer:   bufio.NewWriter(file),
		sequence: seq,
		path:     path,
		cfg:      cfg,
	}, nil
}

// Path returns the file currently being written
func (w *WAL) Path() string {
	return w.path
}

// Close flushes and closes the WAL
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Close()
}

// Append adds an entry to the WAL
func (w *WAL) Append(entryType EntryType, cycleID, jobID string, data any) error {
	return w.append(entryType, cycleID, jobID, data, nil)
}

// AppendError adds an entry carrying a failure
func (w *WAL) AppendError(entryType EntryType, cycleID, jobID string, data any, errToLog error) error {
	return w.append(entryType, cycleID, jobID, data, errToLog)
}

func (w *WAL) append(entryType EntryType, cycleID, jobID string, data any, errToLog error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal data: %w", err)
		}
		raw = b
	}

	w.sequence++
	entry := Entry{
		Timestamp: time.Now(),
		Sequence:  w.sequence,
		Type:      entryType,
		CycleID:   cycleID,
		JobID:     jobID,
		Data:      raw,
	}
	if errToLog != nil {
		entry.Error = errToLog.Error()
	}

	return w.writeEntry(entry)
}

// writeEntry writes a single entry and syncs it to disk
func (w *WAL) writeEntry(entry Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	if _, err := w.writer.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	return w.file.Sync()
}

// lastSequence scans existing files for the highest sequence number.
// A file is read up to its first corrupt line; the rest of it is skipped.
func lastSequence(cfg Config) (int64, error) {
	var last int64
	files := findAllWALFiles(cfg.Dir, cfg.prefix())
	sort.Strings(files)
	for _, file := range files {
		err := scanFile(file, func(e *Entry) error {
			if e.Sequence > last {
				last = e.Sequence
			}
			return nil
		})
		if errors.Is(err, ErrCorruptEntry) {
			logger := telemetry.NewLogger("wal")
			logger.Warn().Err(err).Str("file", filepath.Base(file)).
				Msg("Skipping rest of journal file after corrupt entry")
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("failed to load sequence: %w", err)
		}
	}
	return last, nil
}

// Reader provides WAL replay functionality
type Reader struct {
	scanner *bufio.Scanner
	file    *os.File
}

// NewReader creates a WAL reader for the specified file
func NewReader(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	return &Reader{
		scanner: bufio.NewScanner(file),
		file:    file,
	}, nil
}

// Next reads the next entry, returning io.EOF at the end of the file
func (r *Reader) Next() (*Entry, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}

	var entry Entry
	if err := json.Unmarshal(r.scanner.Bytes(), &entry); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptEntry, err)
	}
	return &entry, nil
}

// Close closes the reader
func (r *Reader) Close() error {
	return r.file.Close()
}

// Replay calls handler for every entry written after since, oldest file first
func Replay(cfg Config, since time.Time, handler func(*Entry) error) error {
	return scanFiles(findAllWALFiles(cfg.Dir, cfg.prefix()), func(e *Entry) error {
		if !e.Timestamp.After(since) {
			return nil
		}
		return handler(e)
	})
}

func scanFiles(files []string, fn func(*Entry) error) error {
	sort.Strings(files)
	for _, file := range files {
		if err := scanFile(file, fn); err != nil {
			return err
		}
	}
	return nil
}

func scanFile(path string, fn func(*Entry) error) error {
	reader, err := NewReader(path)
	if err != nil {
		return err
	}
	defer reader.Close()

	for {
		entry, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
}
