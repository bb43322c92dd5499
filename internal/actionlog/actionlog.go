// Package actionlog appends dispatcher outcomes to logs/actions.ndjson.
package actionlog

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"signoff/internal/domain"
	"signoff/internal/redact"
)

// Log is a single-writer, append-only NDJSON file.
type Log struct {
	path     string
	redactor *redact.Redactor
	logger   *slog.Logger
	mu       sync.Mutex
}

func New(path string, redactor *redact.Redactor, logger *slog.Logger) *Log {
	if redactor == nil {
		redactor = redact.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{path: path, redactor: redactor, logger: logger}
}

// Path returns the log file location.
func (l *Log) Path() string { return l.path }

// Append redacts parameters and summaries, then writes one line.
func (l *Log) Append(entry domain.ActionLogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry.Parameters = l.redactor.Map(entry.Parameters)
	entry.ResponseSummary = l.redactor.Redact(entry.ResponseSummary)
	entry.Error = l.redactor.Redact(entry.Error)

	if err := os.MkdirAll(filepath.Dir(l.path), 0o700); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open action log: %w", err)
	}
	defer f.Close()
	if err := newEncoder(f, l.logger).encode(entry); err != nil {
		return err
	}
	return f.Sync()
}

// ReadAll returns every entry in file order. A missing file is empty.
func ReadAll(path string) ([]domain.ActionLogEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	dec := newDecoder(f)
	var out []domain.ActionLogEntry
	for {
		var e domain.ActionLogEntry
		err := dec.decode(&e)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
}

// Tail returns the last n entries.
func Tail(path string, n int) ([]domain.ActionLogEntry, error) {
	all, err := ReadAll(path)
	if err != nil {
		return nil, err
	}
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}
