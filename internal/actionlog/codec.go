package actionlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
)

// MaxLineSize bounds a single action log line (256 KiB).
const MaxLineSize = 256 * 1024

// encoder writes one JSON value per line and flushes after each.
type encoder struct {
	w      *bufio.Writer
	logger *slog.Logger
}

func newEncoder(w io.Writer, logger *slog.Logger) *encoder {
	return &encoder{w: bufio.NewWriter(w), logger: logger}
}

func (e *encoder) encode(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	if len(data) > MaxLineSize {
		e.logger.Error("action log entry exceeds size limit", "size", len(data), "limit", MaxLineSize)
		return fmt.Errorf("entry size %d exceeds limit %d", len(data), MaxLineSize)
	}
	if _, err := e.w.Write(data); err != nil {
		return fmt.Errorf("write entry: %w", err)
	}
	if err := e.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}
	return e.w.Flush()
}

// decoder reads line-delimited JSON, skipping blank lines.
type decoder struct {
	scanner *bufio.Scanner
	line    int
}

func newDecoder(r io.Reader) *decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), MaxLineSize)
	return &decoder{scanner: s}
}

func (d *decoder) decode(v any) error {
	for d.scanner.Scan() {
		d.line++
		data := d.scanner.Bytes()
		if len(data) == 0 {
			continue
		}
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("line %d: %w", d.line, err)
		}
		return nil
	}
	if err := d.scanner.Err(); err != nil {
		return fmt.Errorf("scan line %d: %w", d.line, err)
	}
	return io.EOF
}
