// Package doc reads and writes the human-readable documents kept under
// .signoff/: a YAML header between --- fences followed by a markdown body.
package doc

import (
	"bytes"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

var (
	ErrMissingHeader   = errors.New("doc: missing header")
	ErrMalformedHeader = errors.New("doc: malformed header")
)

// Render encodes header and appends body.
func Render(header any, body string) ([]byte, error) {
	data, err := yaml.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("doc: encode header: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(bytes.TrimRight(data, "\n"))
	buf.WriteString("\n---\n\n")
	buf.WriteString(body)
	if body != "" && body[len(body)-1] != '\n' {
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// Parse decodes the header of content into header and returns the body.
func Parse(content []byte, header any) (string, error) {
	normalized := bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(normalized, []byte("---\n")) {
		return "", ErrMissingHeader
	}
	parts := bytes.SplitN(normalized[4:], []byte("\n---\n"), 2)
	if len(parts) < 2 {
		return "", ErrMalformedHeader
	}
	if err := yaml.Unmarshal(parts[0], header); err != nil {
		return "", fmt.Errorf("doc: parse header: %w", err)
	}
	return string(bytes.TrimLeft(parts[1], "\n")), nil
}
