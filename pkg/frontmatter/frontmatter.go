// Package frontmatter reads and writes markdown documents that start with a
// YAML header between `---` fences. Approval requests, plans and task files
// all use this layout.
package frontmatter

import (
	"bytes"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

var (
	// ErrMissing indicates the document did not start with a YAML fence.
	ErrMissing = errors.New("frontmatter: missing header")
	// ErrMalformed indicates the YAML block was unterminated or could not be parsed.
	ErrMalformed = errors.New("frontmatter: malformed header")
)

var fence = []byte("---\n")

// Split separates the raw header from the body.
func Split(content []byte) ([]byte, []byte, error) {
	if len(content) == 0 {
		return nil, nil, ErrMissing
	}
	normalized := normalizeNewlines(content)
	normalized = bytes.TrimPrefix(normalized, []byte("\ufeff"))
	if !bytes.HasPrefix(normalized, fence) {
		return nil, nil, ErrMissing
	}
	rest := normalized[len(fence):]

	// Empty header.
	if bytes.HasPrefix(rest, fence) {
		return []byte{}, trimBody(rest[len(fence):]), nil
	}

	parts := bytes.SplitN(rest, []byte("\n---\n"), 2)
	if len(parts) == 2 {
		return parts[0], trimBody(parts[1]), nil
	}
	if bytes.HasSuffix(rest, []byte("\n---")) {
		return rest[:len(rest)-len("\n---")], nil, nil
	}
	return nil, nil, ErrMalformed
}

// Decode unmarshals the header into v and returns the body.
func Decode(content []byte, v interface{}) ([]byte, error) {
	header, body, err := Split(content)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(header, v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return body, nil
}

// Encode renders v as the YAML header followed by body.
func Encode(v interface{}, body []byte) ([]byte, error) {
	data, err := yaml.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("frontmatter: encode header: %w", err)
	}
	var buf bytes.Buffer
	buf.Write(fence)
	buf.Write(bytes.TrimRight(data, "\n"))
	buf.WriteString("\n---\n\n")
	buf.Write(body)
	return buf.Bytes(), nil
}

func trimBody(body []byte) []byte {
	return bytes.TrimLeft(body, "\n")
}

func normalizeNewlines(content []byte) []byte {
	return bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
}
