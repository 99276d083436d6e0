package gdb

import (
	"fmt"
	"os"
)

// Transcript is the append-only log of every command sent to gdb and every
// response fetched back. A nil Transcript discards everything.
type Transcript struct {
	f *os.File
}

// OpenTranscript creates (truncating) the transcript file.
func OpenTranscript(path string) (*Transcript, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("open transcript %s: %w", path, err)
	}
	return &Transcript{f: f}, nil
}

// Log appends one record: a header line, the body, and a blank separator.
func (t *Transcript) Log(header, body string) {
	if t == nil || t.f == nil {
		return
	}
	fmt.Fprintf(t.f, "%s:\n%s\n\n\n", header, body)
	t.f.Sync()
}

// Close releases the transcript file.
func (t *Transcript) Close() error {
	if t == nil || t.f == nil {
		return nil
	}
	err := t.f.Close()
	t.f = nil
	return err
}
