package tracefile

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

const maxLineSize = 1024 * 1024

// ErrUnreadable is returned when a trace file is missing, not a regular file
// or cannot be opened.
var ErrUnreadable = errors.New("trace file unreadable")

// Cursor reads a trace line by line and can be rewound to the start, so the
// resolver can make several passes over one open handle.
type Cursor struct {
	src     io.ReadSeeker
	closer  io.Closer
	scanner *bufio.Scanner
	err     error
}

// Open opens a trace file. The caller owns the cursor and must Close it.
func Open(path string) (*Cursor, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreadable, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s is not a regular file", ErrUnreadable, path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreadable, err)
	}
	c := NewCursor(f)
	c.closer = f
	return c, nil
}

// NewCursor wraps an in-memory or already opened source. Close does not
// close src.
func NewCursor(src io.ReadSeeker) *Cursor {
	c := &Cursor{src: src}
	c.scanner = newScanner(src)
	return c
}

// FromString returns a cursor over s.
func FromString(s string) *Cursor {
	return NewCursor(strings.NewReader(s))
}

func newScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return s
}

// Next returns the next line without its line terminator.
// ok is false at EOF or on a read error; see Err.
func (c *Cursor) Next() (string, bool) {
	if c.scanner.Scan() {
		return strings.TrimRight(c.scanner.Text(), "\r"), true
	}
	c.err = c.scanner.Err()
	return "", false
}

// Err returns the first read error, if any.
func (c *Cursor) Err() error {
	return c.err
}

// Reset seeks back to the first line.
func (c *Cursor) Reset() error {
	if _, err := c.src.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind trace: %w", err)
	}
	c.scanner = newScanner(c.src)
	c.err = nil
	return nil
}

// Close releases the underlying file if the cursor opened it. It is safe to
// call more than once.
func (c *Cursor) Close() error {
	if c.closer == nil {
		return nil
	}
	err := c.closer.Close()
	c.closer = nil
	return err
}
