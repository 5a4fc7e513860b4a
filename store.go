package elfloader

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// Store is the backing store a module image is streamed from: a file, a flash
// partition or a buffer in RAM. Seek is always relative to the start.
type Store interface {
	Seek(offset int64) error
	Tell() (int64, error)
	Read(p []byte) (n int, err error)
	Close() error
}

// Opener opens a Store for reading by path.
type Opener func(path string) (Store, error)

type fileStore struct {
	f *os.File
}

// OpenFile opens path from the host file system. It is the default [Opener].
func OpenFile(path string) (Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}
	return &fileStore{f: f}, nil
}

func (s *fileStore) Seek(offset int64) error {
	_, err := s.f.Seek(offset, io.SeekStart)
	return err
}
func (s *fileStore) Tell() (int64, error) {
	return s.f.Seek(0, io.SeekCurrent)
}
func (s *fileStore) Read(p []byte) (int, error) {
	return s.f.Read(p)
}
func (s *fileStore) Close() error {
	return s.f.Close()
}

type memoryStore struct {
	r      *bytes.Reader
	closed bool
}

// NewMemoryStore serves an image already present in memory.
func NewMemoryStore(image []byte) Store {
	return &memoryStore{r: bytes.NewReader(image)}
}

func (s *memoryStore) Seek(offset int64) error {
	if s.closed {
		return os.ErrClosed
	}
	_, err := s.r.Seek(offset, io.SeekStart)
	return err
}
func (s *memoryStore) Tell() (int64, error) {
	if s.closed {
		return 0, os.ErrClosed
	}
	return s.r.Seek(0, io.SeekCurrent)
}
func (s *memoryStore) Read(p []byte) (int, error) {
	if s.closed {
		return 0, os.ErrClosed
	}
	return s.r.Read(p)
}
func (s *memoryStore) Close() error {
	if s.closed {
		return os.ErrClosed
	}
	s.closed = true
	return nil
}

// MemoryOpener serves images by path from a map, each open gets its own cursor.
func MemoryOpener(images map[string][]byte) Opener {
	return func(path string) (Store, error) {
		b, ok := images[path]
		if !ok {
			return nil, fmt.Errorf("%w: open %s: %w", ErrIO, path, os.ErrNotExist)
		}
		return NewMemoryStore(b), nil
	}
}

// readAt seeks to off and fills buf completely.
func readAt(s Store, off int64, buf []byte) error {
	if err := s.Seek(off); err != nil {
		return fmt.Errorf("%w: seek 0x%x: %w", ErrIO, off, err)
	}
	if n, err := io.ReadFull(s, buf); err != nil {
		return fmt.Errorf("%w: read %d bytes at 0x%x, got %d: %w", ErrIO, len(buf), off, n, err)
	}
	return nil
}
