package elfloader

import (
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"github.com/ZenLiuCN/elfloader/internal/fixture"
	"github.com/ZenLiuCN/fn"
)

var (
	debugging = false
	o32       = binary.LittleEndian
)

// heap is a bump allocator over Go memory starting at 0x20000000.
type heap struct {
	next  uint32
	live  map[*Block]bool
	calls int
	fail  error
	dirty bool // fill new blocks with 0xaa
}

func newHeap() *heap {
	return &heap{next: 0x20000000, live: make(map[*Block]bool)}
}

func (h *heap) Alloc(size, align uint32, perm Perm) (*Block, error) {
	h.calls++
	if h.fail != nil {
		return nil, h.fail
	}
	h.next = (h.next + align - 1) &^ (align - 1)
	b := &Block{Addr: h.next, Data: make([]byte, size), Perm: perm}
	if h.dirty {
		for i := range b.Data {
			b.Data[i] = 0xaa
		}
	}
	h.next += size
	h.live[b] = true
	return b, nil
}

func (h *heap) Free(b *Block) error {
	if !h.live[b] {
		return fmt.Errorf("free of unknown block %s", b)
	}
	delete(h.live, b)
	return nil
}

type call struct {
	addr, stack uint32
}

// recorder is a trampoline remembering every call.
type recorder struct {
	calls []call
	fail  map[uint32]error
}

func (r *recorder) Call(addr, stack uint32) error {
	r.calls = append(r.calls, call{addr, stack})
	return r.fail[addr]
}

// image registers one object under path and a loader serving it.
func image(o *fixture.Object, h *heap, r *recorder) (*Loader, string) {
	const path = "module.o"
	l := NewLoader(h, r, Config{Debug: debugging})
	l.Opener = MemoryOpener(map[string][]byte{path: o.Bytes()})
	return l, path
}

// scanned opens and scans o, failing the test on error.
func scanned(t testing.TB, o *fixture.Object, exports Exports, h *heap) *Module {
	t.Helper()
	l, path := image(o, h, &recorder{})
	m, err := l.Open(path, exports)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { fn.Panic(m.Free()) })
	if _, err = m.Scan(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	return m
}

// want fails unless err wraps target.
func want(t testing.TB, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("want %v, got %v", target, err)
	}
}
