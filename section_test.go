package elfloader

import (
	"bytes"
	"debug/elf"
	"errors"
	"io"
	"testing"

	"github.com/ZenLiuCN/elfloader/internal/fixture"
	"github.com/ZenLiuCN/fn"
)

func TestLoadSectionPlacement(t *testing.T) {
	o := fixture.New()
	o.AddSection(&fixture.Section{Name: ".rodata", Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC, Align: 1, Data: []byte{1, 2, 3}})
	o.AddSection(&fixture.Section{Name: ".text", Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, Align: 16, Data: o.Words(0xe7fe, 0xbf00)})
	m := scanned(t, o, nil, newHeap())
	text, rodata := m.Section(RoleText), m.Section(RoleRodata)
	if text.Addr()%16 != 0 {
		t.Fatalf(".text at %08x", text.Addr())
	}
	if !bytes.Equal(rodata.Block.Data, []byte{1, 2, 3}) || !bytes.Equal(text.Block.Data, o.Words(0xe7fe, 0xbf00)) {
		t.Fatalf("contents\n%s", m.Blocks())
	}
	if rodata.Size != 3 || text.Size != 8 {
		t.Fatalf("sizes %d %d", rodata.Size, text.Size)
	}
}

func TestLoadSkipsEmptySections(t *testing.T) {
	o := fixture.New()
	o.Text(o.Words(0))
	o.Bss(0)
	o.InitArray(nil)
	o.FiniArray(nil)
	h := newHeap()
	m := scanned(t, o, nil, h)
	if h.calls != 1 {
		t.Fatalf("%d allocations", h.calls)
	}
	if !m.Found().Has(FoundBss|FoundInitArray|FoundFiniArray) || m.Section(RoleBss).Loaded() {
		t.Fatalf("found %s\n%s", m.Found(), m)
	}
}

func TestLoadBssIsZeroed(t *testing.T) {
	o := fixture.New()
	o.Data(o.Words(0x01020304))
	o.Bss(16)
	h := newHeap()
	h.dirty = true
	m := scanned(t, o, nil, h)
	if !bytes.Equal(m.Section(RoleBss).Block.Data, make([]byte, 16)) {
		t.Fatalf("bss\n%s", m.Blocks())
	}
	if v, _ := m.Section(RoleData).Block.Uint32(0, o.Order()); v != 0x01020304 {
		t.Fatalf("data %08x", v)
	}
}

func TestLoadRejectsAlignment(t *testing.T) {
	o := fixture.New()
	o.AddSection(&fixture.Section{Name: ".data", Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC | elf.SHF_WRITE, Align: 12, Data: o.Words(0)})
	h := newHeap()
	l, path := image(o, h, &recorder{})
	m := fn.Panic1(l.Open(path, nil))
	_, err := m.Scan()
	want(t, err, ErrFormat)
	if h.calls != 0 {
		t.Fatalf("%d allocations", h.calls)
	}
	fn.Panic(m.Free())
}

func TestLoadAllocationFailure(t *testing.T) {
	o := fixture.New()
	o.Text(o.Words(0))
	full := errors.New("no room")
	h := newHeap()
	h.fail = full
	l, path := image(o, h, &recorder{})
	m := fn.Panic1(l.Open(path, nil))
	_, err := m.Scan()
	want(t, err, ErrAllocation)
	want(t, err, full)
	fn.Panic(m.Free())
}

// shortStore fails the read starting at offset at.
type shortStore struct {
	Store
	at, pos int64
}

func (s *shortStore) Seek(off int64) error {
	s.pos = off
	return s.Store.Seek(off)
}

func (s *shortStore) Read(p []byte) (int, error) {
	if s.pos == s.at {
		return 0, io.ErrUnexpectedEOF
	}
	n, err := s.Store.Read(p)
	s.pos += int64(n)
	return n, err
}

func TestLoadShortReadReleasesBlock(t *testing.T) {
	o := fixture.New()
	o.Text(o.Words(1, 2, 3))
	raw := o.Bytes()
	f := fn.Panic1(elf.NewFile(bytes.NewReader(raw)))
	at := int64(f.Section(".text").Offset)
	h := newHeap()
	l := NewLoader(h, &recorder{}, Config{Debug: debugging})
	l.Opener = func(string) (Store, error) {
		return &shortStore{Store: NewMemoryStore(raw), at: at}, nil
	}
	m := fn.Panic1(l.Open("short.o", nil))
	_, err := m.Scan()
	want(t, err, ErrIO)
	if h.calls != 1 || len(h.live) != 0 || m.Section(RoleText).Loaded() {
		t.Fatalf("%d allocations, %d live", h.calls, len(h.live))
	}
	fn.Panic(m.Free())
}

func TestBlockBounds(t *testing.T) {
	b := &Block{Addr: 0x1000, Data: make([]byte, 8)}
	if !b.Contains(0x1004, 4) || b.Contains(0x1005, 4) || b.Contains(0xfff, 1) {
		t.Fatal("contains")
	}
	_, err := b.Uint32(6, o32)
	want(t, err, ErrOutOfRange)
	want(t, b.PutUint32(0xffffffff, o32, 1), ErrOutOfRange)
	var nb *Block
	_, err = nb.Uint32(0, o32)
	want(t, err, ErrOutOfRange)
	if s := (PermRead | PermExec).String(); s != "r-x" {
		t.Fatal(s)
	}
}
