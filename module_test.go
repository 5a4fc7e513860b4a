package elfloader

import (
	"errors"
	"os"
	"testing"

	"github.com/ZenLiuCN/elfloader/internal/fixture"
	"github.com/ZenLiuCN/fn"
	"github.com/davecgh/go-spew/spew"
)

// lifecycle has two constructors, an entry point at .text+5 and one destructor.
func lifecycle() *fixture.Object {
	o := fixture.New()
	o.Entry = 5
	text := o.SectionSymbol(".text")
	o.Text(o.Words(0, 0, 0, 0))
	o.InitArray(o.Words(1, 9)).
		Rel(0, text, uint8(R_ARM_ABS32)).
		Rel(4, text, uint8(R_ARM_ABS32))
	o.FiniArray(o.Words(13)).Rel(0, text, uint8(R_ARM_ABS32))
	return o
}

func TestLoadAndRun(t *testing.T) {
	h, r := newHeap(), &recorder{}
	l, path := image(lifecycle(), h, r)
	if err := l.LoadAndRun(path, nil); err != nil {
		t.Fatal(err)
	}
	const text = 0x20000000
	expect := []call{{text + 1, 0}, {text + 9, 0}, {text + 5, DefaultStackSize}, {text + 13, 0}}
	if len(r.calls) != len(expect) {
		t.Fatalf("calls %s", spew.Sdump(r.calls))
	}
	for i, c := range expect {
		if r.calls[i] != c {
			t.Fatalf("call %d: %+v, want %+v", i, r.calls[i], c)
		}
	}
	if len(h.live) != 0 {
		t.Fatalf("%d blocks leaked", len(h.live))
	}
}

func TestStages(t *testing.T) {
	h, r := newHeap(), &recorder{}
	l, path := image(lifecycle(), h, r)
	l.Config.StackSize = 1024
	m := fn.Panic1(l.Open(path, nil))
	if m.State() != StateHeaderParsed || m.Entry() != 5 {
		t.Fatalf("%s entry %d", m.State(), m.Entry())
	}
	want(t, m.Link(), ErrUninitialized)
	want(t, m.Init(), ErrUninitialized)
	fn.Panic1(m.Scan())
	want(t, m.Exec(), ErrUninitialized)
	fn.Panic(m.Link())
	want(t, m.Link(), ErrLinked)
	want(t, m.Fini(), ErrUninitialized)
	fn.Panic(m.Init())
	if m.State() != StateConstructorsRun || len(r.calls) != 2 {
		t.Fatalf("%s after %d calls", m.State(), len(r.calls))
	}
	fn.Panic(m.Exec())
	if m.State() != StateExecuting || r.calls[2].stack != 1024 {
		t.Fatalf("%s %+v", m.State(), r.calls)
	}
	fn.Panic(m.Fini())
	if m.State() != StateDestructorsRun || len(r.calls) != 4 {
		t.Fatalf("%s after %d calls", m.State(), len(r.calls))
	}
	if len(m.Blocks()) != 3 {
		t.Fatalf("blocks\n%s", m.Blocks())
	}
	fn.Panic(m.Free())
	fn.Panic(m.Free())
	if m.State() != StateFreed || len(h.live) != 0 || len(m.Blocks()) != 0 {
		t.Fatalf("%s with %d live blocks", m.State(), len(h.live))
	}
	_, err := m.Scan()
	want(t, err, ErrUninitialized)
}

// syscalls is a module without entry point referencing one host symbol.
func syscalls() *fixture.Object {
	o := fixture.New()
	o.Text(o.Words(0)).Rel(0, o.Undefined("syscalls"), uint8(R_ARM_ABS32))
	o.Bss(0)
	o.InitArray(nil)
	o.FiniArray(nil)
	return o
}

func TestNoEntryPoint(t *testing.T) {
	exports := Exports{{"syscalls", 0x20001000}}
	h, r := newHeap(), &recorder{}
	l, path := image(syscalls(), h, r)
	m := fn.Panic1(l.Open(path, exports))
	fn.Panic1(m.Scan())
	fn.Panic(m.Link())
	if w := fn.Panic1(m.Section(RoleText).Block.Uint32(0, o32)); w != 0x20001000 {
		t.Fatalf("word %08x", w)
	}
	fn.Panic(m.Init())
	want(t, m.Exec(), ErrNoEntryPoint)
	fn.Panic(m.Free())

	// the whole cycle reports the same and still cleans up
	var store Store
	l.Opener = func(p string) (s Store, err error) {
		s, err = MemoryOpener(map[string][]byte{path: syscalls().Bytes()})(p)
		store = s
		return
	}
	want(t, l.LoadAndRun(path, exports), ErrNoEntryPoint)
	if len(r.calls) != 0 || len(h.live) != 0 {
		t.Fatalf("%d calls, %d live blocks", len(r.calls), len(h.live))
	}
	if h.calls != 2 {
		t.Fatalf("%d allocations, want one per run", h.calls)
	}
	if _, err := store.Read(make([]byte, 1)); !errors.Is(err, os.ErrClosed) {
		t.Fatalf("store still open: %v", err)
	}
}

func TestExecFailure(t *testing.T) {
	fault := errors.New("hard fault")
	for _, addr := range []uint32{0x20000001, 0x20000005} {
		r := &recorder{fail: map[uint32]error{addr: fault}}
		h := newHeap()
		l, path := image(lifecycle(), h, r)
		err := l.LoadAndRun(path, nil)
		want(t, err, ErrExecution)
		want(t, err, fault)
		if last := r.calls[len(r.calls)-1]; last.addr != addr {
			t.Fatalf("ran on after failure at %08x: %+v", addr, r.calls)
		}
		if len(h.live) != 0 {
			t.Fatalf("%d blocks leaked", len(h.live))
		}
	}
}

func TestExecWithoutText(t *testing.T) {
	o := fixture.New()
	o.Entry = 4
	o.Data(o.Words(0))
	h := newHeap()
	l, path := image(o, h, &recorder{})
	want(t, l.LoadAndRun(path, nil), ErrFormat)
	if len(h.live) != 0 {
		t.Fatalf("%d blocks leaked", len(h.live))
	}
}

func TestOpenFailures(t *testing.T) {
	l, _ := image(lifecycle(), newHeap(), &recorder{})
	_, err := l.Open("absent.o", nil)
	want(t, err, ErrIO)

	_, err = NewLoader(nil, &recorder{}).Open("absent.o", nil)
	want(t, err, ErrUninitialized)

	_, err = NewLoader(newHeap(), &recorder{}).Open("testdata/absent.o", nil)
	want(t, err, ErrIO)

	o := lifecycle()
	o.Machine = 0x3e // x86-64
	var store Store
	l.Opener = func(string) (Store, error) {
		store = NewMemoryStore(o.Bytes())
		return store, nil
	}
	_, err = l.Open("amd64.o", nil)
	want(t, err, ErrFormat)
	if _, err = store.Read(make([]byte, 1)); !errors.Is(err, os.ErrClosed) {
		t.Fatalf("store still open: %v", err)
	}
}

func TestStateString(t *testing.T) {
	if StateConstructorsRun.String() != "ConstructorsRun" || State(99).String() != "State(99)" {
		t.Fatal(StateConstructorsRun, State(99))
	}
	if RoleInitArray.String() != ".init_array" || Role(-1).String() != "Role(-1)" {
		t.Fatal(RoleInitArray, Role(-1))
	}
}
