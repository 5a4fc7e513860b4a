package elfloader_test

import (
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	. "github.com/ZenLiuCN/elfloader"
	"github.com/ZenLiuCN/elfloader/internal/fixture"
	"github.com/ZenLiuCN/elfloader/pool"
	"github.com/ZenLiuCN/fn"
)

// Tokens standing in for code: each routine is a token word followed by a
// literal holding the address of the host's state word.
const (
	tokenCtor  = 0xc0c0c0c0
	tokenEntry = 0xe0e0e0e0
	tokenDtor  = 0xd0d0d0d0

	stateCtor  = 0x5eed
	stateEntry = 0xe17e
	stateDtor  = 0xdead
)

// machine interprets token routines in a pool, the way the device would run them.
type machine struct {
	pool  *pool.Pool
	trace []string
}

func (x *machine) Call(addr, stack uint32) (err error) {
	var code, state []byte
	if code, err = x.pool.Slice(addr&^1, 8); err != nil {
		return
	}
	le := binary.LittleEndian
	if state, err = x.pool.Slice(le.Uint32(code[4:]), 4); err != nil {
		return
	}
	token, v := le.Uint32(code), le.Uint32(state)
	switch {
	case token == tokenCtor && v == 0:
		le.PutUint32(state, stateCtor)
		x.trace = append(x.trace, "ctor")
	case token == tokenEntry && v == stateCtor && stack == DefaultStackSize:
		le.PutUint32(state, stateEntry)
		x.trace = append(x.trace, "entry")
	case token == tokenDtor && v == stateEntry:
		le.PutUint32(state, stateDtor)
		x.trace = append(x.trace, "dtor")
	default:
		return fmt.Errorf("token %08x with state %04x at %08x", token, v, addr)
	}
	return nil
}

func program() *fixture.Object {
	o := fixture.New()
	o.Entry = 9
	state, text := o.Undefined("state"), o.SectionSymbol(".text")
	o.Text(o.Words(tokenCtor, 0, tokenEntry, 0, tokenDtor, 0)).
		Rel(4, state, uint8(R_ARM_ABS32)).
		Rel(12, state, uint8(R_ARM_ABS32)).
		Rel(20, state, uint8(R_ARM_ABS32))
	o.InitArray(o.Words(1)).Rel(0, text, uint8(R_ARM_ABS32))
	o.FiniArray(o.Words(17)).Rel(0, text, uint8(R_ARM_ABS32))
	o.Data(o.Words(0, 0))
	o.Bss(64)
	return o
}

func TestRunInPool(t *testing.T) {
	p := fn.Panic1(pool.NewHeap(pool.DefaultLayout()))
	defer fn.IgnoreClose(p)
	code, data := p.Available()
	host := fn.Panic1(p.Alloc(4, 4, PermRead|PermWrite))
	x := &machine{pool: p}
	l := NewLoader(p, x)
	l.Opener = MemoryOpener(map[string][]byte{"program.o": program().Bytes()})
	if err := l.LoadAndRun("program.o", Exports{{Name: "state", Addr: host.Addr}}); err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(x.trace) != "[ctor entry dtor]" {
		t.Fatalf("trace %v", x.trace)
	}
	if v := binary.LittleEndian.Uint32(host.Data); v != stateDtor {
		t.Fatalf("state %04x", v)
	}
	if p.InUse() != 1 {
		t.Fatalf("%d blocks live", p.InUse())
	}
	fn.Panic(p.Free(host))
	if c, d := p.Available(); c != code || d != data {
		t.Fatalf("available %d/%d, want %d/%d", c, d, code, data)
	}
}

func TestRunRepeatedly(t *testing.T) {
	p := fn.Panic1(pool.NewHeap(pool.DefaultLayout()))
	defer fn.IgnoreClose(p)
	image := program().Bytes()
	for i := 0; i < 3; i++ {
		host := fn.Panic1(p.Alloc(4, 4, PermRead|PermWrite))
		l := NewLoader(p, &machine{pool: p})
		l.Opener = MemoryOpener(map[string][]byte{"program.o": image})
		fn.Panic(l.LoadAndRun("program.o", Exports{{Name: "state", Addr: host.Addr}}))
		fn.Panic(p.Free(host))
		if p.InUse() != 0 {
			t.Fatalf("run %d: %d blocks live", i, p.InUse())
		}
	}
}

func TestRunOutOfMemory(t *testing.T) {
	p := fn.Panic1(pool.NewHeap(pool.Layout{CodeBase: 0x10000000, CodeSize: 16, DataBase: 0x20000000, DataSize: 256}))
	defer fn.IgnoreClose(p)
	l := NewLoader(p, &machine{pool: p})
	l.Opener = MemoryOpener(map[string][]byte{"program.o": program().Bytes()})
	err := l.LoadAndRun("program.o", Exports{{Name: "state", Addr: 0x20000000}})
	if !errors.Is(err, ErrAllocation) || !errors.Is(err, pool.ErrExhausted) {
		t.Fatalf("got %v", err)
	}
	if p.InUse() != 0 {
		t.Fatalf("%d blocks live", p.InUse())
	}
}
