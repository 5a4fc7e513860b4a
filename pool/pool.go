package pool

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	. "github.com/ZenLiuCN/elfloader"
	"github.com/pkujhd/goloader/mmap"
)

// Pool hands out module memory from two regions of a simulated 32-bit address
// space: executable requests come from the code region, every other request
// from the data region. It implements [Allocator].
type Pool struct {
	regions [2]*region
	blocks  map[uint32]*Block
	mapped  bool
	closed  bool
	sync.Mutex
}

var (
	ErrExhausted = errors.New("pool exhausted")
	ErrForeign   = errors.New("block not owned by pool")
	ErrClosed    = errors.New("pool closed")
	ErrLayout    = errors.New("invalid pool layout")
)

const (
	codeRegion = iota
	dataRegion
)

type span struct {
	addr, size uint32
}

type region struct {
	name string
	base uint32
	mem  []byte
	free []span // sorted by addr, never adjacent
}

func newRegion(name string, base uint32, mem []byte) *region {
	return &region{name: name, base: base, mem: mem, free: []span{{base, uint32(len(mem))}}}
}

func (r *region) contains(addr, n uint32) bool {
	return addr >= r.base && uint64(addr-r.base)+uint64(n) <= uint64(len(r.mem))
}

// take carves size bytes aligned to align from the first span that fits.
func (r *region) take(size, align uint32) (uint32, bool) {
	for i, f := range r.free {
		start := (uint64(f.addr) + uint64(align) - 1) &^ (uint64(align) - 1)
		end := start + uint64(size)
		if end > uint64(f.addr)+uint64(f.size) {
			continue
		}
		var rest []span
		if pad := uint32(start) - f.addr; pad > 0 {
			rest = append(rest, span{f.addr, pad})
		}
		if tail := uint32(uint64(f.addr) + uint64(f.size) - end); tail > 0 {
			rest = append(rest, span{uint32(end), tail})
		}
		r.free = append(r.free[:i], append(rest, r.free[i+1:]...)...)
		return uint32(start), true
	}
	return 0, false
}

// give returns a span and merges it with its neighbours.
func (r *region) give(addr, size uint32) {
	i := sort.Search(len(r.free), func(i int) bool { return r.free[i].addr > addr })
	r.free = append(r.free, span{})
	copy(r.free[i+1:], r.free[i:])
	r.free[i] = span{addr, size}
	if i+1 < len(r.free) && r.free[i].addr+r.free[i].size == r.free[i+1].addr {
		r.free[i].size += r.free[i+1].size
		r.free = append(r.free[:i+1], r.free[i+2:]...)
	}
	if i > 0 && r.free[i-1].addr+r.free[i-1].size == r.free[i].addr {
		r.free[i-1].size += r.free[i].size
		r.free = append(r.free[:i], r.free[i+1:]...)
	}
}

func (r *region) available() (n uint32) {
	for _, f := range r.free {
		n += f.size
	}
	return
}

// New create a Pool whose regions are backed by anonymous mappings: the code
// region is mapped executable, the data region read-write.
func New(l Layout) (p *Pool, err error) {
	if err = l.Validate(); err != nil {
		return
	}
	var code, data []byte
	if code, err = mmap.Mmap(int(l.CodeSize)); err != nil {
		return nil, fmt.Errorf("map code region: %w", err)
	}
	if data, err = mmap.MmapData(int(l.DataSize)); err != nil {
		_ = mmap.Munmap(code)
		return nil, fmt.Errorf("map data region: %w", err)
	}
	p = newPool(l, code, data)
	p.mapped = true
	return
}

// NewHeap create a Pool backed by Go memory, for hosts without mappings.
func NewHeap(l Layout) (*Pool, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return newPool(l, make([]byte, l.CodeSize), make([]byte, l.DataSize)), nil
}

func newPool(l Layout, code, data []byte) *Pool {
	p := new(Pool)
	p.regions[codeRegion] = newRegion("code", l.CodeBase, code)
	p.regions[dataRegion] = newRegion("data", l.DataBase, data)
	p.blocks = make(map[uint32]*Block)
	return p
}

func (p *Pool) regionFor(perm Perm) *region {
	if perm&PermExec != 0 {
		return p.regions[codeRegion]
	}
	return p.regions[dataRegion]
}

// Alloc carves size bytes aligned to align, zeroed.
func (p *Pool) Alloc(size, align uint32, perm Perm) (*Block, error) {
	p.Lock()
	defer p.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if align == 0 {
		align = 1
	}
	if size == 0 || align&(align-1) != 0 {
		return nil, fmt.Errorf("%w: size %d align %d", ErrLayout, size, align)
	}
	r := p.regionFor(perm)
	addr, ok := r.take(size, align)
	if !ok {
		return nil, fmt.Errorf("%w: %s region has %d of %d bytes free for %d aligned to %d",
			ErrExhausted, r.name, r.available(), len(r.mem), size, align)
	}
	off := addr - r.base
	b := &Block{Addr: addr, Data: r.mem[off : off+size : off+size], Perm: perm}
	clear(b.Data)
	p.blocks[addr] = b
	return b, nil
}

// Free returns a block obtained from Alloc.
func (p *Pool) Free(b *Block) error {
	p.Lock()
	defer p.Unlock()
	if b == nil {
		return nil
	}
	if owned, ok := p.blocks[b.Addr]; !ok || owned != b {
		return fmt.Errorf("%w: %s", ErrForeign, b)
	}
	delete(p.blocks, b.Addr)
	if p.closed {
		return nil
	}
	p.regionFor(b.Perm).give(b.Addr, uint32(cap(b.Data)))
	return nil
}

// Slice gives access to n bytes at addr, which must lie inside one region.
func (p *Pool) Slice(addr, n uint32) ([]byte, error) {
	p.Lock()
	defer p.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	for _, r := range p.regions {
		if r.contains(addr, n) {
			off := addr - r.base
			return r.mem[off : off+n : off+n], nil
		}
	}
	return nil, fmt.Errorf("%w: %d bytes at 0x%08x", ErrForeign, n, addr)
}

// InUse counts live blocks.
func (p *Pool) InUse() int {
	p.Lock()
	defer p.Unlock()
	return len(p.blocks)
}

// Available reports the free bytes of the code and data regions.
func (p *Pool) Available() (code, data uint32) {
	p.Lock()
	defer p.Unlock()
	return p.regions[codeRegion].available(), p.regions[dataRegion].available()
}

// Close releases the regions. Blocks still live become invalid.
func (p *Pool) Close() (err error) {
	p.Lock()
	defer p.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.closed = true
	if p.mapped {
		for _, r := range p.regions {
			err = errors.Join(err, mmap.Munmap(r.mem))
		}
	}
	for _, r := range p.regions {
		r.mem = nil
		r.free = nil
	}
	return
}
