package elfloader

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"strings"
)

// Perm is the access mask requested for a section's memory. The bits have the
// values of SHF_WRITE, SHF_ALLOC and SHF_EXECINSTR, so sh_flags convert directly.
type Perm uint8

const (
	PermWrite Perm = 1 << iota
	PermRead
	PermExec
)

func permOf(flags uint32) Perm {
	return Perm(flags & uint32(elf.SHF_WRITE|elf.SHF_ALLOC|elf.SHF_EXECINSTR))
}

func (p Perm) String() string {
	s := []byte("---")
	if p&PermRead != 0 {
		s[0] = 'r'
	}
	if p&PermWrite != 0 {
		s[1] = 'w'
	}
	if p&PermExec != 0 {
		s[2] = 'x'
	}
	return string(s)
}

// Block is memory handed out by an [Allocator]: Addr is the address the module
// sees, Data the bytes behind it. Every access by the loader goes through Data
// with explicit bounds.
type Block struct {
	Addr uint32
	Data []byte
	Perm Perm
}

// Allocator provides aligned, permission-tagged memory for module sections.
type Allocator interface {
	Alloc(size, align uint32, perm Perm) (*Block, error)
	Free(b *Block) error
}

// Contains reports whether [addr, addr+n) lies inside the block.
func (b *Block) Contains(addr, n uint32) bool {
	if b == nil || addr < b.Addr {
		return false
	}
	off := uint64(addr - b.Addr)
	return off+uint64(n) <= uint64(len(b.Data))
}

func (b *Block) span(off, n uint32) ([]byte, error) {
	if b == nil || uint64(off)+uint64(n) > uint64(len(b.Data)) {
		size := 0
		if b != nil {
			size = len(b.Data)
		}
		return nil, fmt.Errorf("%w: %d bytes at offset 0x%x of %d", ErrOutOfRange, n, off, size)
	}
	return b.Data[off : off+n], nil
}

// Uint32 reads the word at off.
func (b *Block) Uint32(off uint32, order binary.ByteOrder) (uint32, error) {
	p, err := b.span(off, 4)
	if err != nil {
		return 0, err
	}
	return order.Uint32(p), nil
}

// PutUint32 stores the word at off.
func (b *Block) PutUint32(off uint32, order binary.ByteOrder, v uint32) error {
	p, err := b.span(off, 4)
	if err != nil {
		return err
	}
	order.PutUint32(p, v)
	return nil
}

func (b *Block) String() string {
	if b == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%08x+%x(%s)", b.Addr, len(b.Data), b.Perm)
}

func isPow2(v uint32) bool {
	return v&(v-1) == 0
}

// Blocks is a stringer over many blocks.
type Blocks []*Block

func (bs Blocks) String() string {
	s := strings.Builder{}
	for _, b := range bs {
		s.WriteString(b.String())
		s.WriteByte('\n')
	}
	return s.String()
}
