package pool

import (
	"fmt"
	"strconv"

	"github.com/xyproto/env/v2"
)

// Layout places the code and data regions in the module's address space.
type Layout struct {
	CodeBase uint32
	CodeSize uint32
	DataBase uint32
	DataSize uint32
}

// DefaultLayout mirrors a Cortex-M part: code RAM at 0x10000000, SRAM at 0x20000000.
func DefaultLayout() Layout {
	return Layout{
		CodeBase: 0x10000000,
		CodeSize: 64 << 10,
		DataBase: 0x20000000,
		DataSize: 64 << 10,
	}
}

// LayoutFromEnv reads ELFLOADER_CODE_BASE, ELFLOADER_CODE_SIZE,
// ELFLOADER_DATA_BASE and ELFLOADER_DATA_SIZE. Values accept Go integer
// syntax such as 0x20000000; unset ones keep [DefaultLayout].
func LayoutFromEnv() (l Layout, err error) {
	l = DefaultLayout()
	for _, f := range []struct {
		name string
		dst  *uint32
	}{
		{"ELFLOADER_CODE_BASE", &l.CodeBase},
		{"ELFLOADER_CODE_SIZE", &l.CodeSize},
		{"ELFLOADER_DATA_BASE", &l.DataBase},
		{"ELFLOADER_DATA_SIZE", &l.DataSize},
	} {
		s := env.Str(f.name)
		if s == "" {
			continue
		}
		var v uint64
		if v, err = strconv.ParseUint(s, 0, 32); err != nil {
			return l, fmt.Errorf("%w: %s=%q: %w", ErrLayout, f.name, s, err)
		}
		*f.dst = uint32(v)
	}
	return l, l.Validate()
}

// Validate checks both regions are non-empty, fit in 32 bits and don't overlap.
func (l Layout) Validate() error {
	if l.CodeSize == 0 || l.DataSize == 0 {
		return fmt.Errorf("%w: empty region in %s", ErrLayout, l)
	}
	codeEnd := uint64(l.CodeBase) + uint64(l.CodeSize)
	dataEnd := uint64(l.DataBase) + uint64(l.DataSize)
	if codeEnd > 1<<32 || dataEnd > 1<<32 {
		return fmt.Errorf("%w: region beyond 32-bit space in %s", ErrLayout, l)
	}
	if uint64(l.CodeBase) < dataEnd && uint64(l.DataBase) < codeEnd {
		return fmt.Errorf("%w: regions overlap in %s", ErrLayout, l)
	}
	// address zero stays unmapped so a null pointer never lands in a block
	if l.CodeBase == 0 || l.DataBase == 0 {
		return fmt.Errorf("%w: region at address zero in %s", ErrLayout, l)
	}
	return nil
}

func (l Layout) String() string {
	return fmt.Sprintf("code 0x%08x+0x%x data 0x%08x+0x%x", l.CodeBase, l.CodeSize, l.DataBase, l.DataSize)
}
