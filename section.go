package elfloader

import (
	"debug/elf"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
)

// Role is the part a loaded section plays in a module.
type Role int

const (
	RoleText Role = iota
	RoleRodata
	RoleData
	RoleBss
	RoleInitArray
	RoleFiniArray
	roleCount
)

var roleNames = [roleCount]string{".text", ".rodata", ".data", ".bss", ".init_array", ".fini_array"}

func (r Role) String() string {
	if r < 0 || r >= roleCount {
		return fmt.Sprintf("Role(%d)", int(r))
	}
	return roleNames[r]
}

// relocationOrder excludes RoleBss: .rel.bss is recorded by the scanner but never applied.
var relocationOrder = [...]Role{RoleText, RoleRodata, RoleData, RoleInitArray, RoleFiniArray}

// Section describes one loaded role of a module.
type Section struct {
	Role  Role
	Block *Block // nil until loaded, or when the section is empty
	Index uint16 // index in the file's section table, zero when absent
	Rel   uint16 // index of the matching .rel section, zero when absent
	Size  uint32
}

// Loaded reports whether the section owns memory.
func (s *Section) Loaded() bool {
	return s.Block != nil
}

// Addr is the load address of the section, zero when not loaded.
func (s *Section) Addr() uint32 {
	if s.Block == nil {
		return 0
	}
	return s.Block.Addr
}

func (s *Section) String() string {
	return fmt.Sprintf("%-11s idx=%d rel=%d size=0x%x at %s", s.Role, s.Index, s.Rel, s.Size, s.Block)
}

// loadSection allocates memory for the section described by h and fills it from the store.
func (m *Module) loadSection(h elf.Section32, s *Section) (err error) {
	s.Size = h.Size
	if h.Size == 0 {
		if m.cfg.Debug {
			log.Printf("elf: no data for section %s", s.Role)
		}
		return nil
	}
	align := h.Addralign
	if align == 0 {
		align = 1
	}
	if !isPow2(align) {
		return fmt.Errorf("%w: %s alignment %d", ErrFormat, s.Role, h.Addralign)
	}
	var b *Block
	if b, err = m.alloc.Alloc(h.Size, align, permOf(h.Flags)); err != nil {
		return fmt.Errorf("%w: %s of %d bytes: %w", ErrAllocation, s.Role, h.Size, err)
	}
	if b == nil || uint32(len(b.Data)) < h.Size {
		err = fmt.Errorf("%w: %s got %s for %d bytes", ErrAllocation, s.Role, b, h.Size)
		if b != nil {
			err = errors.Join(err, m.alloc.Free(b))
		}
		return err
	}
	b.Data = b.Data[:h.Size]
	if elf.SectionType(h.Type) == elf.SHT_NOBITS {
		clear(b.Data)
	} else if err = readAt(m.store, int64(h.Off), b.Data); err != nil {
		if ferr := m.alloc.Free(b); ferr != nil {
			log.Printf("elf: release %s after failed load: %v", s.Role, ferr)
		}
		return fmt.Errorf("load %s: %w", s.Role, err)
	}
	s.Block = b
	if m.cfg.Debug {
		log.Printf("elf: loaded %s at %s\n%s", s.Role, b, hex.Dump(b.Data))
	}
	return nil
}

func (m *Module) freeSection(s *Section) (err error) {
	if s.Block != nil {
		err = m.alloc.Free(s.Block)
		s.Block = nil
	}
	return
}
