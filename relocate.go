package elfloader

import (
	"debug/elf"
	"fmt"
	"log"
)

// Reach of a Thumb-2 BL/B.W: a signed 25-bit offset with bit 0 implied.
const (
	thumbBranchMin = -1 << 24
	thumbBranchMax = 1<<24 - 1
)

// ThumbBranchOffset decodes the signed 25-bit offset of a Thumb-2 BL/B.W
// instruction split over its two half-words.
//
//	upper: 11110 S imm10
//	lower: 1 1 J1 x J2 imm11
//	offset = S:I1:I2:imm10:imm11:0, I1 = NOT(J1 XOR S), I2 = NOT(J2 XOR S)
func ThumbBranchOffset(upper, lower uint16) int32 {
	s := uint32(upper>>10) & 1
	j1 := uint32(lower>>13) & 1
	j2 := uint32(lower>>11) & 1
	off := s<<24 | // S     -> offset[24]
		(^(j1^s)&1)<<23 | // J1    -> offset[23]
		(^(j2^s)&1)<<22 | // J2    -> offset[22]
		uint32(upper&0x03ff)<<12 | // imm10 -> offset[12:21]
		uint32(lower&0x07ff)<<1 // imm11 -> offset[1:11]
	if off&0x01000000 != 0 {
		return int32(off) - 0x02000000
	}
	return int32(off)
}

// PatchThumbBranch stores offset in the S, J1, J2, imm10 and imm11 fields of
// the instruction, leaving every other bit of both half-words unchanged.
func PatchThumbBranch(upper, lower uint16, offset int32) (uint16, uint16) {
	o := uint32(offset)
	s := (o >> 24) & 1
	j1 := s ^ (^(o >> 23) & 1)
	j2 := s ^ (^(o >> 22) & 1)
	upper = upper&0xf800 | uint16(s<<10) | uint16((o>>12)&0x03ff)
	lower = lower&0xd000 | uint16(j1<<13) | uint16(j2<<11) | uint16((o>>1)&0x07ff)
	return upper, lower
}

// relocateSection streams the entries of relocation section rh and patches s
// in place. The first failing entry stops the section; entries already
// applied stay applied.
func (m *Module) relocateSection(exports Exports, rh elf.Section32, s *Section) error {
	count := rh.Size / relSize
	if m.cfg.Debug {
		log.Printf("elf: relocating section %s, %d entries", s.Role, count)
		log.Printf("elf:  Offset   Info     Type             Name")
	}
	var raw [relSize]byte
	for i := uint32(0); i < count; i++ {
		if err := readAt(m.store, int64(rh.Off)+int64(i)*relSize, raw[:]); err != nil {
			return fmt.Errorf("relocate %s entry %d: %w", s.Role, i, err)
		}
		rel := decodeRel(raw[:], m.header.order)
		typ := relType(rel.Info)
		name, addr, err := m.resolveSymbol(exports, relSymbol(rel.Info))
		if m.cfg.Debug {
			log.Printf("elf:  %08X %08X %-16s %s", rel.Off, rel.Info, typ, name)
		}
		if err != nil {
			return fmt.Errorf("relocate %s at 0x%x: %w", s.Role, rel.Off, err)
		}
		if err = m.applyRelocation(s.Block, rel.Off, typ, addr); err != nil {
			return fmt.Errorf("relocate %s at 0x%x against %s: %w", s.Role, rel.Off, name, err)
		}
		if m.cfg.Debug {
			log.Printf("elf:  symAddr=%08X relAddr=%08X", addr, s.Addr()+rel.Off)
		}
	}
	return nil
}

// applyRelocation patches the bytes at off of b for a symbol resolved to sym.
func (m *Module) applyRelocation(b *Block, off uint32, typ RelocType, sym uint32) error {
	order := m.header.order
	switch typ {
	case R_ARM_ABS32, R_ARM_TARGET1:
		// the word already holds the addend
		v, err := b.Uint32(off, order)
		if err != nil {
			return err
		}
		return b.PutUint32(off, order, v+sym)
	case R_ARM_THM_CALL, R_ARM_THM_JUMP24:
		p, err := b.span(off, 4)
		if err != nil {
			return err
		}
		upper, lower := order.Uint16(p), order.Uint16(p[2:])
		next := int64(ThumbBranchOffset(upper, lower)) + int64(int32(sym-(b.Addr+off)))
		if next < thumbBranchMin || next > thumbBranchMax {
			return fmt.Errorf("%w: branch offset %d from 0x%08x to 0x%08x", ErrOutOfRange, next, b.Addr+off, sym)
		}
		upper, lower = PatchThumbBranch(upper, lower, int32(next))
		order.PutUint16(p, upper)
		order.PutUint16(p[2:], lower)
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedRelocation, typ)
	}
}
