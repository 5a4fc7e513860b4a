package elfloader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
)

// On-disk sizes of the ELF32 structures the loader streams.
const (
	headerSize  = 52
	sectionSize = 40
	symbolSize  = 16
	relSize     = 8
)

// RelocType is the type half of an ELF32 r_info for the ARM machine.
type RelocType uint8

const (
	R_ARM_NONE       RelocType = 0
	R_ARM_ABS32      RelocType = 2
	R_ARM_THM_CALL   RelocType = 10
	R_ARM_THM_JUMP24 RelocType = 30
	R_ARM_TARGET1    RelocType = 38
)

func (t RelocType) String() string {
	switch t {
	case R_ARM_NONE:
		return "R_ARM_NONE"
	case R_ARM_ABS32:
		return "R_ARM_ABS32"
	case R_ARM_THM_CALL:
		return "R_ARM_THM_CALL"
	case R_ARM_THM_JUMP24:
		return "R_ARM_THM_JUMP24"
	case R_ARM_TARGET1:
		return "R_ARM_TARGET1"
	default:
		return fmt.Sprintf("R_<unknown:%d>", uint8(t))
	}
}

// Supported reports whether the relocation engine can apply t.
func (t RelocType) Supported() bool {
	switch t {
	case R_ARM_ABS32, R_ARM_TARGET1, R_ARM_THM_CALL, R_ARM_THM_JUMP24:
		return true
	}
	return false
}

func relSymbol(info uint32) uint32 {
	return info >> 8
}

func relType(info uint32) RelocType {
	return RelocType(info & 0xff)
}

// fileHeader is the part of the ELF header the loader keeps.
type fileHeader struct {
	order        binary.ByteOrder
	entry        uint32
	sectionTable uint32
	sections     uint16
	names        uint16 // e_shstrndx
}

// parseHeader validates an ELF32 ARM header and decodes it in its declared byte order.
func parseHeader(raw []byte) (h fileHeader, err error) {
	if len(raw) < headerSize {
		return h, fmt.Errorf("%w: header truncated to %d bytes", ErrFormat, len(raw))
	}
	if !bytes.Equal(raw[:4], []byte(elf.ELFMAG)) {
		return h, fmt.Errorf("%w: bad magic % x", ErrFormat, raw[:4])
	}
	if elf.Class(raw[elf.EI_CLASS]) != elf.ELFCLASS32 {
		return h, fmt.Errorf("%w: class %s", ErrFormat, elf.Class(raw[elf.EI_CLASS]))
	}
	switch elf.Data(raw[elf.EI_DATA]) {
	case elf.ELFDATA2LSB:
		h.order = binary.LittleEndian
	case elf.ELFDATA2MSB:
		h.order = binary.BigEndian
	default:
		return h, fmt.Errorf("%w: data encoding %s", ErrFormat, elf.Data(raw[elf.EI_DATA]))
	}
	var hdr elf.Header32
	if err = binary.Read(bytes.NewReader(raw[:headerSize]), h.order, &hdr); err != nil {
		return h, fmt.Errorf("%w: %w", ErrFormat, err)
	}
	if elf.Machine(hdr.Machine) != elf.EM_ARM {
		return h, fmt.Errorf("%w: machine %s", ErrFormat, elf.Machine(hdr.Machine))
	}
	if hdr.Shnum > 0 && hdr.Shentsize != sectionSize {
		return h, fmt.Errorf("%w: section header size %d", ErrFormat, hdr.Shentsize)
	}
	if hdr.Shnum > 0 && hdr.Shstrndx >= hdr.Shnum {
		return h, fmt.Errorf("%w: section name table %d of %d", ErrFormat, hdr.Shstrndx, hdr.Shnum)
	}
	h.entry = hdr.Entry
	h.sectionTable = hdr.Shoff
	h.sections = hdr.Shnum
	h.names = hdr.Shstrndx
	return
}

func decodeSection(raw []byte, order binary.ByteOrder) (s elf.Section32) {
	s.Name = order.Uint32(raw[0:])
	s.Type = order.Uint32(raw[4:])
	s.Flags = order.Uint32(raw[8:])
	s.Addr = order.Uint32(raw[12:])
	s.Off = order.Uint32(raw[16:])
	s.Size = order.Uint32(raw[20:])
	s.Link = order.Uint32(raw[24:])
	s.Info = order.Uint32(raw[28:])
	s.Addralign = order.Uint32(raw[32:])
	s.Entsize = order.Uint32(raw[36:])
	return
}

func decodeSymbol(raw []byte, order binary.ByteOrder) (s elf.Sym32) {
	s.Name = order.Uint32(raw[0:])
	s.Value = order.Uint32(raw[4:])
	s.Size = order.Uint32(raw[8:])
	s.Info = raw[12]
	s.Other = raw[13]
	s.Shndx = order.Uint16(raw[14:])
	return
}

func decodeRel(raw []byte, order binary.ByteOrder) (r elf.Rel32) {
	r.Off = order.Uint32(raw[0:])
	r.Info = order.Uint32(raw[4:])
	return
}
