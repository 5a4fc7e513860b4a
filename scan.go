package elfloader

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
)

// Found is the set of section roles the scanner has met so far.
type Found uint32

const (
	FoundSymTab Found = 1 << iota
	FoundStrTab
	FoundText
	FoundRodata
	FoundData
	FoundBss
	FoundInitArray
	FoundFiniArray
	FoundRelText
	FoundRelRodata
	FoundRelData
	FoundRelBss
	FoundRelInitArray
	FoundRelFiniArray

	FoundValid = FoundSymTab | FoundStrTab
	FoundExec  = FoundValid | FoundText
	FoundAll   = FoundRelFiniArray<<1 - 1
)

var foundNames = [...]string{
	".symtab", ".strtab",
	".text", ".rodata", ".data", ".bss", ".init_array", ".fini_array",
	".rel.text", ".rel.rodata", ".rel.data", ".rel.bss", ".rel.init_array", ".rel.fini_array",
}

// Has reports whether every fact of m is present.
func (f Found) Has(m Found) bool {
	return f&m == m
}

func (f Found) String() string {
	if f == 0 {
		return "none"
	}
	var v []string
	for i, n := range foundNames {
		if f&(1<<i) != 0 {
			v = append(v, n)
		}
	}
	return strings.Join(v, "|")
}

func foundOf(r Role) Found {
	return FoundText << r
}

func relFoundOf(r Role) Found {
	return FoundRelText << r
}

func roleOf(name string) (Role, bool) {
	for r, n := range roleNames {
		if n == name {
			return Role(r), true
		}
	}
	return 0, false
}

func relRoleOf(name string) (Role, bool) {
	if !strings.HasPrefix(name, ".rel.") {
		return 0, false
	}
	return roleOf(name[len(".rel"):])
}

// Scan walks the section header table once, loading every section of interest
// as it is met. It stops as soon as every role has been found.
func (m *Module) Scan() (found Found, err error) {
	if m.state != StateHeaderParsed {
		return m.found, fmt.Errorf("%w: scan in state %s", ErrUninitialized, m.state)
	}
	defer func() {
		m.found = found
		if err != nil {
			m.state = StateInvalid
		}
	}()
	if m.cfg.Debug {
		log.Printf("elf: scan %d sections of %s", m.header.sections, m.path)
	}
	for n := uint16(1); n < m.header.sections; n++ {
		var h elf.Section32
		if h, err = m.readSectionHeader(n); err != nil {
			return
		}
		var name string
		if name, err = m.sectionName(h); err != nil {
			return
		}
		if m.cfg.Debug {
			log.Printf("elf: examining section %d %s", n, name)
		}
		var f Found
		if f, err = m.place(h, name, n, found); err != nil {
			return
		}
		found |= f
		if found.Has(FoundAll) {
			break
		}
	}
	m.state = StateScanned
	if !found.Has(FoundValid) {
		return found, fmt.Errorf("%w: %s has no %s", ErrFormat, m.path, FoundValid&^found)
	}
	m.state = StateValid
	// loadable sections were already placed in memory during the walk
	m.state = StateSectionsLoaded
	return
}

func (m *Module) place(h elf.Section32, name string, n uint16, found Found) (Found, error) {
	switch name {
	case ".symtab":
		m.symtab = h.Off
		m.symbols = h.Size / symbolSize
		return FoundSymTab, nil
	case ".strtab":
		m.strtab = h.Off
		return FoundStrTab, nil
	}
	if r, ok := roleOf(name); ok {
		if found&foundOf(r) != 0 {
			if m.cfg.Debug {
				log.Printf("elf: ignore duplicate section %d %s", n, name)
			}
			return 0, nil
		}
		s := &m.sections[r]
		if err := m.loadSection(h, s); err != nil {
			return 0, err
		}
		s.Index = n
		return foundOf(r), nil
	}
	if r, ok := relRoleOf(name); ok {
		m.sections[r].Rel = n
		return relFoundOf(r), nil
	}
	return 0, nil
}

func (m *Module) readSectionHeader(n uint16) (h elf.Section32, err error) {
	if n >= m.header.sections {
		return h, fmt.Errorf("%w: section %d of %d", ErrFormat, n, m.header.sections)
	}
	var raw [sectionSize]byte
	if err = readAt(m.store, int64(m.header.sectionTable)+int64(n)*sectionSize, raw[:]); err != nil {
		return h, fmt.Errorf("section header %d: %w", n, err)
	}
	return decodeSection(raw[:], m.header.order), nil
}

func (m *Module) sectionName(h elf.Section32) (string, error) {
	if h.Name == 0 {
		return "", nil
	}
	return m.readString(m.names, h.Name)
}

// readString reads a NUL terminated name at table+off, truncated to the
// configured capacity. The store position is restored afterwards.
func (m *Module) readString(table, off uint32) (name string, err error) {
	var pos int64
	if pos, err = m.store.Tell(); err != nil {
		return "", fmt.Errorf("%w: tell: %w", ErrIO, err)
	}
	defer func() {
		if serr := m.store.Seek(pos); serr != nil && err == nil {
			err = fmt.Errorf("%w: restore 0x%x: %w", ErrIO, pos, serr)
		}
	}()
	at := int64(table) + int64(off)
	if err = m.store.Seek(at); err != nil {
		return "", fmt.Errorf("%w: seek name 0x%x: %w", ErrIO, at, err)
	}
	buf := make([]byte, m.cfg.NameCapacity-1)
	n, rerr := io.ReadFull(m.store, buf)
	if rerr != nil && !errors.Is(rerr, io.ErrUnexpectedEOF) {
		return "", fmt.Errorf("%w: read name 0x%x: %w", ErrIO, at, rerr)
	}
	buf = buf[:n]
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	return string(buf), nil
}
