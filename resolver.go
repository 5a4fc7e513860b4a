package elfloader

import (
	"debug/elf"
	"fmt"
	"log"
)

// Resolve returns the name of symbol index and the address relocations use for it.
func (m *Module) Resolve(index uint32) (name string, addr uint32, err error) {
	if !m.loaded() {
		return "", 0, fmt.Errorf("%w: resolve in state %s", ErrUninitialized, m.state)
	}
	return m.resolveSymbol(m.exports, index)
}

// resolveSymbol looks undefined symbols up in exports, defined ones in the loaded sections.
func (m *Module) resolveSymbol(exports Exports, index uint32) (name string, addr uint32, err error) {
	var sym elf.Sym32
	if sym, name, err = m.readSymbol(index); err != nil {
		return
	}
	switch elf.SectionIndex(sym.Shndx) {
	case elf.SHN_UNDEF:
		var ok bool
		if addr, ok = exports.Lookup(name); ok {
			return
		}
		if m.cfg.Debug {
			log.Printf("elf: can not find address for symbol %s", name)
		}
		return name, 0, fmt.Errorf("%w: %q is not exported", ErrUnresolvedSymbol, name)
	case elf.SHN_ABS:
		return name, sym.Value, nil
	}
	if s := m.sectionOf(sym.Shndx); s != nil && s.Loaded() {
		return name, s.Addr() + sym.Value, nil
	}
	return name, 0, fmt.Errorf("%w: %q lives in unloaded section %d", ErrUnresolvedSymbol, name, sym.Shndx)
}

// readSymbol reads entry index of the symbol table. A symbol without a name
// borrows the name of the section it belongs to.
func (m *Module) readSymbol(index uint32) (sym elf.Sym32, name string, err error) {
	if index >= m.symbols {
		return sym, "", fmt.Errorf("%w: symbol %d of %d", ErrFormat, index, m.symbols)
	}
	var raw [symbolSize]byte
	if err = readAt(m.store, int64(m.symtab)+int64(index)*symbolSize, raw[:]); err != nil {
		return sym, "", fmt.Errorf("symbol %d: %w", index, err)
	}
	sym = decodeSymbol(raw[:], m.header.order)
	if sym.Name != 0 {
		name, err = m.readString(m.strtab, sym.Name)
		return
	}
	if sym.Shndx == uint16(elf.SHN_UNDEF) || sym.Shndx >= uint16(elf.SHN_LORESERVE) {
		return
	}
	var h elf.Section32
	if h, err = m.readSectionHeader(sym.Shndx); err != nil {
		return
	}
	name, err = m.sectionName(h)
	return
}

func (m *Module) sectionOf(index uint16) *Section {
	if index == 0 {
		return nil
	}
	for i := range m.sections {
		if m.sections[i].Index == index {
			return &m.sections[i]
		}
	}
	return nil
}
