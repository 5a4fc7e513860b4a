package elfloader

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/ZenLiuCN/fn"
)

type (
	// SectionInfo is one entry of the section header table.
	SectionInfo struct {
		Index uint16
		Name  string
		Type  elf.SectionType
		Flags elf.SectionFlag
		Off   uint32
		Size  uint32
		Align uint32
	}
	// SymbolInfo is one entry of the symbol table.
	SymbolInfo struct {
		Index uint32
		Name  string
		Value uint32
		Size  uint32
		Bind  elf.SymBind
		Type  elf.SymType
		Shndx uint16
	}
	// RelocationInfo is one entry of a .rel section the loader applies.
	RelocationInfo struct {
		Section string // the patched section
		Off     uint32
		Type    RelocType
		Symbol  uint32
		Name    string
		Addend  int32 // stored in the patched bytes
	}
	// Info is what a module declares, read without allocating or running anything.
	Info struct {
		Path        string
		BigEndian   bool
		Entry       uint32
		Found       Found
		Sections    []SectionInfo
		Symbols     []SymbolInfo
		Relocations []RelocationInfo
	}
)

// Inspect reads the header, every section, every symbol and every relocation
// of the .rel sections the loader knows. Only the Opener and Config of l are used.
func (l *Loader) Inspect(path string) (info *Info, err error) {
	opener := l.Opener
	if opener == nil {
		opener = OpenFile
	}
	m := &Module{path: path, cfg: l.Config.normalize()}
	if m.store, err = opener(path); err != nil {
		return
	}
	defer func() {
		if cerr := m.store.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("%w: close %s: %w", ErrIO, path, cerr)
		}
	}()
	if err = m.open(); err != nil {
		return nil, fmt.Errorf("invalid elf %s: %w", path, err)
	}
	i := &Info{Path: path, BigEndian: m.header.order == binary.BigEndian, Entry: m.header.entry}
	var rels []SectionInfo
	for n := uint16(1); n < m.header.sections; n++ {
		var h elf.Section32
		if h, err = m.readSectionHeader(n); err != nil {
			return
		}
		s := SectionInfo{
			Index: n,
			Type:  elf.SectionType(h.Type),
			Flags: elf.SectionFlag(h.Flags),
			Off:   h.Off,
			Size:  h.Size,
			Align: h.Addralign,
		}
		if s.Name, err = m.sectionName(h); err != nil {
			return
		}
		i.Sections = append(i.Sections, s)
		switch s.Name {
		case ".symtab":
			m.symtab, m.symbols = h.Off, h.Size/symbolSize
			i.Found |= FoundSymTab
		case ".strtab":
			m.strtab = h.Off
			i.Found |= FoundStrTab
		}
		if r, ok := roleOf(s.Name); ok {
			i.Found |= foundOf(r)
		} else if r, ok = relRoleOf(s.Name); ok {
			i.Found |= relFoundOf(r)
			rels = append(rels, s)
		}
	}
	if !i.Found.Has(FoundValid) {
		return i, fmt.Errorf("%w: %s has no %s", ErrFormat, path, FoundValid&^i.Found)
	}
	for n := uint32(1); n < m.symbols; n++ {
		var sym elf.Sym32
		var name string
		if sym, name, err = m.readSymbol(n); err != nil {
			return
		}
		i.Symbols = append(i.Symbols, SymbolInfo{
			Index: n,
			Name:  name,
			Value: sym.Value,
			Size:  sym.Size,
			Bind:  elf.ST_BIND(sym.Info),
			Type:  elf.ST_TYPE(sym.Info),
			Shndx: sym.Shndx,
		})
	}
	var raw [relSize]byte
	for _, s := range rels {
		target := i.section(strings.TrimPrefix(s.Name, ".rel"))
		for n := uint32(0); n < s.Size/relSize; n++ {
			if err = readAt(m.store, int64(s.Off)+int64(n)*relSize, raw[:]); err != nil {
				return
			}
			rel := decodeRel(raw[:], m.header.order)
			r := RelocationInfo{
				Section: strings.TrimPrefix(s.Name, ".rel"),
				Off:     rel.Off,
				Type:    relType(rel.Info),
				Symbol:  relSymbol(rel.Info),
			}
			if r.Symbol > 0 && int(r.Symbol) <= len(i.Symbols) {
				r.Name = i.Symbols[r.Symbol-1].Name
			}
			if r.Addend, err = m.addend(target, r); err != nil {
				return
			}
			i.Relocations = append(i.Relocations, r)
		}
	}
	return i, nil
}

func (i *Info) section(name string) *SectionInfo {
	for n := range i.Sections {
		if i.Sections[n].Name == name {
			return &i.Sections[n]
		}
	}
	return nil
}

// addend decodes the value a relocation finds in place, zero when there are no bytes to read.
func (m *Module) addend(target *SectionInfo, r RelocationInfo) (int32, error) {
	if target == nil || target.Type == elf.SHT_NOBITS || uint64(r.Off)+4 > uint64(target.Size) {
		return 0, nil
	}
	var w [4]byte
	if err := readAt(m.store, int64(target.Off)+int64(r.Off), w[:]); err != nil {
		return 0, err
	}
	order := m.header.order
	switch r.Type {
	case R_ARM_ABS32, R_ARM_TARGET1:
		return int32(order.Uint32(w[:])), nil
	case R_ARM_THM_CALL, R_ARM_THM_JUMP24:
		return ThumbBranchOffset(order.Uint16(w[:]), order.Uint16(w[2:])), nil
	}
	return 0, nil
}

// Undefined lists the names of symbols the module expects the host to export.
func (i *Info) Undefined() []string {
	set := make(map[string]bool)
	for _, s := range i.Symbols {
		if s.Shndx == uint16(elf.SHN_UNDEF) && s.Name != "" {
			set[s.Name] = true
		}
	}
	v := fn.MapKeys(set)
	sort.Strings(v)
	return v
}

// Missing lists the undefined symbols exports can't satisfy, sorted.
func (i *Info) Missing(exports Exports) (v []string) {
	for _, name := range i.Undefined() {
		if _, ok := exports.Lookup(name); !ok {
			v = append(v, name)
		}
	}
	return
}

// Unsupported lists relocations the engine would reject.
func (i *Info) Unsupported() (v []RelocationInfo) {
	for _, r := range i.Relocations {
		if !r.Type.Supported() {
			v = append(v, r)
		}
	}
	return
}

// Table writes the sections, symbols and relocations as tab separated rows,
// ready for a tabwriter.
func (i *Info) Table(w io.Writer) (err error) {
	p := func(format string, a ...any) {
		if err == nil {
			_, err = fmt.Fprintf(w, format, a...)
		}
	}
	p("Nr\tName\tType\tFlags\tOff\tSize\tAlign\n")
	for _, s := range i.Sections {
		p("%d\t%s\t%s\t%s\t%06x\t%06x\t%d\n", s.Index, s.Name, s.Type, s.Flags, s.Off, s.Size, s.Align)
	}
	p("\nNum\tValue\tSize\tBind\tType\tNdx\tName\n")
	for _, s := range i.Symbols {
		p("%d\t%08x\t%d\t%s\t%s\t%s\t%s\n", s.Index, s.Value, s.Size, s.Bind, s.Type, shndx(s.Shndx), s.Name)
	}
	p("\nSection\tOffset\tType\tSym\tAddend\tName\n")
	for _, r := range i.Relocations {
		p("%s\t%08x\t%s\t%d\t%d\t%s\n", r.Section, r.Off, r.Type, r.Symbol, r.Addend, r.Name)
	}
	return
}

func (i *Info) String() string {
	s := strings.Builder{}
	order := "little endian"
	if i.BigEndian {
		order = "big endian"
	}
	s.WriteString(fmt.Sprintf("%s: ELF32 ARM %s entry=0x%x found=%s\n", i.Path, order, i.Entry, i.Found))
	s.WriteString(fmt.Sprintf("Sections (%d):\n", len(i.Sections)))
	for _, x := range i.Sections {
		s.WriteString(fmt.Sprintf("\t[%2d] %-16s %-16s off=%06x size=%06x align=%d %s\n",
			x.Index, x.Name, x.Type, x.Off, x.Size, x.Align, x.Flags))
	}
	s.WriteString(fmt.Sprintf("Symbols (%d):\n", len(i.Symbols)))
	for _, x := range i.Symbols {
		s.WriteString(fmt.Sprintf("\t%4d %08x %5d %-10s %-12s %6s %s\n",
			x.Index, x.Value, x.Size, x.Bind, x.Type, shndx(x.Shndx), x.Name))
	}
	s.WriteString(fmt.Sprintf("Relocations (%d):\n", len(i.Relocations)))
	for _, x := range i.Relocations {
		s.WriteString(fmt.Sprintf("\t%-11s %08x %-16s %+d %s\n", x.Section, x.Off, x.Type, x.Addend, x.Name))
	}
	return s.String()
}

func shndx(n uint16) string {
	switch elf.SectionIndex(n) {
	case elf.SHN_UNDEF:
		return "UND"
	case elf.SHN_ABS:
		return "ABS"
	case elf.SHN_COMMON:
		return "COM"
	}
	return fmt.Sprint(n)
}
