// Package fixture writes small ELF32 ARM relocatable objects for tests.
package fixture

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

// ABS places a symbol in SHN_ABS.
const ABS = "*ABS*"

type (
	// Object is an ELF32 relocatable object under construction.
	Object struct {
		BigEndian   bool
		Machine     elf.Machine // EM_ARM when zero
		Entry       uint32
		TablesFirst bool // emit .symtab and .strtab before the program sections
		NoTables    bool // omit .symtab and .strtab entirely
		ExtraShnum  uint16
		sections    []*Section
		symbols     []Symbol
	}
	Section struct {
		Name  string
		Type  elf.SectionType
		Flags elf.SectionFlag
		Align uint32
		Data  []byte
		Size  uint32 // SHT_NOBITS only
		Rels  []Rel
	}
	Symbol struct {
		Name    string
		Value   uint32
		Size    uint32
		Section string // "" for undefined, ABS for absolute
		Bind    elf.SymBind
		Type    elf.SymType
		Unnamed bool // st_name 0, the section name stands in
	}
	Rel struct {
		Offset uint32
		Symbol int
		Type   uint8
	}
)

func New() *Object {
	return &Object{}
}

func (o *Object) Order() binary.ByteOrder {
	if o.BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// Words encodes v in the object's byte order.
func (o *Object) Words(v ...uint32) []byte {
	b := make([]byte, 4*len(v))
	for i, x := range v {
		o.Order().PutUint32(b[i*4:], x)
	}
	return b
}

// Halves encodes v in the object's byte order.
func (o *Object) Halves(v ...uint16) []byte {
	b := make([]byte, 2*len(v))
	for i, x := range v {
		o.Order().PutUint16(b[i*2:], x)
	}
	return b
}

func (o *Object) AddSection(s *Section) *Section {
	if s.Align == 0 {
		s.Align = 4
	}
	o.sections = append(o.sections, s)
	return s
}

func (o *Object) Text(data []byte) *Section {
	return o.AddSection(&Section{Name: ".text", Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, Data: data})
}

func (o *Object) Rodata(data []byte) *Section {
	return o.AddSection(&Section{Name: ".rodata", Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC, Data: data})
}

func (o *Object) Data(data []byte) *Section {
	return o.AddSection(&Section{Name: ".data", Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC | elf.SHF_WRITE, Data: data})
}

func (o *Object) Bss(size uint32) *Section {
	return o.AddSection(&Section{Name: ".bss", Type: elf.SHT_NOBITS, Flags: elf.SHF_ALLOC | elf.SHF_WRITE, Size: size})
}

func (o *Object) InitArray(data []byte) *Section {
	return o.AddSection(&Section{Name: ".init_array", Type: elf.SHT_INIT_ARRAY, Flags: elf.SHF_ALLOC | elf.SHF_WRITE, Data: data})
}

func (o *Object) FiniArray(data []byte) *Section {
	return o.AddSection(&Section{Name: ".fini_array", Type: elf.SHT_FINI_ARRAY, Flags: elf.SHF_ALLOC | elf.SHF_WRITE, Data: data})
}

// AddSymbol appends s and returns its symbol table index.
func (o *Object) AddSymbol(s Symbol) int {
	o.symbols = append(o.symbols, s)
	return len(o.symbols)
}

// Undefined adds a global symbol the host must export.
func (o *Object) Undefined(name string) int {
	return o.AddSymbol(Symbol{Name: name, Bind: elf.STB_GLOBAL, Type: elf.STT_NOTYPE})
}

// SectionSymbol adds the unnamed STT_SECTION symbol of section.
func (o *Object) SectionSymbol(section string) int {
	return o.AddSymbol(Symbol{Section: section, Bind: elf.STB_LOCAL, Type: elf.STT_SECTION, Unnamed: true})
}

// Rel appends a relocation of s.
func (s *Section) Rel(offset uint32, symbol int, typ uint8) *Section {
	s.Rels = append(s.Rels, Rel{Offset: offset, Symbol: symbol, Type: typ})
	return s
}

func (s *Section) size() uint32 {
	if s.Type == elf.SHT_NOBITS {
		return s.Size
	}
	return uint32(len(s.Data))
}

type strtab struct {
	bytes.Buffer
}

func newStrtab() *strtab {
	t := new(strtab)
	t.WriteByte(0)
	return t
}

func (t *strtab) add(s string) uint32 {
	if s == "" {
		return 0
	}
	off := uint32(t.Len())
	t.WriteString(s)
	t.WriteByte(0)
	return off
}

type entry struct {
	name string
	hdr  elf.Section32
	data []byte
}

// Bytes lays the object out: header, section contents, section header table.
func (o *Object) Bytes() []byte {
	order := o.Order()
	machine := o.Machine
	if machine == 0 {
		machine = elf.EM_ARM
	}
	// section indexes first, symbols and relocations refer to them
	index := map[string]uint16{}
	var table []string
	next := uint16(1)
	place := func(name string) {
		index[name] = next
		table = append(table, name)
		next++
	}
	tables := !o.NoTables
	if tables && o.TablesFirst {
		place(".symtab")
		place(".strtab")
	}
	for _, s := range o.sections {
		place(s.Name)
	}
	for _, s := range o.sections {
		if len(s.Rels) > 0 {
			place(".rel" + s.Name)
		}
	}
	if tables && !o.TablesFirst {
		place(".symtab")
		place(".strtab")
	}
	place(".shstrtab")

	names := newStrtab()
	strs := newStrtab()
	entries := map[string]*entry{}
	for _, name := range table {
		entries[name] = &entry{name: name}
		entries[name].hdr.Name = names.add(name)
	}

	syms := new(bytes.Buffer)
	_ = binary.Write(syms, order, elf.Sym32{})
	for _, s := range o.symbols {
		sym := elf.Sym32{
			Value: s.Value,
			Size:  s.Size,
			Info:  elf.ST_INFO(s.Bind, s.Type),
		}
		if !s.Unnamed {
			sym.Name = strs.add(s.Name)
		}
		switch s.Section {
		case "":
			sym.Shndx = uint16(elf.SHN_UNDEF)
		case ABS:
			sym.Shndx = uint16(elf.SHN_ABS)
		default:
			sym.Shndx = index[s.Section]
		}
		_ = binary.Write(syms, order, sym)
	}

	for _, s := range o.sections {
		e := entries[s.Name]
		e.hdr.Type = uint32(s.Type)
		e.hdr.Flags = uint32(s.Flags)
		e.hdr.Addralign = s.Align
		e.hdr.Size = s.size()
		if s.Type != elf.SHT_NOBITS {
			e.data = s.Data
		}
		if len(s.Rels) == 0 {
			continue
		}
		r := entries[".rel"+s.Name]
		rels := new(bytes.Buffer)
		for _, x := range s.Rels {
			_ = binary.Write(rels, order, elf.Rel32{Off: x.Offset, Info: elf.R_INFO32(uint32(x.Symbol), uint32(x.Type))})
		}
		r.data = rels.Bytes()
		r.hdr.Type = uint32(elf.SHT_REL)
		r.hdr.Flags = uint32(elf.SHF_INFO_LINK)
		r.hdr.Link = uint32(index[".symtab"])
		r.hdr.Info = uint32(index[s.Name])
		r.hdr.Addralign = 4
		r.hdr.Entsize = 8
		r.hdr.Size = uint32(len(r.data))
	}
	if st := entries[".symtab"]; st != nil {
		st.data = syms.Bytes()
		st.hdr.Type = uint32(elf.SHT_SYMTAB)
		st.hdr.Link = uint32(index[".strtab"])
		st.hdr.Info = uint32(len(o.symbols) + 1)
		st.hdr.Addralign = 4
		st.hdr.Entsize = 16
		st.hdr.Size = uint32(len(st.data))
	}
	for _, t := range []struct {
		name string
		tab  *strtab
	}{{".strtab", strs}, {".shstrtab", names}} {
		e := entries[t.name]
		if e == nil {
			continue
		}
		e.data = t.tab.Bytes()
		e.hdr.Type = uint32(elf.SHT_STRTAB)
		e.hdr.Addralign = 1
		e.hdr.Size = uint32(len(e.data))
	}

	out := new(bytes.Buffer)
	out.Write(make([]byte, 52))
	for _, name := range table {
		e := entries[name]
		pad(out, 4)
		e.hdr.Off = uint32(out.Len())
		out.Write(e.data)
	}
	pad(out, 4)
	shoff := uint32(out.Len())
	_ = binary.Write(out, order, elf.Section32{})
	for _, name := range table {
		_ = binary.Write(out, order, entries[name].hdr)
	}

	data := elf.ELFDATA2LSB
	if o.BigEndian {
		data = elf.ELFDATA2MSB
	}
	h := elf.Header32{
		Type:      uint16(elf.ET_REL),
		Machine:   uint16(machine),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     o.Entry,
		Shoff:     shoff,
		Flags:     0x05000000, // EABI version 5
		Ehsize:    52,
		Shentsize: 40,
		Shnum:     next + o.ExtraShnum,
		Shstrndx:  index[".shstrtab"],
	}
	copy(h.Ident[:], elf.ELFMAG)
	h.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS32)
	h.Ident[elf.EI_DATA] = byte(data)
	h.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	hdr := new(bytes.Buffer)
	_ = binary.Write(hdr, order, h)
	b := out.Bytes()
	copy(b, hdr.Bytes())
	return b
}

func pad(b *bytes.Buffer, align int) {
	for b.Len()%align != 0 {
		b.WriteByte(0)
	}
}
