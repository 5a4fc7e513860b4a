package elfloader

import (
	"debug/elf"
	"errors"
	"fmt"
	"log"
	"strings"
)

// State is the position of a [Module] in its load, execute, unload cycle.
type State int

const (
	StateUnopened State = iota
	StateHeaderParsed
	StateScanned
	StateValid
	StateInvalid
	StateSectionsLoaded
	StateRelocated
	StateConstructorsRun
	StateExecuting
	StateDestructorsRun
	StateFreed
)

var stateNames = [...]string{
	"Unopened", "HeaderParsed", "Scanned", "Valid", "Invalid", "SectionsLoaded",
	"Relocated", "ConstructorsRun", "Executing", "DestructorsRun", "Freed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Module is one image going through a single load, run and free cycle.
//
// Use Steps:
//
//  1. [Loader.Open] to parse the header.
//  2. [Module.Scan] to find and load the sections.
//  3. [Module.Link] to relocate them against the exports and each other.
//  4. [Module.Init], [Module.Exec] and [Module.Fini] to run constructors, the entry point and destructors.
//  5. [Module.Free] to release everything, on every path.
//
// A Module is never reused: open a new one for the next load.
type Module struct {
	path    string
	store   Store
	alloc   Allocator
	tramp   Trampoline
	exports Exports // borrowed from the host
	cfg     Config

	header   fileHeader
	names    uint32 // file offset of the section name string table
	symtab   uint32
	symbols  uint32
	strtab   uint32
	sections [roleCount]Section
	found    Found
	state    State
}

// State of the module.
func (m *Module) State() State {
	return m.state
}

// Found is the role set of the last scan.
func (m *Module) Found() Found {
	return m.found
}

// Entry is the entry offset declared by the file header, relative to .text.
func (m *Module) Entry() uint32 {
	return m.header.entry
}

// Section returns the descriptor of role r.
func (m *Module) Section(r Role) *Section {
	if r < 0 || r >= roleCount {
		return nil
	}
	return &m.sections[r]
}

// Blocks lists the memory currently owned by the module.
func (m *Module) Blocks() (v Blocks) {
	for i := range m.sections {
		if b := m.sections[i].Block; b != nil {
			v = append(v, b)
		}
	}
	return
}

func (m *Module) loaded() bool {
	return m.state >= StateSectionsLoaded && m.state < StateFreed
}

func (m *Module) String() string {
	s := strings.Builder{}
	s.WriteString(fmt.Sprintf("%s [%s] entry=0x%x found=%s\n", m.path, m.state, m.header.entry, m.found))
	for i := range m.sections {
		s.WriteByte('\t')
		s.WriteString(m.sections[i].String())
		s.WriteByte('\n')
	}
	return s.String()
}

// open reads the file header and the header of the section name table.
func (m *Module) open() (err error) {
	var raw [headerSize]byte
	if err = readAt(m.store, 0, raw[:]); err != nil {
		return fmt.Errorf("header: %w", err)
	}
	if m.header, err = parseHeader(raw[:]); err != nil {
		return
	}
	if m.header.sections > 0 {
		var h elf.Section32
		if h, err = m.readSectionHeader(m.header.names); err != nil {
			return
		}
		m.names = h.Off
	}
	m.state = StateHeaderParsed
	if m.cfg.Debug {
		log.Printf("elf: %s entry=0x%x sections=%d table=0x%x names=0x%x",
			m.path, m.header.entry, m.header.sections, m.header.sectionTable, m.names)
	}
	return
}

// Link relocates every loaded role that has a relocation section, in the
// order text, rodata, data, init_array, fini_array. The first failure stops
// the whole link.
func (m *Module) Link() (err error) {
	switch {
	case m.state == StateRelocated:
		return ErrLinked
	case m.state != StateSectionsLoaded:
		return fmt.Errorf("%w: link in state %s", ErrUninitialized, m.state)
	}
	for _, r := range relocationOrder {
		s := &m.sections[r]
		if s.Rel == 0 {
			if m.cfg.Debug {
				log.Printf("elf: no relocation index for %s", r)
			}
			continue
		}
		var h elf.Section32
		if h, err = m.readSectionHeader(s.Rel); err != nil {
			return
		}
		if err = m.relocateSection(m.exports, h, s); err != nil {
			return
		}
	}
	m.state = StateRelocated
	return
}

// Init runs the static constructors of .init_array in array order.
func (m *Module) Init() (err error) {
	if m.state != StateRelocated {
		return fmt.Errorf("%w: constructors in state %s", ErrUninitialized, m.state)
	}
	if err = m.callArray(RoleInitArray); err != nil {
		return
	}
	m.state = StateConstructorsRun
	return
}

// Exec transfers control to the entry point on a stack of the configured size
// and returns once the entry function returns.
func (m *Module) Exec() (err error) {
	if m.state != StateConstructorsRun {
		return fmt.Errorf("%w: execute in state %s", ErrUninitialized, m.state)
	}
	if m.header.entry == 0 {
		return fmt.Errorf("%w: %s", ErrNoEntryPoint, m.path)
	}
	text := &m.sections[RoleText]
	if !m.found.Has(FoundExec) || !text.Loaded() {
		return fmt.Errorf("%w: %s has no loaded .text", ErrFormat, m.path)
	}
	entry := text.Addr() + m.header.entry
	if m.cfg.Debug {
		log.Printf("elf: jump to entry 0x%08x with %d bytes of stack", entry, m.cfg.StackSize)
	}
	m.state = StateExecuting
	if err = m.tramp.Call(entry, m.cfg.StackSize); err != nil {
		return fmt.Errorf("%w: entry 0x%08x: %w", ErrExecution, entry, err)
	}
	return
}

// Fini runs the static destructors of .fini_array in array order.
func (m *Module) Fini() (err error) {
	if m.state != StateExecuting {
		return fmt.Errorf("%w: destructors in state %s", ErrUninitialized, m.state)
	}
	if err = m.callArray(RoleFiniArray); err != nil {
		return
	}
	m.state = StateDestructorsRun
	return
}

func (m *Module) callArray(r Role) (err error) {
	s := &m.sections[r]
	if !s.Loaded() {
		return nil
	}
	var h elf.Section32
	if h, err = m.readSectionHeader(s.Index); err != nil {
		return
	}
	n := h.Size / 4
	for i := uint32(0); i < n; i++ {
		var fn uint32
		if fn, err = s.Block.Uint32(i*4, m.header.order); err != nil {
			return fmt.Errorf("%s entry %d: %w", r, i, err)
		}
		if m.cfg.Debug {
			log.Printf("elf: call %s[%d] at 0x%08x", r, i, fn)
		}
		if err = m.tramp.Call(fn, 0); err != nil {
			return fmt.Errorf("%w: %s[%d] at 0x%08x: %w", ErrExecution, r, i, fn, err)
		}
	}
	return
}

// Free releases every section and closes the store. It is safe to call on a
// module in any state and more than once.
func (m *Module) Free() (err error) {
	if m.state == StateFreed {
		return nil
	}
	var errs []error
	for i := range m.sections {
		if ferr := m.freeSection(&m.sections[i]); ferr != nil {
			errs = append(errs, fmt.Errorf("free %s: %w", Role(i), ferr))
		}
	}
	if m.store != nil {
		if cerr := m.store.Close(); cerr != nil {
			errs = append(errs, fmt.Errorf("%w: close %s: %w", ErrIO, m.path, cerr))
		}
		m.store = nil
	}
	if m.cfg.Debug {
		log.Printf("elf: free %s from state %s", m.path, m.state)
	}
	m.state = StateFreed
	return errors.Join(errs...)
}
