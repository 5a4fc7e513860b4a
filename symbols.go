package elfloader

import (
	"errors"
	"fmt"
	"strings"
)

type (
	// Export is one host symbol a module may link against.
	Export struct {
		Name string
		Addr uint32
	}
	// Exports is the host's exported symbol table. It is read-only while a module
	// is loaded and is scanned in order, the first exact match wins.
	Exports []Export
)

// Lookup finds the address exported under name.
func (e Exports) Lookup(name string) (addr uint32, ok bool) {
	for _, x := range e {
		if x.Name == name {
			return x.Addr, true
		}
	}
	return
}

// Names dump the exported names in table order.
func (e Exports) Names() []string {
	v := make([]string, len(e))
	for i, x := range e {
		v[i] = x.Name
	}
	return v
}

func (e Exports) String() string {
	s := strings.Builder{}
	for _, x := range e {
		s.WriteString(fmt.Sprintf("\t%08x %s\n", x.Addr, x.Name))
	}
	return s.String()
}

var (
	// ErrIO occurs when the backing store fails to open, seek, read or close.
	ErrIO = errors.New("backing store failure")
	// ErrFormat occurs when the image is not a usable ELF32 ARM object, such as one without symbol or string table.
	ErrFormat = errors.New("invalid module format")
	// ErrNoEntryPoint occurs when the module declares a zero entry offset.
	ErrNoEntryPoint = errors.New("no entry point")
	// ErrAllocation occurs when the allocator can't provide memory for a section.
	ErrAllocation = errors.New("section allocation failed")
	// ErrUnresolvedSymbol occurs when a symbol is neither exported by the host nor defined in a loaded section.
	ErrUnresolvedSymbol = errors.New("unresolved symbol")
	// ErrUnsupportedRelocation occurs on a relocation type the engine does not apply.
	ErrUnsupportedRelocation = errors.New("unsupported relocation")
	// ErrOutOfRange occurs when a relocation patches outside its section or a branch can't reach its target.
	ErrOutOfRange = errors.New("relocation out of range")
	// ErrExecution occurs when the trampoline reports a failure while running module code.
	ErrExecution = errors.New("module execution failed")
	// ErrUninitialized occurs when a stage runs before the stage it depends on, or after free.
	ErrUninitialized = errors.New("module not initialized")
	// ErrLinked occurs when a module is relinked.
	ErrLinked = errors.New("already linked")
)
