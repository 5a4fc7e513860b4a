package elfloader

import (
	"fmt"
	"log"
)

type (
	// Trampoline transfers control to module code at addr and returns when that
	// code returns. A non-zero stack asks for a dedicated stack of that many
	// bytes; zero runs on the caller's stack. A fault inside the module that
	// can't return is the trampoline's business, the loader never sees it.
	Trampoline interface {
		Call(addr, stack uint32) error
	}
	// TrampolineFunc adapts a function to [Trampoline].
	TrampolineFunc func(addr, stack uint32) error

	// Loader binds the collaborators a module needs: where images come from,
	// where sections go and how code is entered.
	Loader struct {
		Opener     Opener
		Allocator  Allocator
		Trampoline Trampoline
		Config     Config
	}
)

func (f TrampolineFunc) Call(addr, stack uint32) error {
	return f(addr, stack)
}

// NewLoader create a Loader reading files from the host file system, an
// optional Config replaces [DefaultConfig].
func NewLoader(alloc Allocator, tramp Trampoline, cfg ...Config) *Loader {
	l := &Loader{
		Opener:     OpenFile,
		Allocator:  alloc,
		Trampoline: tramp,
		Config:     DefaultConfig(),
	}
	if len(cfg) > 0 {
		l.Config = cfg[0]
	}
	return l
}

// Open opens path and parses its header. exports must stay unchanged until the
// module is freed. On failure nothing stays open.
func (l *Loader) Open(path string, exports Exports) (m *Module, err error) {
	if l.Allocator == nil || l.Trampoline == nil {
		return nil, fmt.Errorf("%w: loader without allocator or trampoline", ErrUninitialized)
	}
	opener := l.Opener
	if opener == nil {
		opener = OpenFile
	}
	m = &Module{
		path:    path,
		alloc:   l.Allocator,
		tramp:   l.Trampoline,
		exports: exports,
		cfg:     l.Config.normalize(),
	}
	if m.store, err = opener(path); err != nil {
		m.state = StateFreed
		return nil, err
	}
	if err = m.open(); err != nil {
		if ferr := m.Free(); ferr != nil {
			log.Printf("elf: cleanup of invalid %s: %v", path, ferr)
		}
		return nil, fmt.Errorf("invalid elf %s: %w", path, err)
	}
	return
}

// LoadAndRun loads path, links it against exports, runs its constructors, its
// entry point and its destructors, then frees it. Cleanup runs on every path;
// the first failure of the pipeline is the one returned.
func (l *Loader) LoadAndRun(path string, exports Exports) (err error) {
	var m *Module
	if m, err = l.Open(path, exports); err != nil {
		return
	}
	defer func() {
		ferr := m.Free()
		switch {
		case ferr == nil:
		case err == nil:
			err = ferr
		default:
			log.Printf("elf: cleanup of %s: %v", path, ferr)
		}
	}()
	if _, err = m.Scan(); err != nil {
		return
	}
	if err = m.Link(); err != nil {
		return
	}
	if err = m.Init(); err != nil {
		return
	}
	if err = m.Exec(); err != nil {
		return
	}
	return m.Fini()
}

// LoadAndRun is [Loader.LoadAndRun] with a loader configured from the environment.
func LoadAndRun(path string, exports Exports, alloc Allocator, tramp Trampoline) error {
	return NewLoader(alloc, tramp, ConfigFromEnv()).LoadAndRun(path, exports)
}
