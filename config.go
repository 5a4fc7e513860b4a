package elfloader

import (
	"github.com/xyproto/env/v2"
)

const (
	// DefaultStackSize is the stack handed to a module's entry point.
	DefaultStackSize = 4096
	// DefaultNameCapacity bounds symbol and section names, terminator included.
	// Longer names are truncated before they are matched.
	DefaultNameCapacity = 33
)

// Config tunes a [Loader].
type Config struct {
	Debug        bool   // log every stage, dump loaded sections
	StackSize    uint32 // bytes of stack for the entry point
	NameCapacity int    // name buffer size including the terminator
}

func DefaultConfig() Config {
	return Config{
		StackSize:    DefaultStackSize,
		NameCapacity: DefaultNameCapacity,
	}
}

// ConfigFromEnv reads ELFLOADER_DEBUG, ELFLOADER_STACK_SIZE and
// ELFLOADER_NAME_CAPACITY, falling back to [DefaultConfig].
func ConfigFromEnv() Config {
	return Config{
		Debug:        env.Bool("ELFLOADER_DEBUG"),
		StackSize:    uint32(env.Int("ELFLOADER_STACK_SIZE", DefaultStackSize)),
		NameCapacity: env.Int("ELFLOADER_NAME_CAPACITY", DefaultNameCapacity),
	}
}

func (c Config) normalize() Config {
	if c.NameCapacity < 2 {
		c.NameCapacity = DefaultNameCapacity
	}
	return c
}
