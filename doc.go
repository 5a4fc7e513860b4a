/*
Package elfloader loads relocatable ELF32 ARM objects (.o files built for
Thumb-2 microcontrollers) into memory handed out by a host, links them against
the host's exported symbols and runs them.

# Underwater

 1. The image is streamed from a [Store]: headers, names, symbols and
    relocations are read on demand, only section contents are copied.
 2. Sections go into [Block]s from an [Allocator]. Each block carries the
    address the module sees, so relocation arithmetic is the same as on the
    device. See package pool for an allocator with code and data regions.
 3. Supported relocations are R_ARM_ABS32, R_ARM_TARGET1, R_ARM_THM_CALL and
    R_ARM_THM_JUMP24. Anything else stops the link.
 4. Control enters module code through a [Trampoline]. Constructors of
    .init_array run before the entry point, destructors of .fini_array after.
 5. Images in either byte order are accepted; the one in the header is used for
    every field and every patched instruction.

# Notes

 1. Symbol and section names are truncated to [Config].NameCapacity-1 bytes
    before they are matched against the export table.
 2. The export table is borrowed: keep it unchanged until the module is freed.
 3. A [Module] runs once. Free it on every path and open a new one to reload.
 4. .rel.bss is recorded but never applied.

# Configuration

[ConfigFromEnv] reads ELFLOADER_DEBUG, ELFLOADER_STACK_SIZE and
ELFLOADER_NAME_CAPACITY. With debug on, every stage is logged with an "elf: "
prefix and loaded sections are hex dumped.

# Command

	go install github.com/ZenLiuCN/elfloader/elfload@latest

elfload inspects modules, lists the symbols a host would have to export and
dry-runs the load cycle with a tracing trampoline. For more details see the cli help:

	elfload -h
*/
package elfloader
