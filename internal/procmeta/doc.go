// Package procmeta reads the metadata of the traced process from the proc
// filesystem: its environment variables and command line.
//
// The metadata feeds the env, args and cmdline variables of span attribute
// expressions. /proc/<pid>/environ is only readable by the process owner
// (or with CAP_SYS_PTRACE); the command line is world readable.
package procmeta
