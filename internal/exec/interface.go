// Package exec runs task work as external commands.
package exec

import (
	"context"
)

// Command is one external process invocation.
type Command struct {
	// Dir is the working directory. Empty means the current directory.
	Dir string
	// Env is appended to the parent environment.
	Env  []string
	Name string
	Args []string
}

// CommandRunner defines the interface for running external commands.
// This abstraction allows mocking command execution in tests.
type CommandRunner interface {
	// Run executes a command and returns combined stdout/stderr output.
	Run(ctx context.Context, cmd Command) (output []byte, err error)
}
