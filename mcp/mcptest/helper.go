package mcptest

import (
	"context"
	"os"
	"strconv"
	"strings"

	"github.com/effective-security/toolhost/mcp"
)

// Environment of a re-executed test binary acting as a toolbox server
const (
	EnvServer    = "TOOLHOST_MCPTEST_SERVER"
	EnvJournal   = "TOOLHOST_MCPTEST_JOURNAL"
	EnvFail      = "TOOLHOST_MCPTEST_FAIL"
	EnvHandshake = "TOOLHOST_MCPTEST_HANDSHAKE"
	EnvPageSize  = "TOOLHOST_MCPTEST_PAGE_SIZE"
)

// RunIfHelper turns the current process into a toolbox server speaking
// on stdio when it was started through Descriptor, and exits when stdin closes.
// Call it first thing in TestMain.
func RunIfHelper() {
	name := os.Getenv(EnvServer)
	if name == "" {
		return
	}

	opts := ToolboxOptions{
		Journal: os.Getenv(EnvJournal),
		Exit:    os.Exit,
	}
	if fail := os.Getenv(EnvFail); fail != "" {
		opts.Fail = strings.Split(fail, ",")
	}

	s := NewToolbox(name, opts).WithHandshake(HandshakeMode(os.Getenv(EnvHandshake)))
	if n, err := strconv.Atoi(os.Getenv(EnvPageSize)); err == nil {
		s.WithPagination(n)
	}

	err := s.ServeStdio(context.Background(), os.Stdin, os.Stdout)
	if err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}

// Descriptor returns a stdio descriptor that re-executes the running test
// binary as a toolbox server named name. env adds to the helper environment.
func Descriptor(name string, env map[string]string) mcp.ServerDescriptor {
	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	e := map[string]string{EnvServer: name}
	for k, v := range env {
		e[k] = v
	}
	return mcp.ServerDescriptor{
		Name:    name,
		Command: exe,
		Args:    []string{"-test.run=^$"},
		Env:     e,
	}
}
