package mcp_test

import (
	"os"
	"testing"

	"github.com/effective-security/toolhost/mcp/mcptest"
)

func TestMain(m *testing.M) {
	mcptest.RunIfHelper()
	os.Exit(m.Run())
}
