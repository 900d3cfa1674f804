package mcptest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/effective-security/toolhost/mcp"
)

// ToolboxOptions configures the scripted tools of NewToolbox.
type ToolboxOptions struct {
	// Journal is a file that receives one "<server> <tool>" line per call, in start order
	Journal string
	// Fail lists tools that report isError instead of running
	Fail []string
	// Exit enables the crash tool; it is called with the exit code
	Exit func(code int)
}

// EchoArgs are the arguments of echo.
type EchoArgs struct {
	Text string `json:"text" jsonschema:"title=Text,description=Text to echo back"`
}

// SleepArgs are the arguments of sleep.
type SleepArgs struct {
	Ms   int    `json:"ms" jsonschema:"title=Milliseconds,description=How long to sleep"`
	Text string `json:"text,omitempty" jsonschema:"title=Text,description=Text to return after sleeping"`
}

// FailArgs are the arguments of fail.
type FailArgs struct {
	Message string `json:"message,omitempty" jsonschema:"title=Message,description=Error detail to report"`
}

// WriteFileArgs are the arguments of write_file.
type WriteFileArgs struct {
	Path    string `json:"path" jsonschema:"title=Path,description=File to write"`
	Content string `json:"content" jsonschema:"title=Content,description=File content"`
}

// GitAddArgs are the arguments of git_add.
type GitAddArgs struct {
	RepoPath string   `json:"repo_path" jsonschema:"title=Repository,description=Path to the repository"`
	Files    []string `json:"files" jsonschema:"title=Files,description=Files to stage"`
}

// GitCommitArgs are the arguments of git_commit.
type GitCommitArgs struct {
	RepoPath string `json:"repo_path" jsonschema:"title=Repository,description=Path to the repository"`
	Message  string `json:"message" jsonschema:"title=Message,description=Commit message"`
}

// NoArgs is used by tools without arguments.
type NoArgs struct{}

var journalMu sync.Mutex

// NewToolbox returns a server with the scripted tools used across tests:
// echo, sleep, fail, garbage, rows, write_file, git_add, git_commit and,
// when opts.Exit is set, crash.
func NewToolbox(name string, opts ToolboxOptions) *Server {
	s := NewServer(name)

	fail := map[string]bool{}
	for _, f := range opts.Fail {
		fail[f] = true
	}

	record := func(toolName string) *mcp.CallToolResult {
		if opts.Journal != "" {
			journalMu.Lock()
			f, err := os.OpenFile(opts.Journal, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
			if err == nil {
				_, _ = fmt.Fprintf(f, "%s %s\n", name, toolName)
				_ = f.Close()
			}
			journalMu.Unlock()
		}
		if fail[toolName] {
			return mcp.NewErrorResult(toolName + " failed")
		}
		return nil
	}

	_ = RegisterTool(s, "echo", "Echo the text back", func(_ context.Context, args EchoArgs) (*mcp.CallToolResult, error) {
		if res := record("echo"); res != nil {
			return res, nil
		}
		return mcp.NewTextResult(args.Text), nil
	})

	_ = RegisterTool(s, "sleep", "Sleep before answering", func(ctx context.Context, args SleepArgs) (*mcp.CallToolResult, error) {
		if res := record("sleep"); res != nil {
			return res, nil
		}
		select {
		case <-time.After(time.Duration(args.Ms) * time.Millisecond):
		case <-ctx.Done():
		}
		return mcp.NewTextResult(fmt.Sprintf("slept %dms %s", args.Ms, args.Text)), nil
	})

	_ = RegisterTool(s, "fail", "Always report a tool error", func(_ context.Context, args FailArgs) (*mcp.CallToolResult, error) {
		record("fail")
		msg := args.Message
		if msg == "" {
			msg = "tool failed"
		}
		return mcp.NewErrorResult(msg), nil
	})

	_ = RegisterTool(s, "garbage", "Answer with a frame that is not JSON", func(_ context.Context, _ NoArgs) (*mcp.CallToolResult, error) {
		record("garbage")
		return nil, RawLine("<html>not json</html>")
	})

	_ = RegisterTool(s, "rows", "Return a table", func(_ context.Context, _ NoArgs) (*mcp.CallToolResult, error) {
		if res := record("rows"); res != nil {
			return res, nil
		}
		sc, _ := json.Marshal(map[string]any{
			"result": []map[string]any{
				{"id": 1, "name": "alpha"},
				{"id": 2, "name": "beta"},
			},
		})
		return &mcp.CallToolResult{
			Content:           []mcp.Content{mcp.NewTextContent("2 rows")},
			StructuredContent: sc,
		}, nil
	})

	_ = RegisterTool(s, "write_file", "Write a file", func(_ context.Context, args WriteFileArgs) (*mcp.CallToolResult, error) {
		if res := record("write_file"); res != nil {
			return res, nil
		}
		if args.Path == "" {
			return mcp.NewErrorResult("path is required"), nil
		}
		if err := os.MkdirAll(filepath.Dir(args.Path), 0o755); err != nil {
			return mcp.NewErrorResult(err.Error()), nil
		}
		if err := os.WriteFile(args.Path, []byte(args.Content), 0o600); err != nil {
			return mcp.NewErrorResult(err.Error()), nil
		}
		return mcp.NewTextResult(fmt.Sprintf("wrote %d bytes to %s", len(args.Content), args.Path)), nil
	})

	_ = RegisterTool(s, "git_add", "Stage files", func(_ context.Context, args GitAddArgs) (*mcp.CallToolResult, error) {
		if res := record("git_add"); res != nil {
			return res, nil
		}
		return mcp.NewTextResult("staged " + strings.Join(args.Files, ",") + " in " + args.RepoPath), nil
	})

	_ = RegisterTool(s, "git_commit", "Commit staged files", func(_ context.Context, args GitCommitArgs) (*mcp.CallToolResult, error) {
		if res := record("git_commit"); res != nil {
			return res, nil
		}
		if args.Message == "" {
			return mcp.NewErrorResult("commit message is required"), nil
		}
		return mcp.NewTextResult("committed: " + args.Message), nil
	})

	if opts.Exit != nil {
		_ = RegisterTool(s, "crash", "Exit without answering", func(_ context.Context, _ NoArgs) (*mcp.CallToolResult, error) {
			record("crash")
			opts.Exit(3)
			return nil, errNoReply
		})
	}

	return s
}

// ReadJournal returns the journal entries as "<server>/<tool>", in call order.
func ReadJournal(path string) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	return strings.Fields(strings.ReplaceAll(string(data), " ", "/"))
}
