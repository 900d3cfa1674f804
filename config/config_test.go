package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/effective-security/toolhost/config"
	"github.com/effective-security/toolhost/mcp"
	"github.com/effective-security/toolhost/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "host.yaml")
	require.NoError(t, os.WriteFile(file, []byte(content), 0o600))
	return file
}

func compositeNames(cfg *config.Config) []string {
	var names []string
	for _, s := range cfg.CompositeSpecs() {
		names = append(names, s.Name)
	}
	return names
}

func TestLoad(t *testing.T) {
	t.Setenv("TOOLHOST_TEST_ROOT", "/tmp/work")

	cfg, err := config.Load("testdata/host.yaml")
	require.NoError(t, err)

	require.Len(t, cfg.Servers, 4)
	fs := cfg.Servers[0]
	assert.Equal(t, "FS", fs.Name)
	assert.Equal(t, mcp.TransportStdio, fs.Kind())
	assert.Equal(t, []string{"-y", "@modelcontextprotocol/server-filesystem", "/srv/work"}, fs.Args)
	assert.Equal(t, map[string]string{"DEBUG": "0"}, fs.Env)

	git := cfg.Servers[1]
	assert.Equal(t, mcp.TransportStdio, git.Kind())
	assert.Equal(t, 30*time.Second, git.Timeout.Duration())

	supa := cfg.Servers[2]
	assert.Equal(t, mcp.TransportHTTP, supa.Kind())
	assert.Equal(t, "Bearer secret", supa.Headers["Authorization"])

	var enabled []string
	for _, s := range cfg.EnabledServers() {
		enabled = append(enabled, s.Name)
	}
	assert.Equal(t, []string{"FS", "Git", "Supabase"}, enabled)

	assert.Equal(t, []string{"write_and_commit", "commit_all", "publish_note"}, compositeNames(cfg))
	specs := cfg.CompositeSpecs()
	assert.Equal(t, "/tmp/work", specs[0].Vars["root"])
	assert.Equal(t, "/tmp/work", specs[0].Vars["repo"])
	note := specs[2]
	require.Len(t, note.Steps, 2)
	assert.Equal(t, "FS__write_file", note.Steps[0].Tool)
	assert.Equal(t, "{{ .args.note }}", note.Steps[0].Arguments["content"])
	assert.Equal(t, "/work", note.Vars["root"])
	_, err = note.Schema()
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Dispatcher.MaxRounds)
	assert.Equal(t, 10, cfg.Dispatcher.MaxToolCalls)
	assert.Equal(t, 2, cfg.Dispatcher.MaxParallel)
	assert.Equal(t, 45*time.Second, cfg.Dispatcher.CallTimeout.Duration())
	assert.Equal(t, "You are a careful assistant.", cfg.Dispatcher.SystemPrompt)

	assert.Equal(t, "anthropic", cfg.Model.Provider)
	assert.Equal(t, 2048, cfg.Model.MaxTokens)

	assert.Equal(t, store.KindRedis, cfg.Store.Kind)
	assert.Equal(t, "toolhost", cfg.Store.Prefix)

	assert.Equal(t, "/tmp/toolhost/client.jsonl", cfg.Log.Path)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("testdata/minimal.json")
	require.NoError(t, err)
	assert.Equal(t, config.DefaultLogPath, cfg.Log.Path)
	assert.Equal(t, "warning", cfg.Log.Level)
	assert.Empty(t, cfg.Store.Kind)
	assert.Zero(t, cfg.Dispatcher.MaxRounds)
	assert.Equal(t, []string{"write_and_commit", "commit_all"}, compositeNames(cfg))
	assert.NotContains(t, cfg.CompositeSpecs()[0].Vars, "root")
}

func TestBuiltins(t *testing.T) {
	file := writeConfig(t, `
servers:
  - {name: FS, command: fs}
builtins:
  disabled: true
`)
	cfg, err := config.Load(file)
	require.NoError(t, err)
	assert.Empty(t, cfg.CompositeSpecs())

	file = writeConfig(t, `
servers:
  - {name: FS, command: fs}
composites:
  - name: commit_all
    description: custom
    steps:
      - {name: commit, tool: git_commit}
`)
	cfg, err = config.Load(file)
	require.NoError(t, err)
	specs := cfg.CompositeSpecs()
	assert.Equal(t, []string{"write_and_commit", "commit_all"}, compositeNames(cfg))
	assert.Equal(t, "custom", specs[1].Description)
}

func TestLoadErrors(t *testing.T) {
	tcases := []struct {
		name string
		yaml string
		err  string
	}{
		{
			name: "no servers",
			yaml: "servers: []\n",
			err:  "no tool servers configured",
		},
		{
			name: "all disabled",
			yaml: "servers:\n  - {name: FS, command: fs, disabled: true}\n",
			err:  "no tool servers configured",
		},
		{
			name: "missing command",
			yaml: "servers:\n  - {name: FS}\n",
			err:  `server "FS": command is required`,
		},
		{
			name: "missing url",
			yaml: "servers:\n  - {name: Remote, transport: http}\n",
			err:  `server "Remote": url is required`,
		},
		{
			name: "bad transport",
			yaml: "servers:\n  - {name: FS, transport: grpc, command: fs}\n",
			err:  "invalid configuration",
		},
		{
			name: "duplicate server",
			yaml: "servers:\n  - {name: FS, command: fs}\n  - {name: FS, command: fs2}\n",
			err:  `duplicate server "FS"`,
		},
		{
			name: "composite without steps",
			yaml: "servers:\n  - {name: FS, command: fs}\ncomposites:\n  - {name: empty}\n",
			err:  "invalid configuration",
		},
		{
			name: "duplicate step",
			yaml: "servers:\n  - {name: FS, command: fs}\ncomposites:\n  - name: twice\n    steps:\n      - {name: a, tool: echo}\n      - {name: a, tool: echo}\n",
			err:  `duplicate step "a"`,
		},
		{
			name: "duplicate composite",
			yaml: "servers:\n  - {name: FS, command: fs}\ncomposites:\n  - {name: c, steps: [{name: a, tool: echo}]}\n  - {name: c, steps: [{name: a, tool: echo}]}\n",
			err:  `duplicate composite "c"`,
		},
		{
			name: "same namespace",
			yaml: "servers:\n  - {name: my server, command: fs}\n  - {name: my.server, command: fs2, disabled: true}\n",
			err:  `servers "my server" and "my.server" share the namespace "my_server"`,
		},
		{
			name: "same sanitized composite",
			yaml: "servers:\n  - {name: FS, command: fs}\ncomposites:\n  - {name: commit.all, steps: [{name: a, tool: echo}]}\n  - {name: commit_all, steps: [{name: a, tool: echo}]}\n",
			err:  `composites "commit.all" and "commit_all" share the name "commit_all"`,
		},
		{
			name: "composite in a server namespace",
			yaml: "servers:\n  - {name: FS, command: fs}\ncomposites:\n  - {name: FS__echo, steps: [{name: a, tool: echo}]}\n",
			err:  `composite "FS__echo" is in the namespace of server "FS"`,
		},
		{
			name: "redis without url",
			yaml: "servers:\n  - {name: FS, command: fs}\nstore: {kind: redis}\n",
			err:  "invalid configuration",
		},
		{
			name: "bad store",
			yaml: "servers:\n  - {name: FS, command: fs}\nstore: {kind: sqlite}\n",
			err:  "invalid configuration",
		},
		{
			name: "bad level",
			yaml: "servers:\n  - {name: FS, command: fs}\nlog: {level: verbose}\n",
			err:  "invalid configuration",
		},
	}
	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.err)
		})
	}

	_, err := config.Load("testdata/missing.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load testdata/missing.yaml")
}

func TestNoServersIs(t *testing.T) {
	cfg := &config.Config{}
	assert.ErrorIs(t, cfg.Validate(), config.ErrNoServers)
}
