package mcp_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/effective-security/toolhost/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDescriptorValidate(t *testing.T) {
	t.Parallel()

	tcases := []struct {
		name string
		desc mcp.ServerDescriptor
		kind mcp.TransportKind
		err  string
	}{
		{name: "stdio", desc: mcp.ServerDescriptor{Name: "fs", Command: "fs-server"}, kind: mcp.TransportStdio},
		{name: "http by url", desc: mcp.ServerDescriptor{Name: "web", URL: "http://localhost/mcp"}, kind: mcp.TransportHTTP},
		{name: "no name", desc: mcp.ServerDescriptor{Command: "x"}, kind: mcp.TransportStdio, err: "server name is required"},
		{name: "no command", desc: mcp.ServerDescriptor{Name: "fs"}, kind: mcp.TransportStdio, err: `server "fs": command is required`},
		{name: "no url", desc: mcp.ServerDescriptor{Name: "web", Transport: mcp.TransportHTTP}, kind: mcp.TransportHTTP, err: `server "web": url is required`},
		{name: "bad transport", desc: mcp.ServerDescriptor{Name: "ws", Transport: "ws", URL: "ws://x"}, kind: "ws", err: `server "ws": unsupported transport "ws"`},
	}
	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.kind, tc.desc.Kind())
			err := tc.desc.Validate()
			if tc.err == "" {
				assert.NoError(t, err)
			} else {
				assert.EqualError(t, err, tc.err)
			}
		})
	}
}

func TestDuration(t *testing.T) {
	t.Parallel()

	var d struct {
		A mcp.Duration `json:"a" yaml:"a"`
		B mcp.Duration `json:"b" yaml:"b"`
		C mcp.Duration `json:"c" yaml:"c"`
	}

	require.NoError(t, json.Unmarshal([]byte(`{"a":"1m30s","b":5,"c":""}`), &d))
	assert.Equal(t, 90*time.Second, d.A.Duration())
	assert.Equal(t, 5*time.Second, d.B.Duration())
	assert.Equal(t, time.Duration(0), d.C.Duration())

	require.NoError(t, yaml.Unmarshal([]byte("a: 250ms\nb: 2\n"), &d))
	assert.Equal(t, 250*time.Millisecond, d.A.Duration())
	assert.Equal(t, 2*time.Second, d.B.Duration())

	js, err := json.Marshal(d)
	require.NoError(t, err)
	assert.Equal(t, `{"a":"250ms","b":"2s","c":"0s"}`, string(js))

	assert.Error(t, json.Unmarshal([]byte(`{"a":"soon"}`), &d))
	assert.Error(t, json.Unmarshal([]byte(`{"a":true}`), &d))
}
