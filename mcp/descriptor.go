package mcp

import (
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// TransportKind selects how to reach a server.
type TransportKind string

const (
	// TransportStdio launches the server as a subprocess and speaks over its stdio.
	TransportStdio TransportKind = "stdio"
	// TransportHTTP posts every message to a remote endpoint.
	TransportHTTP TransportKind = "http"
)

// ServerDescriptor describes how to launch and talk to one tool server.
type ServerDescriptor struct {
	// Name is the unique server name, used as the tool namespace
	Name string `json:"name" yaml:"name" validate:"required,max=64"`
	// Transport is stdio (default) or http
	Transport TransportKind `json:"transport,omitempty" yaml:"transport,omitempty" validate:"omitempty,oneof=stdio http"`
	// Command is the executable for stdio servers
	Command string `json:"command,omitempty" yaml:"command,omitempty"`
	// Args are the command arguments
	Args []string `json:"args,omitempty" yaml:"args,omitempty"`
	// Dir is the working directory of the process
	Dir string `json:"dir,omitempty" yaml:"dir,omitempty"`
	// Env overrides the inherited environment
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	// URL is the endpoint for http servers
	URL string `json:"url,omitempty" yaml:"url,omitempty"`
	// Headers are added to every http request
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	// Timeout is the default per-call timeout for this server
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	// Disabled servers are not started
	Disabled bool `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// Kind returns the transport kind, defaulting to stdio.
func (d *ServerDescriptor) Kind() TransportKind {
	if d.Transport == "" {
		if d.Command == "" && d.URL != "" {
			return TransportHTTP
		}
		return TransportStdio
	}
	return d.Transport
}

// Validate checks the fields required by the transport kind.
func (d *ServerDescriptor) Validate() error {
	if d.Name == "" {
		return errors.New("server name is required")
	}
	switch d.Kind() {
	case TransportStdio:
		if d.Command == "" {
			return errors.Errorf("server %q: command is required", d.Name)
		}
	case TransportHTTP:
		if d.URL == "" {
			return errors.Errorf("server %q: url is required", d.Name)
		}
	default:
		return errors.Errorf("server %q: unsupported transport %q", d.Name, d.Transport)
	}
	return nil
}

// Duration is a time.Duration that decodes from strings like "30s"
// or from a number of seconds.
type Duration time.Duration

// Duration returns the value as time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// MarshalJSON encodes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON decodes a string or a number of seconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	return d.set(v)
}

// MarshalYAML encodes the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML decodes a string or a number of seconds.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var v any
	if err := node.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) set(v any) error {
	switch val := v.(type) {
	case nil:
		*d = 0
	case string:
		if val == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return errors.Wrapf(err, "invalid duration %q", val)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(val * float64(time.Second))
	case int:
		*d = Duration(time.Duration(val) * time.Second)
	default:
		return errors.Errorf("invalid duration: %v", v)
	}
	return nil
}
