// Package config loads the host configuration: the tool servers to start,
// the composite tools, the dispatcher limits, the model and the stores.
package config

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolhost/catalog"
	"github.com/effective-security/toolhost/composite"
	"github.com/effective-security/toolhost/dispatcher"
	"github.com/effective-security/toolhost/mcp"
	"github.com/effective-security/toolhost/pkg/llmfactory"
	"github.com/effective-security/toolhost/store"
	"github.com/effective-security/x/configloader"
	"github.com/effective-security/x/values"
	"github.com/go-playground/validator/v10"
)

// ErrNoServers is returned when the configuration has no enabled server.
var ErrNoServers = errors.New("no tool servers configured")

// DefaultLogPath is the interaction log location
const DefaultLogPath = "logs/client.jsonl"

// Config is the host configuration.
type Config struct {
	// Servers are started in order, the order also decides short name resolution
	Servers []mcp.ServerDescriptor `json:"servers" yaml:"servers" validate:"dive"`
	// Composites are registered after the built-in ones
	Composites []composite.Spec `json:"composites,omitempty" yaml:"composites,omitempty" validate:"dive"`
	// Builtins configures the built-in composite tools
	Builtins Builtins `json:"builtins" yaml:"builtins"`

	Dispatcher dispatcher.Config `json:"dispatcher" yaml:"dispatcher"`
	Model      llmfactory.Config `json:"model" yaml:"model"`
	Store      store.Config      `json:"store" yaml:"store"`
	Log        Log               `json:"log" yaml:"log"`
}

// Builtins configures the built-in composite tools.
type Builtins struct {
	Disabled bool `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	// Root is the base of relative paths
	Root string `json:"root,omitempty" yaml:"root,omitempty"`
	// Repo is the git repository path
	Repo string `json:"repo,omitempty" yaml:"repo,omitempty"`
}

// Log configures the interaction log and the diagnostics.
type Log struct {
	// Path of the JSONL interaction log, "-" disables it
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
	// Buffer is the number of records queued before dropping
	Buffer int `json:"buffer,omitempty" yaml:"buffer,omitempty" validate:"gte=0"`
	// Level of the diagnostics: error, warning, info, debug
	Level string `json:"level,omitempty" yaml:"level,omitempty" validate:"omitempty,oneof=error warning info debug"`
}

var validate = validator.New()

// Load returns the configuration from file, with environment variables expanded.
func Load(file string) (*Config, error) {
	cfg := new(Config)
	if err := configloader.UnmarshalAndExpand(file, cfg); err != nil {
		return nil, errors.WithMessagef(err, "failed to load %s", file)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Log.Path = values.StringsCoalesce(cfg.Log.Path, DefaultLogPath)
	cfg.Log.Level = values.StringsCoalesce(cfg.Log.Level, "warning")
	return cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}

	// tool names are built from sanitized server names
	namespaces := map[string]string{}
	for i := range c.Servers {
		s := &c.Servers[i]
		if err := s.Validate(); err != nil {
			return err
		}
		ns := catalog.Sanitize(s.Name)
		if other, ok := namespaces[ns]; ok {
			if other == s.Name {
				return errors.Errorf("duplicate server %q", s.Name)
			}
			return errors.Errorf("servers %q and %q share the namespace %q", other, s.Name, ns)
		}
		namespaces[ns] = s.Name
	}
	if len(c.EnabledServers()) == 0 {
		return ErrNoServers
	}

	names := map[string]string{}
	for i := range c.Composites {
		spec := &c.Composites[i]
		if err := spec.Validate(); err != nil {
			return err
		}
		name := catalog.Sanitize(spec.Name)
		if other, ok := names[name]; ok {
			if other == spec.Name {
				return errors.Errorf("duplicate composite %q", spec.Name)
			}
			return errors.Errorf("composites %q and %q share the name %q", other, spec.Name, name)
		}
		names[name] = spec.Name
		if ns, _, found := strings.Cut(name, catalog.Separator); found {
			if server, ok := namespaces[ns]; ok {
				return errors.Errorf("composite %q is in the namespace of server %q", spec.Name, server)
			}
		}
	}
	return nil
}

// EnabledServers returns the servers to start, in order.
func (c *Config) EnabledServers() []mcp.ServerDescriptor {
	var list []mcp.ServerDescriptor
	for _, s := range c.Servers {
		if !s.Disabled {
			list = append(list, s)
		}
	}
	return list
}

// CompositeSpecs returns the built-in composites followed by the configured ones.
// A configured composite replaces the built-in one with the same name.
func (c *Config) CompositeSpecs() []composite.Spec {
	configured := map[string]bool{}
	for _, s := range c.Composites {
		configured[s.Name] = true
	}

	var list []composite.Spec
	if !c.Builtins.Disabled {
		vars := map[string]any{}
		if c.Builtins.Root != "" {
			vars["root"] = c.Builtins.Root
		}
		if c.Builtins.Repo != "" {
			vars["repo"] = c.Builtins.Repo
		}
		for _, s := range composite.Builtin(vars) {
			if !configured[s.Name] {
				list = append(list, s)
			}
		}
	}
	return append(list, c.Composites...)
}
