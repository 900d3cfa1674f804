// Package composite runs wrapper tools: named operations that perform an
// ordered sequence of primitive tool calls under a simplified signature.
package composite

import (
	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolhost/pkg/schema"
	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"
)

// Spec declares a composite tool.
type Spec struct {
	// Name is the tool name exposed to the model
	Name string `json:"name" yaml:"name" validate:"required,max=64"`
	// Description is shown to the model
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	// Parameters is the JSON schema of the simplified signature
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	// Vars are constants available to the step templates as .vars
	Vars map[string]any `json:"vars,omitempty" yaml:"vars,omitempty"`
	// Steps run in order
	Steps []Step `json:"steps" yaml:"steps" validate:"required,min=1,dive"`
}

// Step is one primitive call of a composite tool.
type Step struct {
	// Name identifies the step in results and as .steps.<name> in later templates
	Name string `json:"name" yaml:"name" validate:"required"`
	// Tool is the qualified or short name of the tool to call
	Tool string `json:"tool" yaml:"tool" validate:"required"`
	// Arguments are rendered with text/template and sprig functions
	// against .args, .vars and .steps before the call
	Arguments map[string]any `json:"arguments,omitempty" yaml:"arguments,omitempty"`
}

var validate = validator.New()

// Validate checks the spec fields and the step names.
func (s *Spec) Validate() error {
	if err := validate.Struct(s); err != nil {
		return errors.Wrapf(err, "invalid composite %q", s.Name)
	}
	seen := make(map[string]bool, len(s.Steps))
	for _, st := range s.Steps {
		if seen[st.Name] {
			return errors.Errorf("invalid composite %q: duplicate step %q", s.Name, st.Name)
		}
		seen[st.Name] = true
	}
	return nil
}

// Schema returns the parsed parameters schema.
func (s *Spec) Schema() (*jsonschema.Schema, error) {
	if len(s.Parameters) == 0 {
		return schema.Parse(nil)
	}
	sc, err := schema.FromAny(s.Parameters)
	if err != nil {
		return nil, errors.WithMessagef(err, "composite %q", s.Name)
	}
	return sc, nil
}
