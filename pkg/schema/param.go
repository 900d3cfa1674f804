package schema

import (
	"bytes"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/invopop/jsonschema"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Type is the JSON type tag of a parameter. Empty means any type.
type Type string

// Parameter types
const (
	TypeAny     Type = ""
	TypeString  Type = "string"
	TypeNumber  Type = "number"
	TypeInteger Type = "integer"
	TypeBoolean Type = "boolean"
	TypeObject  Type = "object"
	TypeArray   Type = "array"
	TypeNull    Type = "null"
)

// Param is the tagged description of one parameter.
type Param struct {
	Name        string
	Type        Type
	Description string
	Required    bool
	Enum        []any
	// Properties of an object parameter
	Properties []Param
	// Items of an array parameter
	Items *Param
}

// Parse decodes a JSON schema advertised by a tool server.
// An empty input yields an empty object schema. Type unions such as
// ["string","null"] are reduced to their first non-null member.
func Parse(raw json.RawMessage) (*jsonschema.Schema, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return &jsonschema.Schema{
			Type:       "object",
			Properties: orderedmap.New[string, *jsonschema.Schema](),
		}, nil
	}

	s := &jsonschema.Schema{}
	if err := json.Unmarshal(raw, s); err == nil {
		if s.Type == "" && s.Properties != nil {
			s.Type = "object"
		}
		return s, nil
	}

	// property order is lost on this path
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, errors.Wrap(err, "invalid schema")
	}
	if _, ok := generic.(map[string]any); !ok {
		return nil, errors.New("invalid schema: not an object")
	}

	normalized, err := json.Marshal(normalize(generic))
	if err != nil {
		return nil, errors.Wrap(err, "invalid schema")
	}

	s = &jsonschema.Schema{}
	if err = json.Unmarshal(normalized, s); err != nil {
		return nil, errors.Wrap(err, "invalid schema")
	}
	if s.Type == "" && s.Properties != nil {
		s.Type = "object"
	}
	return s, nil
}

// normalize reduces type unions to a single type, recursively.
func normalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			switch k {
			case "type":
				if list, ok := child.([]any); ok {
					var first any
					for _, item := range list {
						if item != "null" && first == nil {
							first = item
						}
					}
					if first != nil {
						out[k] = first
					}
					continue
				}
				out[k] = child
			case "properties", "$defs", "definitions", "patternProperties":
				if props, ok := child.(map[string]any); ok {
					np := make(map[string]any, len(props))
					for name, p := range props {
						np[name] = normalize(p)
					}
					out[k] = np
					continue
				}
				out[k] = child
			default:
				out[k] = normalize(child)
			}
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	}
	return v
}

// ParamsOf returns the tagged parameters of an object schema.
func ParamsOf(s *jsonschema.Schema) []Param {
	if s == nil || s.Properties == nil {
		return nil
	}
	required := make(map[string]bool, len(s.Required))
	for _, r := range s.Required {
		required[r] = true
	}

	params := make([]Param, 0, s.Properties.Len())
	for pair := s.Properties.Oldest(); pair != nil; pair = pair.Next() {
		p := paramOf(pair.Key, pair.Value)
		p.Required = required[pair.Key]
		params = append(params, p)
	}
	return params
}

func paramOf(name string, s *jsonschema.Schema) Param {
	p := Param{Name: name}
	if s == nil {
		return p
	}
	p.Type = Type(s.Type)
	p.Description = s.Description
	p.Enum = s.Enum
	if p.Type == TypeAny && s.Properties != nil && s.Properties.Len() > 0 {
		p.Type = TypeObject
	}
	switch p.Type {
	case TypeObject:
		p.Properties = ParamsOf(s)
	case TypeArray:
		if s.Items != nil {
			item := paramOf("", s.Items)
			p.Items = &item
		}
	}
	return p
}
