package schema

import (
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/cockroachdb/errors"
)

// ErrInvalidArguments is returned when call arguments do not match the
// parameters of a tool.
var ErrInvalidArguments = errors.New("invalid arguments")

// Validate checks args against params: required parameters are present,
// values carry the declared JSON type and belong to the enum when one is
// declared. A nil value is treated as absent. All violations are reported.
func Validate(params []Param, args map[string]any) error {
	var problems []string
	validateObject("", params, args, &problems)
	if len(problems) == 0 {
		return nil
	}
	return errors.WithMessage(ErrInvalidArguments, strings.Join(problems, "; "))
}

func validateObject(prefix string, params []Param, args map[string]any, problems *[]string) {
	for _, p := range params {
		path := p.Name
		if prefix != "" {
			path = prefix + "." + p.Name
		}
		v, ok := args[p.Name]
		if !ok || v == nil {
			if p.Required {
				*problems = append(*problems, fmt.Sprintf("%s: required", path))
			}
			continue
		}
		validateValue(path, p, v, problems)
	}
}

func validateValue(path string, p Param, v any, problems *[]string) {
	if !matchesType(p.Type, v) {
		*problems = append(*problems, fmt.Sprintf("%s: expected %s, got %s", path, p.Type, typeName(v)))
		return
	}

	if len(p.Enum) > 0 && !inEnum(p.Enum, v) {
		*problems = append(*problems, fmt.Sprintf("%s: value %v is not one of %v", path, v, p.Enum))
	}

	switch p.Type {
	case TypeObject:
		if m, ok := v.(map[string]any); ok {
			validateObject(path, p.Properties, m, problems)
		}
	case TypeArray:
		if p.Items == nil {
			return
		}
		list, _ := v.([]any)
		for i, item := range list {
			if item == nil {
				continue
			}
			validateValue(fmt.Sprintf("%s[%d]", path, i), *p.Items, item, problems)
		}
	}
}

func matchesType(t Type, v any) bool {
	switch t {
	case TypeAny:
		return true
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	case TypeNumber:
		_, ok := toFloat(v)
		return ok
	case TypeInteger:
		f, ok := toFloat(v)
		return ok && f == math.Trunc(f)
	case TypeObject:
		_, ok := v.(map[string]any)
		return ok
	case TypeArray:
		_, ok := v.([]any)
		return ok
	case TypeNull:
		return v == nil
	}
	// unknown types are not enforced
	return true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func inEnum(enum []any, v any) bool {
	vf, vNum := toFloat(v)
	for _, e := range enum {
		if ef, ok := toFloat(e); ok && vNum {
			if ef == vf {
				return true
			}
			continue
		}
		if reflect.DeepEqual(e, v) {
			return true
		}
	}
	return false
}

func typeName(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	}
	if _, ok := toFloat(v); ok {
		return "number"
	}
	return fmt.Sprintf("%T", v)
}
