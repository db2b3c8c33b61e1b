package dispatch

import (
	"fmt"

	"github.com/canvaslink/relay/pkg/types"
)

// ParamType is the expected JSON type of a tool parameter
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeNumber  ParamType = "number"
	TypeBoolean ParamType = "boolean"
	TypeObject  ParamType = "object"
	TypeArray   ParamType = "array"
	TypeAny     ParamType = "any"
)

// Param describes one parameter of a tool
type Param struct {
	Name     string
	Type     ParamType
	Required bool
}

// Schema is the expected argument shape for one tool. Validation is
// transport-level only: presence and JSON type, never meaning.
type Schema struct {
	Tool   string
	Params []Param
}

// Validate checks args against the schema. All failures carry the
// VALIDATION code and occur before any network interaction.
func (s Schema) Validate(args map[string]any) error {
	known := make(map[string]Param, len(s.Params))
	for _, p := range s.Params {
		known[p.Name] = p
		if !p.Required {
			continue
		}
		if _, ok := args[p.Name]; !ok {
			return types.NewError(types.ErrCodeValidation,
				fmt.Sprintf("%s: missing required parameter %q", s.Tool, p.Name))
		}
	}

	for name, value := range args {
		p, ok := known[name]
		if !ok {
			return types.NewError(types.ErrCodeValidation,
				fmt.Sprintf("%s: unknown parameter %q", s.Tool, name))
		}
		if !matchesType(value, p.Type) {
			return types.NewError(types.ErrCodeValidation,
				fmt.Sprintf("%s: parameter %q must be a %s", s.Tool, name, p.Type))
		}
	}

	return nil
}

// matchesType checks a decoded JSON value against the declared type
func matchesType(value any, t ParamType) bool {
	if value == nil {
		return t == TypeAny
	}
	switch t {
	case TypeString:
		_, ok := value.(string)
		return ok
	case TypeNumber:
		switch value.(type) {
		case float64, float32, int, int32, int64:
			return true
		}
		return false
	case TypeBoolean:
		_, ok := value.(bool)
		return ok
	case TypeObject:
		_, ok := value.(map[string]any)
		return ok
	case TypeArray:
		_, ok := value.([]any)
		return ok
	case TypeAny:
		return true
	}
	return false
}
