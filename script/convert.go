package script

import (
	"strings"

	"github.com/risor-io/risor/object"
)

// ToGo converts a Risor object to a plain Go value.
func ToGo(obj object.Object) any {
	switch o := obj.(type) {
	case *object.String:
		return o.Value()
	case *object.Int:
		return o.Value()
	case *object.Float:
		return o.Value()
	case *object.Bool:
		return o.Value()
	case *object.Time:
		return o.Value()
	case *object.NilType:
		return nil
	case *object.List:
		var result []any
		for _, item := range o.Value() {
			result = append(result, ToGo(item))
		}
		return result
	case *object.Set:
		var result []any
		for _, item := range o.Value() {
			result = append(result, ToGo(item))
		}
		return result
	case *object.Map:
		result := make(map[string]any)
		for key, value := range o.Value() {
			result[key] = ToGo(value)
		}
		return result
	default:
		// Fallback to string representation
		return obj.Inspect()
	}
}

// Truthy converts any value to a boolean indicating truthiness. It handles
// both Risor objects and plain Go values.
func Truthy(value any) bool {
	if obj, ok := value.(object.Object); ok {
		return (&RisorValue{obj: obj}).IsTruthy()
	}
	switch v := value.(type) {
	case bool:
		return v
	case int:
		return v != 0
	case int32:
		return v != 0
	case int64:
		return v != 0
	case float32:
		return v != 0.0
	case float64:
		return v != 0.0
	case string:
		return v != "" && strings.ToLower(v) != "false"
	case []any:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	case nil:
		return false
	default:
		return value != nil
	}
}
