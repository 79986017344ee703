package remote

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/lingosync-go/internal/models"
)

func lookup(data map[string]any, field string) any {
	var cur any = data
	for _, part := range strings.Split(field, ".") {
		switch m := cur.(type) {
		case map[string]any:
			cur = m[part]
		case models.Document:
			cur = m[part]
		default:
			return nil
		}
	}
	return cur
}

func toString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case float64:
		return t
	case time.Time:
		return float64(t.UnixMilli())
	}
	return 0
}

func arrayContains(list any, value any) bool {
	want := toString(value)
	switch l := list.(type) {
	case []any:
		for _, item := range l {
			if toString(item) == want {
				return true
			}
		}
	case []string:
		for _, item := range l {
			if item == want {
				return true
			}
		}
	}
	return false
}

func equalDocs(a, b models.Document) bool {
	return reflect.DeepEqual(map[string]any(a), map[string]any(b))
}

// cloneValue deep copies the map and slice shapes documents are built from
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[k] = cloneValue(x)
		}
		return out
	case models.Document:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[k] = cloneValue(x)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = cloneValue(x)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = x
		}
		return out
	case map[string]int64:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[k] = x
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[k] = x
		}
		return out
	case int:
		return int64(t)
	case int32:
		return int64(t)
	default:
		return v
	}
}
