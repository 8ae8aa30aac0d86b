package alarm

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/model"
)

const epsilon = 1e-6

func compareFloat(v float64, op model.Operator, lit float64) bool {
	switch op {
	case model.OpEq:
		return math.Abs(v-lit) < epsilon
	case model.OpNeq:
		return math.Abs(v-lit) >= epsilon
	case model.OpGt:
		return v > lit
	case model.OpGte:
		return v > lit || math.Abs(v-lit) < epsilon
	case model.OpLt:
		return v < lit
	case model.OpLte:
		return v < lit || math.Abs(v-lit) < epsilon
	default:
		return false
	}
}

func compareString(v string, op model.Operator, lit string) bool {
	c := strings.Compare(v, lit)
	switch op {
	case model.OpEq:
		return c == 0
	case model.OpNeq:
		return c != 0
	case model.OpGt:
		return c > 0
	case model.OpGte:
		return c >= 0
	case model.OpLt:
		return c < 0
	case model.OpLte:
		return c <= 0
	default:
		return false
	}
}

// compareValue compares numerically when both sides parse as numbers and
// falls back to string comparison otherwise.
func compareValue(v any, op model.Operator, lit string) bool {
	if f, ok := model.ToFloat(v); ok {
		if l, err := strconv.ParseFloat(strings.TrimSpace(lit), 64); err == nil {
			return compareFloat(f, op, l)
		}
	}
	return compareString(stringOf(v), op, lit)
}

func stringOf(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}
