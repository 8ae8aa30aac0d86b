package model

import "strings"

// Operator is a comparison used by threshold and multi-condition rules.
type Operator string

const (
	OpEq  Operator = "eq"
	OpNeq Operator = "neq"
	OpGt  Operator = "gt"
	OpGte Operator = "gte"
	OpLt  Operator = "lt"
	OpLte Operator = "lte"
)

// ParseOperator accepts the canonical names and their symbolic forms.
func ParseOperator(s string) (Operator, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "eq", "==", "=":
		return OpEq, true
	case "neq", "ne", "!=", "<>":
		return OpNeq, true
	case "gt", ">":
		return OpGt, true
	case "gte", "ge", ">=":
		return OpGte, true
	case "lt", "<":
		return OpLt, true
	case "lte", "le", "<=":
		return OpLte, true
	}
	return "", false
}

// Logic joins a condition to the next one.
type Logic string

const (
	LogicAnd Logic = "and"
	LogicOr  Logic = "or"
)

// PointRuleType is the shape of a single-point rule.
type PointRuleType string

const (
	RuleNoUpdate  PointRuleType = "no_update"
	RuleThreshold PointRuleType = "threshold"
)

// PointRule is a single-point rule bound to one data point.
type PointRule struct {
	ID    string
	Point string
	Type  PointRuleType

	// no_update
	TimeoutSeconds float64

	// threshold
	Operator        Operator
	Value           float64
	DurationSeconds float64

	Level   string
	Content string
	Enabled bool
}

// Condition is one clause of a multi-condition rule.
type Condition struct {
	Point    string
	Operator Operator
	Value    string
	Logic    Logic
}

// MultiConditionRule combines several conditions with a consecutive
// evaluation debounce.
type MultiConditionRule struct {
	ID               string
	Name             string
	Conditions       []Condition
	ConsecutiveCount int
	Level            string
	Content          string
	Enabled          bool
}

// Required returns ConsecutiveCount, defaulting to 1.
func (r MultiConditionRule) Required() int {
	if r.ConsecutiveCount < 1 {
		return 1
	}
	return r.ConsecutiveCount
}
