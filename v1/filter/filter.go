// Package filter evaluates worker eligibility expressions and preference
// weights against worker profiles.
//
// An expression is encoded as {"field": [threshold, "operator"]}. Operators
// are validated when parsing, so a clause that survives ParseExpression always
// has a known operator.
package filter

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
)

var (
	// ErrUnknownOperator is returned for operators outside the supported set.
	ErrUnknownOperator = errors.New("crowdlock: unknown filter operator")
	// ErrInvalidClause is returned for clauses that are not [threshold, operator].
	ErrInvalidClause = errors.New("crowdlock: invalid filter clause")
)

// Operator compares a profile value with a threshold.
type Operator string

const (
	OpGT Operator = ">"
	OpGE Operator = ">="
	OpLT Operator = "<"
	OpLE Operator = "<="
	OpEQ Operator = "=="
	OpNE Operator = "!="
)

func parseOperator(s string) (Operator, error) {
	switch op := Operator(strings.TrimSpace(s)); op {
	case OpGT, OpGE, OpLT, OpLE, OpEQ, OpNE:
		return op, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownOperator, s)
}

// Value is a threshold or profile value, either numeric or an opaque string.
type Value struct {
	Num   float64
	Str   string
	IsNum bool
}

// Number returns a numeric Value.
func Number(f float64) Value { return Value{Num: f, IsNum: true} }

// String returns a string Value.
func String(s string) Value { return Value{Str: s} }

func (v Value) String() string {
	if v.IsNum {
		return strconv.FormatFloat(v.Num, 'g', -1, 64)
	}
	return v.Str
}

// Clause is a single field comparison.
type Clause struct {
	Field     string
	Op        Operator
	Threshold Value
}

// Expression is a conjunction of clauses.
type Expression []Clause

// ParseExpression decodes the JSON form of an expression. Empty input and
// empty objects yield an expression that matches every profile.
func ParseExpression(data []byte) (Expression, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	var raw map[string][]any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClause, err)
	}
	fields := make([]string, 0, len(raw))
	for f := range raw {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	expr := make(Expression, 0, len(raw))
	for _, field := range fields {
		pair := raw[field]
		if len(pair) != 2 {
			return nil, fmt.Errorf("%w: field %q", ErrInvalidClause, field)
		}
		opStr, ok := pair[1].(string)
		if !ok {
			return nil, fmt.Errorf("%w: operator of %q is not a string", ErrInvalidClause, field)
		}
		op, err := parseOperator(opStr)
		if err != nil {
			return nil, err
		}
		var threshold Value
		switch v := pair[0].(type) {
		case float64:
			threshold = Number(v)
		case string:
			threshold = String(v)
		default:
			return nil, fmt.Errorf("%w: threshold of %q must be a number or string", ErrInvalidClause, field)
		}
		expr = append(expr, Clause{Field: field, Op: op, Threshold: threshold})
	}
	return expr, nil
}

// Match reports whether profile satisfies every clause.
func (e Expression) Match(profile map[string]any) bool {
	for _, c := range e {
		if !c.Match(profile) {
			return false
		}
	}
	return true
}

// Match reports whether profile satisfies the clause. Missing or null fields
// never match.
func (c Clause) Match(profile map[string]any) bool {
	raw, ok := profile[c.Field]
	if !ok || raw == nil {
		return false
	}
	if n, ok := toNumber(raw); ok {
		if t, ok := toNumber(c.Threshold); ok {
			return compareNumbers(n, t, c.Op)
		}
	}
	s := fmt.Sprint(raw)
	switch c.Op {
	case OpEQ:
		return s == c.Threshold.String()
	case OpNE:
		return s != c.Threshold.String()
	}
	return false
}

func compareNumbers(a, b float64, op Operator) bool {
	switch op {
	case OpGT:
		return a > b
	case OpGE:
		return a >= b
	case OpLT:
		return a < b
	case OpLE:
		return a <= b
	case OpEQ:
		return a == b
	case OpNE:
		return a != b
	}
	return false
}

// toNumber coerces numbers and numeric strings. Booleans are not numbers.
func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case Value:
		if n.IsNum {
			return n.Num, true
		}
		return toNumber(n.Str)
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
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	case fmt.Stringer:
		return toNumber(n.String())
	}
	return 0, false
}
