package core

import (
	"bytes"
	"cmp"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"nutraley.com/product-assistant/internal/store"
)

const (
	OpEq  = "$eq"
	OpNe  = "$ne"
	OpIn  = "$in"
	OpNin = "$nin"
	OpGt  = "$gt"
	OpLt  = "$lt"
)

// Condition is one operator applied to one field.
type Condition struct {
	Op      string
	Operand any
}

type fieldConditions struct {
	Field      string
	Conditions []Condition
}

// Filter is a conjunctive predicate over product attributes.
// A nil *Filter matches everything.
type Filter struct {
	fields []fieldConditions
}

// ParseFilter decodes a filter expression such as
// {"category": "Oils", "price": {"$lt": 20}}. The expression may also arrive
// JSON-encoded inside a string. Empty input yields a nil filter.
func ParseFilter(raw json.RawMessage) (*Filter, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '"' {
		var encoded string
		if err := json.Unmarshal(raw, &encoded); err != nil {
			return nil, fmt.Errorf("invalid filter string: %w", err)
		}
		if strings.TrimSpace(encoded) == "" {
			return nil, nil
		}
		raw = json.RawMessage(encoded)
	}

	var expr map[string]any
	if err := json.Unmarshal(raw, &expr); err != nil {
		return nil, fmt.Errorf("filter must be a JSON object: %w", err)
	}
	return NewFilter(expr)
}

// NewFilter validates expr and builds a Filter. Unknown operators and
// operands of the wrong shape are rejected; $gt and $lt take a number or a
// string.
func NewFilter(expr map[string]any) (*Filter, error) {
	if len(expr) == 0 {
		return nil, nil
	}

	names := make([]string, 0, len(expr))
	for name := range expr {
		names = append(names, name)
	}
	sort.Strings(names)

	f := &Filter{}
	for _, name := range names {
		conds, err := parseConditions(name, expr[name])
		if err != nil {
			return nil, err
		}
		f.fields = append(f.fields, fieldConditions{Field: name, Conditions: conds})
	}
	return f, nil
}

func parseConditions(field string, value any) ([]Condition, error) {
	ops, isObject := value.(map[string]any)
	if !isObject {
		return []Condition{{Op: OpEq, Operand: value}}, nil
	}
	if len(ops) == 0 {
		return nil, fmt.Errorf("field %q: empty operator object", field)
	}

	keys := make([]string, 0, len(ops))
	for k := range ops {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	conds := make([]Condition, 0, len(ops))
	for _, op := range keys {
		operand := ops[op]
		switch op {
		case OpEq, OpNe:
		case OpIn, OpNin:
			if _, ok := operand.([]any); !ok {
				return nil, fmt.Errorf("field %q: %s expects an array", field, op)
			}
		case OpGt, OpLt:
			if n, ok := toFloat(operand); ok {
				operand = n
			} else if _, ok := operand.(string); !ok {
				return nil, fmt.Errorf("field %q: %s expects a number or a string", field, op)
			}
		default:
			return nil, fmt.Errorf("field %q: unsupported operator %q", field, op)
		}
		conds = append(conds, Condition{Op: op, Operand: operand})
	}
	return conds, nil
}

// And returns a filter requiring both f and other.
func (f *Filter) And(other *Filter) *Filter {
	if f == nil {
		return other
	}
	if other == nil {
		return f
	}
	combined := &Filter{fields: make([]fieldConditions, 0, len(f.fields)+len(other.fields))}
	combined.fields = append(combined.fields, f.fields...)
	combined.fields = append(combined.fields, other.fields...)
	return combined
}

// Matches reports whether p satisfies every condition.
func (f *Filter) Matches(p *store.Product) bool {
	if f == nil {
		return true
	}
	for _, fc := range f.fields {
		v, present := p.Field(fc.Field)
		for _, c := range fc.Conditions {
			if !evalCondition(v, present, c) {
				return false
			}
		}
	}
	return true
}

func (f *Filter) String() string {
	if f == nil {
		return "{}"
	}
	expr := make(map[string]map[string]any, len(f.fields))
	for _, fc := range f.fields {
		ops, ok := expr[fc.Field]
		if !ok {
			ops = make(map[string]any)
			expr[fc.Field] = ops
		}
		for _, c := range fc.Conditions {
			ops[c.Op] = c.Operand
		}
	}
	out, _ := json.Marshal(expr)
	return string(out)
}

// A missing attribute matches only the negative operators.
func evalCondition(v any, present bool, c Condition) bool {
	if !present {
		return c.Op == OpNe || c.Op == OpNin
	}
	switch c.Op {
	case OpEq:
		return valueEquals(v, c.Operand)
	case OpNe:
		return !valueEquals(v, c.Operand)
	case OpIn:
		return valueIn(v, c.Operand.([]any))
	case OpNin:
		return !valueIn(v, c.Operand.([]any))
	case OpGt:
		order, ok := compareOrdered(v, c.Operand)
		return ok && order > 0
	case OpLt:
		order, ok := compareOrdered(v, c.Operand)
		return ok && order < 0
	}
	return false
}

// compareOrdered orders numbers numerically and strings lexically, so ISO
// dates compare chronologically. Mixed kinds are not comparable.
func compareOrdered(v, operand any) (int, bool) {
	switch x := operand.(type) {
	case float64:
		n, ok := toFloat(v)
		if !ok {
			return 0, false
		}
		return cmp.Compare(n, x), true
	case string:
		s, ok := v.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(s, x), true
	}
	return 0, false
}

// valueEquals compares an attribute with an operand. Set-valued attributes
// equal a scalar operand when they contain it.
func valueEquals(v, x any) bool {
	if elems, ok := asList(v); ok {
		if others, ok := asList(x); ok {
			if len(elems) != len(others) {
				return false
			}
			for i := range elems {
				if !scalarEquals(elems[i], others[i]) {
					return false
				}
			}
			return true
		}
		for _, e := range elems {
			if scalarEquals(e, x) {
				return true
			}
		}
		return false
	}
	return scalarEquals(v, x)
}

// valueIn reports whether v (or, for sets, any element of v) is in xs.
func valueIn(v any, xs []any) bool {
	candidates, ok := asList(v)
	if !ok {
		candidates = []any{v}
	}
	for _, c := range candidates {
		for _, x := range xs {
			if scalarEquals(c, x) {
				return true
			}
		}
	}
	return false
}

func scalarEquals(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case nil:
		return b == nil
	}
	return false
}

func asList(v any) ([]any, bool) {
	switch lv := v.(type) {
	case []any:
		return lv, true
	case []string:
		out := make([]any, len(lv))
		for i, s := range lv {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
