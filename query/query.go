// Package query implements structured filtering of runs by their start
// document fields. A query is a conjunction of clauses; a clause names a
// field path, an operator, and an operand, or composes alternatives with Or.
// Backends may use clause bounds to prune their scans, but the final match
// decision is always Matches.
package query

import (
	"fmt"
	"reflect"
	"strings"
)

// Operator compares a document field against a clause operand.
type Operator string

const (
	OpEqual        Operator = "eq"
	OpNotEqual     Operator = "ne"
	OpGreaterThan  Operator = "gt"
	OpGreaterEqual Operator = "gte"
	OpLessThan     Operator = "lt"
	OpLessEqual    Operator = "lte"
	OpIn           Operator = "in"
	OpContains     Operator = "contains"
	OpExists       Operator = "exists"
	OpOr           Operator = "or"
)

// Clause is a single field condition. Field is a dotted path into the start
// document ("time", "plan_args.detector"). An OpOr clause has no field of
// its own; it holds alternative clauses in Branches.
type Clause struct {
	Field    string   `json:"field,omitempty"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value,omitempty"`
	Branches []Clause `json:"branches,omitempty"`
}

func (c Clause) String() string {
	switch c.Operator {
	case OpExists:
		return fmt.Sprintf("%s %s", c.Field, c.Operator)
	case OpOr:
		parts := make([]string, len(c.Branches))
		for i, b := range c.Branches {
			parts[i] = b.String()
		}
		return "(" + strings.Join(parts, " OR ") + ")"
	}
	return fmt.Sprintf("%s %s %v", c.Field, c.Operator, c.Value)
}

// Eq matches documents whose field equals value.
func Eq(field string, value any) Clause {
	return Clause{Field: field, Operator: OpEqual, Value: value}
}

// NotEq matches documents whose field is present and differs from value.
func NotEq(field string, value any) Clause {
	return Clause{Field: field, Operator: OpNotEqual, Value: value}
}

// Gt matches documents whose field is greater than value.
func Gt(field string, value any) Clause {
	return Clause{Field: field, Operator: OpGreaterThan, Value: value}
}

// Gte matches documents whose field is greater than or equal to value.
func Gte(field string, value any) Clause {
	return Clause{Field: field, Operator: OpGreaterEqual, Value: value}
}

// Lt matches documents whose field is less than value.
func Lt(field string, value any) Clause {
	return Clause{Field: field, Operator: OpLessThan, Value: value}
}

// Lte matches documents whose field is less than or equal to value.
func Lte(field string, value any) Clause {
	return Clause{Field: field, Operator: OpLessEqual, Value: value}
}

// In matches documents whose field equals one of the given values.
func In(field string, values ...any) Clause {
	return Clause{Field: field, Operator: OpIn, Value: values}
}

// Contains matches documents whose field is a list containing value.
func Contains(field string, value any) Clause {
	return Clause{Field: field, Operator: OpContains, Value: value}
}

// Exists matches documents that carry the field at all.
func Exists(field string) Clause {
	return Clause{Field: field, Operator: OpExists}
}

// Or matches documents satisfying at least one of the given clauses. An Or
// with no branches matches nothing.
func Or(clauses ...Clause) Clause {
	return Clause{Operator: OpOr, Branches: clauses}
}

// Since matches runs whose start time is at or after t.
func Since(t float64) Clause {
	return Gte("time", t)
}

// Until matches runs whose start time is before t.
func Until(t float64) Clause {
	return Lt("time", t)
}

// Query is an AND-composition of clauses. The zero value matches every run.
type Query struct {
	clauses []Clause
}

// New builds a query from the given clauses.
func New(clauses ...Clause) Query {
	return Query{clauses: clauses}
}

// And returns a new query extended with additional clauses. The receiver is
// unchanged, so derived catalogs can narrow a shared base query.
func (q Query) And(clauses ...Clause) Query {
	combined := make([]Clause, 0, len(q.clauses)+len(clauses))
	combined = append(combined, q.clauses...)
	combined = append(combined, clauses...)
	return Query{clauses: combined}
}

// Clauses returns the query's clauses in order.
func (q Query) Clauses() []Clause {
	return q.clauses
}

// IsEmpty reports whether the query has no clauses.
func (q Query) IsEmpty() bool {
	return len(q.clauses) == 0
}

func (q Query) String() string {
	if q.IsEmpty() {
		return "*"
	}
	parts := make([]string, len(q.clauses))
	for i, c := range q.clauses {
		parts[i] = c.String()
	}
	return strings.Join(parts, " AND ")
}

// Matches evaluates the query against a start document. Every clause must
// hold; a clause naming an absent field fails unless its operator is a
// negative one (ne).
func (q Query) Matches(fields map[string]any) bool {
	for _, c := range q.clauses {
		if !c.matches(fields) {
			return false
		}
	}
	return true
}

// TimeRange returns loose start-time bounds implied by the query's clauses
// on the "time" field. Backends may use them to prune index scans; matches
// are still re-checked clause by clause, so the bounds only need to be
// inclusive of every possible match.
func (q Query) TimeRange() (lo, hi float64, hasLo, hasHi bool) {
	for _, c := range q.clauses {
		if c.Field != "time" {
			continue
		}
		v, ok := toFloat(c.Value)
		if !ok {
			continue
		}
		switch c.Operator {
		case OpGreaterThan, OpGreaterEqual:
			if !hasLo || v > lo {
				lo, hasLo = v, true
			}
		case OpLessThan, OpLessEqual:
			if !hasHi || v < hi {
				hi, hasHi = v, true
			}
		case OpEqual:
			if !hasLo || v > lo {
				lo, hasLo = v, true
			}
			if !hasHi || v < hi {
				hi, hasHi = v, true
			}
		}
	}
	return lo, hi, hasLo, hasHi
}

func (c Clause) matches(fields map[string]any) bool {
	if c.Operator == OpOr {
		for _, b := range c.Branches {
			if b.matches(fields) {
				return true
			}
		}
		return false
	}

	got, present := lookup(fields, c.Field)

	switch c.Operator {
	case OpExists:
		return present
	case OpEqual:
		return present && equal(got, c.Value)
	case OpNotEqual:
		return !present || !equal(got, c.Value)
	case OpGreaterThan:
		cmp, ok := compare(got, c.Value)
		return present && ok && cmp > 0
	case OpGreaterEqual:
		cmp, ok := compare(got, c.Value)
		return present && ok && cmp >= 0
	case OpLessThan:
		cmp, ok := compare(got, c.Value)
		return present && ok && cmp < 0
	case OpLessEqual:
		cmp, ok := compare(got, c.Value)
		return present && ok && cmp <= 0
	case OpIn:
		if !present {
			return false
		}
		values, ok := asSlice(c.Value)
		if !ok {
			return false
		}
		for _, v := range values {
			if equal(got, v) {
				return true
			}
		}
		return false
	case OpContains:
		if !present {
			return false
		}
		members, ok := asSlice(got)
		if !ok {
			return false
		}
		for _, m := range members {
			if equal(m, c.Value) {
				return true
			}
		}
		return false
	}
	return false
}

// lookup resolves a dotted path through nested maps.
func lookup(fields map[string]any, path string) (any, bool) {
	if fields == nil {
		return nil, false
	}
	cur := any(fields)
	for path != "" {
		key := path
		if i := strings.IndexByte(path, '.'); i >= 0 {
			key, path = path[:i], path[i+1:]
		} else {
			path = ""
		}
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// equal compares with numeric coercion, so an int operand matches a float64
// decoded from JSON.
func equal(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	if sa, ok := a.(string); ok {
		sb, ok := b.(string)
		return ok && sa == sb
	}
	if ba, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ba == bb
	}
	return reflect.DeepEqual(a, b)
}

// compare orders two values when they share an ordered type. The second
// result is false for unordered or mismatched operands.
func compare(a, b any) (int, bool) {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	if sa, ok := a.(string); ok {
		sb, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(sa, sb), true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func asSlice(v any) ([]any, bool) {
	if s, ok := v.([]any); ok {
		return s, true
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || rv.Kind() != reflect.Slice {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
