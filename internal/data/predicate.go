package data

import (
	"fmt"
	"strings"
	"time"
)

// PredOp enumerates predicate node kinds. Comparison nodes hold a column and
// a literal; boolean nodes hold children.
type PredOp string

const (
	PredEq  PredOp = "eq"
	PredNeq PredOp = "neq"
	PredGt  PredOp = "gt"
	PredLt  PredOp = "lt"
	// PredLike matches SQL-ish patterns where % is a multi-character
	// wildcard and _ matches exactly one character.
	PredLike PredOp = "like"
	PredIn   PredOp = "in"
	// PredIs tests null-ness: value true means "is null".
	PredIs  PredOp = "is"
	PredAnd PredOp = "and"
	PredOr  PredOp = "or"
	PredNot PredOp = "not"
	// PredMatches is the full-text operator. It is resolved by the
	// executor's text index, never by Eval directly.
	PredMatches PredOp = "matches"
)

// Predicate is a tree of comparisons over column references and literals.
// And/or evaluate children left to right with short-circuiting.
type Predicate struct {
	Op     PredOp       `json:"op"`
	Column string       `json:"column,omitempty"`
	Value  interface{}  `json:"value,omitempty"`
	Values []interface{} `json:"values,omitempty"`
	Kids   []*Predicate `json:"kids,omitempty"`
}

// Columns returns every column the predicate references, in first-seen order.
func (p *Predicate) Columns() []string {
	var out []string
	seen := map[string]bool{}
	p.Walk(func(n *Predicate) {
		if n.Column != "" && !seen[n.Column] {
			seen[n.Column] = true
			out = append(out, n.Column)
		}
	})
	return out
}

// HasOp reports whether any node in the tree uses the given operator.
func (p *Predicate) HasOp(op PredOp) bool {
	found := false
	p.Walk(func(n *Predicate) {
		if n.Op == op {
			found = true
		}
	})
	return found
}

// Walk visits every node of the tree depth-first. Safe on a nil predicate.
func (p *Predicate) Walk(fn func(*Predicate)) {
	if p == nil {
		return
	}
	fn(p)
	for _, k := range p.Kids {
		k.Walk(fn)
	}
}

// MatchKeys, when non-nil, carries the key set a full-text index resolved
// for PredMatches nodes. Eval consults it so that `matches` behaves like any
// other comparison once the executor has run the index query.
type MatchKeys map[int64]bool

// Eval evaluates the predicate against a record. Deleted records never
// match. A nil predicate matches everything live.
func (p *Predicate) Eval(r Record, matches MatchKeys) (bool, error) {
	if r.Deleted {
		return false, nil
	}
	if p == nil {
		return true, nil
	}
	return p.eval(r, matches)
}

func (p *Predicate) eval(r Record, matches MatchKeys) (bool, error) {
	switch p.Op {
	case PredAnd:
		for _, k := range p.Kids {
			ok, err := k.eval(r, matches)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case PredOr:
		for _, k := range p.Kids {
			ok, err := k.eval(r, matches)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case PredNot:
		if len(p.Kids) != 1 {
			return false, fmt.Errorf("not requires exactly one child")
		}
		ok, err := p.Kids[0].eval(r, matches)
		return !ok, err
	case PredIs:
		want, _ := p.Value.(bool)
		got, present := fieldValue(r, p.Column)
		isNull := !present || got == nil
		return isNull == want, nil
	case PredIn:
		got, present := fieldValue(r, p.Column)
		if !present || got == nil {
			return false, nil
		}
		for _, candidate := range p.Values {
			c, err := compare(got, candidate)
			if err == nil && c == 0 {
				return true, nil
			}
		}
		return false, nil
	case PredLike:
		raw, _ := fieldValue(r, p.Column)
		got, _ := raw.(string)
		pattern, ok := p.Value.(string)
		if !ok {
			return false, fmt.Errorf("like pattern must be a string")
		}
		return likeMatch(pattern, got), nil
	case PredMatches:
		if matches == nil {
			return false, fmt.Errorf("matches operator requires the executor's text index")
		}
		return matches[r.Key], nil
	case PredEq, PredNeq, PredGt, PredLt:
		got, present := fieldValue(r, p.Column)
		if !present || got == nil {
			// Null never compares equal, greater, or less; it is
			// unequal to any non-null literal.
			return p.Op == PredNeq && p.Value != nil, nil
		}
		c, err := compare(got, p.Value)
		if err != nil {
			return false, fmt.Errorf("column %q: %w", p.Column, err)
		}
		switch p.Op {
		case PredEq:
			return c == 0, nil
		case PredNeq:
			return c != 0, nil
		case PredGt:
			return c > 0, nil
		default:
			return c < 0, nil
		}
	default:
		return false, fmt.Errorf("unknown predicate op %q", p.Op)
	}
}

// fieldValue resolves a column reference against a record. "key" and
// "revision" are pseudo-columns so predicates can target rows directly,
// which is how pipeline fan-out (`key in {{step.keys}}`) works.
func fieldValue(r Record, col string) (interface{}, bool) {
	switch col {
	case "key":
		return r.Key, true
	case "revision":
		return r.Revision, true
	default:
		v, ok := r.Fields[col]
		return v, ok
	}
}

// CompareValues orders two literals of compatible types: -1, 0, or 1.
func CompareValues(a, b interface{}) (int, error) {
	return compare(a, b)
}

// compare orders two literals of compatible types: -1, 0, or 1.
func compare(a, b interface{}) (int, error) {
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, fmt.Errorf("cannot compare string with %T", b)
		}
		return strings.Compare(av, bv), nil
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, fmt.Errorf("cannot compare bool with %T", b)
		}
		if av == bv {
			return 0, nil
		}
		if !av {
			return -1, nil
		}
		return 1, nil
	case time.Time:
		bv, err := asTime(b)
		if err != nil {
			return 0, err
		}
		switch {
		case av.Before(bv):
			return -1, nil
		case av.After(bv):
			return 1, nil
		default:
			return 0, nil
		}
	default:
		af, aok := asFloat(a)
		bf, bok := asFloat(b)
		if aok && bok {
			switch {
			case af < bf:
				return -1, nil
			case af > bf:
				return 1, nil
			default:
				return 0, nil
			}
		}
		if bt, err := asTime(b); err == nil {
			if at, err := asTime(a); err == nil {
				return compare(at, bt)
			}
		}
		return 0, fmt.Errorf("cannot compare %T with %T", a, b)
	}
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func asTime(v interface{}) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		return time.Parse(time.RFC3339, t)
	}
	return time.Time{}, fmt.Errorf("not a timestamp: %T", v)
}

// likeMatch implements % and _ wildcard matching without regexp.
func likeMatch(pattern, s string) bool {
	// Dynamic two-pointer match with backtracking on the last %.
	var pi, si int
	star, starSi := -1, 0
	for si < len(s) {
		if pi < len(pattern) && (pattern[pi] == '_' || pattern[pi] == s[si]) {
			pi++
			si++
			continue
		}
		if pi < len(pattern) && pattern[pi] == '%' {
			star = pi
			starSi = si
			pi++
			continue
		}
		if star >= 0 {
			pi = star + 1
			starSi++
			si = starSi
			continue
		}
		return false
	}
	for pi < len(pattern) && pattern[pi] == '%' {
		pi++
	}
	return pi == len(pattern)
}
