package data

import (
	"testing"
	"time"
)

func rec(key int64, fields map[string]interface{}) Record {
	return Record{Key: key, Revision: key, Fields: fields}
}

func TestEvalComparisons(t *testing.T) {
	r := rec(1, map[string]interface{}{
		"status":   "open",
		"priority": int64(3),
		"score":    1.5,
		"done":     false,
	})

	cases := []struct {
		name string
		pred *Predicate
		want bool
	}{
		{"eq string", &Predicate{Op: PredEq, Column: "status", Value: "open"}, true},
		{"eq mismatch", &Predicate{Op: PredEq, Column: "status", Value: "closed"}, false},
		{"neq", &Predicate{Op: PredNeq, Column: "status", Value: "closed"}, true},
		{"gt int", &Predicate{Op: PredGt, Column: "priority", Value: int64(2)}, true},
		{"lt float", &Predicate{Op: PredLt, Column: "score", Value: 2.0}, true},
		{"int vs float", &Predicate{Op: PredEq, Column: "priority", Value: 3.0}, true},
		{"in hit", &Predicate{Op: PredIn, Column: "status", Values: []interface{}{"closed", "open"}}, true},
		{"in miss", &Predicate{Op: PredIn, Column: "status", Values: []interface{}{"closed"}}, false},
		{"is null on present", &Predicate{Op: PredIs, Column: "status", Value: true}, false},
		{"is null on absent", &Predicate{Op: PredIs, Column: "missing", Value: true}, true},
		{"is not null on absent", &Predicate{Op: PredIs, Column: "missing", Value: false}, false},
		{"and", &Predicate{Op: PredAnd, Kids: []*Predicate{
			{Op: PredEq, Column: "status", Value: "open"},
			{Op: PredGt, Column: "priority", Value: int64(1)},
		}}, true},
		{"or short circuit", &Predicate{Op: PredOr, Kids: []*Predicate{
			{Op: PredEq, Column: "status", Value: "closed"},
			{Op: PredEq, Column: "done", Value: false},
		}}, true},
		{"not", &Predicate{Op: PredNot, Kids: []*Predicate{
			{Op: PredEq, Column: "status", Value: "closed"},
		}}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.pred.Eval(r, nil)
			if err != nil {
				t.Fatalf("eval: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %v want %v", got, tc.want)
			}
		})
	}
}

func TestEvalNilPredicateMatchesLive(t *testing.T) {
	var p *Predicate
	ok, err := p.Eval(rec(1, nil), nil)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if !ok {
		t.Fatalf("nil predicate should match a live record")
	}
}

func TestEvalDeletedNeverMatches(t *testing.T) {
	r := rec(1, map[string]interface{}{"status": "open"})
	r.Deleted = true
	var p *Predicate
	if ok, _ := p.Eval(r, nil); ok {
		t.Fatalf("tombstone matched a nil predicate")
	}
	eq := &Predicate{Op: PredEq, Column: "status", Value: "open"}
	if ok, _ := eq.Eval(r, nil); ok {
		t.Fatalf("tombstone matched an eq predicate")
	}
}

func TestEvalNullComparisons(t *testing.T) {
	r := rec(1, map[string]interface{}{"status": nil})
	if ok, _ := (&Predicate{Op: PredEq, Column: "status", Value: "open"}).Eval(r, nil); ok {
		t.Fatalf("null compared equal")
	}
	if ok, _ := (&Predicate{Op: PredGt, Column: "status", Value: "a"}).Eval(r, nil); ok {
		t.Fatalf("null compared greater")
	}
	ok, _ := (&Predicate{Op: PredNeq, Column: "status", Value: "open"}).Eval(r, nil)
	if !ok {
		t.Fatalf("null should be unequal to a non-null literal")
	}
}

func TestEvalPseudoColumns(t *testing.T) {
	r := Record{Key: 42, Revision: 7, Fields: map[string]interface{}{}}
	ok, err := (&Predicate{Op: PredIn, Column: "key", Values: []interface{}{int64(41), int64(42)}}).Eval(r, nil)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if !ok {
		t.Fatalf("key pseudo-column did not resolve")
	}
	ok, _ = (&Predicate{Op: PredGt, Column: "revision", Value: int64(6)}).Eval(r, nil)
	if !ok {
		t.Fatalf("revision pseudo-column did not resolve")
	}
}

func TestEvalTimeComparison(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := rec(1, map[string]interface{}{"created_at": now})
	ok, err := (&Predicate{Op: PredGt, Column: "created_at", Value: now.Add(-time.Hour)}).Eval(r, nil)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if !ok {
		t.Fatalf("time gt failed")
	}
	// RFC3339 strings compare as timestamps.
	ok, err = (&Predicate{Op: PredLt, Column: "created_at", Value: now.Add(time.Hour).Format(time.RFC3339)}).Eval(r, nil)
	if err != nil {
		t.Fatalf("eval with string literal: %v", err)
	}
	if !ok {
		t.Fatalf("time lt against RFC3339 literal failed")
	}
}

func TestEvalMatchesUsesKeySet(t *testing.T) {
	r := rec(5, map[string]interface{}{"body": "hello"})
	p := &Predicate{Op: PredMatches, Column: "body", Value: "hello"}
	if _, err := p.Eval(r, nil); err == nil {
		t.Fatalf("matches without a key set should error")
	}
	ok, err := p.Eval(r, MatchKeys{5: true})
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if !ok {
		t.Fatalf("matches did not consult the key set")
	}
}

func TestLikeMatch(t *testing.T) {
	cases := []struct {
		pattern, s string
		want       bool
	}{
		{"hello", "hello", true},
		{"hel%", "hello", true},
		{"%llo", "hello", true},
		{"%ell%", "hello", true},
		{"h_llo", "hello", true},
		{"h_llo", "hllo", false},
		{"%", "", true},
		{"", "", true},
		{"", "x", false},
		{"a%b%c", "axxbyyc", true},
		{"a%b%c", "axxbyy", false},
		{"%a%a%", "banana", true},
	}
	for _, tc := range cases {
		if got := likeMatch(tc.pattern, tc.s); got != tc.want {
			t.Fatalf("likeMatch(%q, %q) = %v, want %v", tc.pattern, tc.s, got, tc.want)
		}
	}
}

func TestColumnsAndHasOp(t *testing.T) {
	p := &Predicate{Op: PredAnd, Kids: []*Predicate{
		{Op: PredEq, Column: "status", Value: "open"},
		{Op: PredOr, Kids: []*Predicate{
			{Op: PredGt, Column: "priority", Value: 1},
			{Op: PredMatches, Column: "body", Value: "urgent"},
		}},
		{Op: PredEq, Column: "status", Value: "open"},
	}}
	cols := p.Columns()
	if len(cols) != 3 || cols[0] != "status" || cols[1] != "priority" || cols[2] != "body" {
		t.Fatalf("unexpected columns: %v", cols)
	}
	if !p.HasOp(PredMatches) {
		t.Fatalf("HasOp missed matches")
	}
	if p.HasOp(PredLike) {
		t.Fatalf("HasOp found an absent op")
	}
}
