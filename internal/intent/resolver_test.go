package intent

import (
	"errors"
	"testing"
	"time"

	"github.com/mohammad-safakhou/agentdb/internal/data"
)

type fakeSchemas map[string]data.Schema

func (f fakeSchemas) TableSchema(name string) (data.Schema, bool) {
	s, ok := f[name]
	return s, ok
}

func (f fakeSchemas) TableNames() []string {
	var out []string
	for name := range f {
		out = append(out, name)
	}
	return out
}

func taskSchemas() fakeSchemas {
	return fakeSchemas{
		"tasks": data.Schema{
			"title":      {Type: data.TypeString, Nullable: true},
			"status":     {Type: data.TypeString, Nullable: true},
			"priority":   {Type: data.TypeInt, Nullable: true},
			"created_at": {Type: data.TypeTime, Nullable: true},
			"due_date":   {Type: data.TypeTime, Nullable: true},
		},
	}
}

func TestResolveAssignsIDAndDefaults(t *testing.T) {
	r := NewResolver(taskSchemas(), Options{DefaultLimit: 50})
	op, err := r.Resolve(data.Operation{Kind: data.OpQuery, Table: "tasks"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if op.ID == "" {
		t.Fatalf("resolved operation has no id")
	}
	if len(op.Order) != 1 || op.Order[0].Column != "created_at" || !op.Order[0].Desc {
		t.Fatalf("default order: %+v", op.Order)
	}
	if op.Limit != 50 {
		t.Fatalf("default limit: %d", op.Limit)
	}
}

func TestResolveKeepsExplicitOrderAndLimit(t *testing.T) {
	r := NewResolver(taskSchemas(), Options{DefaultLimit: 50})
	op, err := r.Resolve(data.Operation{
		Kind: data.OpQuery, Table: "tasks",
		Order: []data.OrderTerm{{Column: "priority"}},
		Limit: 5,
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if op.Order[0].Column != "priority" || op.Limit != 5 {
		t.Fatalf("explicit order/limit overwritten: %+v limit=%d", op.Order, op.Limit)
	}
}

func TestResolveUnknownTable(t *testing.T) {
	r := NewResolver(taskSchemas(), Options{})
	_, err := r.Resolve(data.Operation{Kind: data.OpQuery, Table: "ghosts"})
	var ut data.ErrUnknownTable
	if !errors.As(err, &ut) {
		t.Fatalf("got %v", err)
	}
}

func TestResolveInsertIntoNewTablePasses(t *testing.T) {
	r := NewResolver(taskSchemas(), Options{})
	op, err := r.Resolve(data.Operation{
		Kind: data.OpInsert, Table: "brand_new",
		Rows: []map[string]interface{}{{"name": "x"}},
	})
	if err != nil {
		t.Fatalf("insert into unknown table should pass through: %v", err)
	}
	if op.Table != "brand_new" {
		t.Fatalf("table: %s", op.Table)
	}
}

func TestResolveCoercesPredicateLiterals(t *testing.T) {
	r := NewResolver(taskSchemas(), Options{})
	// JSON decoding hands numbers over as float64.
	op, err := r.Resolve(data.Operation{
		Kind: data.OpQuery, Table: "tasks",
		Predicate: &data.Predicate{Op: data.PredEq, Column: "priority", Value: 3.0},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if op.Predicate.Value != int64(3) {
		t.Fatalf("literal not coerced: %T %v", op.Predicate.Value, op.Predicate.Value)
	}
}

func TestResolveRejectsUnknownPredicateColumn(t *testing.T) {
	r := NewResolver(taskSchemas(), Options{})
	_, err := r.Resolve(data.Operation{
		Kind: data.OpQuery, Table: "tasks",
		Predicate: &data.Predicate{Op: data.PredEq, Column: "nope", Value: "x"},
	})
	var sv data.ErrSchemaViolation
	if !errors.As(err, &sv) {
		t.Fatalf("got %v", err)
	}
}

func TestResolveCandidatePicksHighestConfidence(t *testing.T) {
	r := NewResolver(taskSchemas(), Options{})
	raw := []byte(`{
		"phrase": "show my tasks",
		"candidates": [
			{"kind": "query", "confidence": 0.9, "table": "tasks"},
			{"kind": "delete", "confidence": 0.2, "table": "tasks"}
		]
	}`)
	op, err := r.ResolveCandidate(raw)
	if err != nil {
		t.Fatalf("resolve candidate: %v", err)
	}
	if op.Kind != data.OpQuery {
		t.Fatalf("kind: %s", op.Kind)
	}
}

func TestResolveCandidateAmbiguousKinds(t *testing.T) {
	r := NewResolver(taskSchemas(), Options{AmbiguityMargin: 0.1})
	raw := []byte(`{
		"phrase": "clear my tasks",
		"candidates": [
			{"kind": "delete", "confidence": 0.55, "table": "tasks"},
			{"kind": "update", "confidence": 0.50, "table": "tasks"}
		]
	}`)
	_, err := r.ResolveCandidate(raw)
	var amb data.ErrAmbiguousIntent
	if !errors.As(err, &amb) {
		t.Fatalf("got %v", err)
	}
}

func TestResolveCandidateCloseSameKindIsFine(t *testing.T) {
	r := NewResolver(taskSchemas(), Options{AmbiguityMargin: 0.1})
	raw := []byte(`{
		"phrase": "show my tasks",
		"candidates": [
			{"kind": "query", "confidence": 0.55, "table": "tasks"},
			{"kind": "query", "confidence": 0.52, "table": "tasks"}
		]
	}`)
	if _, err := r.ResolveCandidate(raw); err != nil {
		t.Fatalf("same-kind near-ties are not ambiguous: %v", err)
	}
}

func TestResolveCandidateInfersTableFromPhrase(t *testing.T) {
	r := NewResolver(taskSchemas(), Options{})
	raw := []byte(`{
		"phrase": "show me everything in tasks",
		"candidates": [{"kind": "query", "confidence": 0.8}]
	}`)
	op, err := r.ResolveCandidate(raw)
	if err != nil {
		t.Fatalf("resolve candidate: %v", err)
	}
	if op.Table != "tasks" {
		t.Fatalf("table: %q", op.Table)
	}
}

func TestResolveCandidateNoTableInferable(t *testing.T) {
	r := NewResolver(taskSchemas(), Options{})
	raw := []byte(`{
		"phrase": "show me everything",
		"candidates": [{"kind": "query", "confidence": 0.8}]
	}`)
	_, err := r.ResolveCandidate(raw)
	var ut data.ErrUnknownTable
	if !errors.As(err, &ut) {
		t.Fatalf("got %v", err)
	}
}

func TestResolveCandidateRejectsMalformedDocument(t *testing.T) {
	r := NewResolver(taskSchemas(), Options{})
	for _, raw := range []string{
		`{"phrase": "x"}`,
		`{"phrase": "x", "candidates": []}`,
		`{"phrase": "x", "candidates": [{"kind": "explode", "confidence": 0.9}]}`,
		`{"phrase": "x", "candidates": [{"kind": "query", "confidence": 2}]}`,
		`not json`,
	} {
		if _, err := r.ResolveCandidate([]byte(raw)); err == nil {
			t.Fatalf("document %q should fail validation", raw)
		}
	}
}

func TestTodayHeuristicNarrowsToMidnight(t *testing.T) {
	r := NewResolver(taskSchemas(), Options{})
	now := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)
	r.SetClock(func() time.Time { return now })

	raw := []byte(`{
		"phrase": "tasks from today",
		"candidates": [{"kind": "query", "confidence": 0.9, "table": "tasks"}]
	}`)
	op, err := r.ResolveCandidate(raw)
	if err != nil {
		t.Fatalf("resolve candidate: %v", err)
	}
	p := op.Predicate
	if p == nil || p.Op != data.PredGt || p.Column != "created_at" {
		t.Fatalf("predicate: %+v", p)
	}
	cutoff := p.Value.(time.Time)
	midnight := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	if !cutoff.Before(midnight) || midnight.Sub(cutoff) > time.Millisecond {
		t.Fatalf("cutoff %v is not just before midnight %v", cutoff, midnight)
	}
}

func TestOverdueHeuristicAndsWithExistingPredicate(t *testing.T) {
	r := NewResolver(taskSchemas(), Options{})
	now := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)
	r.SetClock(func() time.Time { return now })

	raw := []byte(`{
		"phrase": "overdue tasks still open",
		"candidates": [{
			"kind": "query", "confidence": 0.9, "table": "tasks",
			"predicate": {"op": "eq", "column": "status", "value": "open"}
		}]
	}`)
	op, err := r.ResolveCandidate(raw)
	if err != nil {
		t.Fatalf("resolve candidate: %v", err)
	}
	p := op.Predicate
	if p == nil || p.Op != data.PredAnd || len(p.Kids) != 2 {
		t.Fatalf("predicate: %+v", p)
	}
	if p.Kids[0].Column != "status" {
		t.Fatalf("original predicate lost: %+v", p.Kids[0])
	}
	due := p.Kids[1]
	if due.Op != data.PredLt || due.Column != "due_date" || !due.Value.(time.Time).Equal(now) {
		t.Fatalf("overdue predicate: %+v", due)
	}
}

func TestHeuristicsSkipNonQueries(t *testing.T) {
	r := NewResolver(taskSchemas(), Options{})
	raw := []byte(`{
		"phrase": "delete everything from today",
		"candidates": [{"kind": "delete", "confidence": 0.9, "table": "tasks"}]
	}`)
	op, err := r.ResolveCandidate(raw)
	if err != nil {
		t.Fatalf("resolve candidate: %v", err)
	}
	if op.Predicate != nil {
		t.Fatalf("heuristics applied to a delete: %+v", op.Predicate)
	}
}
