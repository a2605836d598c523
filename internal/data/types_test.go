package data

import (
	"testing"
	"time"
)

func TestInferSchema(t *testing.T) {
	s, err := InferSchema(map[string]interface{}{
		"title":    "fix the roof",
		"priority": int64(2),
		"score":    0.5,
		"done":     false,
		"due":      time.Now(),
		"note":     nil,
	})
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	want := map[string]ColumnType{
		"title":    TypeString,
		"priority": TypeInt,
		"score":    TypeFloat,
		"done":     TypeBool,
		"due":      TypeTime,
		"note":     TypeString,
	}
	for col, wt := range want {
		def, ok := s[col]
		if !ok {
			t.Fatalf("column %q missing", col)
		}
		if def.Type != wt {
			t.Fatalf("column %q: got %s want %s", col, def.Type, wt)
		}
		if !def.Nullable {
			t.Fatalf("column %q: inferred columns are nullable", col)
		}
	}
}

func TestInferSchemaRejectsUnsupported(t *testing.T) {
	if _, err := InferSchema(map[string]interface{}{"bad": []string{"x"}}); err == nil {
		t.Fatalf("expected error for unsupported value type")
	}
}

func TestCoerce(t *testing.T) {
	v, err := Coerce(3.0, TypeInt)
	if err != nil {
		t.Fatalf("coerce whole float: %v", err)
	}
	if v.(int64) != 3 {
		t.Fatalf("got %v", v)
	}
	if _, err := Coerce(3.5, TypeInt); err == nil {
		t.Fatalf("fractional float must not coerce to int")
	}
	v, err = Coerce(int64(2), TypeFloat)
	if err != nil {
		t.Fatalf("coerce int to float: %v", err)
	}
	if v.(float64) != 2.0 {
		t.Fatalf("got %v", v)
	}
	ts := "2026-03-01T12:00:00Z"
	v, err = Coerce(ts, TypeTime)
	if err != nil {
		t.Fatalf("coerce RFC3339: %v", err)
	}
	if v.(time.Time).Format(time.RFC3339) != ts {
		t.Fatalf("got %v", v)
	}
	if _, err := Coerce("not a time", TypeTime); err == nil {
		t.Fatalf("expected time parse error")
	}
	v, err = Coerce(nil, TypeString)
	if err != nil || v != nil {
		t.Fatalf("nil should coerce to nil, got %v, %v", v, err)
	}
	if _, err := Coerce(true, TypeString); err == nil {
		t.Fatalf("bool must not coerce to string")
	}
}

func TestRecordClone(t *testing.T) {
	orig := Record{Key: 1, Revision: 2, Fields: map[string]interface{}{"a": "x"}}
	cp := orig.Clone()
	cp.Fields["a"] = "y"
	if orig.Fields["a"] != "x" {
		t.Fatalf("clone shares field map")
	}
}

func TestRevRangeContains(t *testing.T) {
	r := RevRange{Lo: 5, Hi: 9}
	for _, rev := range []int64{5, 7, 9} {
		if !r.Contains(rev) {
			t.Fatalf("range should contain %d", rev)
		}
	}
	for _, rev := range []int64{4, 10} {
		if r.Contains(rev) {
			t.Fatalf("range should not contain %d", rev)
		}
	}
}

func TestOperationValidate(t *testing.T) {
	if err := (Operation{ID: "a", Kind: OpQuery}).Validate(); err == nil {
		t.Fatalf("missing table should fail")
	}
	if err := (Operation{ID: "a", Kind: OpInsert, Table: "tasks"}).Validate(); err == nil {
		t.Fatalf("insert without rows should fail")
	}
	if err := (Operation{ID: "a", Kind: OpUpdate, Table: "tasks"}).Validate(); err == nil {
		t.Fatalf("update without patch should fail")
	}
	if err := (Operation{ID: "a", Kind: OpWatch, Table: "tasks"}).Validate(); err == nil {
		t.Fatalf("watch without spec should fail")
	}
	if err := (Operation{ID: "a", Kind: OpWatch, Table: "tasks", Watch: &WatchSpec{Event: "boom", Target: "log"}}).Validate(); err == nil {
		t.Fatalf("unknown watch event should fail")
	}
	ok := Operation{ID: "a", Kind: OpWatch, Table: "tasks", Watch: &WatchSpec{Event: EventInsert, Target: "log"}}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid watch rejected: %v", err)
	}
}

func TestIsPlaceholder(t *testing.T) {
	ph, ok := IsPlaceholder(map[string]interface{}{"$step": "A", "$path": "count"})
	if !ok || ph.Step != "A" || ph.Path != "count" {
		t.Fatalf("got %+v, %v", ph, ok)
	}
	ph, ok = IsPlaceholder(map[string]interface{}{"$step": "A"})
	if !ok || ph.Path != "keys" {
		t.Fatalf("default path should be keys, got %+v", ph)
	}
	if _, ok := IsPlaceholder(map[string]interface{}{"step": "A"}); ok {
		t.Fatalf("plain map mistaken for placeholder")
	}
	if _, ok := IsPlaceholder("A"); ok {
		t.Fatalf("string mistaken for placeholder")
	}
}
