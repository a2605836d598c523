package actor

import (
	"context"
	"testing"

	"github.com/mohammad-safakhou/agentdb/internal/data"
)

func testFactory() Factory {
	return func(instance string) *Actor {
		return New(Config{Instance: instance})
	}
}

func TestRegistryIsolatesInstances(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(testFactory(), nil, nil)
	defer r.StopAll()

	alice, err := r.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("get alice: %v", err)
	}
	bob, err := r.Get(ctx, "bob")
	if err != nil {
		t.Fatalf("get bob: %v", err)
	}

	if _, err := alice.Submit(ctx, data.Operation{
		Kind: data.OpInsert, Table: "tasks",
		Rows: []map[string]interface{}{{"title": "alice only"}},
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// Bob never wrote, so his table does not exist at all.
	if _, err := bob.Submit(ctx, data.Operation{Kind: data.OpQuery, Table: "tasks"}); err == nil {
		t.Fatalf("bob should not see alice's table")
	}
}

func TestRegistryReturnsSameActor(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(testFactory(), nil, nil)
	defer r.StopAll()

	a1, err := r.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	a2, err := r.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if a1 != a2 {
		t.Fatalf("second Get built a new actor")
	}
	if _, err := r.Get(ctx, ""); err == nil {
		t.Fatalf("empty instance id should fail")
	}
}

func TestRegistryDestroyRunsCleanup(t *testing.T) {
	ctx := context.Background()
	var cleaned []string
	r := NewRegistry(testFactory(), func(_ context.Context, instance string) error {
		cleaned = append(cleaned, instance)
		return nil
	}, nil)

	if _, err := r.Get(ctx, "alice"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if err := r.Destroy(ctx, "alice"); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if len(cleaned) != 1 || cleaned[0] != "alice" {
		t.Fatalf("cleanup calls: %v", cleaned)
	}
	if got := r.Instances(); len(got) != 0 {
		t.Fatalf("still running: %v", got)
	}
}

func TestScheduleCompactionRejectsBadExpression(t *testing.T) {
	r := NewRegistry(testFactory(), nil, nil)
	if err := r.ScheduleCompaction(context.Background(), "not a cron"); err == nil {
		t.Fatalf("expected parse error")
	}
}
