package notify

import (
	"context"
	"fmt"
	"testing"

	"github.com/mohammad-safakhou/agentdb/internal/data"
)

type captureTarget struct {
	events []data.Event
	fail   bool
}

func (c *captureTarget) Deliver(_ context.Context, ev data.Event) error {
	if c.fail {
		return fmt.Errorf("target unreachable")
	}
	c.events = append(c.events, ev)
	return nil
}

func record(key int64, fields map[string]interface{}) data.Record {
	return data.Record{Key: key, Revision: key, Fields: fields}
}

func TestDispatchInCommitOrder(t *testing.T) {
	n := NewNotifier(nil)
	target := &captureTarget{}
	if _, err := n.RegisterWatch(Subscription{
		Table: "tasks", Event: data.EventInsert, Target: target,
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	for i := int64(1); i <= 3; i++ {
		n.Publish("tasks", data.EventInsert, record(i, map[string]interface{}{"n": i}))
	}
	n.Dispatch(context.Background())

	if len(target.events) != 3 {
		t.Fatalf("delivered %d events", len(target.events))
	}
	for i, ev := range target.events {
		if ev.Record.Key != int64(i+1) {
			t.Fatalf("event %d carries key %d", i, ev.Record.Key)
		}
	}
}

func TestPublishFiltersTableEventAndPredicate(t *testing.T) {
	n := NewNotifier(nil)
	target := &captureTarget{}
	if _, err := n.RegisterWatch(Subscription{
		Table: "tasks", Event: data.EventUpdate,
		Predicate: &data.Predicate{Op: data.PredEq, Column: "status", Value: "done"},
		Target:    target,
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	n.Publish("tasks", data.EventInsert, record(1, map[string]interface{}{"status": "done"}))
	n.Publish("notes", data.EventUpdate, record(2, map[string]interface{}{"status": "done"}))
	n.Publish("tasks", data.EventUpdate, record(3, map[string]interface{}{"status": "open"}))
	n.Publish("tasks", data.EventUpdate, record(4, map[string]interface{}{"status": "done"}))
	n.Dispatch(context.Background())

	if len(target.events) != 1 || target.events[0].Record.Key != 4 {
		t.Fatalf("events: %+v", target.events)
	}
}

func TestDeleteEventMatchesOnLastValues(t *testing.T) {
	n := NewNotifier(nil)
	target := &captureTarget{}
	if _, err := n.RegisterWatch(Subscription{
		Table: "tasks", Event: data.EventDelete,
		Predicate: &data.Predicate{Op: data.PredEq, Column: "status", Value: "open"},
		Target:    target,
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	tomb := record(1, map[string]interface{}{"status": "open"})
	tomb.Deleted = true
	n.Publish("tasks", data.EventDelete, tomb)
	n.Dispatch(context.Background())

	if len(target.events) != 1 {
		t.Fatalf("tombstone did not match the delete watch")
	}
	if !target.events[0].Record.Deleted {
		t.Fatalf("delivered record lost its tombstone flag")
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	n := NewNotifier(nil)
	target := &captureTarget{}
	id, err := n.RegisterWatch(Subscription{Table: "tasks", Event: data.EventInsert, Target: target})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	n.Cancel(id)
	n.Cancel(id)
	n.Cancel("never-existed")

	n.Publish("tasks", data.EventInsert, record(1, nil))
	n.Dispatch(context.Background())
	if len(target.events) != 0 {
		t.Fatalf("cancelled subscription still delivered")
	}
}

func TestCancelAfterEnqueueSkipsDelivery(t *testing.T) {
	n := NewNotifier(nil)
	target := &captureTarget{}
	id, err := n.RegisterWatch(Subscription{Table: "tasks", Event: data.EventInsert, Target: target})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	n.Publish("tasks", data.EventInsert, record(1, nil))
	n.Cancel(id)
	n.Dispatch(context.Background())
	if len(target.events) != 0 {
		t.Fatalf("cancellation should take effect before the next dispatch")
	}
}

func TestDeliveryFailureIsReportedNotRetried(t *testing.T) {
	n := NewNotifier(nil)
	target := &captureTarget{fail: true}
	id, err := n.RegisterWatch(Subscription{Table: "tasks", Event: data.EventInsert, Target: target})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	n.Publish("tasks", data.EventInsert, record(1, nil))
	n.Dispatch(context.Background())

	failures := n.Failures()
	if len(failures) != 1 || failures[0].SubscriptionID != id {
		t.Fatalf("failures: %+v", failures)
	}
	if got := n.Failures(); len(got) != 0 {
		t.Fatalf("Failures should drain, got %+v", got)
	}

	// The subscription stays registered and the queue does not replay.
	target.fail = false
	n.Dispatch(context.Background())
	if len(target.events) != 0 {
		t.Fatalf("failed delivery was retried")
	}
	n.Publish("tasks", data.EventInsert, record(2, nil))
	n.Dispatch(context.Background())
	if len(target.events) != 1 || target.events[0].Record.Key != 2 {
		t.Fatalf("subscription should survive a failed delivery: %+v", target.events)
	}
}

func TestRegisterWatchValidation(t *testing.T) {
	n := NewNotifier(nil)
	if _, err := n.RegisterWatch(Subscription{Event: data.EventInsert, Target: &captureTarget{}}); err == nil {
		t.Fatalf("missing table should fail")
	}
	if _, err := n.RegisterWatch(Subscription{Table: "tasks", Event: data.EventInsert}); err == nil {
		t.Fatalf("missing target should fail")
	}
}
