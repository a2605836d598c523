package notify

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/mohammad-safakhou/agentdb/internal/data"
	"github.com/mohammad-safakhou/agentdb/internal/telemetry"
)

// Target delivers one event outward. The transport collaborator behind it
// owns retries and deduplication; delivery here is at-least-once.
type Target interface {
	Deliver(ctx context.Context, ev data.Event) error
}

// TargetFunc adapts a function to the Target interface.
type TargetFunc func(ctx context.Context, ev data.Event) error

// Deliver implements Target.
func (f TargetFunc) Deliver(ctx context.Context, ev data.Event) error { return f(ctx, ev) }

// Subscription is a standing watch over one table's mutations. TargetSpec
// is the serialisable description of the delivery target ("stream:name",
// "log"); Target is its live form.
type Subscription struct {
	ID         string
	Table      string
	Event      data.EventType
	Predicate  *data.Predicate
	TargetSpec string
	Target     Target
}

type queued struct {
	subID string
	event data.Event
}

// Notifier matches committed mutations against registered watches and
// delivers matching events in commit order. Publish is called synchronously
// by the executor's commit hook; Dispatch drains the queue at the end of the
// actor turn, before the caller is acknowledged. Not safe for concurrent
// use; the owning actor serialises everything.
type Notifier struct {
	subs  map[string]*Subscription
	queue []queued

	// failures is the one piece of state read from outside the actor,
	// so it gets its own lock.
	fmu      sync.Mutex
	failures []data.ErrDeliveryFailure

	logger *log.Logger
}

// NewNotifier creates an empty notifier.
func NewNotifier(logger *log.Logger) *Notifier {
	if logger == nil {
		logger = log.New(log.Writer(), "[NOTIFY] ", log.LstdFlags)
	}
	return &Notifier{subs: make(map[string]*Subscription), logger: logger}
}

// RegisterWatch adds a subscription and returns its ID.
func (n *Notifier) RegisterWatch(sub Subscription) (string, error) {
	if sub.Table == "" {
		return "", fmt.Errorf("subscription requires a table")
	}
	if sub.Target == nil {
		return "", fmt.Errorf("subscription requires a delivery target")
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	n.subs[sub.ID] = &sub
	return sub.ID, nil
}

// Cancel removes a subscription. Cancelling an unknown or already-cancelled
// ID is a no-op, not an error.
func (n *Notifier) Cancel(id string) {
	delete(n.subs, id)
}

// Subscriptions returns the active subscriptions, for persistence and
// inspection.
func (n *Notifier) Subscriptions() []Subscription {
	out := make([]Subscription, 0, len(n.subs))
	for _, s := range n.subs {
		out = append(out, *s)
	}
	return out
}

// Publish enqueues the mutation for every matching subscriber. It runs
// inside the commit path: events are queued before the mutating caller can
// observe its result. Predicates are evaluated against the post-mutation
// record; delete tombstones still carry their last-known values, so a
// terminal delete event can match.
func (n *Notifier) Publish(table string, event data.EventType, rec data.Record) {
	for _, sub := range n.subs {
		if sub.Table != table || sub.Event != event {
			continue
		}
		match := rec
		// A tombstone would short-circuit predicate evaluation; the
		// delete watch matches on the last-known values instead.
		if event == data.EventDelete {
			match.Deleted = false
		}
		ok, err := sub.Predicate.Eval(match, nil)
		if err != nil {
			n.logger.Printf("subscription %s: predicate error: %v", sub.ID, err)
			continue
		}
		if !ok {
			continue
		}
		n.queue = append(n.queue, queued{
			subID: sub.ID,
			event: data.Event{Table: table, Type: event, Record: rec.Clone(), SubscriptionID: sub.ID},
		})
	}
}

// Dispatch drains the queue in enqueue order, which is commit order per
// subscriber. A failed delivery is reported and dropped, never rolled back
// or silently retried: retry policy belongs to the transport collaborator.
// A subscriber with an unreachable target stays registered until it is
// explicitly cancelled.
func (n *Notifier) Dispatch(ctx context.Context) {
	pending := n.queue
	n.queue = nil
	for _, q := range pending {
		sub, ok := n.subs[q.subID]
		if !ok {
			// Cancelled after enqueue; cancellation takes effect
			// before the next dispatch.
			continue
		}
		if err := sub.Target.Deliver(ctx, q.event); err != nil {
			failure := data.ErrDeliveryFailure{SubscriptionID: sub.ID, Table: sub.Table, Cause: err}
			n.fmu.Lock()
			n.failures = append(n.failures, failure)
			n.fmu.Unlock()
			n.logger.Printf("%v", failure)
			telemetry.Deliveries.WithLabelValues("failed").Inc()
			continue
		}
		telemetry.Deliveries.WithLabelValues("delivered").Inc()
	}
}

// Failures drains and returns the accumulated delivery failure reports.
func (n *Notifier) Failures() []data.ErrDeliveryFailure {
	n.fmu.Lock()
	defer n.fmu.Unlock()
	out := n.failures
	n.failures = nil
	return out
}
