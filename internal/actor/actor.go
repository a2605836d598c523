package actor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mohammad-safakhou/agentdb/internal/data"
	"github.com/mohammad-safakhou/agentdb/internal/engine"
	"github.com/mohammad-safakhou/agentdb/internal/intent"
	"github.com/mohammad-safakhou/agentdb/internal/notify"
	"github.com/mohammad-safakhou/agentdb/internal/pipeline"
	"github.com/mohammad-safakhou/agentdb/internal/store"
	"github.com/mohammad-safakhou/agentdb/internal/telemetry"
	"github.com/mohammad-safakhou/agentdb/internal/tier"
)

// Persister is the durability collaborator boundary. The Postgres store
// implements it; a nil persister keeps everything in memory.
type Persister interface {
	SaveTableState(ctx context.Context, st store.TableState) error
	LoadTableStates(ctx context.Context, instance string) ([]store.TableState, error)
	SaveSubscription(ctx context.Context, rec store.SubscriptionRecord) error
	DeleteSubscription(ctx context.Context, instance, id string) error
	LoadSubscriptions(ctx context.Context, instance string) ([]store.SubscriptionRecord, error)
}

// TargetResolver turns a serialisable delivery target spec into a live
// target. The composition root decides what specs exist ("log",
// "stream:<name>").
type TargetResolver func(spec string) (notify.Target, error)

// ErrCancelled is returned to a caller whose operation was cancelled while
// still queued. Once dequeued, an operation runs to completion.
var ErrCancelled = fmt.Errorf("operation cancelled while queued")

type turnKind int

const (
	turnOperation turnKind = iota
	turnCandidate
	turnPipeline
	turnCancelWatch
	turnCompact
)

type turnResult struct {
	res    data.ResultSet
	steps  []pipeline.StepResult
	report engine.CompactionReport
	err    error
}

type turn struct {
	id    string
	kind  turnKind
	op    data.Operation
	raw   []byte
	steps []pipeline.Step
	subID string
	reply chan turnResult
}

// Actor is the single-threaded execution context owning one instance's
// entire database state. Every operation, pipeline, and subscription
// change for the instance flows through its mailbox and executes strictly
// one at a time, in arrival order. That serialisation is the concurrency
// model: no locks anywhere below this point.
type Actor struct {
	id        string
	exec      *engine.Executor
	resolver  *intent.Resolver
	notifier  *notify.Notifier
	pipelines *pipeline.Coordinator
	persist   Persister
	targets   TargetResolver
	warmMax   int

	mailbox chan *turn
	quit    chan struct{}
	done    chan struct{}

	mu        sync.Mutex
	cancelled map[string]bool

	dirty  map[string]bool
	logger *log.Logger
}

// Config assembles an actor's collaborators.
type Config struct {
	Instance      string
	Warm          tier.RangeStore
	Cold          tier.RangeStore
	Thresholds    tier.Thresholds
	Resolver      intent.Options
	Persister     Persister
	Targets       TargetResolver
	WarmMaxRanges int
	MailboxSize   int
	Logger        *log.Logger
}

// schemaSource adapts the executor to the resolver's read-only view.
type schemaSource struct{ exec *engine.Executor }

func (s schemaSource) TableSchema(name string) (data.Schema, bool) {
	t := s.exec.Table(name)
	if t == nil {
		return nil, false
	}
	return t.Schema, true
}

func (s schemaSource) TableNames() []string { return s.exec.Tables() }

// New assembles an actor. Call Start to restore persisted state and begin
// draining the mailbox.
func New(cfg Config) *Actor {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.Writer(), fmt.Sprintf("[ACTOR %s] ", cfg.Instance), log.LstdFlags)
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = 128
	}
	warm := cfg.Warm
	if warm == nil {
		warm = tier.NewMemoryRangeStore()
	}
	cold := cfg.Cold
	if cold == nil {
		cold = warm
	}
	tiers := tier.NewManager(cfg.Instance, warm, cold, cfg.Thresholds, logger)
	exec := engine.NewExecutor(tiers, logger)
	targets := cfg.Targets
	if targets == nil {
		targets = LogTargetResolver(logger)
	}

	a := &Actor{
		id:        cfg.Instance,
		exec:      exec,
		resolver:  intent.NewResolver(schemaSource{exec}, cfg.Resolver),
		notifier:  notify.NewNotifier(logger),
		pipelines: pipeline.NewCoordinator(logger),
		persist:   cfg.Persister,
		targets:   targets,
		warmMax:   cfg.WarmMaxRanges,
		mailbox:   make(chan *turn, cfg.MailboxSize),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		cancelled: make(map[string]bool),
		dirty:     make(map[string]bool),
		logger:    logger,
	}
	exec.SetCommitHook(func(table string, event data.EventType, rec data.Record) {
		a.dirty[table] = true
		a.notifier.Publish(table, event, rec)
	})
	// Promotion reads and compaction move rows between tiers without a
	// mutation event; the changed pointer still has to be persisted before
	// the turn is acknowledged.
	exec.SetMigrateHook(func(table string) {
		a.dirty[table] = true
	})
	return a
}

// ID returns the instance identifier.
func (a *Actor) ID() string { return a.id }

// Start restores persisted state and launches the mailbox loop.
func (a *Actor) Start(ctx context.Context) error {
	if a.persist != nil {
		states, err := a.persist.LoadTableStates(ctx, a.id)
		if err != nil {
			return fmt.Errorf("restore %s: %w", a.id, err)
		}
		for _, st := range states {
			a.exec.Tiers().Restore(st.Name, st.Pointer, st.HotRows)
			a.exec.RestoreTable(engine.Table{
				Name: st.Name, Schema: st.Schema, NextKey: st.NextKey, NextRev: st.NextRev,
			}, st.HotRows)
		}
		subs, err := a.persist.LoadSubscriptions(ctx, a.id)
		if err != nil {
			return fmt.Errorf("restore %s subscriptions: %w", a.id, err)
		}
		for _, rec := range subs {
			target, err := a.targets(rec.Target)
			if err != nil {
				a.logger.Printf("subscription %s: unresolvable target %q: %v", rec.ID, rec.Target, err)
				continue
			}
			if _, err := a.notifier.RegisterWatch(notify.Subscription{
				ID: rec.ID, Table: rec.Table, Event: rec.Event,
				Predicate: rec.Predicate, TargetSpec: rec.Target, Target: target,
			}); err != nil {
				return fmt.Errorf("restore subscription %s: %w", rec.ID, err)
			}
		}
		a.logger.Printf("restored %d tables, %d subscriptions", len(states), len(subs))
	}
	go a.run()
	return nil
}

// Stop halts the mailbox loop after the in-flight turn finishes. Queued
// turns are failed back to their callers.
func (a *Actor) Stop() {
	close(a.quit)
	<-a.done
}

func (a *Actor) run() {
	defer close(a.done)
	for {
		select {
		case <-a.quit:
			a.drainFailed()
			return
		case t := <-a.mailbox:
			a.handle(t)
		}
	}
}

func (a *Actor) drainFailed() {
	for {
		select {
		case t := <-a.mailbox:
			t.reply <- turnResult{err: fmt.Errorf("instance %s stopped", a.id)}
		default:
			return
		}
	}
}

func (a *Actor) handle(t *turn) {
	telemetry.ActorQueueDepth.WithLabelValues(a.id).Set(float64(len(a.mailbox)))
	a.mu.Lock()
	wasCancelled := a.cancelled[t.id]
	delete(a.cancelled, t.id)
	a.mu.Unlock()
	if wasCancelled {
		t.reply <- turnResult{err: ErrCancelled}
		return
	}

	started := time.Now()
	// Suspension points inside the turn (promotion reads, outbound
	// delivery) block this goroutine only; nothing else interleaves.
	ctx := context.Background()
	var result turnResult
	switch t.kind {
	case turnOperation:
		// Resolution reads table schemas, so it must run here, on the
		// actor goroutine, not on the caller's.
		op, err := a.resolver.Resolve(t.op)
		if err != nil {
			result.err = err
			break
		}
		result.res, result.err = a.runOperation(ctx, op)
	case turnCandidate:
		op, err := a.resolver.ResolveCandidate(t.raw)
		if err != nil {
			result.err = err
			break
		}
		result.res, result.err = a.runOperation(ctx, op)
	case turnPipeline:
		result.steps, result.err = a.pipelines.Run(ctx, t.steps, a.execStep)
		a.finishTurn(ctx, &result)
	case turnCancelWatch:
		a.notifier.Cancel(t.subID)
		if a.persist != nil {
			result.err = a.persist.DeleteSubscription(ctx, a.id, t.subID)
		}
	case turnCompact:
		result.report, result.err = a.exec.Compact(ctx, a.warmMax)
		a.finishTurn(ctx, &result)
	}
	telemetry.TurnDuration.Observe(time.Since(started).Seconds())
	t.reply <- result
}

// execStep adapts the executor for the pipeline coordinator; watches inside
// pipelines register like any other step.
func (a *Actor) execStep(ctx context.Context, op data.Operation) (data.ResultSet, error) {
	if op.Kind == data.OpWatch {
		return a.registerWatch(ctx, op)
	}
	return a.exec.Execute(ctx, op)
}

// runOperation executes one resolved operation and settles the turn:
// dirty tables persisted, queued notifications dispatched, all before the
// caller sees the result.
func (a *Actor) runOperation(ctx context.Context, op data.Operation) (data.ResultSet, error) {
	var res data.ResultSet
	var err error
	if op.Kind == data.OpWatch {
		res, err = a.registerWatch(ctx, op)
	} else {
		res, err = a.exec.Execute(ctx, op)
	}
	result := turnResult{res: res, err: err}
	a.finishTurn(ctx, &result)
	return result.res, result.err
}

// finishTurn persists every table the turn touched and dispatches queued
// notifications. The durability write is acknowledged before the caller is;
// a persistence failure therefore fails the whole turn.
func (a *Actor) finishTurn(ctx context.Context, result *turnResult) {
	if a.persist != nil {
		for table := range a.dirty {
			t := a.exec.Table(table)
			if t == nil {
				continue
			}
			st := store.TableState{
				Instance: a.id,
				Name:     t.Name,
				Schema:   t.Schema,
				NextKey:  t.NextKey,
				NextRev:  t.NextRev,
				Pointer:  *a.exec.Tiers().Pointer(table),
				HotRows:  a.exec.Tiers().HotRows(table),
			}
			if err := a.persist.SaveTableState(ctx, st); err != nil && result.err == nil {
				result.err = fmt.Errorf("persist %s: %w", table, err)
			}
		}
	}
	a.dirty = make(map[string]bool)
	a.notifier.Dispatch(ctx)
}

func (a *Actor) registerWatch(ctx context.Context, op data.Operation) (data.ResultSet, error) {
	target, err := a.targets(op.Watch.Target)
	if err != nil {
		return data.ResultSet{}, fmt.Errorf("operation %s: %w", op.ID, err)
	}
	id, err := a.notifier.RegisterWatch(notify.Subscription{
		Table:      op.Table,
		Event:      op.Watch.Event,
		Predicate:  op.Predicate,
		TargetSpec: op.Watch.Target,
		Target:     target,
	})
	if err != nil {
		return data.ResultSet{}, err
	}
	if a.persist != nil {
		if err := a.persist.SaveSubscription(ctx, store.SubscriptionRecord{
			Instance: a.id, ID: id, Table: op.Table, Event: op.Watch.Event,
			Predicate: op.Predicate, Target: op.Watch.Target,
		}); err != nil {
			a.notifier.Cancel(id)
			return data.ResultSet{}, err
		}
	}
	rec := data.Record{Fields: map[string]interface{}{"subscription_id": id}}
	return data.ResultSet{Rows: []data.Record{rec}, Count: 1}, nil
}

func (a *Actor) enqueue(ctx context.Context, t *turn) (turnResult, error) {
	t.id = uuid.NewString()
	t.reply = make(chan turnResult, 1)
	select {
	case a.mailbox <- t:
	case <-ctx.Done():
		return turnResult{}, ctx.Err()
	case <-a.quit:
		return turnResult{}, fmt.Errorf("instance %s stopped", a.id)
	}
	telemetry.ActorQueueDepth.WithLabelValues(a.id).Set(float64(len(a.mailbox)))
	select {
	case r := <-t.reply:
		return r, r.err
	case <-ctx.Done():
		// The caller gave up, but once queued the turn runs to
		// completion; only pre-dequeue cancellation exists.
		a.CancelQueued(t.id)
		return turnResult{}, ctx.Err()
	case <-a.done:
		// The loop exited. A handled turn replied before done closed,
		// so favour the reply.
		select {
		case r := <-t.reply:
			return r, r.err
		default:
		}
		return turnResult{}, fmt.Errorf("instance %s stopped", a.id)
	}
}

// CancelQueued marks a queued turn cancelled. Takes effect only if the
// turn has not been dequeued yet; cancelling an unknown or running turn is
// a no-op.
func (a *Actor) CancelQueued(turnID string) {
	a.mu.Lock()
	a.cancelled[turnID] = true
	a.mu.Unlock()
}

// Submit resolves a structured call and executes it as one turn.
// Resolution happens inside the turn: schemas belong to the actor goroutine.
func (a *Actor) Submit(ctx context.Context, op data.Operation) (data.ResultSet, error) {
	r, err := a.enqueue(ctx, &turn{kind: turnOperation, op: op})
	return r.res, err
}

// SubmitCandidate validates classifier output and executes the resolved
// operation. Resolution happens inside the turn so it sees current schemas.
func (a *Actor) SubmitCandidate(ctx context.Context, raw []byte) (data.ResultSet, error) {
	r, err := a.enqueue(ctx, &turn{kind: turnCandidate, raw: raw})
	return r.res, err
}

// SubmitPipeline runs a dependency graph of steps in one turn: one logical
// round trip, no interleaving with other callers.
func (a *Actor) SubmitPipeline(ctx context.Context, steps []pipeline.Step) ([]pipeline.StepResult, error) {
	for i := range steps {
		if steps[i].Op.ID == "" {
			steps[i].Op.ID = uuid.NewString()
		}
	}
	r, err := a.enqueue(ctx, &turn{kind: turnPipeline, steps: steps})
	return r.steps, err
}

// CancelWatch removes a subscription asynchronously; the cancellation takes
// effect before the next notification dispatch. Idempotent.
func (a *Actor) CancelWatch(ctx context.Context, subID string) error {
	_, err := a.enqueue(ctx, &turn{kind: turnCancelWatch, subID: subID})
	return err
}

// Compact runs the compaction pass as a regular turn.
func (a *Actor) Compact(ctx context.Context) (engine.CompactionReport, error) {
	r, err := a.enqueue(ctx, &turn{kind: turnCompact})
	return r.report, err
}

// DeliveryFailures drains accumulated delivery failure reports. Reported,
// never silently retried.
func (a *Actor) DeliveryFailures() []data.ErrDeliveryFailure {
	return a.notifier.Failures()
}

// LogTargetResolver resolves every spec to a target that logs the event.
// The composition root installs stream-backed resolvers in real deployments.
func LogTargetResolver(logger *log.Logger) TargetResolver {
	return func(spec string) (notify.Target, error) {
		return notify.TargetFunc(func(_ context.Context, ev data.Event) error {
			logger.Printf("deliver %s %s on %s (key %d) via %q", ev.Type, ev.SubscriptionID, ev.Table, ev.Record.Key, spec)
			return nil
		}), nil
	}
}
