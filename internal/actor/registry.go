package actor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorhill/cronexpr"
)

// Factory builds an actor for an instance ID. The composition root wires
// the shared stores and target resolver here.
type Factory func(instance string) *Actor

// Registry maps instance IDs to running actors. An actor is started lazily
// on first use; exactly one actor owns a given instance's state at any
// time.
type Registry struct {
	mu      sync.Mutex
	actors  map[string]*Actor
	factory Factory
	cleanup func(ctx context.Context, instance string) error
	logger  *log.Logger
}

// NewRegistry creates a registry. cleanup, when non-nil, removes an
// instance's persisted subscriptions on Destroy.
func NewRegistry(factory Factory, cleanup func(ctx context.Context, instance string) error, logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.New(log.Writer(), "[REGISTRY] ", log.LstdFlags)
	}
	return &Registry{
		actors:  make(map[string]*Actor),
		factory: factory,
		cleanup: cleanup,
		logger:  logger,
	}
}

// Get returns the running actor for an instance, starting one if needed.
func (r *Registry) Get(ctx context.Context, instance string) (*Actor, error) {
	if instance == "" {
		return nil, fmt.Errorf("instance id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.actors[instance]; ok {
		return a, nil
	}
	a := r.factory(instance)
	if err := a.Start(ctx); err != nil {
		return nil, err
	}
	r.actors[instance] = a
	r.logger.Printf("instance %s started", instance)
	return a, nil
}

// Instances lists the currently running instance IDs.
func (r *Registry) Instances() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.actors))
	for id := range r.actors {
		out = append(out, id)
	}
	return out
}

// Stop halts one instance's actor. Its persisted state remains; a later
// Get restores it.
func (r *Registry) Stop(instance string) {
	r.mu.Lock()
	a, ok := r.actors[instance]
	delete(r.actors, instance)
	r.mu.Unlock()
	if ok {
		a.Stop()
		r.logger.Printf("instance %s stopped", instance)
	}
}

// Destroy tears an instance down: the actor stops and its subscriptions
// are destroyed with it.
func (r *Registry) Destroy(ctx context.Context, instance string) error {
	r.Stop(instance)
	if r.cleanup != nil {
		return r.cleanup(ctx, instance)
	}
	return nil
}

// StopAll halts every running actor, typically on shutdown.
func (r *Registry) StopAll() {
	for _, id := range r.Instances() {
		r.Stop(id)
	}
}

// CompactAll runs the compaction pass on every running instance.
func (r *Registry) CompactAll(ctx context.Context) {
	for _, id := range r.Instances() {
		r.mu.Lock()
		a, ok := r.actors[id]
		r.mu.Unlock()
		if !ok {
			continue
		}
		report, err := a.Compact(ctx)
		if err != nil {
			r.logger.Printf("instance %s: compaction failed: %v", id, err)
			continue
		}
		if report.TombstonesPurged > 0 || report.RangesDemoted > 0 {
			r.logger.Printf("instance %s: purged %d tombstones, demoted %d ranges", id, report.TombstonesPurged, report.RangesDemoted)
		}
	}
}

// ScheduleCompaction runs CompactAll on the given cron expression until the
// context is cancelled.
func (r *Registry) ScheduleCompaction(ctx context.Context, expr string) error {
	schedule, err := cronexpr.Parse(expr)
	if err != nil {
		return fmt.Errorf("parse compaction schedule %q: %w", expr, err)
	}
	go func() {
		for {
			next := schedule.Next(time.Now())
			if next.IsZero() {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Until(next)):
				r.CompactAll(ctx)
			}
		}
	}()
	return nil
}
