package data

import (
	"errors"
	"fmt"
)

// ErrAmbiguousIntent is returned when a phrase matches more than one
// operation kind with comparable confidence.
type ErrAmbiguousIntent struct {
	Phrase     string
	Candidates []OpKind
}

func (e ErrAmbiguousIntent) Error() string {
	return fmt.Sprintf("ambiguous intent %q: candidates %v", e.Phrase, e.Candidates)
}

// ErrUnknownTable is returned when no table can be inferred and none was
// supplied explicitly.
type ErrUnknownTable struct {
	OperationID string
	Table       string
}

func (e ErrUnknownTable) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("operation %s: no table could be inferred", e.OperationID)
	}
	return fmt.Sprintf("operation %s: unknown table %q", e.OperationID, e.Table)
}

// ErrSchemaViolation is returned when a write is typed against the frozen
// schema, or a filter references a column that does not exist.
type ErrSchemaViolation struct {
	OperationID string
	Table       string
	Column      string
	Reason      string
}

func (e ErrSchemaViolation) Error() string {
	return fmt.Sprintf("operation %s: schema violation on %s.%s: %s", e.OperationID, e.Table, e.Column, e.Reason)
}

// ErrConcurrentModification is reported per affected row of a guarded
// update; other rows in the same batch still apply.
type ErrConcurrentModification struct {
	OperationID string
	Table       string
	Key         int64
	Expected    int64
	Current     int64
}

func (e ErrConcurrentModification) Error() string {
	return fmt.Sprintf("operation %s: row %d of %s moved from revision %d to %d",
		e.OperationID, e.Key, e.Table, e.Expected, e.Current)
}

// ErrTierUnavailable is returned when a promotion read could not reach warm
// or cold storage. The tier pointer is never left partially migrated.
type ErrTierUnavailable struct {
	Table string
	Tier  Tier
	Cause error
}

func (e ErrTierUnavailable) Error() string {
	return fmt.Sprintf("%s tier unavailable for table %s: %v", e.Tier, e.Table, e.Cause)
}

func (e ErrTierUnavailable) Unwrap() error { return e.Cause }

// ErrDeliveryFailure reports an undeliverable notification. The underlying
// mutation is authoritative regardless; retry policy belongs to the
// transport collaborator.
type ErrDeliveryFailure struct {
	SubscriptionID string
	Table          string
	Cause          error
}

func (e ErrDeliveryFailure) Error() string {
	return fmt.Sprintf("delivery to subscription %s on %s failed: %v", e.SubscriptionID, e.Table, e.Cause)
}

func (e ErrDeliveryFailure) Unwrap() error { return e.Cause }

// ErrCyclicDependency aborts an entire pipeline before any step runs.
var ErrCyclicDependency = errors.New("pipeline dependency graph has a cycle")

// ErrSkippedDependency marks a pipeline step skipped because something it
// depends on, directly or transitively, failed.
type ErrSkippedDependency struct {
	StepID   string
	FailedID string
}

func (e ErrSkippedDependency) Error() string {
	return fmt.Sprintf("step %s skipped: dependency %s failed", e.StepID, e.FailedID)
}
