package data

import "fmt"

// OpKind enumerates the canonical operation kinds the executor accepts.
type OpKind string

const (
	OpQuery  OpKind = "query"
	OpInsert OpKind = "insert"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
	OpWatch  OpKind = "watch"
)

// OrderTerm is one sort key of a query. Ties are always broken by ascending
// revision so ordering is stable.
type OrderTerm struct {
	Column string `json:"column"`
	Desc   bool   `json:"desc,omitempty"`
}

// WatchSpec carries the subscription parameters of a watch operation.
type WatchSpec struct {
	Event  EventType `json:"event"`
	Target string    `json:"target"`
}

// Operation is the canonical, resolved unit of work. Immutable once
// resolved; the executor accepts nothing else.
type Operation struct {
	ID    string `json:"id"`
	Kind  OpKind `json:"kind"`
	Table string `json:"table"`

	Predicate *Predicate `json:"predicate,omitempty"`

	// Insert rows (one or more) or update patch.
	Rows  []map[string]interface{} `json:"rows,omitempty"`
	Patch map[string]interface{}   `json:"patch,omitempty"`

	// ExpectedRevisions, when non-empty, makes the update optimistic: a
	// targeted row whose current revision differs fails with
	// ConcurrentModification while other rows still apply.
	ExpectedRevisions map[int64]int64 `json:"expected_revisions,omitempty"`

	Order []OrderTerm `json:"order,omitempty"`
	Limit int         `json:"limit,omitempty"`

	Watch *WatchSpec `json:"watch,omitempty"`
}

// Validate performs kind-specific structural checks that do not require a
// schema. Schema-aware validation lives in the intent resolver.
func (op Operation) Validate() error {
	if op.Table == "" {
		return fmt.Errorf("operation %s: table is required", op.ID)
	}
	switch op.Kind {
	case OpQuery:
	case OpInsert:
		if len(op.Rows) == 0 {
			return fmt.Errorf("operation %s: insert requires at least one row", op.ID)
		}
	case OpUpdate:
		if len(op.Patch) == 0 {
			return fmt.Errorf("operation %s: update requires a patch", op.ID)
		}
	case OpDelete:
	case OpWatch:
		if op.Watch == nil {
			return fmt.Errorf("operation %s: watch requires a watch spec", op.ID)
		}
		switch op.Watch.Event {
		case EventInsert, EventUpdate, EventDelete:
		default:
			return fmt.Errorf("operation %s: unknown watch event %q", op.ID, op.Watch.Event)
		}
	default:
		return fmt.Errorf("operation %s: unknown kind %q", op.ID, op.Kind)
	}
	if op.Limit < 0 {
		return fmt.Errorf("operation %s: limit must be >= 0", op.ID)
	}
	return nil
}

// Placeholder is a reference to the output of an earlier pipeline step. It
// may appear wherever a literal could: predicate values, patch values, or
// an `in` list. The coordinator substitutes it before execution.
type Placeholder struct {
	Step string `json:"step"`
	// Path selects what to extract from the step's ResultSet: "keys",
	// "rows", "count", or "first.<column>".
	Path string `json:"path"`
}

// IsPlaceholder reports whether a decoded literal is a placeholder
// reference, i.e. a {"$step": ..., "$path": ...} object.
func IsPlaceholder(v interface{}) (Placeholder, bool) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return Placeholder{}, false
	}
	step, ok := m["$step"].(string)
	if !ok || step == "" {
		return Placeholder{}, false
	}
	path, _ := m["$path"].(string)
	if path == "" {
		path = "keys"
	}
	return Placeholder{Step: step, Path: path}, true
}
