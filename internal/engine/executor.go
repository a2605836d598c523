package engine

import (
	"context"
	"fmt"
	"log"
	"sort"

	"github.com/mohammad-safakhou/agentdb/internal/data"
	"github.com/mohammad-safakhou/agentdb/internal/telemetry"
	"github.com/mohammad-safakhou/agentdb/internal/tier"
)

// Table holds the logical state of one table: the frozen schema and the
// per-table key and revision counters. Row residency belongs to the tier
// manager.
type Table struct {
	Name    string      `json:"name"`
	Schema  data.Schema `json:"schema"`
	NextKey int64       `json:"next_key"`
	NextRev int64       `json:"next_rev"`
}

// CommitHook observes each committed mutation. The actor wires it to the
// change notifier; it runs synchronously, after the write is applied and
// before the caller sees its result.
type CommitHook func(table string, event data.EventType, rec data.Record)

// Executor applies canonical operations against whichever tier holds the
// relevant rows, promoting as needed. Like the tier manager it relies on
// the owning actor for serialisation.
type Executor struct {
	tables    map[string]*Table
	tiers     *tier.Manager
	search    *Search
	onCommit  CommitHook
	onMigrate func(table string)
	logger    *log.Logger
}

// NewExecutor builds an executor over the given tier manager.
func NewExecutor(tiers *tier.Manager, logger *log.Logger) *Executor {
	if logger == nil {
		logger = log.New(log.Writer(), "[EXEC] ", log.LstdFlags)
	}
	return &Executor{
		tables: make(map[string]*Table),
		tiers:  tiers,
		search: NewSearch(),
		logger: logger,
	}
}

// SetCommitHook installs the mutation observer. Must be called before the
// first Execute.
func (e *Executor) SetCommitHook(h CommitHook) { e.onCommit = h }

// SetMigrateHook installs an observer for tier migrations that happen
// outside a mutation: promotion reads and compaction. The actor uses it to
// persist the changed pointer before acknowledging the turn.
func (e *Executor) SetMigrateHook(h func(table string)) { e.onMigrate = h }

func (e *Executor) migrated(table string) {
	if e.onMigrate != nil {
		e.onMigrate(table)
	}
}

// Tiers exposes the tier manager, mainly for the compaction pass.
func (e *Executor) Tiers() *tier.Manager { return e.tiers }

// Table returns logical table state, or nil when the table has never been
// written.
func (e *Executor) Table(name string) *Table { return e.tables[name] }

// Tables lists every known table name.
func (e *Executor) Tables() []string {
	out := make([]string, 0, len(e.tables))
	for name := range e.tables {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// RestoreTable reinstates logical table state after a restart. Row
// residency is restored separately through the tier manager.
func (e *Executor) RestoreTable(t Table, hotRows []data.Record) {
	restored := t
	e.tables[t.Name] = &restored
	for _, r := range hotRows {
		if !r.Deleted {
			if err := e.search.Index(t.Name, r); err != nil {
				e.logger.Printf("table %s: reindex key %d: %v", t.Name, r.Key, err)
			}
		}
	}
}

// Execute applies one canonical operation and returns its result. Watch
// operations are rejected here: subscriptions are actor state, not executor
// state.
func (e *Executor) Execute(ctx context.Context, op data.Operation) (data.ResultSet, error) {
	if err := op.Validate(); err != nil {
		return data.ResultSet{}, err
	}
	var (
		res data.ResultSet
		err error
	)
	switch op.Kind {
	case data.OpQuery:
		res, err = e.query(ctx, op)
	case data.OpInsert:
		res, err = e.insert(ctx, op)
	case data.OpUpdate:
		res, err = e.update(ctx, op)
	case data.OpDelete:
		res, err = e.delete(ctx, op)
	default:
		err = fmt.Errorf("operation %s: executor does not accept %s", op.ID, op.Kind)
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	telemetry.Operations.WithLabelValues(string(op.Kind), outcome).Inc()
	return res, err
}

func (e *Executor) commit(table string, event data.EventType, rec data.Record) {
	if e.onCommit != nil {
		e.onCommit(table, event, rec)
	}
}

// ensureResident promotes whatever offloaded rows the predicate could
// match, and resolves any full-text terms to a key set.
func (e *Executor) ensureResident(ctx context.Context, op data.Operation) (data.MatchKeys, error) {
	var matches data.MatchKeys
	if op.Predicate.HasOp(data.PredMatches) {
		matches = make(data.MatchKeys)
		var ferr error
		op.Predicate.Walk(func(n *data.Predicate) {
			if n.Op != data.PredMatches || ferr != nil {
				return
			}
			q, ok := n.Value.(string)
			if !ok {
				ferr = fmt.Errorf("operation %s: matches query must be a string", op.ID)
				return
			}
			keys, err := e.search.Match(op.Table, n.Column, q)
			if err != nil {
				ferr = err
				return
			}
			for k := range keys {
				matches[k] = true
			}
		})
		if ferr != nil {
			return nil, ferr
		}
		hot := make([]int64, 0, len(matches))
		for k := range matches {
			hot = append(hot, k)
		}
		promoted, err := e.tiers.PromoteKeys(ctx, op.Table, hot)
		// Ranges promoted before a failure have already mutated the
		// pointer, so the table is dirty even when the turn fails.
		if promoted > 0 {
			e.migrated(op.Table)
		}
		if err != nil {
			return nil, err
		}
		return matches, nil
	}
	if len(e.tiers.Pointer(op.Table).Offloaded) > 0 {
		promoted, err := e.tiers.PromoteMatching(ctx, op.Table, op.Predicate)
		if promoted > 0 {
			e.migrated(op.Table)
		}
		if err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// matchingHot returns the hot rows the predicate selects, in ascending
// revision order. ensureResident must have run first.
func (e *Executor) matchingHot(op data.Operation, matches data.MatchKeys) ([]data.Record, error) {
	var out []data.Record
	for _, r := range e.tiers.HotRows(op.Table) {
		ok, err := op.Predicate.Eval(r, matches)
		if err != nil {
			return nil, fmt.Errorf("operation %s: %w", op.ID, err)
		}
		if ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (e *Executor) query(ctx context.Context, op data.Operation) (data.ResultSet, error) {
	t := e.tables[op.Table]
	if t == nil {
		return data.ResultSet{}, data.ErrUnknownTable{OperationID: op.ID, Table: op.Table}
	}
	if err := checkPredicate(op, t.Schema); err != nil {
		return data.ResultSet{}, err
	}
	matches, err := e.ensureResident(ctx, op)
	if err != nil {
		return data.ResultSet{}, err
	}
	rows, err := e.matchingHot(op, matches)
	if err != nil {
		return data.ResultSet{}, err
	}
	orderRows(rows, op.Order)
	if op.Limit > 0 && len(rows) > op.Limit {
		rows = rows[:op.Limit]
	}
	out := make([]data.Record, len(rows))
	for i, r := range rows {
		out[i] = r.Clone()
	}
	return data.ResultSet{Rows: out, Count: len(out)}, nil
}

func (e *Executor) insert(ctx context.Context, op data.Operation) (data.ResultSet, error) {
	t := e.tables[op.Table]
	if t == nil {
		schema, err := data.InferSchema(op.Rows[0])
		if err != nil {
			return data.ResultSet{}, data.ErrSchemaViolation{OperationID: op.ID, Table: op.Table, Reason: err.Error()}
		}
		t = &Table{Name: op.Table, Schema: schema, NextKey: 1, NextRev: 1}
		e.tables[op.Table] = t
		e.logger.Printf("table %s: schema inferred with %d columns", op.Table, len(schema))
	}

	var res data.ResultSet
	for _, fields := range op.Rows {
		coerced, err := coerceFields(op, t.Schema, fields, false)
		if err != nil {
			return data.ResultSet{}, err
		}
		rec := data.Record{
			Key:      t.NextKey,
			Revision: t.NextRev,
			Tier:     data.TierHot,
			Fields:   coerced,
		}
		t.NextKey++
		t.NextRev++
		if err := e.tiers.RecordWrite(ctx, op.Table, rec); err != nil {
			return res, err
		}
		if err := e.search.Index(op.Table, rec); err != nil {
			e.logger.Printf("table %s: index key %d: %v", op.Table, rec.Key, err)
		}
		e.commit(op.Table, data.EventInsert, rec)
		res.Rows = append(res.Rows, rec.Clone())
	}
	res.Count = len(res.Rows)
	return res, nil
}

func (e *Executor) update(ctx context.Context, op data.Operation) (data.ResultSet, error) {
	t := e.tables[op.Table]
	if t == nil {
		return data.ResultSet{}, data.ErrUnknownTable{OperationID: op.ID, Table: op.Table}
	}
	if err := checkPredicate(op, t.Schema); err != nil {
		return data.ResultSet{}, err
	}
	patch, err := coerceFields(op, t.Schema, op.Patch, true)
	if err != nil {
		return data.ResultSet{}, err
	}
	matches, err := e.ensureResident(ctx, op)
	if err != nil {
		return data.ResultSet{}, err
	}
	rows, err := e.matchingHot(op, matches)
	if err != nil {
		return data.ResultSet{}, err
	}

	var res data.ResultSet
	for _, r := range rows {
		if expected, guarded := op.ExpectedRevisions[r.Key]; guarded && expected != r.Revision {
			cmErr := data.ErrConcurrentModification{
				OperationID: op.ID, Table: op.Table, Key: r.Key,
				Expected: expected, Current: r.Revision,
			}
			res.RowErrors = append(res.RowErrors, data.RowError{Key: r.Key, Err: cmErr.Error()})
			continue
		}
		next := r.Clone()
		for col, v := range patch {
			next.Fields[col] = v
		}
		next.Revision = t.NextRev
		t.NextRev++
		if err := e.tiers.RecordWrite(ctx, op.Table, next); err != nil {
			return res, err
		}
		if err := e.search.Index(op.Table, next); err != nil {
			e.logger.Printf("table %s: index key %d: %v", op.Table, next.Key, err)
		}
		e.commit(op.Table, data.EventUpdate, next)
		res.Rows = append(res.Rows, next.Clone())
	}
	res.Count = len(res.Rows)
	return res, nil
}

func (e *Executor) delete(ctx context.Context, op data.Operation) (data.ResultSet, error) {
	t := e.tables[op.Table]
	if t == nil {
		return data.ResultSet{}, data.ErrUnknownTable{OperationID: op.ID, Table: op.Table}
	}
	if err := checkPredicate(op, t.Schema); err != nil {
		return data.ResultSet{}, err
	}
	matches, err := e.ensureResident(ctx, op)
	if err != nil {
		return data.ResultSet{}, err
	}
	rows, err := e.matchingHot(op, matches)
	if err != nil {
		return data.ResultSet{}, err
	}

	var res data.ResultSet
	for _, r := range rows {
		tomb := r.Clone()
		tomb.Deleted = true
		tomb.Revision = t.NextRev
		t.NextRev++
		if err := e.tiers.RecordWrite(ctx, op.Table, tomb); err != nil {
			return res, err
		}
		if err := e.search.Remove(op.Table, tomb.Key); err != nil {
			e.logger.Printf("table %s: deindex key %d: %v", op.Table, tomb.Key, err)
		}
		// The delete event carries the last-known values.
		e.commit(op.Table, data.EventDelete, tomb)
		res.Rows = append(res.Rows, tomb.Clone())
	}
	res.Count = len(res.Rows)
	return res, nil
}

// checkPredicate rejects filters on columns the frozen schema does not
// have. Boolean nodes and matches terms without a column pass through.
func checkPredicate(op data.Operation, schema data.Schema) error {
	if op.Predicate == nil {
		return nil
	}
	for _, col := range op.Predicate.Columns() {
		if col == "key" || col == "revision" {
			continue
		}
		if _, ok := schema[col]; !ok {
			return data.ErrSchemaViolation{
				OperationID: op.ID, Table: op.Table, Column: col,
				Reason: "filter references unknown column",
			}
		}
	}
	for _, term := range op.Order {
		if _, ok := schema[term.Column]; !ok {
			return data.ErrSchemaViolation{
				OperationID: op.ID, Table: op.Table, Column: term.Column,
				Reason: "order references unknown column",
			}
		}
	}
	return nil
}

// coerceFields validates a write against the frozen schema and normalises
// literals. For patches, unknown columns are rejected; for inserts, every
// field must already be in the schema (it was inferred from the first row).
func coerceFields(op data.Operation, schema data.Schema, fields map[string]interface{}, isPatch bool) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(fields))
	for col, v := range fields {
		def, ok := schema[col]
		if !ok {
			return nil, data.ErrSchemaViolation{
				OperationID: op.ID, Table: op.Table, Column: col,
				Reason: "column not in schema",
			}
		}
		if v == nil {
			if !def.Nullable {
				return nil, data.ErrSchemaViolation{
					OperationID: op.ID, Table: op.Table, Column: col,
					Reason: "column is not nullable",
				}
			}
			out[col] = nil
			continue
		}
		coerced, err := data.Coerce(v, def.Type)
		if err != nil {
			return nil, data.ErrSchemaViolation{
				OperationID: op.ID, Table: op.Table, Column: col,
				Reason: err.Error(),
			}
		}
		out[col] = coerced
	}
	return out, nil
}

// orderRows applies the operation's sort terms as a stable sort with ties
// broken by ascending revision.
func orderRows(rows []data.Record, terms []data.OrderTerm) {
	sort.SliceStable(rows, func(i, j int) bool {
		for _, term := range terms {
			c := compareField(rows[i], rows[j], term.Column)
			if c == 0 {
				continue
			}
			if term.Desc {
				return c > 0
			}
			return c < 0
		}
		return rows[i].Revision < rows[j].Revision
	})
}

func compareField(a, b data.Record, col string) int {
	av, aok := a.Fields[col]
	bv, bok := b.Fields[col]
	if !aok || av == nil {
		if !bok || bv == nil {
			return 0
		}
		return -1
	}
	if !bok || bv == nil {
		return 1
	}
	c, err := data.CompareValues(av, bv)
	if err != nil {
		return 0
	}
	return c
}
