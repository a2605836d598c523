package intent

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mohammad-safakhou/agentdb/internal/data"
)

// SchemaSource exposes the active table schemas. The executor implements
// it; the resolver never touches storage through it.
type SchemaSource interface {
	TableSchema(name string) (data.Schema, bool)
	TableNames() []string
}

// Options tune resolution heuristics.
type Options struct {
	// TimestampColumn is the designated column time-relative phrases
	// ("today") resolve against.
	TimestampColumn string
	// DueColumn is the column superlatives like "overdue" compare
	// against the current instant.
	DueColumn string
	// DefaultLimit is applied to queries that carry none. Zero leaves
	// queries unlimited.
	DefaultLimit int
	// AmbiguityMargin is the confidence gap below which two candidate
	// kinds count as comparable, producing AmbiguousIntent.
	AmbiguityMargin float64
}

func (o *Options) fill() {
	if o.TimestampColumn == "" {
		o.TimestampColumn = "created_at"
	}
	if o.DueColumn == "" {
		o.DueColumn = "due_date"
	}
	if o.AmbiguityMargin == 0 {
		o.AmbiguityMargin = 0.1
	}
}

// Resolver deterministically maps structured calls and classifier
// candidates to canonical operations. It has no side effects and never
// touches storage.
type Resolver struct {
	schemas SchemaSource
	opts    Options
	now     func() time.Time
}

// NewResolver builds a resolver over the given schema source.
func NewResolver(schemas SchemaSource, opts Options) *Resolver {
	opts.fill()
	return &Resolver{schemas: schemas, opts: opts, now: time.Now}
}

// SetClock overrides the resolver's notion of now, for tests.
func (r *Resolver) SetClock(now func() time.Time) { r.now = now }

// Resolve is the priority path: an explicit structured call, validated and
// normalised against the active schema with no language inference at all.
func (r *Resolver) Resolve(op data.Operation) (data.Operation, error) {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if err := op.Validate(); err != nil {
		return data.Operation{}, err
	}
	return r.normalize(op)
}

// ResolveCandidate validates a classifier candidate document and resolves
// it to one canonical operation. More than one candidate kind within the
// ambiguity margin of the best fails with AmbiguousIntent.
func (r *Resolver) ResolveCandidate(raw []byte) (data.Operation, error) {
	doc, err := ParseCandidateDocument(raw)
	if err != nil {
		return data.Operation{}, err
	}

	best, runnerUp := -1, -1
	for i, c := range doc.Candidates {
		if best == -1 || c.Confidence > doc.Candidates[best].Confidence {
			runnerUp = best
			best = i
		} else if runnerUp == -1 || c.Confidence > doc.Candidates[runnerUp].Confidence {
			runnerUp = i
		}
	}
	if runnerUp != -1 {
		gap := doc.Candidates[best].Confidence - doc.Candidates[runnerUp].Confidence
		if gap < r.opts.AmbiguityMargin && doc.Candidates[best].Kind != doc.Candidates[runnerUp].Kind {
			return data.Operation{}, data.ErrAmbiguousIntent{
				Phrase:     doc.Phrase,
				Candidates: []data.OpKind{doc.Candidates[best].Kind, doc.Candidates[runnerUp].Kind},
			}
		}
	}

	chosen := doc.Candidates[best]
	op := data.Operation{
		ID:        uuid.NewString(),
		Kind:      chosen.Kind,
		Table:     chosen.Table,
		Predicate: chosen.Predicate,
		Rows:      chosen.Rows,
		Patch:     chosen.Patch,
		Order:     chosen.Order,
		Limit:     chosen.Limit,
		Watch:     chosen.Watch,
	}
	if op.Table == "" {
		op.Table = r.inferTable(doc.Phrase)
		if op.Table == "" {
			return data.Operation{}, data.ErrUnknownTable{OperationID: op.ID}
		}
	}
	if err := op.Validate(); err != nil {
		return data.Operation{}, err
	}
	op = r.applyPhraseHeuristics(op, doc.Phrase)
	return r.normalize(op)
}

// inferTable finds the single table whose name appears in the phrase.
// Ambiguous or absent mentions infer nothing.
func (r *Resolver) inferTable(phrase string) string {
	lowered := strings.ToLower(phrase)
	var found string
	for _, name := range r.schemas.TableNames() {
		if strings.Contains(lowered, strings.ToLower(name)) {
			if found != "" {
				return ""
			}
			found = name
		}
	}
	return found
}

// applyPhraseHeuristics folds documented time-relative phrases into the
// predicate. "today" narrows to the designated timestamp column since local
// midnight; "overdue" compares the due column against the current instant.
func (r *Resolver) applyPhraseHeuristics(op data.Operation, phrase string) data.Operation {
	if op.Kind != data.OpQuery {
		return op
	}
	schema, ok := r.schemas.TableSchema(op.Table)
	if !ok {
		return op
	}
	lowered := strings.ToLower(phrase)
	var extra []*data.Predicate

	if strings.Contains(lowered, "today") {
		if _, ok := schema[r.opts.TimestampColumn]; ok {
			now := r.now()
			midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
			extra = append(extra, &data.Predicate{Op: data.PredGt, Column: r.opts.TimestampColumn, Value: midnight.Add(-time.Nanosecond)})
		}
	}
	if strings.Contains(lowered, "overdue") {
		if _, ok := schema[r.opts.DueColumn]; ok {
			extra = append(extra, &data.Predicate{Op: data.PredLt, Column: r.opts.DueColumn, Value: r.now()})
		}
	}
	if len(extra) == 0 {
		return op
	}
	kids := extra
	if op.Predicate != nil {
		kids = append([]*data.Predicate{op.Predicate}, extra...)
	}
	if len(kids) == 1 {
		op.Predicate = kids[0]
	} else {
		op.Predicate = &data.Predicate{Op: data.PredAnd, Kids: kids}
	}
	return op
}

// normalize validates the operation against the frozen schema where one
// exists, coerces predicate literals, and applies order/limit defaults.
// Inserts into unknown tables pass through: the executor infers the schema
// from the first write.
func (r *Resolver) normalize(op data.Operation) (data.Operation, error) {
	schema, known := r.schemas.TableSchema(op.Table)
	if !known {
		if op.Kind == data.OpInsert || op.Kind == data.OpWatch {
			return op, nil
		}
		return data.Operation{}, data.ErrUnknownTable{OperationID: op.ID, Table: op.Table}
	}

	if op.Predicate != nil {
		coerced, err := coercePredicate(op, op.Predicate, schema)
		if err != nil {
			return data.Operation{}, err
		}
		op.Predicate = coerced
	}
	if op.Kind == data.OpQuery {
		if len(op.Order) == 0 {
			if _, ok := schema[r.opts.TimestampColumn]; ok {
				op.Order = []data.OrderTerm{{Column: r.opts.TimestampColumn, Desc: true}}
			}
		}
		if op.Limit == 0 && r.opts.DefaultLimit > 0 {
			op.Limit = r.opts.DefaultLimit
		}
	}
	return op, nil
}

// coercePredicate rejects filters on unknown columns and coerces literals
// to the column's type. Returns a rebuilt tree; the input is not mutated.
func coercePredicate(op data.Operation, p *data.Predicate, schema data.Schema) (*data.Predicate, error) {
	out := *p
	switch p.Op {
	case data.PredAnd, data.PredOr, data.PredNot:
		kids := make([]*data.Predicate, len(p.Kids))
		for i, k := range p.Kids {
			ck, err := coercePredicate(op, k, schema)
			if err != nil {
				return nil, err
			}
			kids[i] = ck
		}
		out.Kids = kids
		return &out, nil
	case data.PredMatches:
		return &out, nil
	}

	if p.Column == "key" || p.Column == "revision" {
		return &out, nil
	}
	def, ok := schema[p.Column]
	if !ok {
		return nil, data.ErrSchemaViolation{
			OperationID: op.ID, Table: op.Table, Column: p.Column,
			Reason: "filter references unknown column",
		}
	}
	coerceOne := func(v interface{}) (interface{}, error) {
		if v == nil {
			return nil, nil
		}
		if _, isPh := data.IsPlaceholder(v); isPh {
			return v, nil
		}
		cv, err := data.Coerce(v, def.Type)
		if err != nil {
			return nil, data.ErrSchemaViolation{
				OperationID: op.ID, Table: op.Table, Column: p.Column,
				Reason: err.Error(),
			}
		}
		return cv, nil
	}
	switch p.Op {
	case data.PredIs:
		// The literal is a null-ness flag, not a column value.
	case data.PredIn:
		values := make([]interface{}, len(p.Values))
		for i, v := range p.Values {
			cv, err := coerceOne(v)
			if err != nil {
				return nil, err
			}
			values[i] = cv
		}
		out.Values = values
	case data.PredLike:
		if _, ok := p.Value.(string); !ok {
			if _, isPh := data.IsPlaceholder(p.Value); !isPh {
				return nil, data.ErrSchemaViolation{
					OperationID: op.ID, Table: op.Table, Column: p.Column,
					Reason: fmt.Sprintf("like pattern must be a string, got %T", p.Value),
				}
			}
		}
	default:
		cv, err := coerceOne(p.Value)
		if err != nil {
			return nil, err
		}
		out.Value = cv
	}
	return &out, nil
}
