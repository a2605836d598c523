package pipeline

import (
	"context"
	"fmt"
	"log"
	"sort"

	"github.com/mohammad-safakhou/agentdb/internal/data"
	"github.com/mohammad-safakhou/agentdb/internal/telemetry"
)

// Step is one node of a pipeline: an operation whose literals may reference
// the output of earlier steps through placeholders. Dependencies are the
// union of DependsOn and every placeholder reference.
type Step struct {
	ID        string         `json:"id"`
	DependsOn []string       `json:"depends_on,omitempty"`
	Op        data.Operation `json:"op"`
}

// Status classifies a step's outcome.
type Status string

const (
	StatusOK      Status = "ok"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// StepResult reports one step's outcome, carrying the step ID so a caller
// can correlate partial results with the step that failed.
type StepResult struct {
	StepID string         `json:"step_id"`
	Status Status         `json:"status"`
	Result data.ResultSet `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// ExecFunc executes one fully-resolved operation. The coordinator never
// touches storage itself.
type ExecFunc func(ctx context.Context, op data.Operation) (data.ResultSet, error)

// Coordinator resolves a dependency graph of operations and executes it in
// one actor turn: no intermediate round trips, partial failure first-class.
type Coordinator struct {
	logger *log.Logger
}

// NewCoordinator creates a pipeline coordinator.
func NewCoordinator(logger *log.Logger) *Coordinator {
	if logger == nil {
		logger = log.New(log.Writer(), "[PIPE] ", log.LstdFlags)
	}
	return &Coordinator{logger: logger}
}

// Run executes the steps in topological order, substituting placeholders
// with the outputs of the steps they reference. A cycle aborts the whole
// pipeline before any step runs. A failed step fails alone; its transitive
// dependents are reported skipped while independent branches still execute.
// Results come back in the order the steps were submitted.
func (c *Coordinator) Run(ctx context.Context, steps []Step, exec ExecFunc) ([]StepResult, error) {
	byID := make(map[string]*Step, len(steps))
	for i := range steps {
		s := &steps[i]
		if s.ID == "" {
			return nil, fmt.Errorf("every pipeline step requires an id")
		}
		if _, dup := byID[s.ID]; dup {
			return nil, fmt.Errorf("duplicate step id %q", s.ID)
		}
		byID[s.ID] = s
	}

	deps := make(map[string][]string, len(steps))
	for _, s := range steps {
		set := map[string]bool{}
		for _, d := range s.DependsOn {
			set[d] = true
		}
		for _, ref := range placeholderRefs(s.Op) {
			set[ref] = true
		}
		for d := range set {
			if _, ok := byID[d]; !ok {
				return nil, fmt.Errorf("step %s references unknown step %q", s.ID, d)
			}
			deps[s.ID] = append(deps[s.ID], d)
		}
		sort.Strings(deps[s.ID])
	}

	order, err := topoOrder(steps, deps)
	if err != nil {
		return nil, err
	}

	// Execution state. blame maps a step to the failed step it inherits
	// its skip from, transitively.
	outputs := make(map[string]data.ResultSet, len(steps))
	status := make(map[string]Status, len(steps))
	blame := make(map[string]string, len(steps))
	errs := make(map[string]string, len(steps))

	for _, id := range order {
		s := byID[id]
		skippedBy := ""
		for _, d := range deps[id] {
			if status[d] != StatusOK {
				if b, ok := blame[d]; ok {
					skippedBy = b
				} else {
					skippedBy = d
				}
				break
			}
		}
		if skippedBy != "" {
			status[id] = StatusSkipped
			blame[id] = skippedBy
			errs[id] = data.ErrSkippedDependency{StepID: id, FailedID: skippedBy}.Error()
			telemetry.PipelineSteps.WithLabelValues(string(StatusSkipped)).Inc()
			continue
		}
		op, err := substitute(s.Op, outputs)
		if err == nil {
			var res data.ResultSet
			res, err = exec(ctx, op)
			if err == nil {
				outputs[id] = res
				status[id] = StatusOK
				telemetry.PipelineSteps.WithLabelValues(string(StatusOK)).Inc()
				continue
			}
		}
		status[id] = StatusFailed
		blame[id] = id
		errs[id] = err.Error()
		telemetry.PipelineSteps.WithLabelValues(string(StatusFailed)).Inc()
		c.logger.Printf("step %s failed: %v", id, err)
	}

	results := make([]StepResult, len(steps))
	for i, s := range steps {
		results[i] = StepResult{StepID: s.ID, Status: status[s.ID], Error: errs[s.ID]}
		if status[s.ID] == StatusOK {
			results[i].Result = outputs[s.ID]
		}
	}
	return results, nil
}

// topoOrder is Kahn's algorithm over the resolved dependency map. The full
// order is computed before anything executes, so a cyclic graph aborts with
// zero side effects.
func topoOrder(steps []Step, deps map[string][]string) ([]string, error) {
	indegree := make(map[string]int, len(steps))
	adjacency := make(map[string][]string, len(steps))
	for _, s := range steps {
		indegree[s.ID] = len(deps[s.ID])
		for _, d := range deps[s.ID] {
			adjacency[d] = append(adjacency[d], s.ID)
		}
	}
	var queue []string
	for _, s := range steps {
		if indegree[s.ID] == 0 {
			queue = append(queue, s.ID)
		}
	}
	order := make([]string, 0, len(steps))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		order = append(order, current)
		for _, next := range adjacency[current] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if len(order) != len(steps) {
		return nil, data.ErrCyclicDependency
	}
	return order, nil
}

// placeholderRefs collects the step IDs an operation's literals reference.
func placeholderRefs(op data.Operation) []string {
	var refs []string
	collect := func(v interface{}) {
		if ph, ok := data.IsPlaceholder(v); ok {
			refs = append(refs, ph.Step)
		}
	}
	op.Predicate.Walk(func(n *data.Predicate) {
		collect(n.Value)
		for _, v := range n.Values {
			collect(v)
		}
	})
	for _, v := range op.Patch {
		collect(v)
	}
	for _, row := range op.Rows {
		for _, v := range row {
			collect(v)
		}
	}
	return refs
}

// substitute deep-copies the operation with every placeholder replaced by
// the concrete value its referenced step produced.
func substitute(op data.Operation, outputs map[string]data.ResultSet) (data.Operation, error) {
	out := op
	if op.Predicate != nil {
		p, err := substitutePredicate(op.Predicate, outputs)
		if err != nil {
			return out, err
		}
		out.Predicate = p
	}
	if op.Patch != nil {
		patch := make(map[string]interface{}, len(op.Patch))
		for k, v := range op.Patch {
			rv, err := resolveValue(v, outputs)
			if err != nil {
				return out, err
			}
			patch[k] = rv
		}
		out.Patch = patch
	}
	if op.Rows != nil {
		rows := make([]map[string]interface{}, len(op.Rows))
		for i, row := range op.Rows {
			copied := make(map[string]interface{}, len(row))
			for k, v := range row {
				rv, err := resolveValue(v, outputs)
				if err != nil {
					return out, err
				}
				copied[k] = rv
			}
			rows[i] = copied
		}
		out.Rows = rows
	}
	return out, nil
}

func substitutePredicate(p *data.Predicate, outputs map[string]data.ResultSet) (*data.Predicate, error) {
	if p == nil {
		return nil, nil
	}
	out := *p
	if p.Value != nil {
		rv, err := resolveValue(p.Value, outputs)
		if err != nil {
			return nil, err
		}
		// A placeholder resolving to a list feeds an `in` node's
		// candidate set.
		if list, ok := rv.([]interface{}); ok && p.Op == data.PredIn {
			out.Value = nil
			out.Values = list
		} else {
			out.Value = rv
		}
	}
	if p.Values != nil {
		values := make([]interface{}, 0, len(p.Values))
		for _, v := range p.Values {
			rv, err := resolveValue(v, outputs)
			if err != nil {
				return nil, err
			}
			if list, ok := rv.([]interface{}); ok {
				values = append(values, list...)
			} else {
				values = append(values, rv)
			}
		}
		out.Values = values
	}
	if p.Kids != nil {
		kids := make([]*data.Predicate, len(p.Kids))
		for i, k := range p.Kids {
			sk, err := substitutePredicate(k, outputs)
			if err != nil {
				return nil, err
			}
			kids[i] = sk
		}
		out.Kids = kids
	}
	return &out, nil
}

// resolveValue maps a placeholder to the referenced step output. Paths:
// "keys" (list of row keys), "rows" (the rows themselves), "count", and
// "first.<column>" (a column of the first row).
func resolveValue(v interface{}, outputs map[string]data.ResultSet) (interface{}, error) {
	ph, ok := data.IsPlaceholder(v)
	if !ok {
		return v, nil
	}
	res, ok := outputs[ph.Step]
	if !ok {
		return nil, fmt.Errorf("placeholder references step %q with no output", ph.Step)
	}
	switch {
	case ph.Path == "keys":
		keys := make([]interface{}, len(res.Rows))
		for i, r := range res.Rows {
			keys[i] = r.Key
		}
		return keys, nil
	case ph.Path == "rows":
		rows := make([]interface{}, len(res.Rows))
		for i, r := range res.Rows {
			rows[i] = r
		}
		return rows, nil
	case ph.Path == "count":
		return int64(res.Count), nil
	case len(ph.Path) > 6 && ph.Path[:6] == "first.":
		if len(res.Rows) == 0 {
			return nil, fmt.Errorf("placeholder %s.%s: step produced no rows", ph.Step, ph.Path)
		}
		col := ph.Path[6:]
		val, ok := res.Rows[0].Fields[col]
		if !ok {
			return nil, fmt.Errorf("placeholder %s.%s: no column %q", ph.Step, ph.Path, col)
		}
		return val, nil
	default:
		return nil, fmt.Errorf("unknown placeholder path %q", ph.Path)
	}
}
