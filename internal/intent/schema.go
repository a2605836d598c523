package intent

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	_ "embed"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/mohammad-safakhou/agentdb/internal/data"
)

//go:embed candidate_schema.json
var candidateSchemaJSON string

// CandidateDocument is what the external classifier hands the resolver: the
// original phrase plus one or more candidate operations with confidences.
// The classifier itself is a collaborator; nothing here calls a model.
type CandidateDocument struct {
	Phrase     string      `json:"phrase"`
	Candidates []Candidate `json:"candidates"`
}

// Candidate is one possible reading of the phrase.
type Candidate struct {
	Kind       data.OpKind              `json:"kind"`
	Confidence float64                  `json:"confidence"`
	Table      string                   `json:"table,omitempty"`
	Predicate  *data.Predicate          `json:"predicate,omitempty"`
	Rows       []map[string]interface{} `json:"rows,omitempty"`
	Patch      map[string]interface{}   `json:"patch,omitempty"`
	Order      []data.OrderTerm         `json:"order,omitempty"`
	Limit      int                      `json:"limit,omitempty"`
	Watch      *data.WatchSpec          `json:"watch,omitempty"`
}

var (
	compileOnce     sync.Once
	candidateSchema *jsonschema.Schema
	compileErr      error
)

// CandidateSchema returns the compiled JSON Schema for candidate documents.
func CandidateSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("candidate_schema.json", strings.NewReader(candidateSchemaJSON)); err != nil {
			compileErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, err := compiler.Compile("candidate_schema.json")
		if err != nil {
			compileErr = fmt.Errorf("compile candidate schema: %w", err)
			return
		}
		candidateSchema = schema
	})
	return candidateSchema, compileErr
}

// ParseCandidateDocument validates raw classifier output against the schema
// and decodes it.
func ParseCandidateDocument(raw []byte) (CandidateDocument, error) {
	var doc CandidateDocument
	schema, err := CandidateSchema()
	if err != nil {
		return doc, err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return doc, fmt.Errorf("candidate document is not valid JSON: %w", err)
	}
	if err := schema.Validate(generic); err != nil {
		return doc, fmt.Errorf("candidate document does not match schema: %w", err)
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return doc, fmt.Errorf("decode candidate document: %w", err)
	}
	return doc, nil
}
