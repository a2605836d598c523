package data

import (
	"fmt"
	"time"
)

// Tier identifies the physical residency of a record or revision range.
type Tier string

const (
	TierHot  Tier = "hot"
	TierWarm Tier = "warm"
	TierCold Tier = "cold"
)

// ColumnType enumerates the scalar types a column can hold. Blob references
// are opaque strings resolved by an external storage collaborator.
type ColumnType string

const (
	TypeString  ColumnType = "string"
	TypeInt     ColumnType = "int"
	TypeFloat   ColumnType = "float"
	TypeBool    ColumnType = "bool"
	TypeTime    ColumnType = "time"
	TypeBlobRef ColumnType = "blob_ref"
)

// Column describes one column of a table schema.
type Column struct {
	Type     ColumnType `json:"type"`
	Nullable bool       `json:"nullable"`
}

// Schema maps column names to their definitions. A schema is inferred from
// the first write to a table and frozen afterwards.
type Schema map[string]Column

// InferSchema derives a schema from the fields of an initial insert.
func InferSchema(fields map[string]interface{}) (Schema, error) {
	s := make(Schema, len(fields))
	for name, v := range fields {
		if v == nil {
			s[name] = Column{Type: TypeString, Nullable: true}
			continue
		}
		t, err := TypeOf(v)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", name, err)
		}
		s[name] = Column{Type: t, Nullable: true}
	}
	return s, nil
}

// TypeOf reports the column type of a literal value.
func TypeOf(v interface{}) (ColumnType, error) {
	switch v.(type) {
	case string:
		return TypeString, nil
	case int, int32, int64:
		return TypeInt, nil
	case float32, float64:
		return TypeFloat, nil
	case bool:
		return TypeBool, nil
	case time.Time:
		return TypeTime, nil
	default:
		return "", fmt.Errorf("unsupported value type %T", v)
	}
}

// Coerce normalises a literal to the canonical Go representation for the
// given column type. JSON decoding hands us float64 for every number, so
// int columns accept whole floats.
func Coerce(v interface{}, t ColumnType) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case TypeString, TypeBlobRef:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case TypeInt:
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int32:
			return int64(n), nil
		case int64:
			return n, nil
		case float64:
			if n == float64(int64(n)) {
				return int64(n), nil
			}
		}
	case TypeFloat:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		}
	case TypeBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case TypeTime:
		switch ts := v.(type) {
		case time.Time:
			return ts, nil
		case string:
			parsed, err := time.Parse(time.RFC3339, ts)
			if err == nil {
				return parsed, nil
			}
		}
	}
	return nil, fmt.Errorf("cannot coerce %T to %s", v, t)
}

// Record is one row of a table: column values plus the bookkeeping the
// executor and tier manager rely on. Key is assigned at insert and never
// reused; Revision strictly increases with every mutation.
type Record struct {
	Key      int64                  `json:"key"`
	Revision int64                  `json:"revision"`
	Tier     Tier                   `json:"tier"`
	Deleted  bool                   `json:"deleted"`
	Fields   map[string]interface{} `json:"fields"`
}

// Clone returns a deep-enough copy: field values are scalars or opaque
// references, so copying the map is sufficient.
func (r Record) Clone() Record {
	out := r
	out.Fields = make(map[string]interface{}, len(r.Fields))
	for k, v := range r.Fields {
		out.Fields[k] = v
	}
	return out
}

// RowError attributes a failure to a single row of a batch mutation. Other
// rows in the same operation still apply.
type RowError struct {
	Key int64  `json:"key"`
	Err string `json:"error"`
}

// ResultSet is the canonical result of executing one Operation.
type ResultSet struct {
	Rows      []Record   `json:"rows"`
	Count     int        `json:"count"`
	RowErrors []RowError `json:"row_errors,omitempty"`
}

// RevRange is a closed revision interval [Lo, Hi] used as the unit of tier
// migration.
type RevRange struct {
	Lo int64 `json:"lo"`
	Hi int64 `json:"hi"`
}

// Contains reports whether rev falls inside the range.
func (r RevRange) Contains(rev int64) bool {
	return rev >= r.Lo && rev <= r.Hi
}

// EventType classifies a mutation for subscription matching.
type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// Event is what subscribers receive: the mutation kind plus the
// post-mutation record (last-known values for deletes).
type Event struct {
	Table          string    `json:"table"`
	Type           EventType `json:"type"`
	Record         Record    `json:"record"`
	SubscriptionID string    `json:"subscription_id,omitempty"`
}
