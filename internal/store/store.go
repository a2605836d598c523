package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/mohammad-safakhou/agentdb/internal/data"
	"github.com/mohammad-safakhou/agentdb/internal/tier"
)

// Store is the Postgres-backed durability collaborator: it holds the cold
// tier's range batches and the per-table persisted state that must survive
// an actor restart with revisions intact.
type Store struct {
	DB *sql.DB
}

// New constructs the Store from POSTGRES_* environment variables.
func New(ctx context.Context) (*Store, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		host := envDefault("POSTGRES_HOST", "localhost")
		port := envDefault("POSTGRES_PORT", "5432")
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		db := os.Getenv("POSTGRES_DB")
		ssl := envDefault("POSTGRES_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, ssl)
	}
	return NewWithDSN(ctx, dsn)
}

// NewWithDSN constructs the Store using an explicit Postgres DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{DB: db}, nil
}

func envDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// TableState is the persisted layout for one table: schema, counters, tier
// pointer, and the hot-resident rows at last save.
type TableState struct {
	Instance string
	Name     string
	Schema   data.Schema
	NextKey  int64
	NextRev  int64
	Pointer  tier.Pointer
	HotRows  []data.Record
}

// SaveTableState upserts one table's durable state. The actor calls this
// before acknowledging the mutating operation.
func (s *Store) SaveTableState(ctx context.Context, st TableState) error {
	schemaJSON, err := json.Marshal(st.Schema)
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	pointerJSON, err := json.Marshal(st.Pointer)
	if err != nil {
		return fmt.Errorf("marshal pointer: %w", err)
	}
	rowsJSON, err := json.Marshal(st.HotRows)
	if err != nil {
		return fmt.Errorf("marshal hot rows: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
        INSERT INTO agentdb_tables (instance, name, schema, next_key, next_rev, pointer, hot_rows, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
        ON CONFLICT (instance, name) DO UPDATE SET
            schema = EXCLUDED.schema,
            next_key = EXCLUDED.next_key,
            next_rev = EXCLUDED.next_rev,
            pointer = EXCLUDED.pointer,
            hot_rows = EXCLUDED.hot_rows,
            updated_at = NOW()`,
		st.Instance, st.Name, schemaJSON, st.NextKey, st.NextRev, pointerJSON, rowsJSON)
	if err != nil {
		return fmt.Errorf("save table state: %w", err)
	}
	return nil
}

// LoadTableStates returns every persisted table for an instance.
func (s *Store) LoadTableStates(ctx context.Context, instance string) ([]TableState, error) {
	rows, err := s.DB.QueryContext(ctx, `
        SELECT name, schema, next_key, next_rev, pointer, hot_rows
        FROM agentdb_tables WHERE instance = $1 ORDER BY name`, instance)
	if err != nil {
		return nil, fmt.Errorf("load table states: %w", err)
	}
	defer rows.Close()

	var out []TableState
	for rows.Next() {
		st := TableState{Instance: instance}
		var schemaJSON, pointerJSON, rowsJSON []byte
		if err := rows.Scan(&st.Name, &schemaJSON, &st.NextKey, &st.NextRev, &pointerJSON, &rowsJSON); err != nil {
			return nil, fmt.Errorf("scan table state: %w", err)
		}
		if err := json.Unmarshal(schemaJSON, &st.Schema); err != nil {
			return nil, fmt.Errorf("decode schema for %s: %w", st.Name, err)
		}
		if err := json.Unmarshal(pointerJSON, &st.Pointer); err != nil {
			return nil, fmt.Errorf("decode pointer for %s: %w", st.Name, err)
		}
		if err := json.Unmarshal(rowsJSON, &st.HotRows); err != nil {
			return nil, fmt.Errorf("decode hot rows for %s: %w", st.Name, err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// SubscriptionRecord is the persisted form of a subscription.
type SubscriptionRecord struct {
	Instance  string
	ID        string
	Table     string
	Event     data.EventType
	Predicate *data.Predicate
	Target    string
	CreatedAt time.Time
}

// SaveSubscription upserts one subscription.
func (s *Store) SaveSubscription(ctx context.Context, rec SubscriptionRecord) error {
	predJSON, err := json.Marshal(rec.Predicate)
	if err != nil {
		return fmt.Errorf("marshal predicate: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
        INSERT INTO agentdb_subscriptions (instance, id, table_name, event, predicate, target, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, NOW())
        ON CONFLICT (instance, id) DO UPDATE SET
            table_name = EXCLUDED.table_name,
            event = EXCLUDED.event,
            predicate = EXCLUDED.predicate,
            target = EXCLUDED.target`,
		rec.Instance, rec.ID, rec.Table, rec.Event, predJSON, rec.Target)
	if err != nil {
		return fmt.Errorf("save subscription: %w", err)
	}
	return nil
}

// DeleteSubscription removes one subscription; absent IDs are a no-op.
func (s *Store) DeleteSubscription(ctx context.Context, instance, id string) error {
	if _, err := s.DB.ExecContext(ctx,
		`DELETE FROM agentdb_subscriptions WHERE instance = $1 AND id = $2`, instance, id); err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return nil
}

// DeleteInstanceSubscriptions removes every subscription of a torn-down
// instance.
func (s *Store) DeleteInstanceSubscriptions(ctx context.Context, instance string) error {
	if _, err := s.DB.ExecContext(ctx,
		`DELETE FROM agentdb_subscriptions WHERE instance = $1`, instance); err != nil {
		return fmt.Errorf("delete instance subscriptions: %w", err)
	}
	return nil
}

// LoadSubscriptions returns every persisted subscription for an instance.
func (s *Store) LoadSubscriptions(ctx context.Context, instance string) ([]SubscriptionRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
        SELECT id, table_name, event, predicate, target, created_at
        FROM agentdb_subscriptions WHERE instance = $1 ORDER BY created_at`, instance)
	if err != nil {
		return nil, fmt.Errorf("load subscriptions: %w", err)
	}
	defer rows.Close()

	var out []SubscriptionRecord
	for rows.Next() {
		rec := SubscriptionRecord{Instance: instance}
		var predJSON []byte
		if err := rows.Scan(&rec.ID, &rec.Table, &rec.Event, &predJSON, &rec.Target, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		if len(predJSON) > 0 && string(predJSON) != "null" {
			rec.Predicate = &data.Predicate{}
			if err := json.Unmarshal(predJSON, rec.Predicate); err != nil {
				return nil, fmt.Errorf("decode predicate for %s: %w", rec.ID, err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

var _ tier.RangeStore = (*Store)(nil)
