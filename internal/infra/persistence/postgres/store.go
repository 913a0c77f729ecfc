// Package postgres provides a Postgres-backed persistent store that mirrors
// the in-memory semantics while applying the relational DDL on startup.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"taxcore/internal/infra/persistence/memory"
	"taxcore/pkg/domain"
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/taxcore?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// schemaDDL declares the relational mirror of the snapshot buckets. The
// snapshot in the state table stays authoritative; the relational tables exist
// for external reporting queries.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS evidence_rules (
	id TEXT PRIMARY KEY,
	tax_type TEXT NOT NULL,
	source_rank INTEGER NOT NULL DEFAULT 0,
	effective_date TEXT NOT NULL,
	expiry_date TEXT,
	payload JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS aggregated_rules (
	id TEXT PRIMARY KEY,
	tax_type TEXT NOT NULL,
	effective_date TEXT NOT NULL,
	payload JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS brackets (
	id TEXT PRIMARY KEY,
	rule_id TEXT NOT NULL,
	bracket_order INTEGER NOT NULL,
	payload JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS provenance_links (
	id TEXT PRIMARY KEY,
	aggregated_rule_id TEXT NOT NULL,
	evidence_rule_id TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS aggregation_runs (
	id TEXT PRIMARY KEY,
	tax_type TEXT NOT NULL,
	status TEXT NOT NULL,
	payload JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS form_schemas (
	id TEXT PRIMARY KEY,
	schema_type TEXT NOT NULL,
	version INTEGER NOT NULL,
	is_active BOOLEAN NOT NULL DEFAULT FALSE,
	payload JSONB NOT NULL
);
`

// Store persists state to Postgres while reusing the in-memory implementation for transactions.
type Store struct {
	*memory.Store
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens a Postgres-backed store using the provided DSN (falls back to
// defaultDSN). It applies the relational DDL, ensures the snapshot table
// exists, and hydrates the in-memory store from any existing snapshot.
func NewStore(dsn string, engine *domain.RulesEngine) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := applyDDL(ctx, db); err != nil {
		return nil, err
	}
	if err := ensureStateTable(ctx, db); err != nil {
		return nil, err
	}
	snapshot, err := loadSnapshot(ctx, db)
	if err != nil {
		return nil, err
	}
	mem := memory.NewStore(engine)
	mem.ImportState(snapshot)
	return &Store{Store: mem, db: db}, nil
}

// RunInTransaction applies the provided function within a transaction, then
// snapshots to Postgres if successful.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) (domain.Result, error) {
	res, err := s.Store.RunInTransaction(ctx, fn)
	if err != nil {
		return res, err
	}
	if err := s.persist(ctx); err != nil {
		return res, err
	}
	return res, nil
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

func applyDDL(ctx context.Context, db *sql.DB) error {
	for _, stmt := range strings.Split(schemaDDL, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

func ensureStateTable(ctx context.Context, db *sql.DB) error {
	ddl := `CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload JSONB NOT NULL
	)`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure state table: %w", err)
	}
	return nil
}

var postgresBuckets = []string{
	"evidence_rules",
	"aggregated_rules",
	"brackets",
	"provenance_links",
	"aggregation_runs",
	"form_schemas",
}

func loadSnapshot(ctx context.Context, db *sql.DB) (memory.Snapshot, error) {
	rows, err := db.QueryContext(ctx, `SELECT bucket, payload FROM state`)
	if err != nil {
		return memory.Snapshot{}, fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var snapshot memory.Snapshot
	targets := map[string]any{
		"evidence_rules":   &snapshot.Evidence,
		"aggregated_rules": &snapshot.Aggregated,
		"brackets":         &snapshot.Brackets,
		"provenance_links": &snapshot.Provenance,
		"aggregation_runs": &snapshot.Runs,
		"form_schemas":     &snapshot.Schemas,
	}

	for rows.Next() {
		var bucket string
		var payload []byte
		if err := rows.Scan(&bucket, &payload); err != nil {
			return memory.Snapshot{}, fmt.Errorf("scan state: %w", err)
		}
		if len(payload) == 0 {
			continue
		}
		if target, ok := targets[bucket]; ok {
			if err := json.Unmarshal(payload, target); err != nil {
				return memory.Snapshot{}, fmt.Errorf("decode %s: %w", bucket, err)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return memory.Snapshot{}, fmt.Errorf("iterate state: %w", err)
	}
	return snapshot, nil
}

func (s *Store) persist(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.ExportState()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	for _, bucket := range postgresBuckets {
		var data []byte
		switch bucket {
		case "evidence_rules":
			data, err = json.Marshal(snapshot.Evidence)
		case "aggregated_rules":
			data, err = json.Marshal(snapshot.Aggregated)
		case "brackets":
			data, err = json.Marshal(snapshot.Brackets)
		case "provenance_links":
			data, err = json.Marshal(snapshot.Provenance)
		case "aggregation_runs":
			data, err = json.Marshal(snapshot.Runs)
		case "form_schemas":
			data, err = json.Marshal(snapshot.Schemas)
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO state(bucket,payload) VALUES($1,$2) ON CONFLICT(bucket) DO UPDATE SET payload=EXCLUDED.payload`, bucket, data); err != nil {
			return fmt.Errorf("upsert %s: %w", bucket, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dsn string) (*sql.DB, error)) func() {
	openMu.Lock()
	prev := sqlOpen
	sqlOpen = fn
	openMu.Unlock()
	return func() {
		openMu.Lock()
		sqlOpen = prev
		openMu.Unlock()
	}
}
