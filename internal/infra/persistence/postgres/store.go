// Package postgres provides a Postgres-backed store that mirrors the
// in-memory semantics and persists JSON snapshots after every successful
// mutation.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"samplecore/internal/infra/persistence/memory"
	"samplecore/pkg/domain"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/samplecore?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Store persists state to Postgres while reusing the in-memory engine.
type Store struct {
	*memory.Store
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens a Postgres-backed store using the provided DSN (falls back
// to defaultDSN), ensures the snapshot table exists, and hydrates the
// engine from any existing snapshot.
func NewStore(ctx context.Context, dsn string, opts ...memory.Option) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload JSONB NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create state table: %w", err)
	}
	s := &Store{Store: memory.NewStore(opts...), db: db}
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

var buckets = []string{"samples", "versions", "nodes", "links"}

func (s *Store) load(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT bucket, payload FROM state`)
	if err != nil {
		return fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var snapshot memory.Snapshot
	found := false
	for rows.Next() {
		var bucket string
		var payload []byte
		if err := rows.Scan(&bucket, &payload); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		found = true
		switch bucket {
		case "samples":
			err = json.Unmarshal(payload, &snapshot.Samples)
		case "versions":
			err = json.Unmarshal(payload, &snapshot.Versions)
		case "nodes":
			err = json.Unmarshal(payload, &snapshot.Nodes)
		case "links":
			err = json.Unmarshal(payload, &snapshot.Links)
		}
		if err != nil {
			return fmt.Errorf("decode %s: %w", bucket, err)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read state: %w", err)
	}
	if found {
		s.ImportState(snapshot)
	}
	return nil
}

func (s *Store) persist(ctx context.Context) (retErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.ExportState()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	for _, bucket := range buckets {
		var data []byte
		switch bucket {
		case "samples":
			data, err = json.Marshal(snapshot.Samples)
		case "versions":
			data, err = json.Marshal(snapshot.Versions)
		case "nodes":
			data, err = json.Marshal(snapshot.Nodes)
		case "links":
			data, err = json.Marshal(snapshot.Links)
		}
		if err != nil {
			retErr = err
			return retErr
		}
		if _, err = tx.ExecContext(ctx, `INSERT INTO state(bucket,payload) VALUES($1,$2)
			ON CONFLICT(bucket) DO UPDATE SET payload=excluded.payload`, bucket, data); err != nil {
			retErr = fmt.Errorf("upsert %s: %w", bucket, err)
			return retErr
		}
	}
	if err = tx.Commit(); err != nil {
		return err
	}
	return nil
}

// SaveSample stores a new sample and snapshots to Postgres.
func (s *Store) SaveSample(ctx context.Context, sample domain.SavedSample) (bool, error) {
	stored, err := s.Store.SaveSample(ctx, sample)
	if err != nil || !stored {
		return stored, err
	}
	return true, s.persist(ctx)
}

// SaveSampleVersion appends a version and snapshots to Postgres.
func (s *Store) SaveSampleVersion(ctx context.Context, sample domain.SavedSample, prior *int) (int, error) {
	ver, err := s.Store.SaveSampleVersion(ctx, sample, prior)
	if err != nil {
		return 0, err
	}
	return ver, s.persist(ctx)
}

// ReplaceSampleACLs replaces ACLs and snapshots to Postgres.
func (s *Store) ReplaceSampleACLs(ctx context.Context, id uuid.UUID, acl domain.ACL) error {
	if err := s.Store.ReplaceSampleACLs(ctx, id, acl); err != nil {
		return err
	}
	return s.persist(ctx)
}

// UpdateSampleACLs applies a delta and snapshots to Postgres when anything
// changed.
func (s *Store) UpdateSampleACLs(ctx context.Context, id uuid.UUID, delta domain.ACLDelta,
	updateTime time.Time) (bool, error) {
	changed, err := s.Store.UpdateSampleACLs(ctx, id, delta, updateTime)
	if err != nil || !changed {
		return changed, err
	}
	return true, s.persist(ctx)
}

// CreateDataLink stores a link and snapshots to Postgres.
func (s *Store) CreateDataLink(ctx context.Context, link domain.DataLink, update bool) (*domain.DataLink, error) {
	expired, err := s.Store.CreateDataLink(ctx, link, update)
	if err != nil {
		return nil, err
	}
	return expired, s.persist(ctx)
}

// ExpireDataLink closes a link and snapshots to Postgres.
func (s *Store) ExpireDataLink(ctx context.Context, expired time.Time, by domain.UserID,
	linkID string) (domain.DataLink, error) {
	link, err := s.Store.ExpireDataLink(ctx, expired, by, linkID)
	if err != nil {
		return domain.DataLink{}, err
	}
	return link, s.persist(ctx)
}

// Scrub repairs interrupted saves and snapshots the result to Postgres.
func (s *Store) Scrub(ctx context.Context, grace time.Duration, limiter *rate.Limiter) (memory.ScrubReport, error) {
	report, err := s.Store.Scrub(ctx, grace, limiter)
	if err != nil {
		return report, err
	}
	if report.Patched == 0 && report.Orphaned == 0 {
		return report, nil
	}
	return report, s.persist(ctx)
}

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a
// restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
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
