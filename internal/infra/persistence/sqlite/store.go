// Package sqlite provides a SQLite-backed store for single-node
// deployments. It reuses the in-memory engine for all semantics and
// persists its snapshot to a single table as JSON blobs after every
// successful mutation.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"samplecore/internal/infra/persistence/memory"
	"samplecore/pkg/domain"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	_ "modernc.org/sqlite" // pure go sqlite driver
)

// Store persists the in-memory state to SQLite.
type Store struct {
	*memory.Store
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// NewStore opens the database at path, creating it and its parent
// directories as needed, and hydrates the engine from any existing
// snapshot.
func NewStore(path string, opts ...memory.Option) (*Store, error) {
	if path == "" {
		path = "samplecore.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create state table: %w", err)
	}
	s := &Store{Store: memory.NewStore(opts...), db: db, path: path}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

var buckets = []string{"samples", "versions", "nodes", "links"}

func (s *Store) load() error {
	rows, err := s.db.Query(`SELECT bucket, payload FROM state`)
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

func (s *Store) persist() (retErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.ExportState()
	tx, err := s.db.Begin()
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
		if _, err = tx.Exec(`INSERT INTO state(bucket,payload) VALUES(?,?) ON CONFLICT(bucket) DO UPDATE SET payload=excluded.payload`, bucket, data); err != nil {
			retErr = fmt.Errorf("upsert %s: %w", bucket, err)
			return retErr
		}
	}
	if err = tx.Commit(); err != nil {
		return err
	}
	return nil
}

// SaveSample stores a new sample and snapshots to SQLite.
func (s *Store) SaveSample(ctx context.Context, sample domain.SavedSample) (bool, error) {
	stored, err := s.Store.SaveSample(ctx, sample)
	if err != nil || !stored {
		return stored, err
	}
	return true, s.persist()
}

// SaveSampleVersion appends a version and snapshots to SQLite.
func (s *Store) SaveSampleVersion(ctx context.Context, sample domain.SavedSample, prior *int) (int, error) {
	ver, err := s.Store.SaveSampleVersion(ctx, sample, prior)
	if err != nil {
		return 0, err
	}
	return ver, s.persist()
}

// ReplaceSampleACLs replaces ACLs and snapshots to SQLite.
func (s *Store) ReplaceSampleACLs(ctx context.Context, id uuid.UUID, acl domain.ACL) error {
	if err := s.Store.ReplaceSampleACLs(ctx, id, acl); err != nil {
		return err
	}
	return s.persist()
}

// UpdateSampleACLs applies a delta and snapshots to SQLite when anything
// changed.
func (s *Store) UpdateSampleACLs(ctx context.Context, id uuid.UUID, delta domain.ACLDelta,
	updateTime time.Time) (bool, error) {
	changed, err := s.Store.UpdateSampleACLs(ctx, id, delta, updateTime)
	if err != nil || !changed {
		return changed, err
	}
	return true, s.persist()
}

// CreateDataLink stores a link and snapshots to SQLite.
func (s *Store) CreateDataLink(ctx context.Context, link domain.DataLink, update bool) (*domain.DataLink, error) {
	expired, err := s.Store.CreateDataLink(ctx, link, update)
	if err != nil {
		return nil, err
	}
	return expired, s.persist()
}

// ExpireDataLink closes a link and snapshots to SQLite.
func (s *Store) ExpireDataLink(ctx context.Context, expired time.Time, by domain.UserID,
	linkID string) (domain.DataLink, error) {
	link, err := s.Store.ExpireDataLink(ctx, expired, by, linkID)
	if err != nil {
		return domain.DataLink{}, err
	}
	return link, s.persist()
}

// Scrub repairs interrupted saves and snapshots the result to SQLite.
func (s *Store) Scrub(ctx context.Context, grace time.Duration, limiter *rate.Limiter) (memory.ScrubReport, error) {
	report, err := s.Store.Scrub(ctx, grace, limiter)
	if err != nil {
		return report, err
	}
	if report.Patched == 0 && report.Orphaned == 0 {
		return report, nil
	}
	return report, s.persist()
}

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }
