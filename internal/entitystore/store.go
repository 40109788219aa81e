package entitystore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite" // pure-Go driver, registers as "sqlite"

	"github.com/tonimelisma/synccore/internal/clock"
)

// Store is the SQLite-backed materialized-entity view.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	stmts statements
}

type statements struct {
	get         *sql.Stmt
	upsert      *sql.Stmt
	listByType  *sql.Stmt
	listActive  *sql.Stmt
	deleteAll   *sql.Stmt
}

// Open creates or opens the entity store at dbPath, applying pending
// migrations.
func Open(ctx context.Context, dbPath string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("entitystore: open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("entitystore: set pragma %q: %w", p, err)
		}
	}

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, logger: logger}
	if err := s.prepareStatements(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("entitystore: prepare statements: %w", err)
	}

	return s, nil
}

const (
	sqlColumns = `entity_type, entity_id, vector_clock, last_update, last_writer_client_id, payload, tombstone`

	sqlGet = `SELECT ` + sqlColumns + ` FROM entities WHERE entity_type = ? AND entity_id = ?`

	sqlUpsert = `INSERT INTO entities (` + sqlColumns + `, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, entity_id) DO UPDATE SET
			vector_clock          = excluded.vector_clock,
			last_update           = excluded.last_update,
			last_writer_client_id = excluded.last_writer_client_id,
			payload               = excluded.payload,
			tombstone             = excluded.tombstone,
			updated_at            = excluded.updated_at`

	sqlListByType = `SELECT ` + sqlColumns + ` FROM entities WHERE entity_type = ?`

	sqlListActive = `SELECT ` + sqlColumns + ` FROM entities WHERE entity_type = ? AND tombstone = 0`

	sqlDeleteAll = `DELETE FROM entities`
)

func (s *Store) prepareStatements(ctx context.Context) error {
	defs := []struct {
		dest **sql.Stmt
		sql  string
		name string
	}{
		{&s.stmts.get, sqlGet, "get"},
		{&s.stmts.upsert, sqlUpsert, "upsert"},
		{&s.stmts.listByType, sqlListByType, "listByType"},
		{&s.stmts.listActive, sqlListActive, "listActive"},
		{&s.stmts.deleteAll, sqlDeleteAll, "deleteAll"},
	}

	for _, d := range defs {
		stmt, err := s.db.PrepareContext(ctx, d.sql)
		if err != nil {
			return fmt.Errorf("prepare %s: %w", d.name, err)
		}

		*d.dest = stmt
	}

	return nil
}

// ErrNotFound is returned by Get when no entity matches key.
var ErrNotFound = errors.New("entitystore: entity not found")

// Get returns the entity at key, including tombstoned entities — callers
// that need to skip tombstones should check Entity.Tombstone.
func (s *Store) Get(ctx context.Context, key Key) (Entity, error) {
	row := s.stmts.get.QueryRowContext(ctx, key.Type, key.ID)

	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entity{}, ErrNotFound
	}
	if err != nil {
		return Entity{}, fmt.Errorf("entitystore: get %s/%s: %w", key.Type, key.ID, err)
	}

	return e, nil
}

// Put writes e, replacing any prior value at its key. Callers in
// internal/merge are expected to have already decided e should win before
// calling Put — this method performs no LWW comparison of its own.
func (s *Store) Put(ctx context.Context, e Entity) error {
	vcJSON, err := json.Marshal(e.VectorClock)
	if err != nil {
		return fmt.Errorf("entitystore: marshaling vector clock for %s/%s: %w", e.Type, e.ID, err)
	}

	tombstone := 0
	if e.Tombstone {
		tombstone = 1
	}

	_, err = s.stmts.upsert.ExecContext(ctx,
		e.Type, e.ID, string(vcJSON), e.LastUpdate, e.LastWriterClientID, []byte(e.Payload), tombstone, e.LastUpdate,
	)
	if err != nil {
		return fmt.Errorf("entitystore: upsert %s/%s: %w", e.Type, e.ID, err)
	}

	return nil
}

// ListByType returns every entity (including tombstoned) of the given type.
func (s *Store) ListByType(ctx context.Context, entityType string) ([]Entity, error) {
	rows, err := s.stmts.listByType.QueryContext(ctx, entityType)
	if err != nil {
		return nil, fmt.Errorf("entitystore: list %s: %w", entityType, err)
	}
	defer rows.Close()

	return scanEntities(rows)
}

// ListActive returns every live (non-tombstoned) entity of the given type.
func (s *Store) ListActive(ctx context.Context, entityType string) ([]Entity, error) {
	rows, err := s.stmts.listActive.QueryContext(ctx, entityType)
	if err != nil {
		return nil, fmt.Errorf("entitystore: list active %s: %w", entityType, err)
	}
	defer rows.Close()

	return scanEntities(rows)
}

// DeleteAll removes every entity. Used by clean-slate bootstrap before a
// SyncImport or BackupImport replays the authoritative full state.
func (s *Store) DeleteAll(ctx context.Context) error {
	if _, err := s.stmts.deleteAll.ExecContext(ctx); err != nil {
		return fmt.Errorf("entitystore: delete all: %w", err)
	}

	return nil
}

func scanEntity(row interface{ Scan(...any) error }) (Entity, error) {
	var (
		e         Entity
		vcJSON    string
		tombstone int
		payload   []byte
	)

	if err := row.Scan(&e.Type, &e.ID, &vcJSON, &e.LastUpdate, &e.LastWriterClientID, &payload, &tombstone); err != nil {
		return Entity{}, err
	}

	var vc clock.VectorClock
	if err := json.Unmarshal([]byte(vcJSON), &vc); err != nil {
		return Entity{}, fmt.Errorf("unmarshaling vector clock: %w", err)
	}

	e.VectorClock = vc
	e.Payload = payload
	e.Tombstone = tombstone == 1

	return e, nil
}

func scanEntities(rows *sql.Rows) ([]Entity, error) {
	var out []Entity

	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("entitystore: scan row: %w", err)
		}

		out = append(out, e)
	}

	return out, rows.Err()
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
