// Package oplog persists the operation log: an ordered mapping from op id to
// {op, localSeq, isSynced, appliedRemote}, plus per-adapter cursors and the
// client's own identity.
package oplog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite" // pure-Go driver, registers as "sqlite"

	"github.com/tonimelisma/synccore/internal/clock"
	"github.com/tonimelisma/synccore/internal/ops"
)

// DefaultRetentionDays is how long a synced op survives Compact once it is no
// longer among the most recent entries.
const DefaultRetentionDays = 45

// ErrDuplicateID is returned by Append when an op with the same id is already
// in the log; callers should treat it as a successful no-op (append-only
// idempotence).
var ErrDuplicateID = errors.New("oplog: operation id already present")

// Store is the SQLite-backed operation log.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	stmts statements
}

type statements struct {
	insert          *sql.Stmt
	exists          *sql.Stmt
	getUnsynced     *sql.Stmt
	getRecentSynced *sql.Stmt
	markSynced      *sql.Stmt
	markAppliedOnly *sql.Stmt
	insertRemote    *sql.Stmt
	getCursor       *sql.Stmt
	setCursor       *sql.Stmt
	getMeta         *sql.Stmt
	setMeta         *sql.Stmt
	nextSeq         *sql.Stmt
	compactSynced   *sql.Stmt
}

// Open creates or opens the log database at dbPath ("file:...?..." DSNs and
// ":memory:" both work), applying pending migrations and preparing all
// repeated statements.
func Open(ctx context.Context, dbPath string, logger *slog.Logger) (*Store, error) {
	logger.Info("opening operation log database", "path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("oplog: open sqlite: %w", err)
	}

	if err := setPragmas(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, logger: logger}

	if err := s.prepareStatements(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("oplog: prepare statements: %w", err)
	}

	return s, nil
}

func setPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA foreign_keys = ON",
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("oplog: set pragma %q: %w", p, err)
		}
	}

	return nil
}

const (
	sqlInsertOp = `INSERT INTO operations (
		id, local_seq, client_id, timestamp, vector_clock, schema_version,
		entity_type, entity_id, op_type, action_type, payload,
		is_synced, applied_remote, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqlOpExists = `SELECT 1 FROM operations WHERE id = ?`

	sqlOpColumns = `id, client_id, timestamp, vector_clock, schema_version,
		entity_type, entity_id, op_type, action_type, payload`

	sqlGetUnsynced = `SELECT ` + sqlOpColumns + `
		FROM operations WHERE is_synced = 0 ORDER BY local_seq ASC`

	sqlGetRecentSynced = `SELECT ` + sqlOpColumns + `
		FROM operations WHERE is_synced = 1 ORDER BY local_seq DESC LIMIT ?`

	sqlMarkSynced = `UPDATE operations SET is_synced = 1 WHERE id = ?`

	sqlMarkAppliedOnly = `UPDATE operations SET applied_remote = 1 WHERE id = ?`

	sqlInsertRemote = `INSERT INTO operations (
		id, local_seq, client_id, timestamp, vector_clock, schema_version,
		entity_type, entity_id, op_type, action_type, payload,
		is_synced, applied_remote, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, 1, ?)
	ON CONFLICT(id) DO UPDATE SET applied_remote = 1`

	sqlGetCursor = `SELECT value FROM cursors WHERE kind = ?`

	sqlSetCursor = `INSERT INTO cursors (kind, value) VALUES (?, ?)
		ON CONFLICT(kind) DO UPDATE SET value = excluded.value`

	sqlGetMeta = `SELECT value FROM oplog_meta WHERE key = ?`

	sqlSetMeta = `INSERT INTO oplog_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`

	sqlCompactSynced = `DELETE FROM operations
		WHERE is_synced = 1 AND applied_remote = 1 AND created_at <= ?
		AND local_seq NOT IN (
			SELECT local_seq FROM operations
			WHERE is_synced = 1 ORDER BY local_seq DESC LIMIT ?
		)`
)

func (s *Store) prepareStatements(ctx context.Context) error {
	defs := []struct {
		dest **sql.Stmt
		sql  string
		name string
	}{
		{&s.stmts.insert, sqlInsertOp, "insertOp"},
		{&s.stmts.exists, sqlOpExists, "opExists"},
		{&s.stmts.getUnsynced, sqlGetUnsynced, "getUnsynced"},
		{&s.stmts.getRecentSynced, sqlGetRecentSynced, "getRecentSynced"},
		{&s.stmts.markSynced, sqlMarkSynced, "markSynced"},
		{&s.stmts.markAppliedOnly, sqlMarkAppliedOnly, "markAppliedOnly"},
		{&s.stmts.insertRemote, sqlInsertRemote, "insertRemote"},
		{&s.stmts.getCursor, sqlGetCursor, "getCursor"},
		{&s.stmts.setCursor, sqlSetCursor, "setCursor"},
		{&s.stmts.getMeta, sqlGetMeta, "getMeta"},
		{&s.stmts.setMeta, sqlSetMeta, "setMeta"},
		{&s.stmts.compactSynced, sqlCompactSynced, "compactSynced"},
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

// Append inserts op at the next local sequence number. Appending an id
// already present returns ErrDuplicateID; callers treat that as success
// (append-only idempotence).
func (s *Store) Append(ctx context.Context, op ops.Operation) error {
	var exists int
	err := s.stmts.exists.QueryRowContext(ctx, op.ID).Scan(&exists)
	if err == nil {
		return ErrDuplicateID
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("oplog: checking existing id: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("oplog: begin append tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	seq, err := nextSeq(ctx, tx)
	if err != nil {
		return err
	}

	vcJSON, err := json.Marshal(op.VectorClock)
	if err != nil {
		return fmt.Errorf("oplog: marshaling vector clock: %w", err)
	}

	_, err = tx.StmtContext(ctx, s.stmts.insert).ExecContext(ctx,
		op.ID, seq, op.ClientID, op.Timestamp, string(vcJSON), op.SchemaVersion,
		string(op.EntityType), op.EntityID, string(op.OpType), op.ActionType,
		[]byte(op.Payload), 0, 0, ops.NowMillis(),
	)
	if err != nil {
		return fmt.Errorf("oplog: insert operation: %w", err)
	}

	return tx.Commit()
}

// nextSeq reserves the next local sequence number within tx.
func nextSeq(ctx context.Context, tx *sql.Tx) (int64, error) {
	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT next FROM oplog_seq WHERE id = 1`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("oplog: reading sequence counter: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE oplog_seq SET next = next + 1 WHERE id = 1`); err != nil {
		return 0, fmt.Errorf("oplog: advancing sequence counter: %w", err)
	}

	return seq, nil
}

// GetUnsynced returns ops awaiting upload, ordered by insertion.
func (s *Store) GetUnsynced(ctx context.Context) ([]ops.Operation, error) {
	rows, err := s.stmts.getUnsynced.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("oplog: query unsynced: %w", err)
	}
	defer rows.Close()

	return scanOps(rows)
}

// GetRecentSynced returns the most recent n already-synced ops, newest first,
// for piggyback protection against server acks lost in transit.
func (s *Store) GetRecentSynced(ctx context.Context, n int) ([]ops.Operation, error) {
	rows, err := s.stmts.getRecentSynced.QueryContext(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("oplog: query recent synced: %w", err)
	}
	defer rows.Close()

	return scanOps(rows)
}

func scanOps(rows *sql.Rows) ([]ops.Operation, error) {
	var out []ops.Operation

	for rows.Next() {
		var (
			op          ops.Operation
			entityType  string
			opType      string
			vcJSON      string
			payloadRaw  []byte
		)

		if err := rows.Scan(
			&op.ID, &op.ClientID, &op.Timestamp, &vcJSON, &op.SchemaVersion,
			&entityType, &op.EntityID, &opType, &op.ActionType, &payloadRaw,
		); err != nil {
			return nil, fmt.Errorf("oplog: scan operation row: %w", err)
		}

		var vc clock.VectorClock
		if err := json.Unmarshal([]byte(vcJSON), &vc); err != nil {
			return nil, fmt.Errorf("oplog: unmarshaling vector clock for %s: %w", op.ID, err)
		}

		op.VectorClock = vc
		op.EntityType = ops.EntityType(entityType)
		op.OpType = ops.OpType(opType)
		op.Payload = payloadRaw

		out = append(out, op)
	}

	return out, rows.Err()
}

// MarkSynced flips isSynced for every id in ids atomically: either all flip
// or none do.
func (s *Store) MarkSynced(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("oplog: begin mark-synced tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt := tx.StmtContext(ctx, s.stmts.markSynced)
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return fmt.Errorf("oplog: marking %s synced: %w", id, err)
		}
	}

	return tx.Commit()
}

// HasApplied reports whether id has already been applied from a remote
// source, for download-side de-duplication.
func (s *Store) HasApplied(ctx context.Context, id string) (bool, error) {
	var flag int
	err := s.db.QueryRowContext(ctx,
		`SELECT applied_remote FROM operations WHERE id = ?`, id,
	).Scan(&flag)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("oplog: checking applied state for %s: %w", id, err)
	}

	return flag == 1, nil
}

// RecordApplied marks every op in ops as applied-remote, inserting it into
// the log (already synced, since it came from the shared backend) if it was
// not already present locally. Must be called for every id returned
// piggybacked to the caller, even if the merge resolver discarded its
// effect as causally dominated.
func (s *Store) RecordApplied(ctx context.Context, remote []ops.Operation) error {
	if len(remote) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("oplog: begin record-applied tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	insert := tx.StmtContext(ctx, s.stmts.insertRemote)
	markOnly := tx.StmtContext(ctx, s.stmts.markAppliedOnly)

	for _, op := range remote {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM operations WHERE id = ?`, op.ID).Scan(&exists)
		switch {
		case err == nil:
			if _, err := markOnly.ExecContext(ctx, op.ID); err != nil {
				return fmt.Errorf("oplog: marking %s applied: %w", op.ID, err)
			}
		case errors.Is(err, sql.ErrNoRows):
			seq, err := nextSeq(ctx, tx)
			if err != nil {
				return err
			}

			vcJSON, err := json.Marshal(op.VectorClock)
			if err != nil {
				return fmt.Errorf("oplog: marshaling vector clock for %s: %w", op.ID, err)
			}

			_, err = insert.ExecContext(ctx,
				op.ID, seq, op.ClientID, op.Timestamp, string(vcJSON), op.SchemaVersion,
				string(op.EntityType), op.EntityID, string(op.OpType), op.ActionType,
				[]byte(op.Payload), ops.NowMillis(),
			)
			if err != nil {
				return fmt.Errorf("oplog: inserting remote op %s: %w", op.ID, err)
			}
		default:
			return fmt.Errorf("oplog: checking existing id %s: %w", op.ID, err)
		}
	}

	return tx.Commit()
}

// DiscardUnsynced deletes every not-yet-uploaded op from the log, the local
// side of a Keep-Remote conflict resolution: clear the unsynced log so the
// remote snapshot can be re-applied on top.
func (s *Store) DiscardUnsynced(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM operations WHERE is_synced = 0`); err != nil {
		return fmt.Errorf("oplog: discarding unsynced operations: %w", err)
	}

	return nil
}

// ResetAppliedRemote clears the applied-remote flag on every op, so a
// subsequent download re-applies every remote op instead of treating it as
// already-seen. Paired with DiscardUnsynced and the entity store being
// cleared, this is what lets a Keep-Remote conflict resolution rebuild local
// state entirely from what the adapter reports on the next cycle.
func (s *Store) ResetAppliedRemote(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE operations SET applied_remote = 0`); err != nil {
		return fmt.Errorf("oplog: resetting applied-remote flags: %w", err)
	}

	return nil
}

// Compact removes synced-and-applied ops at least retentionMs old, always
// keeping at least recentKeepCount of the newest synced ops regardless of
// age so GetRecentSynced's piggyback buffer never runs dry.
func (s *Store) Compact(ctx context.Context, retentionMs int64, recentKeepCount int) (int64, error) {
	cutoff := ops.NowMillis() - retentionMs

	res, err := s.stmts.compactSynced.ExecContext(ctx, cutoff, recentKeepCount)
	if err != nil {
		return 0, fmt.Errorf("oplog: compacting: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("oplog: reading compaction row count: %w", err)
	}

	return n, nil
}

// GetCursor returns the persisted cursor value for kind ("adapter",
// "pending_conflict", ...), and whether one has ever been set.
func (s *Store) GetCursor(ctx context.Context, kind string) (string, bool, error) {
	var value string
	err := s.stmts.getCursor.QueryRowContext(ctx, kind).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("oplog: reading cursor %s: %w", kind, err)
	}

	return value, true, nil
}

// SetCursor persists value as the cursor for kind.
func (s *Store) SetCursor(ctx context.Context, kind, value string) error {
	if _, err := s.stmts.setCursor.ExecContext(ctx, kind, value); err != nil {
		return fmt.Errorf("oplog: setting cursor %s: %w", kind, err)
	}

	return nil
}

const metaKeyClientID = "clientId"

// GetClientID returns the persisted client id, generating and persisting a
// new one on first call. The id is generated once and persisted forever;
// only a clean slate replaces it.
func (s *Store) GetClientID(ctx context.Context) (string, error) {
	var id string
	err := s.stmts.getMeta.QueryRowContext(ctx, metaKeyClientID).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("oplog: reading client id: %w", err)
	}

	id = ops.NewID()
	if err := s.SetClientID(ctx, id); err != nil {
		return "", err
	}

	return id, nil
}

// SetClientID overwrites the persisted client id. Only a clean-slate
// operation should call this directly; ordinary startup uses GetClientID.
func (s *Store) SetClientID(ctx context.Context, id string) error {
	if _, err := s.stmts.setMeta.ExecContext(ctx, metaKeyClientID, id); err != nil {
		return fmt.Errorf("oplog: setting client id: %w", err)
	}

	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
