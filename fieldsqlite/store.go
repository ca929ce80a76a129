// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package fieldsqlite provides the SQLite-backed local store, durable
// mutation queue and sync reconciler for offline-first field-service task
// tracking.
//
// The store holds cached snapshots of remote entities (tasks, comments,
// photos, files), raw binary payloads that have not yet reached the server,
// and the ordered mutation log the reconciler drains once connectivity
// returns.
package fieldsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/mobiletoly/go-fieldsync/fieldsync"
)

// Store is the device-resident durable cache plus mutation log. All access
// goes through its methods; there is no package-level state, so multiple
// stores can coexist in one process (and in tests).
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	// Serialize write transactions to prevent SQLite locking issues.
	writeMu sync.Mutex
}

// NewStore initializes the sync schema on db and returns a store. The
// database handle stays owned by the caller.
func NewStore(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := initializeDatabase(db); err != nil {
		return nil, storageErr("failed to initialize database", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// initializeDatabase applies pragmas and creates the sync metadata tables.
func initializeDatabase(db *sql.DB) error {
	pragmas := []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA foreign_keys=ON`,
		`PRAGMA busy_timeout=5000`,
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS _fieldsync_client_info (
			user_id   TEXT PRIMARY KEY,
			device_id TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS _fieldsync_entities (
			collection TEXT NOT NULL,
			id         TEXT NOT NULL,
			payload    TEXT NOT NULL,
			version    INTEGER NOT NULL DEFAULT 0,
			sync_state TEXT NOT NULL DEFAULT 'synced',
			updated_at TEXT NOT NULL,
			PRIMARY KEY (collection, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_fieldsync_entities_pending
			ON _fieldsync_entities(collection, sync_state)`,
		`CREATE TABLE IF NOT EXISTS _fieldsync_blobs (
			collection TEXT NOT NULL,
			owner_id   TEXT NOT NULL,
			data       BLOB NOT NULL,
			PRIMARY KEY (collection, owner_id)
		)`,
		`CREATE TABLE IF NOT EXISTS _fieldsync_id_map (
			temp_id    TEXT PRIMARY KEY,
			server_id  TEXT NOT NULL,
			collection TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS _fieldsync_mutations (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			kind            TEXT NOT NULL,
			entity_id       TEXT NOT NULL,
			temp_id         TEXT NOT NULL DEFAULT '',
			payload         TEXT NOT NULL,
			base_version    INTEGER NOT NULL DEFAULT 0,
			base_snapshot   TEXT,
			state           TEXT NOT NULL DEFAULT 'pending',
			fail_class      TEXT NOT NULL DEFAULT '',
			attempt         INTEGER NOT NULL DEFAULT 0,
			last_error      TEXT NOT NULL DEFAULT '',
			queued_at       TEXT NOT NULL,
			next_attempt_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_fieldsync_mutations_entity
			ON _fieldsync_mutations(entity_id, id)`,
		`CREATE TABLE IF NOT EXISTS _fieldsync_counters (
			kind  TEXT NOT NULL,
			state TEXT NOT NULL,
			n     INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (kind, state)
		)`,
		`CREATE TABLE IF NOT EXISTS _fieldsync_conflicts (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			mutation_id    INTEGER NOT NULL,
			entity_id      TEXT NOT NULL,
			fields         TEXT NOT NULL,
			local_value    TEXT NOT NULL,
			server_value   TEXT NOT NULL,
			server_row     TEXT NOT NULL DEFAULT '{}',
			server_version INTEGER NOT NULL DEFAULT 0,
			detected_at    TEXT NOT NULL,
			resolved       INTEGER NOT NULL DEFAULT 0
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create sync schema: %w", err)
		}
	}
	return nil
}

// EnsureDeviceID returns the stable device id for userID, generating and
// persisting one on first use. The device id seeds temp-id generation and the
// session token's 'did' claim.
func EnsureDeviceID(db *sql.DB, userID string) (string, error) {
	var deviceID string
	err := db.QueryRow(`SELECT device_id FROM _fieldsync_client_info WHERE user_id = ?`, userID).
		Scan(&deviceID)
	if err == nil {
		return deviceID, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", storageErr("failed to read client info", err)
	}

	deviceID = uuid.NewString()
	_, err = db.Exec(`INSERT INTO _fieldsync_client_info (user_id, device_id) VALUES (?, ?)`,
		userID, deviceID)
	if err != nil {
		return "", storageErr("failed to persist device id", err)
	}
	return deviceID, nil
}

// Get returns the cached entity with the given id, following the temp-id map
// so callers holding a pre-acknowledgment id still find the entity after its
// permanent id was assigned.
func (s *Store) Get(ctx context.Context, collection, id string) (*fieldsync.Entity, error) {
	e, err := s.getRaw(ctx, collection, id)
	if !errors.Is(err, fieldsync.ErrNotFound) {
		return e, err
	}

	var serverID string
	mapErr := s.db.QueryRowContext(ctx,
		`SELECT server_id FROM _fieldsync_id_map WHERE temp_id = ? AND collection = ?`,
		id, collection).Scan(&serverID)
	if mapErr != nil {
		return nil, err // original not-found
	}
	return s.getRaw(ctx, collection, serverID)
}

func (s *Store) getRaw(ctx context.Context, collection, id string) (*fieldsync.Entity, error) {
	var (
		payloadJSON string
		e           fieldsync.Entity
		updatedAt   string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, payload, version, sync_state, updated_at
		FROM _fieldsync_entities WHERE collection = ? AND id = ?
	`, collection, id).Scan(&e.ID, &payloadJSON, &e.Version, &e.SyncState, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", fieldsync.ErrNotFound, collection, id)
	}
	if err != nil {
		return nil, storageErr("failed to read entity", err)
	}
	if err := json.Unmarshal([]byte(payloadJSON), &e.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode entity payload %s/%s: %w", collection, id, err)
	}
	e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &e, nil
}

// Put writes an entity snapshot. The write is transactional per call.
func (s *Store) Put(ctx context.Context, collection string, e *fieldsync.Entity) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("failed to begin transaction", err)
	}
	defer tx.Rollback()

	if err := putEntityInTx(ctx, tx, collection, e); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr("failed to commit entity write", err)
	}
	return nil
}

func putEntityInTx(ctx context.Context, tx *sql.Tx, collection string, e *fieldsync.Entity) error {
	payloadJSON, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode entity payload: %w", err)
	}
	if e.SyncState == "" {
		e.SyncState = fieldsync.SyncStateSynced
	}
	e.UpdatedAt = time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO _fieldsync_entities (collection, id, payload, version, sync_state, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (collection, id) DO UPDATE SET
			payload = excluded.payload,
			version = excluded.version,
			sync_state = excluded.sync_state,
			updated_at = excluded.updated_at
	`, collection, e.ID, string(payloadJSON), e.Version, e.SyncState, formatTime(e.UpdatedAt))
	if err != nil {
		return storageErr("failed to write entity", err)
	}
	return nil
}

// Delete removes an entity snapshot and any blob it still owns.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("failed to begin transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM _fieldsync_entities WHERE collection = ? AND id = ?`, collection, id); err != nil {
		return storageErr("failed to delete entity", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM _fieldsync_blobs WHERE collection = ? AND owner_id = ?`, collection, id); err != nil {
		return storageErr("failed to delete blob", err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("failed to commit entity delete", err)
	}
	return nil
}

// ListPending returns the entities in a collection whose snapshots have not
// reached the server yet.
func (s *Store) ListPending(ctx context.Context, collection string) ([]fieldsync.Entity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, payload, version, sync_state, updated_at
		FROM _fieldsync_entities
		WHERE collection = ? AND sync_state != ?
		ORDER BY id
	`, collection, fieldsync.SyncStateSynced)
	if err != nil {
		return nil, storageErr("failed to list pending entities", err)
	}
	defer rows.Close()

	var out []fieldsync.Entity
	for rows.Next() {
		var (
			e           fieldsync.Entity
			payloadJSON string
			updatedAt   string
		)
		if err := rows.Scan(&e.ID, &payloadJSON, &e.Version, &e.SyncState, &updatedAt); err != nil {
			return nil, storageErr("failed to scan pending entity", err)
		}
		if err := json.Unmarshal([]byte(payloadJSON), &e.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode pending entity payload: %w", err)
		}
		e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetBlob returns the locally owned binary payload for an entity.
func (s *Store) GetBlob(ctx context.Context, collection, ownerID string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM _fieldsync_blobs WHERE collection = ? AND owner_id = ?`,
		collection, ownerID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: blob %s/%s", fieldsync.ErrNotFound, collection, ownerID)
	}
	if err != nil {
		return nil, storageErr("failed to read blob", err)
	}
	return data, nil
}

// PutBlob stores a binary payload owned by the local store until the
// corresponding mutation reaches Synced.
func (s *Store) PutBlob(ctx context.Context, collection, ownerID string, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO _fieldsync_blobs (collection, owner_id, data) VALUES (?, ?, ?)
		ON CONFLICT (collection, owner_id) DO UPDATE SET data = excluded.data
	`, collection, ownerID, data)
	if err != nil {
		return storageErr("failed to write blob", err)
	}
	return nil
}

// DeleteBlob releases a locally owned binary payload.
func (s *Store) DeleteBlob(ctx context.Context, collection, ownerID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM _fieldsync_blobs WHERE collection = ? AND owner_id = ?`, collection, ownerID)
	if err != nil {
		return storageErr("failed to delete blob", err)
	}
	return nil
}

// ServerIDFor looks up the permanent id a temp id was rewritten to. Used as
// the local half of the crash-replay dedupe check.
func (s *Store) ServerIDFor(ctx context.Context, tempID string) (string, bool, error) {
	var serverID string
	err := s.db.QueryRowContext(ctx,
		`SELECT server_id FROM _fieldsync_id_map WHERE temp_id = ?`, tempID).Scan(&serverID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, storageErr("failed to read id map", err)
	}
	return serverID, true, nil
}

// PutWithMutation performs the optimistic local write and the enqueue of the
// mutation that depends on it in one transaction, so a storage failure never
// leaves an orphaned optimistic record or a mutation without its snapshot.
// blob may be nil. Returns the assigned mutation id.
func (s *Store) PutWithMutation(ctx context.Context, collection string, e *fieldsync.Entity, blob []byte, m *fieldsync.Mutation) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageErr("failed to begin transaction", err)
	}
	defer tx.Rollback()

	if err := putEntityInTx(ctx, tx, collection, e); err != nil {
		return 0, err
	}
	if blob != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO _fieldsync_blobs (collection, owner_id, data) VALUES (?, ?, ?)
			ON CONFLICT (collection, owner_id) DO UPDATE SET data = excluded.data
		`, collection, e.ID, blob); err != nil {
			return 0, storageErr("failed to write blob", err)
		}
	}
	id, err := enqueueInTx(ctx, tx, m)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, storageErr("failed to commit optimistic write", err)
	}
	m.ID = id
	return id, nil
}

// timeLayout is fixed-width (no trailing-zero trimming) so stored timestamps
// compare correctly as strings in SQL.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// storageErr maps device-storage failures (quota, read-only filesystem, a
// database that cannot be opened) to ErrStorageUnavailable so callers can
// degrade to online-only behavior instead of crashing.
func storageErr(op string, err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrFull, sqlite3.ErrCantOpen, sqlite3.ErrReadonly, sqlite3.ErrIoErr, sqlite3.ErrNotADB:
			return fmt.Errorf("%s: %w: %w", op, fieldsync.ErrStorageUnavailable, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
