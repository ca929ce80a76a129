// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mobiletoly/go-fieldsync/fieldsync"
)

// Applying server results back to the local store. Each finalize operation is
// one transaction covering the entity rewrite, the queue removal and the
// counter update, so a crash between the remote call and the local apply
// leaves the mutation in Syncing and it is replayed (idempotently) on the
// next start.

// FinalizeStatusChange records a successfully applied status change: the task
// snapshot takes the server's post-update fields and version, and the
// mutation row is removed. The task stays pending-local-only while later
// mutations for it remain queued.
func (s *Store) FinalizeStatusChange(ctx context.Context, mutationID int64, taskID string, fields map[string]any, version int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("failed to begin transaction", err)
	}
	defer tx.Rollback()

	if err := deleteMutationInTx(ctx, tx, mutationID); err != nil {
		return err
	}

	syncState, err := entitySyncStateInTx(ctx, tx, taskID)
	if err != nil {
		return err
	}
	e := &fieldsync.Entity{
		ID:        taskID,
		Payload:   fields,
		Version:   version,
		SyncState: syncState,
	}
	if err := putEntityInTx(ctx, tx, fieldsync.CollectionTasks, e); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return storageErr("failed to commit status finalize", err)
	}
	return nil
}

// FinalizeCreate records a successfully created sub-entity: the temp-id row
// is rewritten under the server-assigned id (exactly one entity remains, no
// temp-id residue), the temp→server mapping is recorded for crash-replay
// dedupe, the locally owned blob is released (the server copy is now
// authoritative) and the mutation row is removed.
func (s *Store) FinalizeCreate(ctx context.Context, m *fieldsync.Mutation, rec *fieldsync.CreatedRecord) error {
	collection := m.Collection()
	if collection == "" {
		return fmt.Errorf("mutation %d (%s) does not create an entity", m.ID, m.Kind)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("failed to begin transaction", err)
	}
	defer tx.Rollback()

	if err := deleteMutationInTx(ctx, tx, m.ID); err != nil {
		return err
	}

	// Carry the optimistic payload forward, overlaid with whatever fields
	// the server reported back.
	payload := map[string]any{}
	var existing string
	err = tx.QueryRowContext(ctx,
		`SELECT payload FROM _fieldsync_entities WHERE collection = ? AND id = ?`,
		collection, m.TempID).Scan(&existing)
	switch {
	case err == nil:
		if err := json.Unmarshal([]byte(existing), &payload); err != nil {
			return fmt.Errorf("failed to decode optimistic payload: %w", err)
		}
	case errors.Is(err, sql.ErrNoRows):
		// Replay after a crash that already rewrote the entity.
	default:
		return storageErr("failed to read optimistic entity", err)
	}
	for k, v := range rec.Fields {
		payload[k] = v
	}
	payload["id"] = rec.ID

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM _fieldsync_entities WHERE collection = ? AND id = ?`,
		collection, m.TempID); err != nil {
		return storageErr("failed to remove temp entity", err)
	}
	e := &fieldsync.Entity{
		ID:        rec.ID,
		Payload:   payload,
		Version:   rec.Version,
		SyncState: fieldsync.SyncStateSynced,
	}
	if err := putEntityInTx(ctx, tx, collection, e); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO _fieldsync_id_map (temp_id, server_id, collection) VALUES (?, ?, ?)
		ON CONFLICT (temp_id) DO UPDATE SET server_id = excluded.server_id
	`, m.TempID, rec.ID, collection); err != nil {
		return storageErr("failed to record id mapping", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM _fieldsync_blobs WHERE collection = ? AND owner_id = ?`,
		collection, m.TempID); err != nil {
		return storageErr("failed to release blob", err)
	}

	if err := tx.Commit(); err != nil {
		return storageErr("failed to commit create finalize", err)
	}
	return nil
}

// entitySyncStateInTx decides the sync state a task snapshot should carry:
// synced when no queued mutations remain for it, pending otherwise.
func entitySyncStateInTx(ctx context.Context, tx *sql.Tx, entityID string) (fieldsync.SyncState, error) {
	var remaining int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM _fieldsync_mutations WHERE entity_id = ?`, entityID).Scan(&remaining)
	if err != nil {
		return "", storageErr("failed to count queued mutations", err)
	}
	if remaining > 0 {
		return fieldsync.SyncStatePending, nil
	}
	return fieldsync.SyncStateSynced, nil
}

// ListConflicts returns unresolved conflict records, oldest first.
func (s *Store) ListConflicts(ctx context.Context) ([]fieldsync.ConflictRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, mutation_id, entity_id, fields, local_value, server_value, server_row, server_version, detected_at
		FROM _fieldsync_conflicts WHERE resolved = 0 ORDER BY id
	`)
	if err != nil {
		return nil, storageErr("failed to list conflicts", err)
	}
	defer rows.Close()

	var out []fieldsync.ConflictRecord
	for rows.Next() {
		rec, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// GetConflict returns one unresolved conflict record.
func (s *Store) GetConflict(ctx context.Context, id int64) (*fieldsync.ConflictRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, mutation_id, entity_id, fields, local_value, server_value, server_row, server_version, detected_at
		FROM _fieldsync_conflicts WHERE id = ? AND resolved = 0
	`, id)
	rec, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: conflict %d", fieldsync.ErrNotFound, id)
	}
	return rec, err
}

// CompleteConflict marks a conflict record resolved and removes its
// Conflicted mutation, returning both so the caller can apply the human's
// choice and enqueue a corrective mutation.
func (s *Store) CompleteConflict(ctx context.Context, conflictID int64) (*fieldsync.ConflictRecord, *fieldsync.Mutation, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, storageErr("failed to begin transaction", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT id, mutation_id, entity_id, fields, local_value, server_value, server_row, server_version, detected_at
		FROM _fieldsync_conflicts WHERE id = ? AND resolved = 0
	`, conflictID)
	rec, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("%w: conflict %d", fieldsync.ErrNotFound, conflictID)
	}
	if err != nil {
		return nil, nil, err
	}

	mrow := tx.QueryRowContext(ctx,
		`SELECT `+mutationColumns+` FROM _fieldsync_mutations WHERE id = ?`, rec.MutationID)
	m, err := scanMutation(mrow)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE _fieldsync_conflicts SET resolved = 1 WHERE id = ?`, conflictID); err != nil {
		return nil, nil, storageErr("failed to mark conflict resolved", err)
	}
	if m != nil {
		if err := deleteMutationInTx(ctx, tx, m.ID); err != nil {
			return nil, nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, storageErr("failed to commit conflict resolution", err)
	}
	return rec, m, nil
}

func scanConflict(row rowScanner) (*fieldsync.ConflictRecord, error) {
	var (
		rec        fieldsync.ConflictRecord
		fieldsJSON string
		localJSON  string
		serverJSON string
		rowJSON    string
		detectedAt string
	)
	err := row.Scan(&rec.ID, &rec.MutationID, &rec.EntityID, &fieldsJSON, &localJSON,
		&serverJSON, &rowJSON, &rec.ServerVersion, &detectedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, storageErr("failed to scan conflict", err)
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &rec.Fields); err != nil {
		return nil, fmt.Errorf("failed to decode conflict fields: %w", err)
	}
	if err := json.Unmarshal([]byte(localJSON), &rec.LocalValue); err != nil {
		return nil, fmt.Errorf("failed to decode conflict local value: %w", err)
	}
	if err := json.Unmarshal([]byte(serverJSON), &rec.ServerValue); err != nil {
		return nil, fmt.Errorf("failed to decode conflict server value: %w", err)
	}
	if err := json.Unmarshal([]byte(rowJSON), &rec.ServerRow); err != nil {
		return nil, fmt.Errorf("failed to decode conflict server row: %w", err)
	}
	rec.DetectedAt, _ = time.Parse(time.RFC3339Nano, detectedAt)
	return &rec, nil
}
