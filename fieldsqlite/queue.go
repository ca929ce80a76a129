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

// The mutation log is the ordered, durable record of pending write intents.
// Rows are appended by Enqueue (ids are AUTOINCREMENT, so id order is enqueue
// order) and removed only when a mutation reaches Synced or is explicitly
// discarded. Per-entity ordering is enforced by only ever dispatching the
// oldest surviving row for an entity: a Failed or Conflicted head blocks the
// rows behind it without touching other entities.
//
// The _fieldsync_counters table is maintained in the same transaction as
// every state transition, so Summary is a handful of counter rows and never a
// scan of the log.

const mutationColumns = `id, kind, entity_id, temp_id, payload, base_version,
	base_snapshot, state, fail_class, attempt, last_error, queued_at, next_attempt_at`

// Enqueue appends a mutation in the Pending state and returns its id.
func (s *Store) Enqueue(ctx context.Context, m *fieldsync.Mutation) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageErr("failed to begin transaction", err)
	}
	defer tx.Rollback()

	id, err := enqueueInTx(ctx, tx, m)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, storageErr("failed to commit enqueue", err)
	}
	m.ID = id
	return id, nil
}

func enqueueInTx(ctx context.Context, tx *sql.Tx, m *fieldsync.Mutation) (int64, error) {
	payloadJSON, err := fieldsync.EncodePayload(m.Payload)
	if err != nil {
		return 0, err
	}
	var snapshotJSON any
	if m.BaseSnapshot != nil {
		b, err := json.Marshal(m.BaseSnapshot)
		if err != nil {
			return 0, fmt.Errorf("failed to encode base snapshot: %w", err)
		}
		snapshotJSON = string(b)
	}
	m.State = fieldsync.StatePending
	m.QueuedAt = time.Now().UTC()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO _fieldsync_mutations
			(kind, entity_id, temp_id, payload, base_version, base_snapshot, state, queued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, m.Kind, m.EntityID, m.TempID, string(payloadJSON), m.BaseVersion, snapshotJSON,
		fieldsync.StatePending, formatTime(m.QueuedAt))
	if err != nil {
		return 0, storageErr("failed to enqueue mutation", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, storageErr("failed to read mutation id", err)
	}
	if err := bumpCounter(ctx, tx, m.Kind, fieldsync.StatePending, +1); err != nil {
		return 0, err
	}
	return id, nil
}

// GetMutation returns a single mutation by id.
func (s *Store) GetMutation(ctx context.Context, id int64) (*fieldsync.Mutation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+mutationColumns+` FROM _fieldsync_mutations WHERE id = ?`, id)
	m, err := scanMutation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: mutation %d", fieldsync.ErrNotFound, id)
	}
	return m, err
}

// PeekNext returns the oldest surviving mutation for an entity when it is
// dispatchable (Pending), or nil when the entity has no work or its head is
// Syncing, Failed or Conflicted. The blocked-head rule is what guarantees
// causal per-entity ordering.
func (s *Store) PeekNext(ctx context.Context, entityID string) (*fieldsync.Mutation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+mutationColumns+`
		FROM _fieldsync_mutations WHERE entity_id = ? ORDER BY id LIMIT 1`, entityID)
	m, err := scanMutation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if m.State != fieldsync.StatePending {
		return nil, nil
	}
	return m, nil
}

// NextReady returns up to limit dispatchable entity heads: for each distinct
// entity with queued work, its oldest mutation, included only when that head
// is Pending or is a network-Failed row whose backoff deadline has passed and
// whose attempt count is below maxAttempts. Entities whose head is Syncing,
// Conflicted, validation-failed, auth-failed or past the attempt cap are
// skipped (they block only themselves).
func (s *Store) NextReady(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*fieldsync.Mutation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+mutationColumns+`
		FROM _fieldsync_mutations m
		WHERE m.id = (SELECT MIN(w.id) FROM _fieldsync_mutations w WHERE w.entity_id = m.entity_id)
		  AND (
			m.state = ?
			OR (m.state = ? AND m.fail_class = ? AND m.attempt < ?
				AND m.next_attempt_at IS NOT NULL AND m.next_attempt_at <= ?)
		  )
		ORDER BY m.id
		LIMIT ?
	`, fieldsync.StatePending, fieldsync.StateFailed, fieldsync.FailNetwork,
		maxAttempts, formatTime(now), limit)
	if err != nil {
		return nil, storageErr("failed to query dispatchable mutations", err)
	}
	defer rows.Close()

	var out []*fieldsync.Mutation
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkSyncing transitions a mutation to Syncing before its remote write is
// issued.
func (s *Store) MarkSyncing(ctx context.Context, id int64) error {
	return s.transition(ctx, id, fieldsync.StateSyncing, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE _fieldsync_mutations SET state = ? WHERE id = ?`,
			fieldsync.StateSyncing, id)
		if err != nil {
			return storageErr("failed to mark syncing", err)
		}
		return nil
	})
}

// MarkFailed records a failure. retryAt non-nil schedules an automatic retry
// (network-class failures below the attempt cap); nil means the mutation
// waits for a manual retry or, for auth failures, re-authentication.
func (s *Store) MarkFailed(ctx context.Context, id int64, class fieldsync.FailClass, lastError string, retryAt *time.Time, attempt int) error {
	return s.transition(ctx, id, fieldsync.StateFailed, func(ctx context.Context, tx *sql.Tx) error {
		var retry any
		if retryAt != nil {
			retry = formatTime(*retryAt)
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE _fieldsync_mutations
			SET state = ?, fail_class = ?, last_error = ?, attempt = ?, next_attempt_at = ?
			WHERE id = ?
		`, fieldsync.StateFailed, class, lastError, attempt, retry, id)
		if err != nil {
			return storageErr("failed to mark failed", err)
		}
		return nil
	})
}

// MarkConflicted transitions a mutation to Conflicted and persists its
// conflict record for manual resolution. Returns the conflict record id.
func (s *Store) MarkConflicted(ctx context.Context, id int64, rec *fieldsync.ConflictRecord) (int64, error) {
	var conflictID int64
	err := s.transition(ctx, id, fieldsync.StateConflicted, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE _fieldsync_mutations SET state = ?, last_error = ? WHERE id = ?`,
			fieldsync.StateConflicted, "version conflict", id)
		if err != nil {
			return storageErr("failed to mark conflicted", err)
		}

		fieldsJSON, err := json.Marshal(rec.Fields)
		if err != nil {
			return fmt.Errorf("failed to encode conflict fields: %w", err)
		}
		localJSON, err := json.Marshal(rec.LocalValue)
		if err != nil {
			return fmt.Errorf("failed to encode conflict local value: %w", err)
		}
		serverJSON, err := json.Marshal(rec.ServerValue)
		if err != nil {
			return fmt.Errorf("failed to encode conflict server value: %w", err)
		}
		rowJSON, err := json.Marshal(rec.ServerRow)
		if err != nil {
			return fmt.Errorf("failed to encode conflict server row: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO _fieldsync_conflicts
				(mutation_id, entity_id, fields, local_value, server_value, server_row, server_version, detected_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, rec.MutationID, rec.EntityID, string(fieldsJSON), string(localJSON),
			string(serverJSON), string(rowJSON), rec.ServerVersion, formatTime(rec.DetectedAt))
		if err != nil {
			return storageErr("failed to persist conflict record", err)
		}
		conflictID, err = res.LastInsertId()
		if err != nil {
			return storageErr("failed to read conflict id", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	rec.ID = conflictID
	return conflictID, nil
}

// transition wraps a state change with counter maintenance in one
// transaction.
func (s *Store) transition(ctx context.Context, id int64, to fieldsync.MutationState, apply func(context.Context, *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("failed to begin transaction", err)
	}
	defer tx.Rollback()

	kind, from, err := mutationStateInTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := apply(ctx, tx); err != nil {
		return err
	}
	if from != to {
		if err := bumpCounter(ctx, tx, kind, from, -1); err != nil {
			return err
		}
		if err := bumpCounter(ctx, tx, kind, to, +1); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return storageErr("failed to commit transition", err)
	}
	return nil
}

func mutationStateInTx(ctx context.Context, tx *sql.Tx, id int64) (fieldsync.MutationKind, fieldsync.MutationState, error) {
	var (
		kind  fieldsync.MutationKind
		state fieldsync.MutationState
	)
	err := tx.QueryRowContext(ctx,
		`SELECT kind, state FROM _fieldsync_mutations WHERE id = ?`, id).Scan(&kind, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", fmt.Errorf("%w: mutation %d", fieldsync.ErrNotFound, id)
	}
	if err != nil {
		return "", "", storageErr("failed to read mutation state", err)
	}
	return kind, state, nil
}

// deleteMutationInTx removes a row that reached a terminal outcome and
// decrements its live counter.
func deleteMutationInTx(ctx context.Context, tx *sql.Tx, id int64) error {
	kind, from, err := mutationStateInTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM _fieldsync_mutations WHERE id = ?`, id); err != nil {
		return storageErr("failed to delete mutation", err)
	}
	return bumpCounter(ctx, tx, kind, from, -1)
}

// Retry resets a Failed or Conflicted mutation to Pending with a fresh
// attempt counter. Used by the user-facing retry affordance.
func (s *Store) Retry(ctx context.Context, id int64) error {
	return s.transition(ctx, id, fieldsync.StatePending, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE _fieldsync_mutations
			SET state = ?, fail_class = '', attempt = 0, last_error = '', next_attempt_at = NULL
			WHERE id = ? AND state IN (?, ?)
		`, fieldsync.StatePending, id, fieldsync.StateFailed, fieldsync.StateConflicted)
		if err != nil {
			return storageErr("failed to retry mutation", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("mutation %d is not in a retryable state", id)
		}
		return nil
	})
}

// Discard drops a Failed or Conflicted mutation and rolls back its optimistic
// local effect: creation kinds lose their temp entity and blob, status
// changes have the base snapshot restored.
func (s *Store) Discard(ctx context.Context, id int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("failed to begin transaction", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+mutationColumns+` FROM _fieldsync_mutations WHERE id = ?`, id)
	m, err := scanMutation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: mutation %d", fieldsync.ErrNotFound, id)
	}
	if err != nil {
		return err
	}
	if m.State != fieldsync.StateFailed && m.State != fieldsync.StateConflicted {
		return fmt.Errorf("mutation %d is not in a discardable state", id)
	}

	if m.IsCreation() {
		collection := m.Collection()
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM _fieldsync_entities WHERE collection = ? AND id = ?`,
			collection, m.TempID); err != nil {
			return storageErr("failed to remove optimistic entity", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM _fieldsync_blobs WHERE collection = ? AND owner_id = ?`,
			collection, m.TempID); err != nil {
			return storageErr("failed to remove optimistic blob", err)
		}
	} else if m.BaseSnapshot != nil {
		e := &fieldsync.Entity{
			ID:        m.EntityID,
			Payload:   m.BaseSnapshot,
			Version:   m.BaseVersion,
			SyncState: fieldsync.SyncStateSynced,
		}
		if err := putEntityInTx(ctx, tx, fieldsync.CollectionTasks, e); err != nil {
			return err
		}
	}

	if err := deleteMutationInTx(ctx, tx, id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr("failed to commit discard", err)
	}
	return nil
}

// ResetInterrupted requeues mutations left in Syncing by a crash or app
// suspension. The idempotency key (temp id) makes the replay safe if the
// interrupted request actually reached the server.
func (s *Store) ResetInterrupted(ctx context.Context) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageErr("failed to begin transaction", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, kind FROM _fieldsync_mutations WHERE state = ?`, fieldsync.StateSyncing)
	if err != nil {
		return 0, storageErr("failed to query interrupted mutations", err)
	}
	type stuck struct {
		id   int64
		kind fieldsync.MutationKind
	}
	var interrupted []stuck
	for rows.Next() {
		var st stuck
		if err := rows.Scan(&st.id, &st.kind); err != nil {
			rows.Close()
			return 0, storageErr("failed to scan interrupted mutation", err)
		}
		interrupted = append(interrupted, st)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, storageErr("failed to iterate interrupted mutations", err)
	}

	for _, st := range interrupted {
		if _, err := tx.ExecContext(ctx,
			`UPDATE _fieldsync_mutations SET state = ? WHERE id = ?`,
			fieldsync.StatePending, st.id); err != nil {
			return 0, storageErr("failed to reset interrupted mutation", err)
		}
		if err := bumpCounter(ctx, tx, st.kind, fieldsync.StateSyncing, -1); err != nil {
			return 0, err
		}
		if err := bumpCounter(ctx, tx, st.kind, fieldsync.StatePending, +1); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, storageErr("failed to commit interrupted reset", err)
	}
	return len(interrupted), nil
}

// RequeueAuthFailed resets auth-held Failed mutations to Pending after
// re-authentication.
func (s *Store) RequeueAuthFailed(ctx context.Context) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageErr("failed to begin transaction", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, kind FROM _fieldsync_mutations WHERE state = ? AND fail_class = ?`,
		fieldsync.StateFailed, fieldsync.FailAuth)
	if err != nil {
		return 0, storageErr("failed to query auth-failed mutations", err)
	}
	type held struct {
		id   int64
		kind fieldsync.MutationKind
	}
	var heldRows []held
	for rows.Next() {
		var h held
		if err := rows.Scan(&h.id, &h.kind); err != nil {
			rows.Close()
			return 0, storageErr("failed to scan auth-failed mutation", err)
		}
		heldRows = append(heldRows, h)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, storageErr("failed to iterate auth-failed mutations", err)
	}

	for _, h := range heldRows {
		if _, err := tx.ExecContext(ctx, `
			UPDATE _fieldsync_mutations
			SET state = ?, fail_class = '', attempt = 0, last_error = '', next_attempt_at = NULL
			WHERE id = ?
		`, fieldsync.StatePending, h.id); err != nil {
			return 0, storageErr("failed to requeue auth-failed mutation", err)
		}
		if err := bumpCounter(ctx, tx, h.kind, fieldsync.StateFailed, -1); err != nil {
			return 0, err
		}
		if err := bumpCounter(ctx, tx, h.kind, fieldsync.StatePending, +1); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, storageErr("failed to commit auth requeue", err)
	}
	return len(heldRows), nil
}

// Summary builds the queue projection from the incrementally maintained
// counters. Cheap enough to poll every few seconds.
func (s *Store) Summary(ctx context.Context) (*fieldsync.Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, state, n FROM _fieldsync_counters WHERE n > 0`)
	if err != nil {
		return nil, storageErr("failed to read counters", err)
	}
	defer rows.Close()

	summary := &fieldsync.Summary{ByKind: make(map[fieldsync.MutationKind]int)}
	for rows.Next() {
		var (
			kind  fieldsync.MutationKind
			state fieldsync.MutationState
			n     int
		)
		if err := rows.Scan(&kind, &state, &n); err != nil {
			return nil, storageErr("failed to scan counter", err)
		}
		summary.Pending += n
		summary.ByKind[kind] += n
		switch state {
		case fieldsync.StateFailed:
			summary.Failed += n
		case fieldsync.StateConflicted:
			summary.Conflicted += n
		}
	}
	return summary, rows.Err()
}

func bumpCounter(ctx context.Context, tx *sql.Tx, kind fieldsync.MutationKind, state fieldsync.MutationState, delta int) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO _fieldsync_counters (kind, state, n) VALUES (?, ?, ?)
		ON CONFLICT (kind, state) DO UPDATE SET n = n + excluded.n
	`, kind, state, delta)
	if err != nil {
		return storageErr("failed to update counter", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMutation(row rowScanner) (*fieldsync.Mutation, error) {
	var (
		m           fieldsync.Mutation
		payloadJSON string
		snapshot    sql.NullString
		queuedAt    string
		nextAttempt sql.NullString
	)
	err := row.Scan(&m.ID, &m.Kind, &m.EntityID, &m.TempID, &payloadJSON, &m.BaseVersion,
		&snapshot, &m.State, &m.FailClass, &m.Attempt, &m.LastError, &queuedAt, &nextAttempt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, storageErr("failed to scan mutation", err)
	}

	m.Payload, err = fieldsync.DecodePayload(m.Kind, json.RawMessage(payloadJSON))
	if err != nil {
		return nil, err
	}
	if snapshot.Valid && snapshot.String != "" {
		if err := json.Unmarshal([]byte(snapshot.String), &m.BaseSnapshot); err != nil {
			return nil, fmt.Errorf("failed to decode base snapshot: %w", err)
		}
	}
	m.QueuedAt, _ = time.Parse(time.RFC3339Nano, queuedAt)
	if nextAttempt.Valid {
		m.NextAttemptAt, _ = time.Parse(time.RFC3339Nano, nextAttempt.String)
	}
	return &m, nil
}
