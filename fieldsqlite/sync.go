// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsqlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mobiletoly/go-fieldsync/fieldsync"
)

// The reconciler drains the mutation queue against the remote API. Wake
// sources: a connectivity transition to online, app start, a manual sync
// request and the retry-poll tick that picks up due backoff deadlines. Each
// drain pass dispatches at most one worker per entity, bounded by
// MaxConcurrent, so a reconnect after a long offline period never fires
// dozens of uploads at once. A worker that finishes a mutation immediately
// attempts its entity's next mutation without waiting for a new pass.

func (c *Client) runLoop(ctx context.Context) {
	defer c.loopDone.Done()

	transitions := c.Monitor.Subscribe()
	ticker := time.NewTicker(c.config.RetryPoll)
	defer ticker.Stop()

	// App start counts as a wake so work queued before a restart drains as
	// soon as we are reachable.
	c.drain(ctx, false)

	for {
		select {
		case <-ctx.Done():
			return
		case online := <-transitions:
			if online {
				c.drain(ctx, false)
			}
		case <-c.manualSync:
			c.drain(ctx, true)
		case <-c.wake:
			c.drain(ctx, false)
		case <-ticker.C:
			c.drain(ctx, false)
		}
	}
}

// drain dispatches one worker per entity with dispatchable work. With force
// set (manual sync) a stale offline reading is double-checked with an
// immediate probe before giving up.
func (c *Client) drain(ctx context.Context, force bool) {
	if !c.Monitor.Online() {
		if !force || !c.Monitor.CheckNow(ctx) {
			return
		}
	}

	heads, err := c.store.NextReady(ctx, time.Now().UTC(), c.config.MaxAttempts, c.config.MaxConcurrent*4)
	if err != nil {
		c.logger.Error("failed to query dispatchable mutations", "error", err)
		return
	}

	for _, m := range heads {
		if !c.claimEntity(m.EntityID) {
			continue
		}
		select {
		case c.sem <- struct{}{}:
		default:
			// Worker pool is saturated; the next wake picks this entity up.
			c.releaseEntity(m.EntityID)
			return
		}
		c.workers.Add(1)
		go c.entityWorker(ctx, m)
	}
}

// claimEntity marks an entity as having an in-flight worker. Two mutations
// for the same entity are never in flight concurrently.
func (c *Client) claimEntity(entityID string) bool {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	if c.inflight[entityID] {
		return false
	}
	c.inflight[entityID] = true
	return true
}

func (c *Client) releaseEntity(entityID string) {
	c.inflightMu.Lock()
	delete(c.inflight, entityID)
	c.inflightMu.Unlock()
}

// entityWorker replays one entity's queue head, then keeps going through that
// entity's remaining mutations until one does not complete or the queue for
// it is empty. Errors never escape: every failure lands in queue state.
func (c *Client) entityWorker(ctx context.Context, m *fieldsync.Mutation) {
	defer c.workers.Done()
	defer func() { <-c.sem }()
	defer c.releaseEntity(m.EntityID)

	current := m
	for {
		if ctx.Err() != nil {
			return
		}
		if !c.syncOne(ctx, current) {
			return
		}
		if !c.Monitor.Online() {
			return
		}
		next, err := c.store.PeekNext(ctx, current.EntityID)
		if err != nil {
			c.logger.Error("failed to peek next mutation", "entity", current.EntityID, "error", err)
			return
		}
		if next == nil {
			return
		}
		current = next
	}
}

// syncOne replays a single mutation and reports whether it reached Synced
// (meaning the entity's next mutation may be attempted).
func (c *Client) syncOne(ctx context.Context, m *fieldsync.Mutation) bool {
	if err := c.store.MarkSyncing(ctx, m.ID); err != nil {
		c.logger.Error("failed to mark mutation syncing", "mutation", m.ID, "error", err)
		return false
	}

	callCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	var (
		done bool
		err  error
	)
	switch p := m.Payload.(type) {
	case fieldsync.StatusChange:
		done, err = c.syncStatusChange(callCtx, m, p)
	case fieldsync.CommentCreate, fieldsync.PhotoCreate, fieldsync.FileCreate:
		done, err = c.syncCreate(callCtx, m)
	default:
		err = fmt.Errorf("%w: unhandled mutation kind %s", fieldsync.ErrValidationRejected, m.Kind)
	}

	if err != nil {
		c.recordFailure(ctx, m, err)
		return false
	}
	return done
}

// syncStatusChange issues the optimistic-concurrency status write. A version
// mismatch goes through the conflict resolver: disjoint field sets are merged
// silently and the write re-issued at the server's version; overlapping
// fields produce a ConflictRecord and the mutation parks as Conflicted.
func (c *Client) syncStatusChange(ctx context.Context, m *fieldsync.Mutation, p fieldsync.StatusChange) (bool, error) {
	intent := map[string]any{"status_id": p.StatusID}
	baseVersion := m.BaseVersion
	base := m.BaseSnapshot

	// Bounded re-resolve loop: an auto-merge can race another writer and
	// conflict again at the new version.
	for range 3 {
		rec, err := c.Remote.UpdateTaskStatus(ctx, &fieldsync.StatusUpdateRequest{
			TaskID:      m.EntityID,
			StatusID:    p.StatusID,
			BaseVersion: baseVersion,
		})
		var vc *fieldsync.VersionConflictError
		if errors.As(err, &vc) {
			_, conflict := fieldsync.Resolve(intent, base, vc.ServerRow)
			if conflict != nil {
				conflict.MutationID = m.ID
				conflict.EntityID = m.EntityID
				conflict.ServerRow = vc.ServerRow
				conflict.ServerVersion = vc.ServerVersion
				if _, cerr := c.store.MarkConflicted(ctx, m.ID, conflict); cerr != nil {
					return false, cerr
				}
				c.logger.Warn("mutation conflicted, awaiting manual resolution",
					"mutation", m.ID, "entity", m.EntityID, "fields", conflict.Fields)
				return false, nil
			}
			// Safe merge: re-issue the write on top of the server's
			// current state; the server response carries the merged row.
			c.logger.Debug("auto-merging non-overlapping remote changes",
				"mutation", m.ID, "entity", m.EntityID, "server_version", vc.ServerVersion)
			baseVersion = vc.ServerVersion
			base = vc.ServerRow
			continue
		}
		if err != nil {
			return false, err
		}
		if ferr := c.store.FinalizeStatusChange(ctx, m.ID, m.EntityID, rec.Fields, rec.Version); ferr != nil {
			return false, ferr
		}
		return true, nil
	}
	return false, fmt.Errorf("%w: task %s kept changing during merge", fieldsync.ErrNetwork, m.EntityID)
}

// syncCreate replays a creation mutation. The temp id travels as the
// idempotency key, and a local temp-id-map hit short-circuits the remote call
// entirely (crash after the server accepted but before the response was
// recorded).
func (c *Client) syncCreate(ctx context.Context, m *fieldsync.Mutation) (bool, error) {
	if serverID, ok, err := c.store.ServerIDFor(ctx, m.TempID); err != nil {
		return false, err
	} else if ok {
		c.logger.Debug("creation already acknowledged, finalizing locally",
			"mutation", m.ID, "temp_id", m.TempID, "server_id", serverID)
		rec := &fieldsync.CreatedRecord{ID: serverID, TaskID: m.EntityID}
		if err := c.store.FinalizeCreate(ctx, m, rec); err != nil {
			return false, err
		}
		return true, nil
	}

	var (
		rec *fieldsync.CreatedRecord
		err error
	)
	switch p := m.Payload.(type) {
	case fieldsync.CommentCreate:
		rec, err = c.Remote.CreateComment(ctx, &fieldsync.CommentCreateRequest{
			TempID:    m.TempID,
			TaskID:    m.EntityID,
			Body:      p.Body,
			AuthorID:  p.AuthorID,
			CreatedAt: p.CreatedAt,
		})
	case fieldsync.PhotoCreate:
		var blob []byte
		blob, err = c.store.GetBlob(ctx, fieldsync.CollectionPhotos, m.TempID)
		if err != nil {
			return false, err
		}
		rec, err = c.Remote.CreatePhoto(ctx, &fieldsync.PhotoCreateRequest{
			TempID:      m.TempID,
			TaskID:      m.EntityID,
			Filename:    p.Filename,
			ContentType: p.ContentType,
			Size:        p.Size,
			TakenAt:     p.TakenAt,
			Latitude:    p.Latitude,
			Longitude:   p.Longitude,
			Data:        blob,
		})
	case fieldsync.FileCreate:
		var blob []byte
		blob, err = c.store.GetBlob(ctx, fieldsync.CollectionFiles, m.TempID)
		if err != nil {
			return false, err
		}
		rec, err = c.Remote.CreateFile(ctx, &fieldsync.FileCreateRequest{
			TempID:      m.TempID,
			TaskID:      m.EntityID,
			Filename:    p.Filename,
			ContentType: p.ContentType,
			Size:        p.Size,
			Data:        blob,
		})
	default:
		return false, fmt.Errorf("%w: unhandled creation kind %s", fieldsync.ErrValidationRejected, m.Kind)
	}
	if err != nil {
		return false, err
	}
	if err := c.store.FinalizeCreate(ctx, m, rec); err != nil {
		return false, err
	}
	return true, nil
}

// recordFailure lands a remote failure in queue state. Network-class
// failures get a capped-doubling backoff deadline until the attempt cap;
// validation and auth failures are never retried automatically.
func (c *Client) recordFailure(ctx context.Context, m *fieldsync.Mutation, err error) {
	class := fieldsync.ClassifyFailure(err)
	attempt := m.Attempt + 1

	var retryAt *time.Time
	if class == fieldsync.FailNetwork && attempt < c.config.MaxAttempts {
		t := time.Now().UTC().Add(backoffDelay(c.config, attempt))
		retryAt = &t
	}

	if merr := c.store.MarkFailed(ctx, m.ID, class, err.Error(), retryAt, attempt); merr != nil {
		c.logger.Error("failed to record mutation failure", "mutation", m.ID, "error", merr)
		return
	}

	switch class {
	case fieldsync.FailNetwork:
		if retryAt != nil {
			c.logger.Warn("mutation failed, will retry",
				"mutation", m.ID, "entity", m.EntityID, "attempt", attempt,
				"retry_at", retryAt.Format(time.RFC3339), "error", err)
		} else {
			c.logger.Error("mutation exhausted retries, needs user attention",
				"mutation", m.ID, "entity", m.EntityID, "attempt", attempt, "error", err)
		}
	case fieldsync.FailAuth:
		c.logger.Warn("mutation held until re-authentication", "mutation", m.ID, "error", err)
	default:
		c.logger.Error("mutation rejected by server, not retrying",
			"mutation", m.ID, "entity", m.EntityID, "error", err)
	}
}

// backoffDelay doubles from BackoffMin per attempt, capped at BackoffMax.
func backoffDelay(cfg *Config, attempt int) time.Duration {
	d := cfg.BackoffMin
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.BackoffMax {
			return cfg.BackoffMax
		}
	}
	if d > cfg.BackoffMax {
		return cfg.BackoffMax
	}
	return d
}
