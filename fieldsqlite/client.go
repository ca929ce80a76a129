// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/mobiletoly/go-fieldsync/fieldsync"
	"github.com/mobiletoly/go-fieldsync/internal/auth"
)

// Client is the offline-first sync client for one user/device. UI code
// enqueues write intents through it (each call returns after durable local
// persistence) and polls its summary projections; the embedded reconciler
// drains the queue whenever connectivity allows.
type Client struct {
	// Remote and Monitor are exported so callers (and tests) can substitute
	// implementations before Start.
	Remote  fieldsync.RemoteAPI
	Monitor *fieldsync.Monitor

	UserID   string
	DeviceID string

	store  *Store
	config *Config
	logger *slog.Logger

	wake       chan struct{}
	manualSync chan struct{}
	sem        chan struct{}
	inflightMu sync.Mutex
	inflight   map[string]bool
	workers    sync.WaitGroup
	loopDone   sync.WaitGroup
	cancel     context.CancelFunc
	started    atomic.Bool
}

// Config holds tuning for the reconciler and connectivity monitor.
type Config struct {
	// MaxConcurrent bounds how many entities are replayed in parallel, so a
	// reconnect after a long offline period does not fire every queued
	// upload at once.
	MaxConcurrent int

	BackoffMin  time.Duration // first retry delay, doubles per attempt
	BackoffMax  time.Duration // retry delay cap
	MaxAttempts int           // automatic retries before requiring user attention

	RequestTimeout time.Duration // per remote call
	RetryPoll      time.Duration // cadence for picking up due backoff deadlines

	Monitor fieldsync.MonitorConfig

	Logger *slog.Logger
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrent:  4,
		BackoffMin:     1 * time.Second,
		BackoffMax:     60 * time.Second,
		MaxAttempts:    8,
		RequestTimeout: 30 * time.Second,
		RetryPoll:      1 * time.Second,
	}
}

// NewClient creates a sync client over an opened SQLite database. The sync
// schema is created on first use. deviceID may be empty, in which case a
// stable one is generated and persisted per user.
func NewClient(db *sql.DB, baseURL, userID, deviceID string, tok fieldsync.TokenFunc, config *Config) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	store, err := NewStore(db, logger)
	if err != nil {
		return nil, err
	}
	if deviceID == "" {
		deviceID, err = EnsureDeviceID(db, userID)
		if err != nil {
			return nil, err
		}
	}

	remote := fieldsync.NewHTTPRemote(baseURL, tok, &http.Client{Timeout: config.RequestTimeout})
	monitor := fieldsync.NewMonitor(baseURL, nil, config.Monitor, logger)

	return &Client{
		Remote:     remote,
		Monitor:    monitor,
		UserID:     userID,
		DeviceID:   deviceID,
		store:      store,
		config:     config,
		logger:     logger,
		wake:       make(chan struct{}, 1),
		manualSync: make(chan struct{}, 1),
		sem:        make(chan struct{}, config.MaxConcurrent),
		inflight:   make(map[string]bool),
	}, nil
}

// Store exposes the local store for read paths (cached entities, pending
// lists, conflict records).
func (c *Client) Store() *Store { return c.store }

// Start requeues mutations interrupted mid-sync by the previous run, starts
// the connectivity monitor and launches the reconciler loop.
func (c *Client) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return fmt.Errorf("client already started")
	}

	requeued, err := c.store.ResetInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("failed to requeue interrupted mutations: %w", err)
	}
	if requeued > 0 {
		c.logger.Info("requeued interrupted mutations", "count", requeued)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.Monitor.Start(loopCtx)
	c.loopDone.Add(1)
	go c.runLoop(loopCtx)
	return nil
}

// Close stops the reconciler and waits for in-flight workers. Interrupted
// Syncing mutations are requeued on the next Start.
func (c *Client) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	c.loopDone.Wait()
	c.workers.Wait()
}

// kick nudges the reconciler without blocking the caller.
func (c *Client) kick() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// TriggerManualSync requests an immediate drain attempt regardless of the
// monitor's last known state (the reconciler still verifies reachability
// with a probe before issuing network calls).
func (c *Client) TriggerManualSync() {
	select {
	case c.manualSync <- struct{}{}:
	default:
	}
}

// NotifyAuthenticated releases mutations held as Failed for missing
// credentials and nudges the reconciler.
func (c *Client) NotifyAuthenticated(ctx context.Context) error {
	n, err := c.store.RequeueAuthFailed(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		c.logger.Info("requeued auth-held mutations", "count", n)
		c.kick()
	}
	return nil
}

// EnqueueStatusChange durably records the intent to move a task to a new
// status and optimistically applies it to the cached task. The snapshot the
// change was made against rides along for conflict detection.
func (c *Client) EnqueueStatusChange(ctx context.Context, taskID, statusID string) (int64, error) {
	task, err := c.store.Get(ctx, fieldsync.CollectionTasks, taskID)
	if err != nil {
		return 0, fmt.Errorf("failed to load task %s: %w", taskID, err)
	}

	base := make(map[string]any, len(task.Payload))
	for k, v := range task.Payload {
		base[k] = v
	}

	task.Payload["status_id"] = statusID
	task.SyncState = fieldsync.SyncStatePending

	m := &fieldsync.Mutation{
		Kind:         fieldsync.KindStatusChange,
		EntityID:     taskID,
		Payload:      fieldsync.StatusChange{StatusID: statusID},
		BaseVersion:  task.Version,
		BaseSnapshot: base,
	}
	id, err := c.store.PutWithMutation(ctx, fieldsync.CollectionTasks, task, nil, m)
	if err != nil {
		return 0, err
	}
	c.kick()
	return id, nil
}

// EnqueueCommentCreate durably records a new comment under a temp id and
// returns it together with the mutation id. The author comes from the
// session context when present, else from the client identity.
func (c *Client) EnqueueCommentCreate(ctx context.Context, taskID, body string) (string, int64, error) {
	authorID := c.UserID
	if uid, ok := auth.GetUserID(ctx); ok {
		authorID = uid
	}
	tempID := uuid.NewString()
	now := time.Now().UTC()

	entity := &fieldsync.Entity{
		ID: tempID,
		Payload: map[string]any{
			"id":         tempID,
			"task_id":    taskID,
			"body":       body,
			"author_id":  authorID,
			"created_at": now.Format(time.RFC3339),
		},
		SyncState: fieldsync.SyncStatePending,
	}
	m := &fieldsync.Mutation{
		Kind:     fieldsync.KindCommentCreate,
		EntityID: taskID,
		TempID:   tempID,
		Payload:  fieldsync.CommentCreate{Body: body, AuthorID: authorID, CreatedAt: now},
	}
	id, err := c.store.PutWithMutation(ctx, fieldsync.CollectionComments, entity, nil, m)
	if err != nil {
		return "", 0, err
	}
	c.kick()
	return tempID, id, nil
}

// EnqueuePhotoCreate durably records a new photo: metadata snapshot, the
// owned binary blob and the creation mutation, all in one transaction.
func (c *Client) EnqueuePhotoCreate(ctx context.Context, taskID string, meta fieldsync.PhotoCreate, data []byte) (string, int64, error) {
	if meta.Size == 0 {
		meta.Size = int64(len(data))
	}
	tempID := uuid.NewString()

	entity := &fieldsync.Entity{
		ID: tempID,
		Payload: map[string]any{
			"id":           tempID,
			"task_id":      taskID,
			"filename":     meta.Filename,
			"content_type": meta.ContentType,
			"size":         meta.Size,
			"taken_at":     meta.TakenAt.UTC().Format(time.RFC3339),
			"latitude":     meta.Latitude,
			"longitude":    meta.Longitude,
		},
		SyncState: fieldsync.SyncStatePending,
	}
	m := &fieldsync.Mutation{
		Kind:     fieldsync.KindPhotoCreate,
		EntityID: taskID,
		TempID:   tempID,
		Payload:  meta,
	}
	id, err := c.store.PutWithMutation(ctx, fieldsync.CollectionPhotos, entity, data, m)
	if err != nil {
		return "", 0, err
	}
	c.kick()
	return tempID, id, nil
}

// EnqueueFileCreate durably records a new file attachment with its owned
// binary blob.
func (c *Client) EnqueueFileCreate(ctx context.Context, taskID string, meta fieldsync.FileCreate, data []byte) (string, int64, error) {
	if meta.Size == 0 {
		meta.Size = int64(len(data))
	}
	tempID := uuid.NewString()

	entity := &fieldsync.Entity{
		ID: tempID,
		Payload: map[string]any{
			"id":           tempID,
			"task_id":      taskID,
			"filename":     meta.Filename,
			"content_type": meta.ContentType,
			"size":         meta.Size,
		},
		SyncState: fieldsync.SyncStatePending,
	}
	m := &fieldsync.Mutation{
		Kind:     fieldsync.KindFileCreate,
		EntityID: taskID,
		TempID:   tempID,
		Payload:  meta,
	}
	id, err := c.store.PutWithMutation(ctx, fieldsync.CollectionFiles, entity, data, m)
	if err != nil {
		return "", 0, err
	}
	c.kick()
	return tempID, id, nil
}

// PendingCount returns the number of mutations that have not reached Synced.
func (c *Client) PendingCount(ctx context.Context) (int, error) {
	summary, err := c.store.Summary(ctx)
	if err != nil {
		return 0, err
	}
	return summary.Pending, nil
}

// MutationsSummary returns the counter-backed queue projection for UI
// indicators.
func (c *Client) MutationsSummary(ctx context.Context) (*fieldsync.Summary, error) {
	return c.store.Summary(ctx)
}

// RetryMutation resets a Failed or Conflicted mutation for another attempt.
func (c *Client) RetryMutation(ctx context.Context, id int64) error {
	if err := c.store.Retry(ctx, id); err != nil {
		return err
	}
	c.kick()
	return nil
}

// DiscardMutation drops a Failed or Conflicted mutation and rolls back its
// optimistic local effect.
func (c *Client) DiscardMutation(ctx context.Context, id int64) error {
	return c.store.Discard(ctx, id)
}

// ListConflicts returns the unresolved conflict records awaiting a human.
func (c *Client) ListConflicts(ctx context.Context) ([]fieldsync.ConflictRecord, error) {
	return c.store.ListConflicts(ctx)
}

// ResolveConflict applies a human decision to a conflict: chosen holds the
// resolved field values (the local value, the server value or a custom one).
// The local task takes the server row overlaid with the choice; when the
// choice differs from the server's state a corrective status mutation is
// enqueued against the server's version. Returns the corrective mutation id,
// or 0 when the server value was accepted as-is.
func (c *Client) ResolveConflict(ctx context.Context, conflictID int64, chosen map[string]any) (int64, error) {
	rec, _, err := c.store.CompleteConflict(ctx, conflictID)
	if err != nil {
		return 0, err
	}

	resolved := make(map[string]any, len(rec.ServerRow)+len(chosen))
	for k, v := range rec.ServerRow {
		resolved[k] = v
	}
	for k, v := range chosen {
		resolved[k] = v
	}

	statusID, _ := resolved["status_id"].(string)
	serverStatus, _ := rec.ServerRow["status_id"].(string)
	needsCorrective := statusID != "" && statusID != serverStatus

	task := &fieldsync.Entity{
		ID:        rec.EntityID,
		Payload:   resolved,
		Version:   rec.ServerVersion,
		SyncState: fieldsync.SyncStateSynced,
	}
	if !needsCorrective {
		if err := c.store.Put(ctx, fieldsync.CollectionTasks, task); err != nil {
			return 0, err
		}
		return 0, nil
	}

	task.SyncState = fieldsync.SyncStatePending
	m := &fieldsync.Mutation{
		Kind:         fieldsync.KindStatusChange,
		EntityID:     rec.EntityID,
		Payload:      fieldsync.StatusChange{StatusID: statusID},
		BaseVersion:  rec.ServerVersion,
		BaseSnapshot: rec.ServerRow,
	}
	id, err := c.store.PutWithMutation(ctx, fieldsync.CollectionTasks, task, nil, m)
	if err != nil {
		return 0, err
	}
	c.kick()
	return id, nil
}
