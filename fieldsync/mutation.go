// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package fieldsync defines the shared mutation model, wire types, error
// taxonomy and conflict resolution for offline-first field-service sync.
//
// A Mutation is a durably recorded intent to change server state, created
// while the device may be offline. Mutations are persisted by the fieldsqlite
// store and drained against the remote API by the reconciler.
package fieldsync

import (
	"encoding/json"
	"fmt"
	"time"
)

// MutationKind identifies the closed set of write intents the queue carries.
type MutationKind string

const (
	KindStatusChange  MutationKind = "status_change"
	KindCommentCreate MutationKind = "comment_create"
	KindPhotoCreate   MutationKind = "photo_create"
	KindFileCreate    MutationKind = "file_create"
)

// MutationState is the lifecycle state of a queued mutation.
//
// Pending -> Syncing -> Synced (row is deleted once durably reflected locally)
// Syncing -> Failed (recoverable or terminal, see FailClass)
// Syncing -> Conflicted (version mismatch with overlapping field edits)
type MutationState string

const (
	StatePending    MutationState = "pending"
	StateSyncing    MutationState = "syncing"
	StateSynced     MutationState = "synced"
	StateFailed     MutationState = "failed"
	StateConflicted MutationState = "conflicted"
)

// FailClass records why a mutation is Failed, which decides whether the
// reconciler may retry it automatically.
type FailClass string

const (
	FailNone       FailClass = ""
	FailNetwork    FailClass = "network"    // transient; retried with backoff
	FailValidation FailClass = "validation" // server rejected payload; manual retry only
	FailAuth       FailClass = "auth"       // held until re-authentication
)

// Payload is the kind-specific body of a mutation. The set of implementations
// is closed; DecodePayload switches exhaustively over MutationKind.
type Payload interface {
	Kind() MutationKind
}

// StatusChange moves a task to a new status. BaseVersion on the enclosing
// mutation carries the task revision the change was made against.
type StatusChange struct {
	StatusID string `json:"status_id"`
}

func (StatusChange) Kind() MutationKind { return KindStatusChange }

// CommentCreate adds a comment to a task.
type CommentCreate struct {
	Body      string    `json:"body"`
	AuthorID  string    `json:"author_id"`
	CreatedAt time.Time `json:"created_at"`
}

func (CommentCreate) Kind() MutationKind { return KindCommentCreate }

// PhotoCreate attaches a photo to a task. The binary payload itself is owned
// by the local store (blob table) until the mutation reaches Synced.
type PhotoCreate struct {
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	TakenAt     time.Time `json:"taken_at"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
}

func (PhotoCreate) Kind() MutationKind { return KindPhotoCreate }

// FileCreate attaches an arbitrary file to a task.
type FileCreate struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

func (FileCreate) Kind() MutationKind { return KindFileCreate }

// Mutation is a pending write intent as stored in the durable queue.
type Mutation struct {
	// ID is assigned by the queue at enqueue time and is monotonically
	// increasing, so it doubles as the enqueue-order sequence.
	ID   int64
	Kind MutationKind

	// EntityID is the task the mutation targets. Creation mutations are
	// ordered against their parent task so a status change enqueued after a
	// comment cannot overtake it.
	EntityID string

	// TempID is set for creation kinds only. It is the client-generated id
	// the entity is displayed under before the server assigns a permanent
	// one, and it is sent to the server as the idempotency key.
	TempID string

	Payload Payload

	// BaseVersion is the revision of the target entity as last known
	// locally. Used for conflict detection on update-kind mutations.
	BaseVersion int64

	// BaseSnapshot is the entity document as last known locally, captured
	// at enqueue time for update-kind mutations. The conflict resolver
	// diffs it against the server's current row.
	BaseSnapshot map[string]any

	State         MutationState
	FailClass     FailClass
	Attempt       int
	LastError     string
	QueuedAt      time.Time
	NextAttemptAt time.Time
}

// IsCreation reports whether the mutation creates a new sub-entity and
// therefore carries a temp id.
func (m *Mutation) IsCreation() bool {
	switch m.Kind {
	case KindCommentCreate, KindPhotoCreate, KindFileCreate:
		return true
	default:
		return false
	}
}

// Collection returns the local store collection the mutation's created entity
// lives in. Empty for non-creation kinds.
func (m *Mutation) Collection() string {
	switch m.Kind {
	case KindCommentCreate:
		return CollectionComments
	case KindPhotoCreate:
		return CollectionPhotos
	case KindFileCreate:
		return CollectionFiles
	default:
		return ""
	}
}

// EncodePayload serializes a payload for durable storage.
func EncodePayload(p Payload) (json.RawMessage, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", p.Kind(), err)
	}
	return data, nil
}

// DecodePayload deserializes a stored payload. Unknown kinds are an error so
// a corrupted or downgraded queue row never silently round-trips.
func DecodePayload(kind MutationKind, raw json.RawMessage) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch kind {
	case KindStatusChange:
		var v StatusChange
		err = json.Unmarshal(raw, &v)
		p = v
	case KindCommentCreate:
		var v CommentCreate
		err = json.Unmarshal(raw, &v)
		p = v
	case KindPhotoCreate:
		var v PhotoCreate
		err = json.Unmarshal(raw, &v)
		p = v
	case KindFileCreate:
		var v FileCreate
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("unknown mutation kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", kind, err)
	}
	return p, nil
}

// Local store collection names. One collection per entity kind plus the
// mutation log itself (owned by fieldsqlite).
const (
	CollectionTasks    = "tasks"
	CollectionComments = "comments"
	CollectionPhotos   = "photos"
	CollectionFiles    = "files"
)

// SyncState marks whether a locally cached entity snapshot has reached the
// server.
type SyncState string

const (
	SyncStateSynced  SyncState = "synced"
	SyncStatePending SyncState = "pending_local_only"
)

// Entity is a locally cached snapshot of a remote entity (task, comment,
// photo or file). Before the server acknowledges a creation the ID holds the
// temp id and SyncState is pending.
type Entity struct {
	ID        string
	Payload   map[string]any
	Version   int64
	SyncState SyncState
	UpdatedAt time.Time
}

// Summary is the read-only projection over the mutation queue consumed by UI
// indicators. It is backed by incrementally maintained counters, never by a
// scan of the queue.
type Summary struct {
	// Pending counts all non-Synced mutations regardless of state.
	Pending int
	// ByKind partitions the non-Synced mutations by kind.
	ByKind map[MutationKind]int
	// Failed counts mutations in the Failed state.
	Failed int
	// Conflicted counts mutations awaiting manual conflict resolution.
	Conflicted int
}
