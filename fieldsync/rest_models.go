// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import "time"

// Wire models for the remote write endpoints. The backend is an opaque
// request/response API; these types only describe the boundary.

// StatusUpdateRequest updates a task's status with optimistic concurrency.
type StatusUpdateRequest struct {
	TaskID      string `json:"task_id"`
	StatusID    string `json:"status_id"`
	BaseVersion int64  `json:"base_version"`
}

// CommentCreateRequest creates a comment on a task. TempID is the client
// idempotency key; replaying the same request must not create a duplicate.
type CommentCreateRequest struct {
	TempID    string    `json:"temp_id"`
	TaskID    string    `json:"task_id"`
	Body      string    `json:"body"`
	AuthorID  string    `json:"author_id"`
	CreatedAt time.Time `json:"created_at"`
}

// PhotoCreateRequest creates a photo record with its binary payload inline
// (base64 over the wire via encoding/json).
type PhotoCreateRequest struct {
	TempID      string    `json:"temp_id"`
	TaskID      string    `json:"task_id"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	TakenAt     time.Time `json:"taken_at"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	Data        []byte    `json:"data"`
}

// FileCreateRequest creates a file record with its binary payload inline.
type FileCreateRequest struct {
	TempID      string `json:"temp_id"`
	TaskID      string `json:"task_id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	Data        []byte `json:"data"`
}

// TaskRecord is the server's view of a task after a successful update.
type TaskRecord struct {
	ID      string         `json:"id"`
	Version int64          `json:"version"`
	Fields  map[string]any `json:"fields"`
}

// CreatedRecord is the server's acknowledgment of a created sub-entity
// (comment, photo or file): the permanent id the temp id maps to.
type CreatedRecord struct {
	ID      string         `json:"id"`
	TaskID  string         `json:"task_id"`
	Version int64          `json:"version"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// conflictResponse is the body the server returns with 409 Conflict.
type conflictResponse struct {
	ServerVersion int64          `json:"server_version"`
	ServerRow     map[string]any `json:"server_row"`
}
