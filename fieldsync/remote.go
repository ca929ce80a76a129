// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// TokenFunc supplies the bearer token attached to every remote call. A
// failure to produce a token surfaces as ErrAuthRequired on the mutation.
type TokenFunc func(ctx context.Context) (string, error)

// RemoteAPI is the consumed surface of the hosted backend. The reconciler
// only ever talks to the server through this interface, which keeps tests on
// an in-process fake.
type RemoteAPI interface {
	// UpdateTaskStatus applies a status change with optimistic concurrency.
	// A stale baseVersion returns *VersionConflictError with the server's
	// current row.
	UpdateTaskStatus(ctx context.Context, req *StatusUpdateRequest) (*TaskRecord, error)

	CreateComment(ctx context.Context, req *CommentCreateRequest) (*CreatedRecord, error)
	CreatePhoto(ctx context.Context, req *PhotoCreateRequest) (*CreatedRecord, error)
	CreateFile(ctx context.Context, req *FileCreateRequest) (*CreatedRecord, error)
}

// HTTPRemote implements RemoteAPI over plain JSON endpoints.
type HTTPRemote struct {
	BaseURL string
	Token   TokenFunc
	HTTP    *http.Client
}

// NewHTTPRemote creates a remote client for the given base URL.
func NewHTTPRemote(baseURL string, token TokenFunc, httpClient *http.Client) *HTTPRemote {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &HTTPRemote{BaseURL: baseURL, Token: token, HTTP: httpClient}
}

func (r *HTTPRemote) UpdateTaskStatus(ctx context.Context, req *StatusUpdateRequest) (*TaskRecord, error) {
	var rec TaskRecord
	path := fmt.Sprintf("/tasks/%s/status", req.TaskID)
	if err := r.post(ctx, path, "", req, &rec, req.TaskID); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *HTTPRemote) CreateComment(ctx context.Context, req *CommentCreateRequest) (*CreatedRecord, error) {
	var rec CreatedRecord
	path := fmt.Sprintf("/tasks/%s/comments", req.TaskID)
	if err := r.post(ctx, path, req.TempID, req, &rec, req.TaskID); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *HTTPRemote) CreatePhoto(ctx context.Context, req *PhotoCreateRequest) (*CreatedRecord, error) {
	var rec CreatedRecord
	path := fmt.Sprintf("/tasks/%s/photos", req.TaskID)
	if err := r.post(ctx, path, req.TempID, req, &rec, req.TaskID); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *HTTPRemote) CreateFile(ctx context.Context, req *FileCreateRequest) (*CreatedRecord, error) {
	var rec CreatedRecord
	path := fmt.Sprintf("/tasks/%s/files", req.TaskID)
	if err := r.post(ctx, path, req.TempID, req, &rec, req.TaskID); err != nil {
		return nil, err
	}
	return &rec, nil
}

// post sends one JSON request and maps the response onto the error taxonomy:
// 401 -> ErrAuthRequired, 409 -> *VersionConflictError, other 4xx ->
// ErrValidationRejected, transport failures and 5xx -> ErrNetwork.
func (r *HTTPRemote) post(ctx context.Context, path, idempotencyKey string, body, out any, entityID string) error {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.BaseURL+path, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}

	// No token source (app started before sign-in) holds the mutation as
	// auth-Failed instead of panicking inside a reconciler worker.
	if r.Token == nil {
		return fmt.Errorf("%w: no token source configured", ErrAuthRequired)
	}
	token, err := r.Token(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAuthRequired, err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)
	if idempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := r.HTTP.Do(httpReq)
	if err != nil {
		return wrapTransportError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil

	case resp.StatusCode == http.StatusConflict:
		var cr conflictResponse
		if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
			return fmt.Errorf("failed to decode conflict response: %w", err)
		}
		return &VersionConflictError{
			EntityID:      entityID,
			ServerVersion: cr.ServerVersion,
			ServerRow:     cr.ServerRow,
		}

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: server returned status %d: %s", ErrAuthRequired, resp.StatusCode, string(body))

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: server returned status %d: %s", ErrValidationRejected, resp.StatusCode, string(body))

	default:
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: server returned status %d: %s", ErrNetwork, resp.StatusCode, string(body))
	}
}
