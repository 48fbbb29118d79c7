package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// LoadResponse is the body of GET /api/rooms/{roomId}/snapshot
type LoadResponse struct {
	SnapshotB64 *string    `json:"snapshotB64"`
	UpdatedAt   *time.Time `json:"updatedAt"`
}

// SaveRequest is the body of POST /api/rooms/{roomId}/snapshot
type SaveRequest struct {
	SnapshotB64 string `json:"snapshotB64"`
}

// HTTPStore talks to the snapshot API
type HTTPStore struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPStore creates a store for the API at baseURL, authenticating with
// an optional bearer token
func NewHTTPStore(baseURL, token string) *HTTPStore {
	return &HTTPStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *HTTPStore) url(roomID string) string {
	return s.baseURL + "/api/rooms/" + url.PathEscape(roomID) + "/snapshot"
}

func (s *HTTPStore) do(ctx context.Context, method, roomID string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, s.url(roomID), body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("%s %s returned %d", method, req.URL.Path, resp.StatusCode)
	}
	return resp, nil
}

// Load fetches the snapshot of roomID
func (s *HTTPStore) Load(ctx context.Context, roomID string) (*Snapshot, error) {
	resp, err := s.do(ctx, http.MethodGet, roomID, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body LoadResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("invalid snapshot response: %w", err)
	}
	if body.SnapshotB64 == nil || *body.SnapshotB64 == "" {
		return nil, nil
	}
	snap := &Snapshot{RoomID: roomID, SnapshotB64: *body.SnapshotB64}
	if body.UpdatedAt != nil {
		snap.UpdatedAt = *body.UpdatedAt
	}
	return snap, nil
}

// Save uploads the snapshot of roomID. The server records the caller as
// updatedBy.
func (s *HTTPStore) Save(ctx context.Context, roomID, snapshotB64, _ string) error {
	if snapshotB64 == "" {
		return ErrEmptySnapshot
	}
	b, err := json.Marshal(SaveRequest{SnapshotB64: snapshotB64})
	if err != nil {
		return err
	}
	resp, err := s.do(ctx, http.MethodPost, roomID, bytes.NewReader(b))
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
