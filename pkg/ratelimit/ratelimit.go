package ratelimit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Response is the JSON body of the rate-limit endpoint. Reset is a unix
// timestamp, in milliseconds or seconds depending on the backend.
type Response struct {
	Allowed   bool     `json:"allowed"`
	Limit     *int     `json:"limit"`
	WindowSec *int     `json:"windowSec"`
	Remaining *int     `json:"remaining"`
	Reset     *float64 `json:"reset"`
}

// Decision is the outcome of a gate check
type Decision struct {
	Allowed   bool
	Limit     *int
	WindowSec *int
	Remaining *int
	ResetMs   *int64
}

// Message is the human-readable throttle notice
func (d Decision) Message() string {
	if d.Limit == nil {
		return "Rate limit reached. Please wait and try again."
	}
	window := "60s"
	if d.WindowSec != nil {
		window = fmt.Sprintf("%ds", *d.WindowSec)
	}
	return fmt.Sprintf("Rate limit reached: %d run per %s.", *d.Limit, window)
}

// Gate decides whether a room may start another run
type Gate interface {
	Check(ctx context.Context, roomID string) (Decision, error)
}

// Allow is a Gate that never throttles
type Allow struct{}

// Check always allows
func (Allow) Check(context.Context, string) (Decision, error) {
	return Decision{Allowed: true}, nil
}

// NormalizeReset converts a reset timestamp to unix milliseconds. Values
// above 1e12 are already milliseconds.
func NormalizeReset(reset float64) int64 {
	if reset > 1e12 {
		return int64(reset)
	}
	return int64(reset * 1000)
}

func (r Response) decision() Decision {
	d := Decision{
		Allowed:   r.Allowed,
		Limit:     r.Limit,
		WindowSec: r.WindowSec,
		Remaining: r.Remaining,
	}
	if r.Reset != nil {
		ms := NormalizeReset(*r.Reset)
		d.ResetMs = &ms
	}
	return d
}

// HTTPGate asks the rate-limit endpoint over HTTP. A 429 status throttles;
// any 2xx allows.
type HTTPGate struct {
	url    string
	token  string
	client *http.Client
}

// NewHTTPGate creates a gate posting to url with an optional bearer token
func NewHTTPGate(url, token string) *HTTPGate {
	return &HTTPGate{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

// Check posts {roomId} and interprets the response
func (g *HTTPGate) Check(ctx context.Context, roomID string) (Decision, error) {
	body, err := json.Marshal(map[string]string{"roomId": roomID})
	if err != nil {
		return Decision{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return Decision{}, fmt.Errorf("failed to build rate-limit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return Decision{}, fmt.Errorf("rate-limit request failed: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var parsed Response
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		// an unreadable body still throttles
		_ = json.Unmarshal(raw, &parsed)
		parsed.Allowed = false
		return parsed.decision(), nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return Decision{Allowed: true}, nil
		}
		parsed.Allowed = true
		return parsed.decision(), nil
	default:
		return Decision{}, fmt.Errorf("rate-limit endpoint returned %d", resp.StatusCode)
	}
}
