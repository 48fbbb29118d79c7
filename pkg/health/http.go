package health

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// HTTPChecker succeeds when URL answers with a status in
// [ExpectedStatusMin, ExpectedStatusMax]
type HTTPChecker struct {
	URL               string
	Headers           map[string]string
	ExpectedStatusMin int
	ExpectedStatusMax int
	Client            *http.Client
}

// NewHTTPChecker creates a checker expecting a 2xx or 3xx answer
func NewHTTPChecker(url string) *HTTPChecker {
	return &HTTPChecker{
		URL:               url,
		Headers:           make(map[string]string),
		ExpectedStatusMin: 200,
		ExpectedStatusMax: 399,
		Client:            &http.Client{Timeout: 10 * time.Second},
	}
}

// Check issues a GET to URL
func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return result(start, false, fmt.Sprintf("failed to create request: %v", err))
	}
	for key, value := range h.Headers {
		req.Header.Set(key, value)
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return result(start, false, fmt.Sprintf("request failed: %v", err))
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode >= h.ExpectedStatusMin && resp.StatusCode <= h.ExpectedStatusMax
	msg := fmt.Sprintf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	if !healthy {
		msg = fmt.Sprintf("%s (expected %d-%d)", msg, h.ExpectedStatusMin, h.ExpectedStatusMax)
	}
	return result(start, healthy, msg)
}

// Type implements Checker
func (h *HTTPChecker) Type() CheckType {
	return CheckTypeHTTP
}

// WithBearer authenticates probes with token
func (h *HTTPChecker) WithBearer(token string) *HTTPChecker {
	if token != "" {
		h.Headers["Authorization"] = "Bearer " + token
	}
	return h
}

// WithTimeout sets the HTTP client timeout
func (h *HTTPChecker) WithTimeout(timeout time.Duration) *HTTPChecker {
	h.Client.Timeout = timeout
	return h
}
