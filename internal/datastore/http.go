package datastore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/brainless/datastorer/internal/ingesterr"
)

var DefaultTimeout = 60 * time.Second

// HTTPStore talks to a CKAN-style datastore action API.
type HTTPStore struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	baseURL    string
	apiKey     string
}

// NewHTTPStore creates a store client. requestsPerSecond <= 0 disables the
// client-side rate limit.
func NewHTTPStore(baseURL, apiKey string, timeout time.Duration, requestsPerSecond float64) *HTTPStore {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if requestsPerSecond > 0 {
		burst := int(requestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
	}
	return &HTTPStore{
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
}

// action posts payload to the named datastore action. Non-2xx responses
// become StoreErrors carrying the status and body.
func (s *HTTPStore) action(ctx context.Context, name string, payload any, out any) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return ingesterr.Wrap(ingesterr.StoreError, err, "rate limiter error")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", name, err)
	}

	url := s.baseURL + "/api/3/action/" + name
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return ingesterr.Wrap(ingesterr.StoreError, err, "Failed to call %s", name)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return ingesterr.Wrap(ingesterr.StoreError, err, "Failed to read %s response", name)
	}

	if resp.StatusCode == http.StatusNotFound && (name == "datastore_delete" || name == "datastore_search") {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ingesterr.HTTP(ingesterr.StoreError, resp.StatusCode, string(raw),
			"Datastore bad response code for %s", name)
	}

	if out == nil {
		return nil
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ingesterr.Wrap(ingesterr.StoreError, err, "Failed to decode %s response", name)
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return ingesterr.Wrap(ingesterr.StoreError, err, "Failed to decode %s result", name)
	}
	return nil
}

// Delete drops the resource table. A missing table returns ErrNotFound.
func (s *HTTPStore) Delete(ctx context.Context, resourceID string) error {
	return s.action(ctx, "datastore_delete", map[string]any{
		"resource_id": resourceID,
		"force":       true,
	}, nil)
}

// Create defines the resource table and optionally inserts records.
func (s *HTTPStore) Create(ctx context.Context, resourceID string, fields []Field, records []Record) error {
	if records == nil {
		records = []Record{}
	}
	return s.action(ctx, "datastore_create", map[string]any{
		"resource_id": resourceID,
		"fields":      fields,
		"records":     records,
		"force":       true,
	}, nil)
}

// Upsert inserts records; the store assigns _id.
func (s *HTTPStore) Upsert(ctx context.Context, resourceID string, records []Record) error {
	return s.action(ctx, "datastore_upsert", map[string]any{
		"resource_id": resourceID,
		"records":     records,
		"method":      "insert",
		"force":       true,
	}, nil)
}

// Search returns a page of records ordered by _id.
func (s *HTTPStore) Search(ctx context.Context, q SearchQuery) (*SearchResult, error) {
	payload := map[string]any{
		"resource_id": q.ResourceID,
		"offset":      q.Offset,
		"sort":        "_id",
	}
	if q.Limit > 0 {
		payload["limit"] = q.Limit
	}
	var result SearchResult
	if err := s.action(ctx, "datastore_search", payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
