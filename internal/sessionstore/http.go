package sessionstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/promora/proctor/internal/circuitbreaker"
	"github.com/promora/proctor/internal/event"
	"github.com/promora/proctor/internal/metrics"
	"github.com/promora/proctor/internal/retry"
)

const (
	apiBasePath = "/api/mcp-database"
	breakerKey  = "session-store"

	defaultTimeout       = 10 * time.Second
	defaultStatusTimeout = 5 * time.Second
	defaultMaxAttempts   = 3
	defaultRetryBase     = 200 * time.Millisecond
)

// Event feeds exposed by the platform store. A session's full history is the
// merge of all three.
var eventFeeds = []string{"/interactions/", "/file-operations/", "/terminal-events/"}

// HTTPConfig holds the configuration for connecting to the platform store.
type HTTPConfig struct {
	BaseURL       string        // e.g. "http://localhost:5001"
	APIKey        string        // optional bearer key
	Timeout       time.Duration // per event-feed request, default 10s
	StatusTimeout time.Duration // per status request, default 5s
	MaxAttempts   int           // retry attempts per operation, default 3
	RetryBase     time.Duration // base backoff between attempts, default 200ms
}

// HTTPStore is a client for the platform store's HTTP API. Requests retry
// with exponential backoff and a circuit breaker trips after repeated
// failures so a down store does not stall every session.
type HTTPStore struct {
	cfg        HTTPConfig
	httpClient *http.Client
	breaker    *circuitbreaker.Breaker
}

// NewHTTPStore creates a store client for the given platform API.
func NewHTTPStore(cfg HTTPConfig) *HTTPStore {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.StatusTimeout <= 0 {
		cfg.StatusTimeout = defaultStatusTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = defaultRetryBase
	}
	return &HTTPStore{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breaker:    circuitbreaker.New(5, 30*time.Second),
	}
}

// GetEvents fetches and merges the session's event feeds. Any transport or
// server failure surfaces as ErrUnavailable after retries.
func (s *HTTPStore) GetEvents(ctx context.Context, sessionID string, since time.Time) ([]event.RawEvent, error) {
	if !s.breaker.Allow(breakerKey) {
		metrics.StoreRequestsTotal.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w: circuit open", ErrUnavailable)
	}

	var merged []event.RawEvent
	err := retry.Do(ctx, s.cfg.MaxAttempts, s.cfg.RetryBase, func() error {
		var err error
		merged, err = s.fetchAll(ctx, sessionID)
		return err
	})
	if err != nil {
		s.breaker.RecordFailure(breakerKey)
		metrics.StoreRequestsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	s.breaker.RecordSuccess(breakerKey)
	metrics.StoreRequestsTotal.WithLabelValues("ok").Inc()

	out := merged[:0]
	for _, ev := range merged {
		if !since.IsZero() && !ev.Timestamp.After(since) {
			continue
		}
		out = append(out, ev)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// IsSessionActive queries the platform's session status endpoint. Unknown
// sessions read as inactive.
func (s *HTTPStore) IsSessionActive(ctx context.Context, sessionID string) (bool, error) {
	if !s.breaker.Allow(breakerKey) {
		metrics.StoreRequestsTotal.WithLabelValues("rejected").Inc()
		return false, fmt.Errorf("%w: circuit open", ErrUnavailable)
	}

	var active bool
	err := retry.Do(ctx, s.cfg.MaxAttempts, s.cfg.RetryBase, func() error {
		body, err := s.doRequest(ctx, "/session-status/"+url.PathEscape(sessionID), s.cfg.StatusTimeout)
		if err != nil {
			return err
		}
		if body == nil {
			active = false
			return nil
		}
		var status struct {
			IsActive bool `json:"isActive"`
		}
		if err := json.Unmarshal(body, &status); err != nil {
			return retry.Permanent(fmt.Errorf("parse session status: %w", err))
		}
		active = status.IsActive
		return nil
	})
	if err != nil {
		s.breaker.RecordFailure(breakerKey)
		metrics.StoreRequestsTotal.WithLabelValues("error").Inc()
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	s.breaker.RecordSuccess(breakerKey)
	metrics.StoreRequestsTotal.WithLabelValues("ok").Inc()
	return active, nil
}

func (s *HTTPStore) fetchAll(ctx context.Context, sessionID string) ([]event.RawEvent, error) {
	var merged []event.RawEvent
	for _, feed := range eventFeeds {
		body, err := s.doRequest(ctx, feed+url.PathEscape(sessionID), s.cfg.Timeout)
		if err != nil {
			return nil, err
		}
		if body == nil {
			continue
		}
		events, err := decodeEvents(sessionID, body)
		if err != nil {
			return nil, retry.Permanent(err)
		}
		merged = append(merged, events...)
	}
	return merged, nil
}

// doRequest makes a GET request to the store API. A 404 returns (nil, nil):
// the store answers unknown sessions with not-found, which reads as empty.
func (s *HTTPStore) doRequest(ctx context.Context, path string, timeout time.Duration) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.BaseURL+apiBasePath+path, nil)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("store error (%d): %s", resp.StatusCode, body)
	case resp.StatusCode >= 400:
		return nil, retry.Permanent(fmt.Errorf("store rejected request (%d): %s", resp.StatusCode, body))
	}
	return json.RawMessage(body), nil
}

// Envelope keys stripped from a store row before the rest becomes the
// event's data payload.
var envelopeKeys = map[string]struct{}{
	"id": {}, "sessionId": {}, "session_id": {},
	"eventType": {}, "event_type": {},
	"timestamp": {}, "createdAt": {}, "created_at": {}, "updatedAt": {}, "updated_at": {},
}

func decodeEvents(sessionID string, body json.RawMessage) ([]event.RawEvent, error) {
	var rows []map[string]any
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("parse store events: %w", err)
	}

	out := make([]event.RawEvent, 0, len(rows))
	for _, row := range rows {
		out = append(out, rowToRawEvent(sessionID, row))
	}
	return out, nil
}

// rowToRawEvent folds a flat store row into the wire shape. Collector
// versions disagree on casing, so both eventType and event_type are read.
func rowToRawEvent(sessionID string, row map[string]any) event.RawEvent {
	raw := event.RawEvent{
		SessionID: sessionID,
		EventType: rowString(row, "eventType", "event_type"),
		Timestamp: rowTimestamp(row),
	}

	if nested, ok := row["data"].(map[string]any); ok {
		raw.Data = nested
		return raw
	}

	data := make(map[string]any, len(row))
	for k, v := range row {
		if _, skip := envelopeKeys[k]; skip {
			continue
		}
		data[k] = v
	}
	raw.Data = data
	return raw
}

func rowString(row map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := row[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// rowTimestamp parses the row timestamp. The Node backend serializes either
// an ISO string or epoch milliseconds depending on the column.
func rowTimestamp(row map[string]any) time.Time {
	for _, k := range []string{"timestamp", "createdAt", "created_at"} {
		switch v := row[k].(type) {
		case string:
			for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
				if t, err := time.Parse(layout, v); err == nil {
					return t
				}
			}
		case float64:
			return time.UnixMilli(int64(v)).UTC()
		}
	}
	return time.Time{}
}
