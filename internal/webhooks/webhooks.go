// Package webhooks notifies external services about session integrity
// events.
//
// The assessment platform registers webhook URLs to receive:
// - Recorded violations
// - Alert escalations
// - Completed risk assessments
// - Session closures
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/promora/proctor/internal/metrics"
	"github.com/promora/proctor/internal/security"
)

// ErrNotFound is returned when a subscription does not exist.
var ErrNotFound = errors.New("webhooks: subscription not found")

// EventType represents the type of webhook event
type EventType string

const (
	EventViolationRecorded   EventType = "violation.recorded"
	EventAlertEscalated      EventType = "alert.escalated"
	EventAssessmentCompleted EventType = "assessment.completed"
	EventSessionClosed       EventType = "session.closed"
)

// KnownEvents lists every event type a subscription may filter on.
var KnownEvents = []EventType{
	EventViolationRecorded,
	EventAlertEscalated,
	EventAssessmentCompleted,
	EventSessionClosed,
}

// KnownEvent reports whether t is a deliverable event type.
func KnownEvent(t EventType) bool {
	for _, known := range KnownEvents {
		if t == known {
			return true
		}
	}
	return false
}

// Event represents a webhook event
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscription represents a webhook subscription
type Subscription struct {
	ID                  string      `json:"id"`
	URL                 string      `json:"url"`
	Secret              string      `json:"-"` // Used for HMAC signing
	Events              []EventType `json:"events"`
	Active              bool        `json:"active"`
	CreatedAt           time.Time   `json:"createdAt"`
	LastSuccess         *time.Time  `json:"lastSuccess,omitempty"`
	LastError           string      `json:"lastError,omitempty"`
	ConsecutiveFailures int         `json:"consecutiveFailures,omitempty"`
}

// Store persists webhook subscriptions
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	List(ctx context.Context) ([]*Subscription, error)
	GetByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// RetryConfig controls delivery retries and the failure cutoff.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxFailures int // consecutive failures before a subscription is disabled
}

// DefaultRetryConfig returns the delivery policy used in production.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		MaxFailures: 20,
	}
}

// deliveryTimeout bounds one subscription's delivery, retries included.
const deliveryTimeout = 30 * time.Second

// Dispatcher sends webhook events
type Dispatcher struct {
	store        Store
	client       *http.Client
	logger       *slog.Logger
	retry        RetryConfig
	urlValidator func(string) error
}

// NewDispatcher creates a webhook dispatcher with the default retry policy.
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	return NewDispatcherWithRetry(store, DefaultRetryConfig(), logger)
}

// NewDispatcherWithRetry creates a webhook dispatcher with an explicit
// retry policy.
func NewDispatcherWithRetry(store Store, retry RetryConfig, logger *slog.Logger) *Dispatcher {
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 1
	}
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger:       logger,
		retry:        retry,
		urlValidator: security.ValidateEndpointURL,
	}
}

// Dispatch sends an event to all active subscribers of its type. Delivery
// is asynchronous; each subscription gets its own timeout so the caller's
// context only bounds the subscriber lookup.
func (d *Dispatcher) Dispatch(ctx context.Context, event *Event) error {
	subs, err := d.store.GetByEvent(ctx, event.Type)
	if err != nil {
		return fmt.Errorf("failed to get subscribers: %w", err)
	}

	for _, sub := range subs {
		if !sub.Active {
			continue
		}

		go func(sub *Subscription) {
			sctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
			defer cancel()
			d.send(sctx, sub, event)
		}(sub)
	}

	return nil
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, event *Event) {
	// Revalidate at delivery time: the URL was checked on registration,
	// but the subscription may predate a policy change.
	if err := d.urlValidator(sub.URL); err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("blocked").Inc()
		d.updateError(sub, fmt.Sprintf("blocked url: %v", err))
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		d.updateError(sub, "failed to marshal event")
		return
	}

	delay := d.retry.BaseDelay
	var lastErr string
	for attempt := 1; attempt <= d.retry.MaxAttempts; attempt++ {
		err := d.deliver(ctx, sub, event, payload)
		if err == nil {
			metrics.WebhookDeliveriesTotal.WithLabelValues("success").Inc()
			d.updateSuccess(sub)
			return
		}
		lastErr = err.Error()

		if attempt == d.retry.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			lastErr = ctx.Err().Error()
			attempt = d.retry.MaxAttempts
		case <-time.After(delay):
		}
		delay *= 2
		if d.retry.MaxDelay > 0 && delay > d.retry.MaxDelay {
			delay = d.retry.MaxDelay
		}
	}

	metrics.WebhookDeliveriesTotal.WithLabelValues("failure").Inc()
	d.updateError(sub, lastErr)
}

func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, event *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, "POST", sub.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Proctor-Event", string(event.Type))
	req.Header.Set("X-Proctor-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))

	// Sign the payload if secret is set
	if sub.Secret != "" {
		req.Header.Set("X-Proctor-Signature", d.sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// State updates run on a detached context: the delivery context may
// already be exhausted when a send fails.
func (d *Dispatcher) updateSuccess(sub *Subscription) {
	now := time.Now()
	sub.LastSuccess = &now
	sub.LastError = ""
	sub.ConsecutiveFailures = 0
	d.persist(sub)
}

func (d *Dispatcher) updateError(sub *Subscription, errMsg string) {
	sub.LastError = errMsg
	sub.ConsecutiveFailures++
	if d.retry.MaxFailures > 0 && sub.ConsecutiveFailures >= d.retry.MaxFailures {
		sub.Active = false
		d.logger.Warn("webhook disabled after repeated failures",
			"id", sub.ID, "failures", sub.ConsecutiveFailures)
	}
	d.persist(sub)
}

func (d *Dispatcher) persist(sub *Subscription) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("webhook state update failed", "id", sub.ID, "error", err)
	}
}

// MemoryStore is an in-memory implementation for testing
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

func (m *MemoryStore) Create(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		return sub, nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) List(ctx context.Context) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		result = append(result, sub)
	}
	return result, nil
}

func (m *MemoryStore) GetByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		for _, et := range sub.Events {
			if et == eventType {
				result = append(result, sub)
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) Update(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
	return nil
}
