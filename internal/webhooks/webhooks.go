// Package webhooks forwards chat session events to HTTP endpoints
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Gigaversity/characters.ai/internal/events"
	"github.com/Gigaversity/characters.ai/internal/logger"
)

const (
	// DefaultTimeout bounds a single delivery request
	DefaultTimeout = 10 * time.Second

	queueSize   = 256
	historySize = 100
	userAgent   = "Characters-Webhooks/1.0"
)

var (
	ErrMissingID  = errors.New("webhook ID is required")
	ErrMissingURL = errors.New("webhook URL is required")
	ErrNotFound   = errors.New("webhook not found")
)

// Webhook is a configured delivery endpoint
type Webhook struct {
	ID        string             `json:"id"`
	URL       string             `json:"url"`
	Secret    string             `json:"secret,omitempty"`
	Events    []events.EventType `json:"events"` // empty subscribes to everything
	Headers   map[string]string  `json:"headers,omitempty"`
	Enabled   bool               `json:"enabled"`
	CreatedAt int64              `json:"created_at"`
}

// Payload is the JSON body posted to an endpoint
type Payload struct {
	Event      events.EventType `json:"event"`
	Timestamp  int64            `json:"timestamp"`
	WebhookID  string           `json:"webhook_id"`
	DeliveryID string           `json:"delivery_id"`
	SessionID  string           `json:"session_id,omitempty"`
	PersonaKey string           `json:"persona_key,omitempty"`
	Character  string           `json:"character,omitempty"`
	Data       map[string]any   `json:"data,omitempty"`
}

// DeliveryResult records one delivery attempt
type DeliveryResult struct {
	WebhookID  string
	DeliveryID string
	Event      events.EventType
	StatusCode int
	Success    bool
	Error      string
	DurationMS int64
	Timestamp  int64
}

type delivery struct {
	webhook Webhook
	payload *Payload
}

// Manager owns webhook registration and asynchronous delivery. Deliveries
// are attempted once; failures are logged and kept in the history.
type Manager struct {
	mu       sync.RWMutex
	webhooks map[string]*Webhook
	client   *http.Client
	queue    chan delivery
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	forwards sync.WaitGroup

	historyMu  sync.Mutex
	history    []*DeliveryResult
	historyPos int
}

// NewManager creates a manager whose requests time out after timeout
func NewManager(timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Manager{
		webhooks: make(map[string]*Webhook),
		client:   &http.Client{Timeout: timeout},
		queue:    make(chan delivery, queueSize),
		stopCh:   make(chan struct{}),
		history:  make([]*DeliveryResult, 0, historySize),
	}
}

// Start launches the delivery workers
func (m *Manager) Start(workers int) {
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go m.deliveryWorker()
	}
}

// Stop waits for every Forward to finish emitting, then signals the workers
// and waits for queued deliveries. Close the forwarded bus first, or Stop
// blocks until ctx is done. Returns ctx.Err() if ctx ends first.
func (m *Manager) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.forwards.Wait()
		m.stopOnce.Do(func() { close(m.stopCh) })
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Register adds or replaces a webhook
func (m *Manager) Register(webhook *Webhook) error {
	if webhook.ID == "" {
		return ErrMissingID
	}
	if webhook.URL == "" {
		return ErrMissingURL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	webhook.CreatedAt = time.Now().Unix()
	m.webhooks[webhook.ID] = webhook
	logger.GetLogger(context.Background()).WithFields(logrus.Fields{
		"webhook": webhook.ID,
		"url":     webhook.URL,
		"events":  webhook.Events,
	}).Info("registered webhook")
	return nil
}

// Unregister removes a webhook
func (m *Manager) Unregister(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.webhooks[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(m.webhooks, id)
	return nil
}

// List returns copies of the registered webhooks
func (m *Manager) List() []Webhook {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Webhook, 0, len(m.webhooks))
	for _, w := range m.webhooks {
		out = append(out, *w)
	}
	slices.SortFunc(out, func(a, b Webhook) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Emit queues event for every enabled webhook subscribed to its type.
// A full queue drops the delivery.
func (m *Manager) Emit(event *events.Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, w := range m.webhooks {
		if !w.Enabled || !subscribed(w, event.Type) {
			continue
		}

		payload := &Payload{
			Event:      event.Type,
			Timestamp:  event.Timestamp,
			WebhookID:  w.ID,
			DeliveryID: uuid.NewString(),
			SessionID:  event.SessionID,
			PersonaKey: event.PersonaKey,
			Character:  event.Character,
			Data:       event.Data,
		}

		select {
		case m.queue <- delivery{webhook: *w, payload: payload}:
		default:
			logger.Warnf(context.Background(), "Webhook queue full, dropping %s for %s", event.Type, w.ID)
		}
	}
}

// Forward emits every event published on bus until ctx is done or the bus
// closes. It returns once the subscription is in place. Events still buffered
// when the bus closes are emitted before the forwarder exits.
func (m *Manager) Forward(ctx context.Context, bus *events.Bus) {
	stream := bus.Stream(ctx, "webhooks", events.EventFilter{})
	m.forwards.Add(1)
	go func() {
		defer m.forwards.Done()
		for event := range stream {
			m.Emit(event)
		}
	}()
}

// GetDeliveryHistory returns up to limit recent results, oldest first
func (m *Manager) GetDeliveryHistory(limit int) []*DeliveryResult {
	m.historyMu.Lock()
	defer m.historyMu.Unlock()

	n := len(m.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*DeliveryResult, limit)
	if n == 0 {
		return out
	}
	start := (m.historyPos - limit + n) % n
	for i := 0; i < limit; i++ {
		out[i] = m.history[(start+i)%n]
	}
	return out
}

func subscribed(w *Webhook, eventType events.EventType) bool {
	return len(w.Events) == 0 || slices.Contains(w.Events, eventType)
}

func (m *Manager) deliveryWorker() {
	defer m.wg.Done()
	for {
		select {
		case d := <-m.queue:
			m.deliver(d)
		case <-m.stopCh:
			m.drain()
			return
		}
	}
}

// drain delivers whatever is already queued
func (m *Manager) drain() {
	for {
		select {
		case d := <-m.queue:
			m.deliver(d)
		default:
			return
		}
	}
}

func (m *Manager) deliver(d delivery) {
	start := time.Now()
	result := &DeliveryResult{
		WebhookID:  d.webhook.ID,
		DeliveryID: d.payload.DeliveryID,
		Event:      d.payload.Event,
		Timestamp:  start.Unix(),
	}
	defer m.recordDelivery(result)

	log := logger.GetLogger(context.Background()).WithFields(logrus.Fields{
		"webhook":     d.webhook.ID,
		"event":       d.payload.Event,
		"delivery_id": d.payload.DeliveryID,
	})

	body, err := sonic.Marshal(d.payload)
	if err != nil {
		result.Error = fmt.Sprintf("marshal payload: %v", err)
		log.Error(result.Error)
		return
	}

	req, err := http.NewRequest(http.MethodPost, d.webhook.URL, bytes.NewReader(body))
	if err != nil {
		result.Error = fmt.Sprintf("create request: %v", err)
		log.Error(result.Error)
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Webhook-ID", d.webhook.ID)
	req.Header.Set("X-Webhook-Delivery-ID", d.payload.DeliveryID)
	req.Header.Set("X-Webhook-Timestamp", strconv.FormatInt(d.payload.Timestamp, 10))
	req.Header.Set("X-Webhook-Event", string(d.payload.Event))
	for k, v := range d.webhook.Headers {
		req.Header.Set(k, v)
	}
	if d.webhook.Secret != "" {
		req.Header.Set("X-Webhook-Signature", "sha256="+sign(body, d.webhook.Secret))
	}

	resp, err := m.client.Do(req)
	result.DurationMS = time.Since(start).Milliseconds()
	if err != nil {
		result.Error = fmt.Sprintf("request failed: %v", err)
		log.Warn(result.Error)
		return
	}
	defer resp.Body.Close()

	result.StatusCode = resp.StatusCode
	result.Success = resp.StatusCode >= 200 && resp.StatusCode < 300
	if !result.Success {
		result.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
		log.Warnf("delivery failed: %s", result.Error)
		return
	}
	log.Debugf("delivered in %dms", result.DurationMS)
}

func (m *Manager) recordDelivery(result *DeliveryResult) {
	m.historyMu.Lock()
	defer m.historyMu.Unlock()

	if len(m.history) < historySize {
		m.history = append(m.history, result)
		m.historyPos = len(m.history) % historySize
		return
	}
	m.history[m.historyPos] = result
	m.historyPos = (m.historyPos + 1) % historySize
}

// VerifySignature reports whether signature is the hex HMAC-SHA256 of
// payload under secret. A "sha256=" prefix is accepted.
func VerifySignature(payload []byte, signature, secret string) bool {
	signature = strings.TrimPrefix(signature, "sha256=")
	return hmac.Equal([]byte(signature), []byte(sign(payload, secret)))
}

func sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
