// Package webhook delivers trust events to configured HTTP endpoints.
// Delivery is best-effort and asynchronous: a failed or slow endpoint is
// logged and never blocks the operation that emitted the event.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/basket/agentauth/internal/bus"
)

const (
	deliveryTimeout  = 10 * time.Second
	deliveryAttempts = 3
	retryBaseDelay   = 500 * time.Millisecond

	// SignatureHeader carries the hex HMAC-SHA256 of the request body,
	// keyed with the endpoint secret.
	SignatureHeader = "X-Trustd-Signature"
	eventHeader     = "X-Trustd-Event"
)

// Endpoint is one webhook destination. Events filters by topic prefix; an
// empty list receives everything.
type Endpoint struct {
	URL    string
	Secret string
	Events []string
}

// Dispatcher fans bus events out to webhook endpoints.
type Dispatcher struct {
	endpoints []Endpoint
	client    *http.Client
	logger    *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewDispatcher(endpoints []Endpoint, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		endpoints: endpoints,
		client:    &http.Client{Timeout: deliveryTimeout},
		logger:    logger,
	}
}

// envelope is the wire shape of a delivered event.
type envelope struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// Start subscribes to all trust events and delivers until the context is
// cancelled.
func (d *Dispatcher) Start(ctx context.Context, eventBus *bus.Bus) {
	if len(d.endpoints) == 0 {
		return
	}
	ctx, d.cancel = context.WithCancel(ctx)
	sub := eventBus.Subscribe("") // all topics

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer eventBus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-sub.Ch():
				if !ok {
					return
				}
				d.Fire(ctx, evt.Topic, evt.Payload)
			}
		}
	}()
	d.logger.Info("webhook dispatcher started", "endpoints", len(d.endpoints))
}

// Stop cancels delivery and waits for in-flight requests.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

// Fire posts the event to every matching endpoint, each in its own
// goroutine.
func (d *Dispatcher) Fire(ctx context.Context, event string, payload any) {
	body, err := json.Marshal(envelope{Event: event, Timestamp: time.Now().UTC(), Payload: payload})
	if err != nil {
		d.logger.Error("webhook: marshal event", "event", event, "error", err)
		return
	}
	for _, ep := range d.endpoints {
		if !matches(ep.Events, event) {
			continue
		}
		d.wg.Add(1)
		go func(ep Endpoint) {
			defer d.wg.Done()
			d.deliver(ctx, ep, event, body)
		}(ep)
	}
}

func matches(filters []string, event string) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if f == event || strings.HasSuffix(f, ".") && strings.HasPrefix(event, f) {
			return true
		}
	}
	return false
}

// deliver posts the event, retrying transient failures with linear backoff
// up to deliveryAttempts. A 4xx response is final: the endpoint saw the
// event and rejected it.
func (d *Dispatcher) deliver(ctx context.Context, ep Endpoint, event string, body []byte) {
	for attempt := 1; attempt <= deliveryAttempts; attempt++ {
		retryable, err := d.attempt(ctx, ep, event, body)
		if err == nil {
			d.logger.Debug("webhook delivered", "url", ep.URL, "event", event, "attempt", attempt)
			return
		}
		if !retryable || attempt == deliveryAttempts {
			d.logger.Warn("webhook: delivery failed", "url", ep.URL, "event", event,
				"attempt", attempt, "error", err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempt) * retryBaseDelay):
		}
	}
}

func (d *Dispatcher) attempt(ctx context.Context, ep Endpoint, event string, body []byte) (retryable bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(eventHeader, event)
	req.Header.Set(SignatureHeader, Sign(ep.Secret, body))

	resp, err := d.client.Do(req)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode >= 500:
		return true, fmt.Errorf("endpoint returned %d", resp.StatusCode)
	default:
		return false, fmt.Errorf("endpoint rejected event with %d", resp.StatusCode)
	}
}

// Sign returns the hex HMAC-SHA256 of body under secret, as carried in the
// signature header.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
