package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/veltis/authflow/internal/config"
	"github.com/veltis/authflow/model"
)

// WebhookDispatcher posts dispatch requests to an external delivery service.
// A circuit breaker protects the engine from a failing delivery backend: a
// rejected dispatch surfaces immediately instead of tying up request
// handlers in timeouts.
type WebhookDispatcher struct {
	baseURL string
	client  *http.Client
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewWebhookDispatcher creates a dispatcher for the configured delivery
// webhook.
func NewWebhookDispatcher(cfg config.NotifierConfig, logger *zap.Logger) *WebhookDispatcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookDispatcher{
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: timeout},
		breaker: NewCircuitBreaker(
			cfg.CircuitBreaker.FailureThreshold,
			cfg.CircuitBreaker.SuccessThreshold,
			cfg.CircuitBreaker.Timeout,
		),
		logger: logger,
	}
}

// Dispatch posts the message to the delivery webhook. The returned ticket
// acknowledges the request was accepted, not that anything was delivered.
func (d *WebhookDispatcher) Dispatch(ctx context.Context, msg Message) (Ticket, error) {
	if err := d.breaker.Allow(); err != nil {
		return Ticket{}, model.NewDispatchUnavailableError("notification delivery is temporarily unavailable")
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return Ticket{}, fmt.Errorf("notify: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/v1/dispatch", bytes.NewReader(body))
	if err != nil {
		return Ticket{}, fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		d.breaker.RecordFailure()
		d.logger.Warn("notification dispatch failed",
			zap.String("channel", msg.Channel),
			zap.Error(err),
		)
		return Ticket{}, model.NewDispatchUnavailableError("notification delivery request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		d.breaker.RecordFailure()
		d.logger.Warn("notification dispatch rejected",
			zap.String("channel", msg.Channel),
			zap.Int("status", resp.StatusCode),
		)
		return Ticket{}, model.NewDispatchUnavailableError(
			fmt.Sprintf("notification delivery returned status %d", resp.StatusCode),
		)
	}

	d.breaker.RecordSuccess()

	var accepted struct {
		TicketID string `json:"ticket_id"`
	}
	// A missing or malformed ticket ID is not a dispatch failure; fall back
	// to a locally generated one.
	if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil || accepted.TicketID == "" {
		accepted.TicketID = uuid.New().String()
	}

	return Ticket{ID: accepted.TicketID, AcceptedAt: time.Now().UTC()}, nil
}

// BreakerState exposes the breaker state for readiness reporting.
func (d *WebhookDispatcher) BreakerState() BreakerState {
	return d.breaker.State()
}
