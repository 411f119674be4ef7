package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/zamopay/settle/internal/circuitbreaker"
	"github.com/zamopay/settle/internal/job"
)

// ErrGatewayUnavailable means the circuit to the gateway is open and
// the transfer was not attempted. Retryable.
var ErrGatewayUnavailable = errors.New("gateway circuit open")

const breakerKey = "gateway"

// GatewayProcessor submits transfers to the upstream EFT gateway over
// HTTP. A 2xx response is an accepted transfer; 402 and 422 are
// declines (retryable at the queue level); anything else is a fault.
// A circuit breaker sheds load while the gateway is down so a full
// outage does not burn every job's retry budget at once.
type GatewayProcessor struct {
	baseURL string
	apiKey  string
	client  *http.Client
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

func NewGatewayProcessor(baseURL, apiKey string, logger *slog.Logger) *GatewayProcessor {
	return &GatewayProcessor{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
		breaker: circuitbreaker.New(5, 30*time.Second, circuitbreaker.WithLogger(logger)),
		logger:  logger,
	}
}

type transferRequest struct {
	Reference  string `json:"reference"`
	BusinessID string `json:"business_id"`
	Amount     string `json:"amount"`
	Currency   string `json:"currency"`
	Type       string `json:"type"`
}

type transferResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

func (g *GatewayProcessor) Process(ctx context.Context, j *job.Job) (bool, error) {
	if !g.breaker.Allow(breakerKey) {
		return false, ErrGatewayUnavailable
	}

	body, err := json.Marshal(transferRequest{
		// The job ID doubles as the idempotency reference: retrying a
		// job must not produce a second transfer upstream.
		Reference:  j.ID,
		BusinessID: j.BusinessID,
		Amount:     j.Amount,
		Currency:   "ZAR",
		Type:       j.Type,
	})
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/transfers", bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", j.ID)
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		g.breaker.RecordFailure(breakerKey)
		return false, fmt.Errorf("gateway request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		g.breaker.RecordSuccess(breakerKey)
		return true, nil
	case resp.StatusCode == http.StatusPaymentRequired || resp.StatusCode == http.StatusUnprocessableEntity:
		// A decline is the gateway working; only transport-level faults
		// count against the circuit.
		g.breaker.RecordSuccess(breakerKey)
		var tr transferResponse
		if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&tr); err == nil && tr.Reason != "" {
			g.logger.Warn("transfer declined", "job_id", j.ID, "reason", tr.Reason)
		} else {
			g.logger.Warn("transfer declined", "job_id", j.ID, "status", resp.StatusCode)
		}
		return false, nil
	default:
		g.breaker.RecordFailure(breakerKey)
		return false, fmt.Errorf("gateway returned %d", resp.StatusCode)
	}
}

var _ Processor = (*GatewayProcessor)(nil)
