// Package alerts raises operator alerts from the recovery and
// reconciliation jobs. Alerts are logged, counted, and optionally
// delivered to a webhook.
package alerts

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Severity of an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is a single operator notification.
type Alert struct {
	Severity  Severity       `json:"severity"`
	Source    string         `json:"source"` // e.g. "stuck_job_detector", "reconciliation"
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

var alertsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "settle",
		Name:      "alerts_total",
		Help:      "Total operator alerts raised by source and severity.",
	},
	[]string{"source", "severity"},
)

func init() {
	prometheus.MustRegister(alertsTotal)
}

// Notifier raises alerts. Implementations must be safe for concurrent use.
type Notifier interface {
	Critical(source, message string, details map[string]any)
	Warning(source, message string, details map[string]any)
}

// Sink logs alerts and fires an optional webhook. The webhook delivery is
// best-effort and non-blocking; settlement outcomes never depend on it.
type Sink struct {
	logger     *slog.Logger
	webhookURL string
	client     *http.Client
}

// NewSink creates an alert sink. webhookURL may be empty.
func NewSink(logger *slog.Logger, webhookURL string) *Sink {
	return &Sink{
		logger:     logger,
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 5 * time.Second},
	}
}

// Critical raises a critical alert.
func (s *Sink) Critical(source, message string, details map[string]any) {
	s.raise(SeverityCritical, source, message, details)
	s.logger.Error("CRITICAL alert: "+message, attrs(source, details)...)
}

// Warning raises a warning alert.
func (s *Sink) Warning(source, message string, details map[string]any) {
	s.raise(SeverityWarning, source, message, details)
	s.logger.Warn(message, attrs(source, details)...)
}

func (s *Sink) raise(sev Severity, source, message string, details map[string]any) {
	alertsTotal.WithLabelValues(source, string(sev)).Inc()

	if s.webhookURL != "" {
		alert := &Alert{
			Severity:  sev,
			Source:    source,
			Message:   message,
			Details:   details,
			CreatedAt: time.Now(),
		}
		// Fire webhook if configured (best-effort, non-blocking)
		go s.fireWebhook(alert)
	}
}

func (s *Sink) fireWebhook(alert *Alert) {
	body, err := json.Marshal(alert)
	if err != nil {
		return
	}
	resp, err := s.client.Post(s.webhookURL, "application/json", bytes.NewReader(body))
	if err == nil {
		_ = resp.Body.Close()
	}
}

func attrs(source string, details map[string]any) []any {
	out := []any{"source", source}
	for k, v := range details {
		out = append(out, k, v)
	}
	return out
}

var _ Notifier = (*Sink)(nil)
