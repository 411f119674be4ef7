package payment

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestNotifyRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, slog.Default())
	err := n.Notify(context.Background(), "biz_1", "payout_completed", map[string]any{"job_id": "job_1"})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if got := hits.Load(); got != 3 {
		t.Fatalf("expected 3 delivery attempts, got %d", got)
	}
}

func TestNotifyDoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, slog.Default())
	if err := n.Notify(context.Background(), "biz_1", "payout_completed", nil); err == nil {
		t.Fatal("expected an error for a 400 response")
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("expected a single delivery attempt, got %d", got)
	}
}

func TestNotifyWithoutURLIsANoop(t *testing.T) {
	n := NewWebhookNotifier("", slog.Default())
	if err := n.Notify(context.Background(), "biz_1", "payout_completed", nil); err != nil {
		t.Fatalf("Notify: %v", err)
	}
}
