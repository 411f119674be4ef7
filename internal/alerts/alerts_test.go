package alerts

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestSinkDeliversWebhook(t *testing.T) {
	var mu sync.Mutex
	var received []Alert

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var a Alert
		if err := json.Unmarshal(body, &a); err != nil {
			t.Errorf("bad webhook payload: %v", err)
		}
		mu.Lock()
		received = append(received, a)
		mu.Unlock()
	}))
	defer srv.Close()

	sink := NewSink(slog.Default(), srv.URL)
	sink.Critical("reconciliation", "drift exceeds threshold", map[string]any{
		"business_id": "biz_1",
		"drift":       "12.50",
	})

	// Webhook delivery is async.
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(received)
		mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("webhook never delivered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if received[0].Severity != SeverityCritical {
		t.Errorf("severity = %q, want critical", received[0].Severity)
	}
	if received[0].Source != "reconciliation" {
		t.Errorf("source = %q", received[0].Source)
	}
}

func TestSinkWithoutWebhook(t *testing.T) {
	sink := NewSink(slog.Default(), "")
	// Must not panic or block.
	sink.Warning("cleanup", "nothing to do", nil)
	sink.Critical("stuck_job_detector", "recovered 11 jobs", map[string]any{"count": 11})
}
