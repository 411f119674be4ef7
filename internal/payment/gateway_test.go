package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/zamopay/settle/internal/job"
)

func TestGatewayProcessorOutcomes(t *testing.T) {
	var gotIdempotency string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotIdempotency = r.Header.Get("Idempotency-Key")
		var req transferRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		switch req.Amount {
		case "402.00":
			w.WriteHeader(http.StatusPaymentRequired)
			_ = json.NewEncoder(w).Encode(transferResponse{Status: "declined", Reason: "limit exceeded"})
		case "500.00":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			_ = json.NewEncoder(w).Encode(transferResponse{Status: "accepted"})
		}
	}))
	defer srv.Close()

	g := NewGatewayProcessor(srv.URL, "secret", testLogger())

	ok, err := g.Process(context.Background(), testJobAmount("job_ok", "100.00"))
	if err != nil || !ok {
		t.Errorf("accepted transfer: ok=%v err=%v", ok, err)
	}
	if gotIdempotency != "job_ok" {
		t.Errorf("idempotency key = %q, want job id", gotIdempotency)
	}

	ok, err = g.Process(context.Background(), testJobAmount("job_decline", "402.00"))
	if err != nil || ok {
		t.Errorf("declined transfer: ok=%v err=%v, want false/nil", ok, err)
	}

	_, err = g.Process(context.Background(), testJobAmount("job_fault", "500.00"))
	if err == nil {
		t.Error("gateway fault returned no error")
	}
}

func TestGatewayProcessorTripsBreakerOnFaults(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	g := NewGatewayProcessor(srv.URL, "", testLogger())

	for i := 0; i < 5; i++ {
		if _, err := g.Process(context.Background(), testJobAmount("job_x", "10.00")); err == nil {
			t.Fatal("fault returned no error")
		}
	}
	hitsBefore := hits

	_, err := g.Process(context.Background(), testJobAmount("job_x", "10.00"))
	if !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("err = %v, want ErrGatewayUnavailable", err)
	}
	if hits != hitsBefore {
		t.Error("open circuit still reached the gateway")
	}
}

func testJobAmount(id, amount string) *job.Job {
	j := testJob(id)
	j.Amount = amount
	return j
}
