package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/zamopay/settle/internal/retry"
)

// WebhookNotifier posts outcome notifications to a business-facing
// webhook endpoint. Callers treat every error as non-fatal.
type WebhookNotifier struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

func NewWebhookNotifier(url string, logger *slog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
		logger: logger,
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, businessID, template string, data map[string]any) error {
	if n.url == "" {
		return nil
	}

	payload, err := json.Marshal(map[string]any{
		"business_id": businessID,
		"template":    template,
		"data":        data,
		"sent_at":     time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	return retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		switch {
		case resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500:
			return fmt.Errorf("notification webhook returned %d", resp.StatusCode)
		default:
			// 4xx will not get better on a retry.
			return retry.Permanent(fmt.Errorf("notification webhook returned %d", resp.StatusCode))
		}
	})
}
