package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/epiwatchstack/epiwatch-engine/internal/models"
)

// WebhookHandler POSTs each alert as JSON to a configured endpoint.
type WebhookHandler struct {
	url    string
	client *http.Client
}

func NewWebhookHandler(url string, timeout time.Duration) *WebhookHandler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookHandler{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (h *WebhookHandler) Deliver(ctx context.Context, alert models.OutbreakAlert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
