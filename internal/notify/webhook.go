package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"serialarr/internal/engine"
	"serialarr/internal/eventbus"
)

// Webhook POSTs each event as a JSON document to a fixed URL.
type Webhook struct {
	url    string
	client *http.Client
}

func NewWebhook(url string) *Webhook {
	return &Webhook{url: url, client: &http.Client{Timeout: 15 * time.Second}}
}

func (w *Webhook) Name() string { return "webhook" }

type webhookPayload struct {
	Event string            `json:"event"`
	Time  time.Time         `json:"time"`
	Data  engine.StoryEvent `json:"data"`
}

func (w *Webhook) Send(ctx context.Context, e eventbus.Event, ev engine.StoryEvent) error {
	body, err := json.Marshal(webhookPayload{Event: e.Type, Time: e.Time, Data: ev})
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
