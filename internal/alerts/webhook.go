package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

var kindColors = map[string]int{
	KindEntry:  0x3498db,
	KindExit:   0x2ecc71,
	KindFill:   0x95a5a6,
	KindReject: 0xe67e22,
	KindError:  0xe74c3c,
}

// Webhook posts events to a Discord-compatible webhook as embeds.
type Webhook struct {
	url  string
	http *http.Client
}

func NewWebhook(url string) *Webhook {
	return &Webhook{url: url, http: &http.Client{Timeout: 10 * time.Second}}
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) Deliver(ctx context.Context, e Event) error {
	payload := map[string]any{
		"embeds": []map[string]any{
			{
				"title":       fmt.Sprintf("%s %s", e.Kind, e.Symbol),
				"description": e.Text,
				"color":       kindColors[e.Kind],
				"footer":      map[string]string{"text": "optionpilot"},
				"timestamp":   e.At.Format(time.RFC3339),
			},
		},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status: %d", resp.StatusCode)
	}
	return nil
}
