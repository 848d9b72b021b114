package notification

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	zlog "github.com/rs/zerolog/log"
)

// WebhookConfig represents webhook configuration.
type WebhookConfig struct {
	URL     string
	Timeout time.Duration
}

// Webhook posts events as form data to a configured URL. Deliveries are
// fire-and-forget and never retried.
type Webhook struct {
	url        string
	httpClient *http.Client
}

// NewWebhook creates a webhook. It returns nil when no URL is configured.
func NewWebhook(cfg WebhookConfig) *Webhook {
	if cfg.URL == "" {
		return nil
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Webhook{
		url:        cfg.URL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Send delivers ev and logs any failure.
func (w *Webhook) Send(ev *Event) {
	if err := w.Trigger(context.Background(), ev); err != nil {
		zlog.Warn().Msgf("webhook delivery failed: event=%s error=%v", ev.EventType, err)
	}
}

// Trigger posts the form fields timestamp, id, event and data (JSON).
func (w *Webhook) Trigger(ctx context.Context, ev *Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return errors.Wrap(err, "failed to encode event data")
	}

	form := url.Values{}
	form.Set("timestamp", strconv.FormatInt(ev.Timestamp, 10))
	form.Set("id", uuid.New().String())
	form.Set("event", ev.EventType)
	form.Set("data", string(data))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, strings.NewReader(form.Encode()))
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to send request")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Newf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
