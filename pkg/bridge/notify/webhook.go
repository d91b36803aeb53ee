// Package notify delivers call-disposition webhooks. Delivery is
// fire-and-forget: the session latches its decision before dispatch and a
// failed POST is logged, never retried.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/voxline/frontdesk/pkg/bridge/session"
)

// WebhookConfig maps each disposition category to a destination URL. An empty
// URL disables delivery for that category.
type WebhookConfig struct {
	FinalURL     string
	PartialURL   string
	InfoURL      string
	AbandonedURL string
}

// Webhook posts one JSON notification per call; it implements
// session.Notifier.
type Webhook struct {
	cfg    WebhookConfig
	client *http.Client
	logger *slog.Logger
}

func NewWebhook(cfg WebhookConfig, logger *slog.Logger) *Webhook {
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{
		cfg: cfg,
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
		logger: logger,
	}
}

func (w *Webhook) url(c session.Category) string {
	switch c {
	case session.CategoryFinal:
		return w.cfg.FinalURL
	case session.CategoryPartial:
		return w.cfg.PartialURL
	case session.CategoryInfo:
		return w.cfg.InfoURL
	case session.CategoryAbandoned:
		return w.cfg.AbandonedURL
	default:
		return ""
	}
}

func (w *Webhook) Dispatch(ctx context.Context, n session.Notification) error {
	url := strings.TrimSpace(w.url(n.Category))
	if url == "" {
		w.logger.Debug("no webhook configured for category, skipping",
			"category", string(n.Category), "call_sid", n.CallSid)
		return nil
	}

	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "frontdesk-bridge/1.0")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	w.logger.Info("notification delivered",
		"category", string(n.Category), "call_sid", n.CallSid, "status", resp.StatusCode)
	return nil
}
