// Package recording resolves the carrier-side recording reference for a
// finished call. Recordings become visible on the provider a little after the
// call ends, so resolution polls with exponential backoff inside the budget
// the caller sets on the context.
package recording

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type Config struct {
	BaseURL   string
	AuthToken string

	// InitialInterval seeds the poll backoff; zero means 500ms.
	InitialInterval time.Duration
}

// Resolver polls the recording provider; it implements
// session.RecordingResolver.
type Resolver struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

func NewResolver(cfg Config, logger *slog.Logger) (*Resolver, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("recording base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid recording base url: %w", err)
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		cfg: cfg,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}, nil
}

var errNotReady = fmt.Errorf("recording not ready")

// Resolve returns the provider's reference for the call's recording, or an
// error once the context budget is spent.
func (r *Resolver) Resolve(ctx context.Context, callSid string) (string, error) {
	if strings.TrimSpace(callSid) == "" {
		return "", fmt.Errorf("call sid is required")
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.InitialInterval
	bo.MaxInterval = 3 * time.Second
	bo.MaxElapsedTime = 0 // the context carries the budget

	var ref string
	err := backoff.Retry(func() error {
		got, err := r.fetch(ctx, callSid)
		if err != nil {
			return err
		}
		ref = got
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return "", err
	}
	return ref, nil
}

func (r *Resolver) fetch(ctx context.Context, callSid string) (string, error) {
	endpoint := strings.TrimRight(r.cfg.BaseURL, "/") + "/recordings/" + url.PathEscape(callSid)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", backoff.Permanent(err)
	}
	if r.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.AuthToken)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		// Not persisted yet; keep polling.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", errNotReady
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", backoff.Permanent(fmt.Errorf("recording provider returned status %d", resp.StatusCode))
	}

	var payload struct {
		URL          string `json:"url"`
		RecordingURL string `json:"recording_url"`
		Sid          string `json:"sid"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
		return "", backoff.Permanent(fmt.Errorf("decode recording response: %w", err))
	}

	ref := strings.TrimSpace(payload.URL)
	if ref == "" {
		ref = strings.TrimSpace(payload.RecordingURL)
	}
	if ref == "" && payload.Sid != "" {
		ref = payload.Sid
	}
	if ref == "" {
		return "", errNotReady
	}
	return ref, nil
}
