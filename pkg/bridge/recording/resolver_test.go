package recording

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestResolver_ResolvesAfterProviderCatchesUp(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/recordings/CA1" {
			t.Errorf("path=%q", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer tok" {
			t.Errorf("auth=%q", auth)
		}
		// The first two polls hit before the provider persisted the recording.
		if hits.Add(1) < 3 {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"url": "https://cdn.example/rec/CA1.wav"})
	}))
	defer srv.Close()

	r, err := NewResolver(Config{
		BaseURL:         srv.URL,
		AuthToken:       "tok",
		InitialInterval: 5 * time.Millisecond,
	}, testLogger())
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ref, err := r.Resolve(ctx, "CA1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ref != "https://cdn.example/rec/CA1.wav" {
		t.Fatalf("ref=%q", ref)
	}
	if hits.Load() < 3 {
		t.Fatalf("hits=%d, want >= 3", hits.Load())
	}
}

func TestResolver_BudgetExhaustedReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	r, err := NewResolver(Config{BaseURL: srv.URL, InitialInterval: 5 * time.Millisecond}, testLogger())
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := r.Resolve(ctx, "CA404"); err == nil {
		t.Fatalf("expected error when budget runs out")
	}
}

func TestResolver_PermanentFailureStopsPolling(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	r, err := NewResolver(Config{BaseURL: srv.URL, InitialInterval: 5 * time.Millisecond}, testLogger())
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := r.Resolve(ctx, "CA1"); err == nil {
		t.Fatalf("expected error for 403")
	}
	if hits.Load() != 1 {
		t.Fatalf("hits=%d; a permanent failure should not be retried", hits.Load())
	}
}

func TestNewResolver_RequiresBaseURL(t *testing.T) {
	if _, err := NewResolver(Config{}, testLogger()); err == nil {
		t.Fatalf("expected error for missing base url")
	}
}
