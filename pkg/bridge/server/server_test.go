package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxline/frontdesk/pkg/bridge/config"
	"github.com/voxline/frontdesk/pkg/bridge/protocol"
	"github.com/voxline/frontdesk/pkg/bridge/session"
)

type stubBackend struct {
	events chan protocol.RealtimeEvent
}

func newStubBackend() *stubBackend {
	return &stubBackend{events: make(chan protocol.RealtimeEvent, 8)}
}

func (b *stubBackend) SessionUpdate(protocol.SessionConfig) error { return nil }
func (b *stubBackend) CreateUserItem(string) error                { return nil }
func (b *stubBackend) CreateResponse(string) error                { return nil }
func (b *stubBackend) AppendAudio(string) error                   { return nil }
func (b *stubBackend) CancelResponse() error                      { return nil }
func (b *stubBackend) Events() <-chan protocol.RealtimeEvent      { return b.events }
func (b *stubBackend) Close() error                               { return nil }

type stubDialer struct {
	backend *stubBackend
}

func (d *stubDialer) Dial(context.Context) (session.BackendConn, error) {
	return d.backend, nil
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(config.Config{BargeIn: config.BargeInModeInterrupt}, logger, Dependencies{
		Dialer: &stubDialer{backend: newStubBackend()},
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func TestHealthz(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}

	var body struct {
		Status      string `json:"status"`
		ActiveCalls int    `json:"active_calls"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || body.ActiveCalls != 0 {
		t.Fatalf("body=%+v", body)
	}
}

func TestCalls_EmptyList(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/calls")
	if err != nil {
		t.Fatalf("GET /calls: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Calls []any `json:"calls"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Calls == nil || len(body.Calls) != 0 {
		t.Fatalf("calls=%v, want empty array", body.Calls)
	}
}

func TestMediaStream_RejectsNonGet(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/media-stream", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /media-stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d, want 405", resp.StatusCode)
	}
}

func TestMediaStream_TracksCallLifetime(t *testing.T) {
	srv, ts := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/media-stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}

	waitFor(t, func() bool { return srv.Tracker().Count() == 1 })

	stop, _ := json.Marshal(protocol.TelephonyMessage{
		Event: protocol.TelEventStop,
		Stop:  &protocol.StopPayload{CallSid: "CA1"},
	})
	if err := conn.WriteMessage(websocket.TextMessage, stop); err != nil {
		t.Fatalf("write stop: %v", err)
	}
	conn.Close()

	waitFor(t, func() bool { return srv.Tracker().Count() == 0 })
}

func TestDrain_CancelsLiveCalls(t *testing.T) {
	srv, ts := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/media-stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()

	waitFor(t, func() bool { return srv.Tracker().Count() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if ok := srv.Drain(ctx); !ok {
		t.Fatalf("drain timed out with cancelable calls")
	}
	if srv.Tracker().Count() != 0 {
		t.Fatalf("tracker count=%d after drain", srv.Tracker().Count())
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition never met")
}
