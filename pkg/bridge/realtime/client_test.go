package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxline/frontdesk/pkg/bridge/protocol"
)

func TestBuildRealtimeWSURL(t *testing.T) {
	got, err := buildRealtimeWSURL("", "gpt-4o-realtime-preview")
	if err != nil {
		t.Fatalf("buildRealtimeWSURL: %v", err)
	}
	if !strings.HasPrefix(got, "wss://api.openai.com/v1/realtime") {
		t.Fatalf("url=%q", got)
	}
	if !strings.Contains(got, "model=gpt-4o-realtime-preview") {
		t.Fatalf("model param missing: %q", got)
	}

	got, err = buildRealtimeWSURL("ws://localhost:9000/rt?model=custom", "other")
	if err != nil {
		t.Fatalf("buildRealtimeWSURL: %v", err)
	}
	if !strings.Contains(got, "model=custom") || strings.Contains(got, "other") {
		t.Fatalf("explicit model param overridden: %q", got)
	}
}

func TestNewDialer_RequiresAPIKey(t *testing.T) {
	if _, err := NewDialer(DialerConfig{}); err == nil {
		t.Fatalf("expected error for missing api key")
	}
}

func TestConn_DialWriteAndEvents(t *testing.T) {
	upgrader := websocket.Upgrader{}
	gotAuth := make(chan string, 1)
	gotMessages := make(chan []byte, 8)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		if err := ws.WriteJSON(protocol.RealtimeEvent{Type: protocol.RTSessionCreated}); err != nil {
			return
		}
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			gotMessages <- data
		}
	}))
	defer srv.Close()

	d, err := NewDialer(DialerConfig{
		APIKey:    "sk-test",
		Model:     "gpt-4o-realtime-preview",
		BaseWSURL: "ws" + strings.TrimPrefix(srv.URL, "http"),
	})
	if err != nil {
		t.Fatalf("NewDialer: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := d.Dial(ctx)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if auth := <-gotAuth; auth != "Bearer sk-test" {
		t.Fatalf("auth header=%q", auth)
	}

	select {
	case ev := <-conn.Events():
		if ev.Type != protocol.RTSessionCreated {
			t.Fatalf("event type=%q", ev.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("session.created never delivered")
	}

	if err := conn.AppendAudio("YWJj"); err != nil {
		t.Fatalf("AppendAudio: %v", err)
	}
	if err := conn.CreateResponse("Say hello."); err != nil {
		t.Fatalf("CreateResponse: %v", err)
	}
	if err := conn.CancelResponse(); err != nil {
		t.Fatalf("CancelResponse: %v", err)
	}

	wantTypes := []string{protocol.RTAudioAppend, protocol.RTResponseCreate, protocol.RTResponseCancel}
	for _, want := range wantTypes {
		select {
		case data := <-gotMessages:
			var envelope struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(data, &envelope); err != nil {
				t.Fatalf("unmarshal %q: %v", data, err)
			}
			if envelope.Type != want {
				t.Fatalf("message type=%q, want %q", envelope.Type, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("message %q never arrived", want)
		}
	}
}

func TestConn_EventsClosedOnServerDisconnect(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ws.Close()
	}))
	defer srv.Close()

	d, err := NewDialer(DialerConfig{
		APIKey:    "sk-test",
		BaseWSURL: "ws" + strings.TrimPrefix(srv.URL, "http"),
	})
	if err != nil {
		t.Fatalf("NewDialer: %v", err)
	}
	conn, err := d.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-conn.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("events channel never closed after disconnect")
		}
	}
}
