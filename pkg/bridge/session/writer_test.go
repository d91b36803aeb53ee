package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type fakeWS struct {
	mu       sync.Mutex
	written  []string
	controls []int
	closed   bool
	writeErr error
}

func (f *fakeWS) SetWriteDeadline(_ time.Time) error { return nil }

func (f *fakeWS) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.written = append(f.written, string(data))
	return nil
}

func (f *fakeWS) WriteControl(messageType int, _ []byte, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.controls = append(f.controls, messageType)
	return nil
}

func (f *fakeWS) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeWS) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.written...)
}

func runWriter(w *telephonyWriter) error {
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run() }()
	select {
	case err := <-errCh:
		return err
	case <-time.After(2 * time.Second):
		return context.DeadlineExceeded
	}
}

func TestWriter_ControlFramesPreemptMedia(t *testing.T) {
	ws := &fakeWS{}
	control := make(chan outboundFrame, 4)
	media := make(chan outboundFrame, 4)

	media <- outboundFrame{payload: []byte("media-1")}
	media <- outboundFrame{payload: []byte("media-2")}
	control <- outboundFrame{control: true, payload: []byte("clear")}
	close(control)
	close(media)

	w := &telephonyWriter{ws: ws, control: control, media: media}
	if err := runWriter(w); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := ws.messages()
	if len(got) != 3 {
		t.Fatalf("written=%v, want 3 frames", got)
	}
	if got[0] != "clear" {
		t.Fatalf("control frame not written first: %v", got)
	}
	if got[1] != "media-1" || got[2] != "media-2" {
		t.Fatalf("media order broken: %v", got)
	}
}

func TestWriter_DropWindowSkipsMediaOnly(t *testing.T) {
	ws := &fakeWS{}
	control := make(chan outboundFrame, 4)
	media := make(chan outboundFrame, 4)

	media <- outboundFrame{payload: []byte("stale-audio")}
	control <- outboundFrame{control: true, payload: []byte("clear")}
	close(control)
	close(media)

	w := &telephonyWriter{
		ws:        ws,
		control:   control,
		media:     media,
		dropMedia: func() bool { return true },
	}
	if err := runWriter(w); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := ws.messages()
	if len(got) != 1 || got[0] != "clear" {
		t.Fatalf("drop window leaked media: %v", got)
	}
}

func TestWriter_ShutdownFlushesControlAndCloses(t *testing.T) {
	ws := &fakeWS{}
	control := make(chan outboundFrame, 4)
	media := make(chan outboundFrame, 4)
	control <- outboundFrame{control: true, payload: []byte("clear")}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := &telephonyWriter{ws: ws, ctx: ctx, control: control, media: media}
	if err := runWriter(w); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := ws.messages()
	if len(got) != 1 || got[0] != "clear" {
		t.Fatalf("queued control frame not flushed on shutdown: %v", got)
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if !ws.closed {
		t.Fatalf("socket not closed on shutdown")
	}
	foundClose := false
	for _, mt := range ws.controls {
		if mt == websocket.CloseMessage {
			foundClose = true
		}
	}
	if !foundClose {
		t.Fatalf("close message not sent: %v", ws.controls)
	}
}

func TestWriter_CancelUnblocksIdleLoop(t *testing.T) {
	ws := &fakeWS{}
	control := make(chan outboundFrame)
	media := make(chan outboundFrame)

	ctx, cancel := context.WithCancel(context.Background())
	w := &telephonyWriter{
		ws:           ws,
		ctx:          ctx,
		control:      control,
		media:        media,
		pingInterval: time.Hour,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- w.Run() }()
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("writer did not exit on cancel while idle")
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if !ws.closed {
		t.Fatalf("socket not closed on cancel")
	}
}

func TestWriter_WriteErrorStopsLoop(t *testing.T) {
	ws := &fakeWS{writeErr: context.DeadlineExceeded}
	control := make(chan outboundFrame, 1)
	control <- outboundFrame{control: true, payload: []byte("clear")}

	w := &telephonyWriter{ws: ws, control: control, media: make(chan outboundFrame)}
	if err := runWriter(w); err != context.DeadlineExceeded {
		t.Fatalf("Run err=%v, want write error surfaced", err)
	}
}
