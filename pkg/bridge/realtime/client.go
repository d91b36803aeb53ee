// Package realtime is the websocket client for the realtime AI backend. One
// Conn serves exactly one call; there is no reconnect, a dropped backend ends
// the call.
package realtime

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxline/frontdesk/pkg/bridge/protocol"
	"github.com/voxline/frontdesk/pkg/bridge/session"
)

const defaultRealtimeWSBase = "wss://api.openai.com/v1/realtime"

type DialerConfig struct {
	APIKey           string
	Model            string
	BaseWSURL        string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// Dialer opens backend connections; it implements session.BackendDialer.
type Dialer struct {
	cfg DialerConfig
}

func NewDialer(cfg DialerConfig) (*Dialer, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("realtime api key is required")
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Dialer{cfg: cfg}, nil
}

func (d *Dialer) Dial(ctx context.Context) (session.BackendConn, error) {
	wsURL, err := buildRealtimeWSURL(strings.TrimSpace(d.cfg.BaseWSURL), strings.TrimSpace(d.cfg.Model))
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+strings.TrimSpace(d.cfg.APIKey))
	header.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{HandshakeTimeout: d.cfg.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("realtime dial: %w (status %s)", err, resp.Status)
		}
		return nil, fmt.Errorf("realtime dial: %w", err)
	}

	out := &Conn{
		conn:         conn,
		writeTimeout: d.cfg.WriteTimeout,
		events:       make(chan protocol.RealtimeEvent, 256),
		closed:       make(chan struct{}),
	}
	go out.readLoop()
	return out, nil
}

func buildRealtimeWSURL(base, model string) (string, error) {
	if base == "" {
		base = defaultRealtimeWSBase
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid realtime ws base url: %w", err)
	}
	if u.Scheme == "" {
		u.Scheme = "wss"
	}
	if model != "" {
		q := u.Query()
		if q.Get("model") == "" {
			q.Set("model", model)
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Conn is one live backend connection; it implements session.BackendConn.
// Writes are serialized; events flow out of a single read loop.
type Conn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex

	events    chan protocol.RealtimeEvent
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *Conn) SessionUpdate(cfg protocol.SessionConfig) error {
	return c.writeJSON(protocol.SessionUpdate{
		Type:    protocol.RTSessionUpdate,
		Session: cfg,
	})
}

func (c *Conn) CreateUserItem(text string) error {
	return c.writeJSON(protocol.ItemCreate{
		Type: protocol.RTItemCreate,
		Item: protocol.ConversationItem{
			Type: "message",
			Role: "user",
			Content: []protocol.ItemContent{
				{Type: "input_text", Text: text},
			},
		},
	})
}

func (c *Conn) CreateResponse(instructions string) error {
	msg := protocol.ResponseCreate{Type: protocol.RTResponseCreate}
	if instructions != "" {
		msg.Response = &protocol.ResponseConfig{Instructions: instructions}
	}
	return c.writeJSON(msg)
}

func (c *Conn) AppendAudio(payloadB64 string) error {
	return c.writeJSON(protocol.AudioAppend{
		Type:  protocol.RTAudioAppend,
		Audio: payloadB64,
	})
}

func (c *Conn) CancelResponse() error {
	return c.writeJSON(protocol.ResponseCancel{Type: protocol.RTResponseCancel})
}

func (c *Conn) Events() <-chan protocol.RealtimeEvent {
	if c == nil {
		ch := make(chan protocol.RealtimeEvent)
		close(ch)
		return ch
	}
	return c.events
}

func (c *Conn) Close() error {
	if c == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = c.conn.Close()
	})
	return nil
}

// readLoop decodes backend events until the socket dies, then closes the
// events channel so the session loop observes the disconnect.
func (c *Conn) readLoop() {
	defer close(c.events)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		ev, err := protocol.DecodeRealtime(data)
		if err != nil {
			continue
		}
		select {
		case c.events <- ev:
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) writeJSON(payload any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	timeout := c.writeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
	return c.conn.WriteJSON(payload)
}
