package session

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

type outboundFrame struct {
	// control frames (clear, mark) must reach the carrier even when media is
	// being discarded, and preempt queued media.
	control bool
	payload []byte
}

// telephonyWriter owns all writes to the telephony socket. Control frames are
// written before media; media frames are skipped while the session's
// audio-drop window is open so trailing audio of a cancelled turn never
// reaches the caller.
type telephonyWriter struct {
	ws           wsWriter
	ctx          context.Context
	pingInterval time.Duration
	writeTimeout time.Duration
	control      <-chan outboundFrame
	media        <-chan outboundFrame
	dropMedia    func() bool
}

func (w *telephonyWriter) Run() error {
	if w == nil || w.ws == nil {
		return nil
	}

	pingInterval := w.pingInterval
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	writeTimeout := w.writeTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	var pendingMedia *outboundFrame

	for {
		if w.ctx != nil {
			select {
			case <-w.ctx.Done():
				w.flushControlOnShutdown(writeTimeout)
				_ = w.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
				_ = w.ws.Close()
				return nil
			default:
			}
		}

		// Hard priority: drain control frames before any media write.
		select {
		case frame, ok := <-w.control:
			if !ok {
				w.control = nil
				continue
			}
			if err := w.writeFrame(frame, writeTimeout); err != nil {
				return err
			}
			continue
		default:
		}

		if pendingMedia != nil {
			select {
			case frame, ok := <-w.control:
				if !ok {
					w.control = nil
					continue
				}
				if err := w.writeFrame(frame, writeTimeout); err != nil {
					return err
				}
				continue
			default:
			}
			if err := w.writeFrame(*pendingMedia, writeTimeout); err != nil {
				return err
			}
			pendingMedia = nil
			continue
		}

		if w.control == nil && w.media == nil {
			return nil
		}

		select {
		case <-w.ctxDone():
			// Shutdown is handled at the top of the loop.
			continue
		case <-pingTicker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := w.ws.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				return err
			}
		case frame, ok := <-w.control:
			if !ok {
				w.control = nil
				continue
			}
			if err := w.writeFrame(frame, writeTimeout); err != nil {
				return err
			}
		case frame, ok := <-w.media:
			if !ok {
				w.media = nil
				continue
			}
			pendingMedia = &frame
		}
	}
}

func (w *telephonyWriter) ctxDone() <-chan struct{} {
	if w.ctx == nil {
		return nil
	}
	return w.ctx.Done()
}

func (w *telephonyWriter) flushControlOnShutdown(writeTimeout time.Duration) {
	if w == nil || w.ws == nil || w.control == nil {
		return
	}

	flushTimeout := 100 * time.Millisecond
	if writeTimeout > 0 && writeTimeout < flushTimeout {
		flushTimeout = writeTimeout
	}
	deadline := time.Now().Add(flushTimeout)
	maxFlushFrames := 8

	for i := 0; i < maxFlushFrames && time.Now().Before(deadline); i++ {
		select {
		case frame, ok := <-w.control:
			if !ok {
				return
			}
			_ = w.writeFrame(frame, writeTimeout)
		default:
			return
		}
	}
}

func (w *telephonyWriter) writeFrame(frame outboundFrame, writeTimeout time.Duration) error {
	if !frame.control && w.dropMedia != nil && w.dropMedia() {
		return nil
	}
	if len(frame.payload) == 0 {
		return nil
	}
	if err := w.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return w.ws.WriteMessage(websocket.TextMessage, frame.payload)
}
