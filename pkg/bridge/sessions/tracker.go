// Package sessions tracks live call sessions for graceful shutdown and
// operational visibility.
package sessions

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Handle is what the tracker retains about one live call. Cancel aborts the
// session loop; the metadata fields feed the active-calls endpoint.
type Handle struct {
	CallSid   string
	Caller    string
	StartedAt time.Time
	Cancel    func()
}

type Tracker struct {
	mu    sync.Mutex
	calls map[string]*trackedCall
	wg    sync.WaitGroup
}

type trackedCall struct {
	handle Handle
	once   sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{
		calls: make(map[string]*trackedCall),
	}
}

// Register adds a call under its session ID and returns the matching
// unregister. Re-registering an ID unregisters the old entry first.
func (t *Tracker) Register(sessionID string, h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}

	entry := &trackedCall{handle: h}

	t.mu.Lock()
	if t.calls == nil {
		t.calls = make(map[string]*trackedCall)
	}
	old := t.calls[sessionID]
	t.calls[sessionID] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		t.unregister(sessionID, old)
	}

	return func() { t.unregister(sessionID, entry) }
}

func (t *Tracker) unregister(sessionID string, entry *trackedCall) {
	if t == nil || entry == nil {
		return
	}
	entry.once.Do(func() {
		t.mu.Lock()
		if t.calls != nil && t.calls[sessionID] == entry {
			delete(t.calls, sessionID)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// ActiveCall is a point-in-time view of one tracked call.
type ActiveCall struct {
	SessionID string    `json:"session_id"`
	CallSid   string    `json:"call_sid"`
	Caller    string    `json:"caller"`
	StartedAt time.Time `json:"started_at"`
}

// Snapshot lists the tracked calls ordered by start time, oldest first.
func (t *Tracker) Snapshot() []ActiveCall {
	if t == nil {
		return nil
	}

	t.mu.Lock()
	out := make([]ActiveCall, 0, len(t.calls))
	for id, entry := range t.calls {
		if entry == nil {
			continue
		}
		out = append(out, ActiveCall{
			SessionID: id,
			CallSid:   entry.handle.CallSid,
			Caller:    entry.handle.Caller,
			StartedAt: entry.handle.StartedAt,
		})
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// CancelAll aborts every tracked call; used when the server is draining.
func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}

	var cancels []func()
	t.mu.Lock()
	for _, entry := range t.calls {
		if entry == nil || entry.handle.Cancel == nil {
			continue
		}
		cancels = append(cancels, entry.handle.Cancel)
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every tracked call has unregistered or the context
// expires. Returns false on timeout.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	if ctx == nil {
		t.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
