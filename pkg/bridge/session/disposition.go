package session

import (
	"context"
	"time"
)

// Category is the single authoritative outcome of a call.
type Category string

const (
	CategoryFinal     Category = "FINAL"
	CategoryPartial   Category = "PARTIAL"
	CategoryInfo      Category = "INFO"
	CategoryAbandoned Category = "ABANDONED"
)

// DispositionPolicy configures the one precedence deployments disagree on:
// whether INFO may win when a name was captured but the call never became
// FINAL-worthy.
type DispositionPolicy struct {
	InfoRequiresNoName bool
}

// Decide maps gate state to exactly one category. It is pure and idempotent;
// the dispatch latch lives in the session.
func Decide(g *Gates, policy DispositionPolicy) Category {
	nameSet := g.Name() != ""
	msgSet := g.Message() != ""
	callbackPending := g.CallbackRequested() && g.CallbackNumber() == ""

	if nameSet && msgSet && !callbackPending {
		return CategoryFinal
	}

	if policy.InfoRequiresNoName {
		if nameSet {
			return CategoryPartial
		}
		if g.InfoProvided() {
			return CategoryInfo
		}
		return CategoryAbandoned
	}

	// Info-lenient policy: an answered info request outranks an incomplete
	// message capture.
	if g.InfoProvided() && !msgSet {
		return CategoryInfo
	}
	if nameSet {
		return CategoryPartial
	}
	return CategoryAbandoned
}

// Notification is the outbound payload for the one webhook a call produces.
type Notification struct {
	Category   Category  `json:"category"`
	CallSid    string    `json:"call_sid"`
	StreamSid  string    `json:"stream_sid,omitempty"`
	SessionID  string    `json:"session_id"`
	Caller     string    `json:"caller"`
	Called     string    `json:"called"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	DurationMS int64     `json:"duration_ms"`

	Name              string `json:"name,omitempty"`
	Message           string `json:"message,omitempty"`
	CallbackRequested bool   `json:"callback_requested"`
	CallbackNumber    string `json:"callback_number,omitempty"`

	InfoRequested bool     `json:"info_requested"`
	InfoTopics    []string `json:"info_topics,omitempty"`
	InfoAnswer    string   `json:"info_answer,omitempty"`

	// RecordingRef is nil when resolution timed out or failed; absence never
	// blocks the notification.
	RecordingRef *string `json:"recording_ref"`
}

// Notifier delivers one notification per call. Implementations are
// fire-and-forget; delivery failure must not surface as a session error.
type Notifier interface {
	Dispatch(ctx context.Context, n Notification) error
}

// sentFlags tracks the per-category one-shot dispatch latches. At most one
// flag is ever true for a session and none is ever reset.
type sentFlags struct {
	final     bool
	partial   bool
	info      bool
	abandoned bool
}

func (f *sentFlags) any() bool {
	return f.final || f.partial || f.info || f.abandoned
}

func (f *sentFlags) mark(c Category) (first bool) {
	if f.any() {
		return false
	}
	switch c {
	case CategoryFinal:
		f.final = true
	case CategoryPartial:
		f.partial = true
	case CategoryInfo:
		f.info = true
	case CategoryAbandoned:
		f.abandoned = true
	default:
		return false
	}
	return true
}
