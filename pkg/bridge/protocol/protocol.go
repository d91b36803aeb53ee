// Package protocol defines the wire types spoken on the two sides of a
// bridged call: the telephony media-stream socket (JSON text frames with
// base64 mu-law audio) and the realtime AI backend socket (JSON event
// frames). Decoding is strict about the fields the bridge relies on and
// tolerant about everything else.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Telephony stream event names.
const (
	TelEventConnected = "connected"
	TelEventStart     = "start"
	TelEventMedia     = "media"
	TelEventStop      = "stop"
	TelEventMark      = "mark"
	TelEventClear     = "clear"
)

// Realtime AI event types the bridge sends.
const (
	RTSessionUpdate    = "session.update"
	RTItemCreate       = "conversation.item.create"
	RTResponseCreate   = "response.create"
	RTAudioAppend      = "input_audio_buffer.append"
	RTResponseCancel   = "response.cancel"
	RTAudioBufferClear = "input_audio_buffer.clear"
)

// Realtime AI event types the bridge receives.
const (
	RTSessionCreated      = "session.created"
	RTSessionUpdated      = "session.updated"
	RTSpeechStarted       = "input_audio_buffer.speech_started"
	RTSpeechStopped       = "input_audio_buffer.speech_stopped"
	RTAudioDelta          = "response.audio.delta"
	RTAudioDone           = "response.audio.done"
	RTTranscriptDelta     = "response.audio_transcript.delta"
	RTTranscriptDone      = "response.audio_transcript.done"
	RTInputTranscriptDone = "conversation.item.input_audio_transcription.completed"
	RTResponseDone        = "response.done"
	RTResponseCompleted   = "response.completed"
	RTError               = "error"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badFrame(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_frame", Message: message, Param: param}
}

// TelephonyMessage is one inbound frame from the telephony socket. StreamSid
// at the top level is the carrier's fallback; Start/Media/Stop carry the
// event-specific payloads.
type TelephonyMessage struct {
	Event          string        `json:"event"`
	StreamSid      string        `json:"streamSid,omitempty"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	Start          *StartPayload `json:"start,omitempty"`
	Media          *MediaPayload `json:"media,omitempty"`
	Stop           *StopPayload  `json:"stop,omitempty"`
	Mark           *MarkPayload  `json:"mark,omitempty"`
}

type StartPayload struct {
	StreamSid        string            `json:"streamSid"`
	CallSid          string            `json:"callSid"`
	AccountSid       string            `json:"accountSid,omitempty"`
	Tracks           []string          `json:"tracks,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
	MediaFormat      *MediaFormat      `json:"mediaFormat,omitempty"`
}

type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type MediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type StopPayload struct {
	AccountSid string `json:"accountSid,omitempty"`
	CallSid    string `json:"callSid"`
}

type MarkPayload struct {
	Name string `json:"name"`
}

// EffectiveStreamSid returns the stream identifier for the frame, preferring
// the event payload and falling back to the top-level field. The carrier does
// not guarantee either one alone on every frame.
func (m *TelephonyMessage) EffectiveStreamSid() string {
	if m == nil {
		return ""
	}
	if m.Start != nil && m.Start.StreamSid != "" {
		return m.Start.StreamSid
	}
	return m.StreamSid
}

// DecodeTelephony parses one inbound telephony text frame.
func DecodeTelephony(data []byte) (TelephonyMessage, error) {
	var msg TelephonyMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return TelephonyMessage{}, badFrame("invalid telephony frame", "")
	}
	switch msg.Event {
	case "":
		return TelephonyMessage{}, badFrame("missing event", "event")
	case TelEventStart:
		if msg.Start == nil {
			return TelephonyMessage{}, badFrame("start frame without payload", "start")
		}
		if strings.TrimSpace(msg.Start.CallSid) == "" {
			return TelephonyMessage{}, badFrame("start frame without callSid", "start.callSid")
		}
	case TelEventMedia:
		if msg.Media == nil || msg.Media.Payload == "" {
			return TelephonyMessage{}, badFrame("media frame without payload", "media.payload")
		}
	}
	return msg, nil
}

// OutboundMedia is an audio frame sent back to the caller.
type OutboundMedia struct {
	Event     string       `json:"event"`
	StreamSid string       `json:"streamSid"`
	Media     MediaPayload `json:"media"`
}

// OutboundClear asks the carrier to discard any buffered outbound audio. Sent
// on barge-in so a cancelled turn stops playing immediately.
type OutboundClear struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
}

// OutboundMark requests a playback checkpoint notification.
type OutboundMark struct {
	Event     string      `json:"event"`
	StreamSid string      `json:"streamSid"`
	Mark      MarkPayload `json:"mark"`
}

func NewOutboundMedia(streamSid, payloadB64 string) OutboundMedia {
	return OutboundMedia{Event: TelEventMedia, StreamSid: streamSid, Media: MediaPayload{Payload: payloadB64}}
}

func NewOutboundClear(streamSid string) OutboundClear {
	return OutboundClear{Event: TelEventClear, StreamSid: streamSid}
}

// SessionConfig is the AI session shape sent in session.update.
type SessionConfig struct {
	Modalities              []string             `json:"modalities,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	Voice                   string               `json:"voice,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string               `json:"output_audio_format,omitempty"`
	InputAudioTranscription *TranscriptionConfig `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection       `json:"turn_detection,omitempty"`
	Temperature             float64              `json:"temperature,omitempty"`
}

type TranscriptionConfig struct {
	Model    string `json:"model,omitempty"`
	Language string `json:"language,omitempty"`
}

type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMS int     `json:"silence_duration_ms,omitempty"`
}

type SessionUpdate struct {
	Type    string        `json:"type"`
	Session SessionConfig `json:"session"`
}

type ConversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Content []ItemContent `json:"content,omitempty"`
}

type ItemContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type ItemCreate struct {
	Type string           `json:"type"`
	Item ConversationItem `json:"item"`
}

type ResponseConfig struct {
	Modalities   []string `json:"modalities,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
}

type ResponseCreate struct {
	Type     string          `json:"type"`
	Response *ResponseConfig `json:"response,omitempty"`
}

type AudioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type ResponseCancel struct {
	Type string `json:"type"`
}

// RealtimeEvent is one decoded inbound frame from the AI backend. Only the
// fields the bridge consumes are mapped; the rest of the event is ignored.
type RealtimeEvent struct {
	Type       string         `json:"type"`
	EventID    string         `json:"event_id,omitempty"`
	ResponseID string         `json:"response_id,omitempty"`
	ItemID     string         `json:"item_id,omitempty"`
	Delta      string         `json:"delta,omitempty"`
	Transcript string         `json:"transcript,omitempty"`
	AudioEndMS int            `json:"audio_end_ms,omitempty"`
	Error      *RealtimeError `json:"error,omitempty"`
}

type RealtimeError struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// DecodeRealtime parses one inbound AI backend frame.
func DecodeRealtime(data []byte) (RealtimeEvent, error) {
	var ev RealtimeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return RealtimeEvent{}, badFrame("invalid realtime frame", "")
	}
	if ev.Type == "" {
		return RealtimeEvent{}, badFrame("missing type", "type")
	}
	return ev, nil
}
