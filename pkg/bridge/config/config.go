package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type BargeInMode string

const (
	// BargeInModeInterrupt cancels an in-flight assistant turn when the
	// caller keeps speaking past the minimum burst duration.
	BargeInModeInterrupt BargeInMode = "bargein"
	// BargeInModeHalfDuplex never interrupts; inbound caller audio is
	// dropped while the assistant is speaking.
	BargeInModeHalfDuplex BargeInMode = "halfduplex"
)

type Config struct {
	Addr string

	// Realtime AI backend.
	AIBackendURL    string
	AIBackendKey    string
	AIModel         string
	AIVoice         string
	AITemperature   float64
	TranscribeModel string

	// Turn orchestration.
	TurnDebounce      time.Duration
	MinActivityFrames int
	TurnTimeout       time.Duration

	// Barge-in.
	BargeIn         BargeInMode
	BargeInMin      time.Duration
	BargeInCooldown time.Duration
	AudioDropWindow time.Duration

	// Frame buffering.
	FrameQueueCap int

	// Socket hygiene.
	PingInterval        time.Duration
	WriteTimeout        time.Duration
	ReadTimeout         time.Duration
	MaxJSONMessageBytes int64
	HandshakeTimeout    time.Duration
	MaxCallDuration     time.Duration
	ShutdownGracePeriod time.Duration

	// Disposition policy.
	InfoRequiresNoName bool
	OpportunisticName  bool

	// Outbound notifications, one URL per disposition category. An empty URL
	// disables dispatch for that category (the decision is still recorded).
	WebhookFinalURL     string
	WebhookPartialURL   string
	WebhookInfoURL      string
	WebhookAbandonedURL string
	WebhookTimeout      time.Duration

	// Recording resolution.
	RecordingBaseURL       string
	RecordingAuthToken     string
	RecordingResolveBudget time.Duration

	// Returning-caller memory. Empty DatabaseURL disables the store.
	DatabaseURL string

	// PlaybookPath points at a JSON playbook file; empty uses built-in
	// defaults.
	PlaybookPath string
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:            envOr("FRONTDESK_ADDR", ":8080"),
		AIBackendURL:    envOr("FRONTDESK_AI_URL", "wss://api.openai.com/v1/realtime"),
		AIBackendKey:    strings.TrimSpace(os.Getenv("FRONTDESK_AI_API_KEY")),
		AIModel:         envOr("FRONTDESK_AI_MODEL", "gpt-4o-realtime-preview"),
		AIVoice:         envOr("FRONTDESK_AI_VOICE", "alloy"),
		AITemperature:   envFloat64Or("FRONTDESK_AI_TEMPERATURE", 0.7),
		TranscribeModel: envOr("FRONTDESK_TRANSCRIBE_MODEL", "whisper-1"),

		TurnDebounce:      envDurationOr("FRONTDESK_TURN_DEBOUNCE", 350*time.Millisecond),
		MinActivityFrames: envIntOr("FRONTDESK_MIN_ACTIVITY_FRAMES", 4),
		TurnTimeout:       envDurationOr("FRONTDESK_TURN_TIMEOUT", 30*time.Second),

		BargeIn:         BargeInMode(envOr("FRONTDESK_BARGEIN_MODE", string(BargeInModeInterrupt))),
		BargeInMin:      envDurationOr("FRONTDESK_BARGEIN_MIN", 250*time.Millisecond),
		BargeInCooldown: envDurationOr("FRONTDESK_BARGEIN_COOLDOWN", 600*time.Millisecond),
		AudioDropWindow: envDurationOr("FRONTDESK_AUDIO_DROP_WINDOW", 400*time.Millisecond),

		FrameQueueCap: envIntOr("FRONTDESK_FRAME_QUEUE_CAP", 400),

		PingInterval:        envDurationOr("FRONTDESK_WS_PING_INTERVAL", 20*time.Second),
		WriteTimeout:        envDurationOr("FRONTDESK_WS_WRITE_TIMEOUT", 5*time.Second),
		ReadTimeout:         envDurationOr("FRONTDESK_WS_READ_TIMEOUT", 60*time.Second),
		MaxJSONMessageBytes: envInt64Or("FRONTDESK_MAX_JSON_MESSAGE_BYTES", 1<<20),
		HandshakeTimeout:    envDurationOr("FRONTDESK_AI_HANDSHAKE_TIMEOUT", 10*time.Second),
		MaxCallDuration:     envDurationOr("FRONTDESK_MAX_CALL_DURATION", 30*time.Minute),
		ShutdownGracePeriod: envDurationOr("FRONTDESK_SHUTDOWN_GRACE_PERIOD", 15*time.Second),

		InfoRequiresNoName: envBoolOr("FRONTDESK_INFO_REQUIRES_NO_NAME", false),
		OpportunisticName:  envBoolOr("FRONTDESK_OPPORTUNISTIC_NAME", true),

		WebhookFinalURL:     strings.TrimSpace(os.Getenv("FRONTDESK_WEBHOOK_FINAL_URL")),
		WebhookPartialURL:   strings.TrimSpace(os.Getenv("FRONTDESK_WEBHOOK_PARTIAL_URL")),
		WebhookInfoURL:      strings.TrimSpace(os.Getenv("FRONTDESK_WEBHOOK_INFO_URL")),
		WebhookAbandonedURL: strings.TrimSpace(os.Getenv("FRONTDESK_WEBHOOK_ABANDONED_URL")),
		WebhookTimeout:      envDurationOr("FRONTDESK_WEBHOOK_TIMEOUT", 10*time.Second),

		RecordingBaseURL:       strings.TrimSpace(os.Getenv("FRONTDESK_RECORDING_BASE_URL")),
		RecordingAuthToken:     strings.TrimSpace(os.Getenv("FRONTDESK_RECORDING_AUTH_TOKEN")),
		RecordingResolveBudget: envDurationOr("FRONTDESK_RECORDING_RESOLVE_BUDGET", 12*time.Second),

		DatabaseURL: strings.TrimSpace(os.Getenv("FRONTDESK_DATABASE_URL")),

		PlaybookPath: strings.TrimSpace(os.Getenv("FRONTDESK_PLAYBOOK_PATH")),
	}

	if strings.TrimSpace(cfg.Addr) == "" {
		return Config{}, fmt.Errorf("FRONTDESK_ADDR must not be empty")
	}
	if strings.TrimSpace(cfg.AIBackendURL) == "" {
		return Config{}, fmt.Errorf("FRONTDESK_AI_URL must not be empty")
	}
	if cfg.AIBackendKey == "" {
		return Config{}, fmt.Errorf("FRONTDESK_AI_API_KEY must be set")
	}
	switch cfg.BargeIn {
	case BargeInModeInterrupt, BargeInModeHalfDuplex:
	default:
		return Config{}, fmt.Errorf("FRONTDESK_BARGEIN_MODE must be %q or %q", BargeInModeInterrupt, BargeInModeHalfDuplex)
	}
	if cfg.TurnDebounce <= 0 {
		return Config{}, fmt.Errorf("FRONTDESK_TURN_DEBOUNCE must be > 0")
	}
	if cfg.MinActivityFrames <= 0 {
		return Config{}, fmt.Errorf("FRONTDESK_MIN_ACTIVITY_FRAMES must be > 0")
	}
	if cfg.BargeInMin <= 0 {
		return Config{}, fmt.Errorf("FRONTDESK_BARGEIN_MIN must be > 0")
	}
	if cfg.BargeInCooldown <= 0 {
		return Config{}, fmt.Errorf("FRONTDESK_BARGEIN_COOLDOWN must be > 0")
	}
	if cfg.AudioDropWindow < 0 {
		return Config{}, fmt.Errorf("FRONTDESK_AUDIO_DROP_WINDOW must be >= 0")
	}
	if cfg.FrameQueueCap <= 0 {
		return Config{}, fmt.Errorf("FRONTDESK_FRAME_QUEUE_CAP must be > 0")
	}
	if cfg.PingInterval <= 0 {
		return Config{}, fmt.Errorf("FRONTDESK_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WriteTimeout <= 0 {
		return Config{}, fmt.Errorf("FRONTDESK_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout < 0 {
		return Config{}, fmt.Errorf("FRONTDESK_WS_READ_TIMEOUT must be >= 0")
	}
	if cfg.MaxJSONMessageBytes <= 0 {
		return Config{}, fmt.Errorf("FRONTDESK_MAX_JSON_MESSAGE_BYTES must be > 0")
	}
	if cfg.HandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("FRONTDESK_AI_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.MaxCallDuration <= 0 {
		return Config{}, fmt.Errorf("FRONTDESK_MAX_CALL_DURATION must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("FRONTDESK_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if cfg.WebhookTimeout <= 0 {
		return Config{}, fmt.Errorf("FRONTDESK_WEBHOOK_TIMEOUT must be > 0")
	}
	if cfg.RecordingResolveBudget <= 0 {
		return Config{}, fmt.Errorf("FRONTDESK_RECORDING_RESOLVE_BUDGET must be > 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
