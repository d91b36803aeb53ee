// Package session implements the per-call orchestrator: one actor-style event
// loop per telephony connection that bridges audio to a realtime AI backend,
// arbitrates turn-taking and barge-in, extracts structured facts from
// finalized utterances, and decides exactly one call disposition.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voxline/frontdesk/pkg/bridge/protocol"
)

// BackendConn is one live connection to the realtime AI backend. A call maps
// to exactly one backend connection for its lifetime; no reconnects.
type BackendConn interface {
	SessionUpdate(cfg protocol.SessionConfig) error
	CreateUserItem(text string) error
	CreateResponse(instructions string) error
	AppendAudio(payloadB64 string) error
	CancelResponse() error
	Events() <-chan protocol.RealtimeEvent
	Close() error
}

type BackendDialer interface {
	Dial(ctx context.Context) (BackendConn, error)
}

// RecordingResolver resolves an external recording reference for a finished
// call. Implementations must respect the context deadline; failure is
// represented as an error or empty reference, never by blocking.
type RecordingResolver interface {
	Resolve(ctx context.Context, callSid string) (string, error)
}

type RememberedCaller struct {
	Name string
}

type CallRecord struct {
	CallSid        string
	Caller         string
	Called         string
	StartedAt      time.Time
	EndedAt        time.Time
	Category       string
	Name           string
	Message        string
	CallbackNumber string
}

// CallerMemory is the returning-caller store. All methods are safe for
// concurrent use.
type CallerMemory interface {
	Lookup(ctx context.Context, address string) (RememberedCaller, bool, error)
	SaveName(ctx context.Context, address, name string) error
	UpsertCall(ctx context.Context, rec CallRecord) error
}

// Prompts is the business text consumed read-only from the config provider.
type Prompts struct {
	// Instructions is the base system prompt for the AI session.
	Instructions string
	// Greeting is the per-turn instruction for the opening utterance.
	Greeting string
	// ClosingLine is the fixed short utterance spoken once closing intent is
	// detected.
	ClosingLine string
	// IntentRules are deployment-supplied detection rules checked ahead of
	// the built-in gate table.
	IntentRules []IntentRule
}

type PromptProvider interface {
	Prompts(ctx context.Context) (Prompts, error)
}

type Config struct {
	TurnDebounce      time.Duration
	MinActivityFrames int

	BargeInEnabled  bool
	HalfDuplex      bool
	BargeInMin      time.Duration
	BargeInCooldown time.Duration
	AudioDropWindow time.Duration

	FrameQueueCap     int
	OutboundQueueSize int

	PingInterval        time.Duration
	WriteTimeout        time.Duration
	ReadTimeout         time.Duration
	MaxJSONMessageBytes int64
	MaxCallDuration     time.Duration

	RecordingResolveBudget time.Duration
	NotifyTimeout          time.Duration

	Voice           string
	TranscribeModel string
	Temperature     float64

	Disposition DispositionPolicy
	Gates       GatePolicy
}

type Dependencies struct {
	Conn       *websocket.Conn
	Backend    BackendDialer
	Logger     *slog.Logger
	Notifier   Notifier
	Recordings RecordingResolver
	Memory     CallerMemory
	Prompts    PromptProvider
	SessionID  string
	Config     Config
	Now        func() time.Time
}

// callState is the connection/identity half of the session data model.
// Identity fields are write-once; callEnding/callEnded are one-way latches.
type callState struct {
	callSid   string
	streamSid string
	caller    string
	called    string
	startedAt time.Time
	endedAt   time.Time

	aiReady      bool
	aiConfigured bool
	callEnding   bool
	callEnded    bool
}

type Session struct {
	conn       *websocket.Conn
	logger     *slog.Logger
	dialer     BackendDialer
	notifier   Notifier
	recordings RecordingResolver
	memory     CallerMemory
	promptSrc  PromptProvider
	sessionID  string
	cfg        Config
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	controlCh chan outboundFrame
	mediaCh   chan outboundFrame

	// dropMediaUntil is read by the writer goroutine; everything else below
	// is owned by the Run loop.
	dropMediaUntil atomic.Int64

	call    callState
	gates   *Gates
	prompts Prompts
	backend BackendConn

	responseInFlight  bool
	assistantSpeaking bool
	pendingTurn       bool
	lastTurnRequestAt time.Time
	userActivity      int
	closingDelivered  bool

	speechActive  bool
	lastBargeinAt time.Time
	bargeTimer    *time.Timer
	bargeActive   bool

	assistantTranscript strings.Builder

	inboundQ  *frameQueue
	outboundQ *frameQueue

	decided bool
	sent    sentFlags
}

func New(deps Dependencies) (*Session, error) {
	if deps.Conn == nil {
		return nil, errMissing("telephony connection")
	}
	if deps.Backend == nil {
		return nil, errMissing("backend dialer")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if strings.TrimSpace(deps.SessionID) == "" {
		deps.SessionID = uuid.NewString()
	}
	if deps.Config.TurnDebounce <= 0 {
		deps.Config.TurnDebounce = 350 * time.Millisecond
	}
	if deps.Config.MinActivityFrames <= 0 {
		deps.Config.MinActivityFrames = 4
	}
	if deps.Config.BargeInMin <= 0 {
		deps.Config.BargeInMin = 250 * time.Millisecond
	}
	if deps.Config.BargeInCooldown <= 0 {
		deps.Config.BargeInCooldown = 600 * time.Millisecond
	}
	if deps.Config.AudioDropWindow <= 0 {
		deps.Config.AudioDropWindow = 400 * time.Millisecond
	}
	if deps.Config.FrameQueueCap <= 0 {
		deps.Config.FrameQueueCap = 400
	}
	if deps.Config.OutboundQueueSize <= 0 {
		deps.Config.OutboundQueueSize = 256
	}
	if deps.Config.RecordingResolveBudget <= 0 {
		deps.Config.RecordingResolveBudget = 12 * time.Second
	}
	if deps.Config.NotifyTimeout <= 0 {
		deps.Config.NotifyTimeout = 10 * time.Second
	}
	if deps.Config.BargeInEnabled && deps.Config.HalfDuplex {
		return nil, errMissing("exactly one of barge-in and half-duplex modes")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		conn:       deps.Conn,
		logger:     deps.Logger.With("session_id", deps.SessionID),
		dialer:     deps.Backend,
		notifier:   deps.Notifier,
		recordings: deps.Recordings,
		memory:     deps.Memory,
		promptSrc:  deps.Prompts,
		sessionID:  deps.SessionID,
		cfg:        deps.Config,
		now:        deps.Now,
		ctx:        ctx,
		cancel:     cancel,
		controlCh:  make(chan outboundFrame, 8),
		mediaCh:    make(chan outboundFrame, deps.Config.OutboundQueueSize),
		inboundQ:   newFrameQueue(deps.Config.FrameQueueCap),
		outboundQ:  newFrameQueue(deps.Config.FrameQueueCap),
	}
	return s, nil
}

type errMissing string

func (e errMissing) Error() string { return string(e) + " is required" }

// Cancel aborts the session; used by the tracker during shutdown.
func (s *Session) Cancel() { s.cancel() }

func (s *Session) ID() string { return s.sessionID }

type telInbound struct {
	data []byte
	err  error
}

type backendDialResult struct {
	conn BackendConn
	err  error
}

func (s *Session) Run() error {
	defer s.cancel()
	defer func() {
		if s.backend != nil {
			_ = s.backend.Close()
		}
	}()

	if s.cfg.MaxJSONMessageBytes > 0 {
		s.conn.SetReadLimit(s.cfg.MaxJSONMessageBytes)
	}
	if s.cfg.ReadTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		})
	}

	readCh := make(chan telInbound, 64)
	go s.readTelephony(readCh)

	writerErrCh := make(chan error, 1)
	go func() {
		w := telephonyWriter{
			ws:           s.conn,
			ctx:          s.ctx,
			pingInterval: s.cfg.PingInterval,
			writeTimeout: s.cfg.WriteTimeout,
			control:      s.controlCh,
			media:        s.mediaCh,
			dropMedia:    s.inDropWindow,
		}
		writerErrCh <- w.Run()
		close(writerErrCh)
	}()

	backendCh := make(chan backendDialResult, 1)
	memoryCh := make(chan RememberedCaller, 1)

	var aiEvents <-chan protocol.RealtimeEvent

	var callTimer *time.Timer
	if s.cfg.MaxCallDuration > 0 {
		callTimer = time.NewTimer(s.cfg.MaxCallDuration)
		defer callTimer.Stop()
	}
	callTimerCh := func() <-chan time.Time {
		if callTimer == nil {
			return nil
		}
		return callTimer.C
	}

	defer func() {
		if s.bargeTimer != nil {
			s.bargeTimer.Stop()
		}
	}()

	for {
		select {
		case <-s.ctx.Done():
			s.finalizeDisposition("session_canceled")
			return nil

		case err := <-writerErrCh:
			s.finalizeDisposition("transport_close")
			return err

		case in, ok := <-readCh:
			if !ok || in.err != nil {
				// Transport close without a prior stop still decides the call.
				s.finalizeDisposition("transport_close")
				return nil
			}
			if done := s.handleTelephonyFrame(in.data, backendCh, memoryCh); done {
				return nil
			}
			if aiEvents == nil && s.backend != nil {
				aiEvents = s.backend.Events()
			}

		case res := <-backendCh:
			if res.err != nil {
				s.logger.Error("ai backend dial failed", "error", res.err)
				s.finalizeDisposition("backend_unreachable")
				return nil
			}
			s.backend = res.conn
			aiEvents = s.backend.Events()
			s.call.aiReady = true

		case ev, ok := <-aiEvents:
			if !ok {
				s.handleBackendClosed()
				return nil
			}
			s.handleRealtimeEvent(ev)
			if s.call.callEnded {
				return nil
			}

		case remembered := <-memoryCh:
			if s.gates != nil {
				s.gates.PrefillName(remembered.Name)
			}

		case <-s.bargeTimerCh():
			s.fireBargeIn()

		case <-callTimerCh():
			s.logger.Warn("max call duration reached, ending call")
			s.finalizeDisposition("max_duration")
			return nil
		}
	}
}

func (s *Session) readTelephony(ch chan<- telInbound) {
	defer close(ch)
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case ch <- telInbound{err: err}:
			case <-s.ctx.Done():
			}
			return
		}
		if s.cfg.ReadTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}
		if messageType != websocket.TextMessage {
			continue
		}
		select {
		case ch <- telInbound{data: data}:
		case <-s.ctx.Done():
			return
		}
	}
}

// handleTelephonyFrame processes one inbound telephony frame. Malformed
// frames are dropped; they never end the session. Returns true when the call
// is over and the loop should exit.
func (s *Session) handleTelephonyFrame(data []byte, backendCh chan<- backendDialResult, memoryCh chan<- RememberedCaller) bool {
	msg, err := protocol.DecodeTelephony(data)
	if err != nil {
		s.logger.Debug("dropping malformed telephony frame", "error", err)
		return false
	}

	switch msg.Event {
	case protocol.TelEventStart:
		s.handleStart(msg, backendCh, memoryCh)
	case protocol.TelEventMedia:
		if sid := msg.EffectiveStreamSid(); sid != "" && s.call.streamSid == "" {
			s.adoptStreamSid(sid)
		}
		s.handleCallerAudio(msg.Media.Payload)
	case protocol.TelEventStop:
		s.call.callEnding = true
		s.finalizeDisposition("transport_stop")
		s.call.callEnded = true
		return true
	case protocol.TelEventMark, protocol.TelEventConnected:
		// Playback marks and the connected preamble carry no session state.
	default:
		s.logger.Debug("ignoring telephony event", "event", msg.Event)
	}
	return false
}

func (s *Session) handleStart(msg protocol.TelephonyMessage, backendCh chan<- backendDialResult, memoryCh chan<- RememberedCaller) {
	if s.call.callSid != "" {
		// Identity is immutable once set; a duplicate start frame is noise.
		return
	}
	start := msg.Start
	s.call.callSid = start.CallSid
	s.call.caller = start.CustomParameters["caller"]
	s.call.called = start.CustomParameters["called"]
	s.call.startedAt = s.now()
	if sid := msg.EffectiveStreamSid(); sid != "" {
		s.adoptStreamSid(sid)
	}
	s.logger = s.logger.With("call_sid", s.call.callSid)
	s.gates = newGates(s.cfg.Gates, s.call.startedAt, s.call.caller)

	s.logger.Info("call started", "caller", s.call.caller, "called", s.call.called)

	if s.promptSrc != nil {
		promptCtx, cancel := context.WithTimeout(s.ctx, 2*time.Second)
		prompts, err := s.promptSrc.Prompts(promptCtx)
		cancel()
		if err != nil {
			s.logger.Warn("prompt provider failed, using defaults", "error", err)
		} else {
			s.prompts = prompts
			s.gates.SetExtraRules(prompts.IntentRules)
		}
	}

	go func() {
		conn, err := s.dialer.Dial(s.ctx)
		select {
		case backendCh <- backendDialResult{conn: conn, err: err}:
		case <-s.ctx.Done():
			if conn != nil {
				_ = conn.Close()
			}
		}
	}()

	if s.memory != nil && s.call.caller != "" {
		caller := s.call.caller
		go func() {
			lookupCtx, cancel := context.WithTimeout(s.ctx, 2*time.Second)
			defer cancel()
			remembered, found, err := s.memory.Lookup(lookupCtx, caller)
			if err != nil || !found {
				return
			}
			select {
			case memoryCh <- remembered:
			case <-s.ctx.Done():
			}
		}()
	}
}

// adoptStreamSid records the outbound stream identifier and drains any audio
// produced before it was known.
func (s *Session) adoptStreamSid(sid string) {
	s.call.streamSid = sid
	if s.outboundQ.len() == 0 {
		return
	}
	err := s.outboundQ.drain(func(payload string) error {
		s.enqueueMedia(payload)
		return nil
	})
	if err == nil {
		s.logger.Debug("flushed buffered outbound audio", "stream_sid", sid)
	}
}

func (s *Session) handleCallerAudio(payloadB64 string) {
	if s.call.callEnding || s.call.callEnded {
		return
	}
	if s.cfg.HalfDuplex && s.assistantSpeaking {
		// Half-duplex mode: the assistant holds the floor.
		return
	}
	s.userActivity++
	// Frames queue behind any undrained remainder so arrival order survives a
	// failed flush; the queue must be empty before direct forwarding resumes.
	if !s.call.aiConfigured || s.backend == nil || s.inboundQ.len() > 0 {
		if s.inboundQ.push(payloadB64) {
			s.logger.Debug("inbound frame queue overflow, dropped oldest")
		}
		if s.call.aiConfigured && s.backend != nil {
			if err := s.inboundQ.drain(s.backend.AppendAudio); err != nil {
				s.logger.Warn("failed to flush buffered caller audio", "error", err)
			}
		}
		return
	}
	if err := s.backend.AppendAudio(payloadB64); err != nil {
		s.logger.Warn("failed to forward caller audio", "error", err)
	}
}

func (s *Session) handleRealtimeEvent(ev protocol.RealtimeEvent) {
	switch ev.Type {
	case protocol.RTSessionCreated:
		s.call.aiReady = true
		s.configureAISession()

	case protocol.RTSessionUpdated:
		// Already configured on session.created; nothing further.

	case protocol.RTSpeechStarted:
		s.speechActive = true
		s.handleSpeechStarted()

	case protocol.RTSpeechStopped:
		s.speechActive = false
		s.stopBargeTimer()
		s.handleSpeechStopped()

	case protocol.RTAudioDelta:
		s.handleAssistantAudio(ev.Delta)

	case protocol.RTAudioDone:
		s.assistantSpeaking = false

	case protocol.RTTranscriptDelta:
		s.assistantTranscript.WriteString(ev.Delta)

	case protocol.RTTranscriptDone:
		text := ev.Transcript
		if text == "" {
			text = s.assistantTranscript.String()
		}
		s.assistantTranscript.Reset()
		if s.gates != nil {
			s.gates.ObserveAssistant(text)
		}

	case protocol.RTInputTranscriptDone:
		s.handleCallerUtterance(ev.Transcript)

	case protocol.RTResponseDone, protocol.RTResponseCompleted:
		s.onTurnCompleted()

	case protocol.RTError:
		msg := ""
		if ev.Error != nil {
			msg = ev.Error.Message
		}
		s.logger.Warn("ai backend error event", "message", msg)
		s.onTurnFailed()
	}
}

// configureAISession sends session parameters and requests the opening
// utterance; it also flushes caller audio buffered while the backend was
// connecting.
func (s *Session) configureAISession() {
	if s.call.aiConfigured || s.backend == nil {
		return
	}
	cfg := protocol.SessionConfig{
		Modalities:        []string{"text", "audio"},
		Instructions:      s.prompts.Instructions,
		Voice:             s.cfg.Voice,
		InputAudioFormat:  "g711_ulaw",
		OutputAudioFormat: "g711_ulaw",
		Temperature:       s.cfg.Temperature,
		TurnDetection: &protocol.TurnDetection{
			Type:              "server_vad",
			Threshold:         0.5,
			PrefixPaddingMS:   300,
			SilenceDurationMS: 500,
		},
	}
	if s.cfg.TranscribeModel != "" {
		cfg.InputAudioTranscription = &protocol.TranscriptionConfig{Model: s.cfg.TranscribeModel}
	}
	if err := s.backend.SessionUpdate(cfg); err != nil {
		s.logger.Error("failed to configure ai session", "error", err)
		return
	}
	s.call.aiConfigured = true

	if err := s.inboundQ.drain(s.backend.AppendAudio); err != nil {
		s.logger.Warn("failed to flush buffered caller audio", "error", err)
	}

	s.requestOpeningTurn()

	if s.pendingTurn {
		s.pendingTurn = false
		s.maybeRequestTurn()
	}
}

func (s *Session) handleAssistantAudio(payloadB64 string) {
	if payloadB64 == "" {
		return
	}
	s.assistantSpeaking = true
	if s.inDropWindow() {
		return
	}
	if s.call.streamSid == "" {
		if s.outboundQ.push(payloadB64) {
			s.logger.Debug("outbound frame queue overflow, dropped oldest")
		}
		return
	}
	s.enqueueMedia(payloadB64)
}

func (s *Session) handleCallerUtterance(text string) {
	if s.gates == nil || strings.TrimSpace(text) == "" {
		return
	}
	obs := s.gates.ObserveCaller(text, s.now())
	if obs.NameCaptured {
		s.logger.Info("name captured", "name", s.gates.Name())
	}
	if obs.ClosingLatched {
		s.logger.Info("closing intent latched")
		s.handleClosing()
	}
}

// handleClosing decides the call immediately from the gates satisfied at this
// instant, then switches the orchestrator to the fixed closing utterance.
func (s *Session) handleClosing() {
	s.finalizeDisposition("closing_forced")
	s.requestClosingTurn()
}

func (s *Session) handleBackendClosed() {
	// Unconditional reset so a dangling in-flight turn cannot wedge state.
	s.responseInFlight = false
	s.assistantSpeaking = false
	s.pendingTurn = false
	s.call.callEnding = true
	s.logger.Warn("ai backend connection closed, ending call")
	s.finalizeDisposition("backend_closed")
}

func (s *Session) inDropWindow() bool {
	until := s.dropMediaUntil.Load()
	return until > 0 && s.now().UnixNano() < until
}

func (s *Session) openDropWindow(until time.Time) {
	s.dropMediaUntil.Store(until.UnixNano())
}

func (s *Session) enqueueMedia(payloadB64 string) {
	frame, err := json.Marshal(protocol.NewOutboundMedia(s.call.streamSid, payloadB64))
	if err != nil {
		return
	}
	select {
	case s.mediaCh <- outboundFrame{payload: frame}:
	default:
		// Writer is behind; dropping the newest frame beats blocking the loop.
		s.logger.Debug("outbound media channel full, dropped frame")
	}
}

func (s *Session) enqueueClear() {
	if s.call.streamSid == "" {
		return
	}
	frame, err := json.Marshal(protocol.NewOutboundClear(s.call.streamSid))
	if err != nil {
		return
	}
	select {
	case s.controlCh <- outboundFrame{control: true, payload: frame}:
	default:
		s.logger.Warn("control channel full, clear frame dropped")
	}
}

// finalizeDisposition computes and latches the call outcome exactly once.
// Later triggers (stop after closing-forced, close after stop) are no-ops.
func (s *Session) finalizeDisposition(trigger string) {
	if s.decided {
		return
	}
	s.decided = true
	if s.call.endedAt.IsZero() {
		s.call.endedAt = s.now()
	}
	if s.gates == nil {
		// The call never produced a start frame; nothing to report.
		s.logger.Debug("call ended before start frame", "trigger", trigger)
		return
	}

	category := Decide(s.gates, s.cfg.Disposition)
	if !s.sent.mark(category) {
		return
	}
	s.logger.Info("disposition decided", "category", string(category), "trigger", trigger)

	n := Notification{
		Category:          category,
		CallSid:           s.call.callSid,
		StreamSid:         s.call.streamSid,
		SessionID:         s.sessionID,
		Caller:            s.call.caller,
		Called:            s.call.called,
		StartedAt:         s.call.startedAt,
		EndedAt:           s.call.endedAt,
		DurationMS:        s.call.endedAt.Sub(s.call.startedAt).Milliseconds(),
		Name:              s.gates.Name(),
		Message:           s.gates.Message(),
		CallbackRequested: s.gates.CallbackRequested(),
		CallbackNumber:    s.gates.CallbackNumber(),
		InfoRequested:     s.gates.InfoRequested(),
		InfoTopics:        s.gates.InfoTopics(),
		InfoAnswer:        s.gates.InfoAnswer(),
	}

	recordings := s.recordings
	notifier := s.notifier
	memory := s.memory
	logger := s.logger
	resolveBudget := s.cfg.RecordingResolveBudget
	notifyTimeout := s.cfg.NotifyTimeout
	rec := CallRecord{
		CallSid:        s.call.callSid,
		Caller:         s.call.caller,
		Called:         s.call.called,
		StartedAt:      s.call.startedAt,
		EndedAt:        s.call.endedAt,
		Category:       string(category),
		Name:           s.gates.Name(),
		Message:        s.gates.Message(),
		CallbackNumber: s.gates.CallbackNumber(),
	}

	// Resolution and delivery run off-loop on a background context: call
	// teardown never waits on them, and the decision above is already latched.
	go func() {
		if recordings != nil && n.CallSid != "" {
			ctx, cancel := context.WithTimeout(context.Background(), resolveBudget)
			ref, err := recordings.Resolve(ctx, n.CallSid)
			cancel()
			if err != nil || ref == "" {
				logger.Warn("recording unresolved", "error", err)
			} else {
				n.RecordingRef = &ref
			}
		}

		if notifier != nil {
			ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
			if err := notifier.Dispatch(ctx, n); err != nil {
				// Fire-and-forget: a failed webhook is logged, never retried,
				// and the decision stays latched.
				logger.Error("notification delivery failed", "category", string(category), "error", err)
			}
			cancel()
		}

		if memory != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := memory.UpsertCall(ctx, rec); err != nil {
				logger.Warn("memory upsert failed", "error", err)
			}
			if rec.Name != "" && rec.Caller != "" {
				if err := memory.SaveName(ctx, rec.Caller, rec.Name); err != nil {
					logger.Warn("memory save name failed", "error", err)
				}
			}
		}
	}()
}
