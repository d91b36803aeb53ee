package session

import "time"

// Turn orchestration. Phases per call: Idle -> TurnRequested -> Speaking ->
// Idle. responseInFlight covers TurnRequested and Speaking; assistantSpeaking
// distinguishes the latter. All transitions happen on the Run loop.

func (s *Session) handleSpeechStarted() {
	if s.cfg.HalfDuplex || !s.cfg.BargeInEnabled {
		return
	}
	if !s.responseInFlight && !s.assistantSpeaking {
		return
	}
	// A sub-minimum speech burst must never cancel; arm the one-shot timer
	// and decide when it fires.
	s.armBargeTimer(s.cfg.BargeInMin)
}

func (s *Session) handleSpeechStopped() {
	if s.gates != nil && s.gates.ClosingForced() {
		if !s.closingDelivered {
			s.requestClosingTurn()
		}
		return
	}
	s.maybeRequestTurn()
}

// maybeRequestTurn applies the Idle -> TurnRequested guards: AI configured,
// nothing in flight, debounce elapsed, and enough caller activity since the
// last turn. Requests blocked only by readiness or an in-flight turn are
// latched and retried; the rest are simply not warranted.
func (s *Session) maybeRequestTurn() {
	if s.closingDelivered || s.call.callEnding || s.call.callEnded {
		return
	}
	if !s.call.aiConfigured || s.backend == nil {
		s.pendingTurn = true
		return
	}
	if s.responseInFlight {
		s.pendingTurn = true
		return
	}
	if s.userActivity < s.cfg.MinActivityFrames {
		return
	}
	if !s.lastTurnRequestAt.IsZero() && s.now().Sub(s.lastTurnRequestAt) < s.cfg.TurnDebounce {
		return
	}
	s.requestTurn("")
}

func (s *Session) requestTurn(instructions string) {
	if err := s.backend.CreateResponse(instructions); err != nil {
		s.logger.Warn("turn request failed", "error", err)
		s.onTurnFailed()
		return
	}
	s.responseInFlight = true
	s.lastTurnRequestAt = s.now()
	s.userActivity = 0
	s.pendingTurn = false
}

// requestOpeningTurn seeds the conversation and asks for the greeting.
func (s *Session) requestOpeningTurn() {
	if s.backend == nil || s.responseInFlight {
		return
	}
	if err := s.backend.CreateUserItem("The caller just connected."); err != nil {
		s.logger.Warn("opening item failed", "error", err)
		return
	}
	s.requestTurn(s.prompts.Greeting)
}

// requestClosingTurn cancels anything in flight and issues the fixed short
// closing utterance; no free-form turns follow it.
func (s *Session) requestClosingTurn() {
	if s.closingDelivered || s.backend == nil {
		return
	}
	if s.responseInFlight {
		if err := s.backend.CancelResponse(); err != nil {
			s.logger.Warn("cancel before closing failed", "error", err)
		}
		s.openDropWindow(s.now().Add(s.cfg.AudioDropWindow))
		s.enqueueClear()
		s.responseInFlight = false
		s.assistantSpeaking = false
	}
	instructions := s.prompts.ClosingLine
	if instructions == "" {
		instructions = "Thank the caller briefly and say goodbye."
	}
	s.requestTurn(instructions)
	s.closingDelivered = true
	s.pendingTurn = false
}

func (s *Session) onTurnCompleted() {
	s.responseInFlight = false
	s.assistantSpeaking = false
	if s.pendingTurn {
		// Retry a rejected request now that the turn finished, but only if
		// still warranted under the usual guards.
		s.pendingTurn = false
		s.maybeRequestTurn()
	}
}

// onTurnFailed resets in-flight state after a backend error event so a later
// request is not wedged behind a turn that will never complete.
func (s *Session) onTurnFailed() {
	s.responseInFlight = false
	s.assistantSpeaking = false
}

// fireBargeIn runs when the one-shot timer elapses: cancel the in-flight turn
// only if caller speech persisted for the whole minimum burst and the
// cooldown since the previous barge-in has passed.
func (s *Session) fireBargeIn() {
	s.bargeActive = false
	if !s.speechActive {
		return
	}
	if !s.responseInFlight && !s.assistantSpeaking {
		return
	}
	now := s.now()
	if !s.lastBargeinAt.IsZero() && now.Sub(s.lastBargeinAt) < s.cfg.BargeInCooldown {
		return
	}
	s.lastBargeinAt = now

	if err := s.backend.CancelResponse(); err != nil {
		s.logger.Warn("barge-in cancel failed", "error", err)
	}
	s.openDropWindow(now.Add(s.cfg.AudioDropWindow))
	s.enqueueClear()
	s.responseInFlight = false
	s.assistantSpeaking = false
	s.logger.Debug("barge-in: cancelled assistant turn")
}

func (s *Session) armBargeTimer(d time.Duration) {
	if s.bargeTimer == nil {
		s.bargeTimer = time.NewTimer(d)
		s.bargeActive = true
		return
	}
	if !s.bargeTimer.Stop() {
		select {
		case <-s.bargeTimer.C:
		default:
		}
	}
	s.bargeTimer.Reset(d)
	s.bargeActive = true
}

func (s *Session) stopBargeTimer() {
	if s.bargeTimer == nil {
		return
	}
	if !s.bargeTimer.Stop() {
		select {
		case <-s.bargeTimer.C:
		default:
		}
	}
	s.bargeActive = false
}

func (s *Session) bargeTimerCh() <-chan time.Time {
	if !s.bargeActive || s.bargeTimer == nil {
		return nil
	}
	return s.bargeTimer.C
}
