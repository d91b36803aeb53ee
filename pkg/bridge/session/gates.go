package session

import (
	"regexp"
	"strings"
	"time"
	"unicode"
)

// GatePolicy holds the deployment-specific knobs for fact extraction.
type GatePolicy struct {
	// OpportunisticName accepts a plausible bare name inside the early-call
	// window even before the assistant asked for one.
	OpportunisticName bool
	// OpportunisticWindow bounds how long after call start a bare utterance
	// may be treated as a name without arming.
	OpportunisticWindow time.Duration
	// MaxInfoAnswerLen bounds the captured office-info answer.
	MaxInfoAnswerLen int
}

func (p GatePolicy) withDefaults() GatePolicy {
	if p.OpportunisticWindow <= 0 {
		p.OpportunisticWindow = 25 * time.Second
	}
	if p.MaxInfoAnswerLen <= 0 {
		p.MaxInfoAnswerLen = 600
	}
	return p
}

// Gates turns finalized utterances into structured facts. Every captured
// field is write-once; a satisfied gate never re-fires. All methods are
// called from the session loop only.
type Gates struct {
	policy        GatePolicy
	startedAt     time.Time
	callerAddress string
	extraRules    []IntentRule

	expectingName            bool
	expectingMessage         bool
	expectingCallbackConfirm bool
	expectingCallbackNumber  bool

	name              string
	message           string
	callbackRequested bool
	callbackNumber    string
	closingForced     bool
	infoRequested     bool
	infoProvided      bool
	infoTopics        []string
	infoAnswer        string
}

func newGates(policy GatePolicy, startedAt time.Time, callerAddress string) *Gates {
	return &Gates{
		policy:        policy.withDefaults(),
		startedAt:     startedAt,
		callerAddress: callerAddress,
	}
}

// PrefillName satisfies the name gate up front, used for returning callers
// recognized by the memory store.
func (g *Gates) PrefillName(name string) {
	name = strings.TrimSpace(name)
	if g.name == "" && name != "" {
		g.name = name
	}
}

// Gate targets an IntentRule may latch.
const (
	GateClosing  = "closing"
	GateCallback = "callback"
	GateInfo     = "info"
)

// IntentRule is one deployment-supplied detection rule. Rules are checked in
// order ahead of the built-in table, so a playbook can add phrasing the
// defaults miss without touching orchestration code.
type IntentRule struct {
	Gate    string
	Topic   string // info topic tag, only meaningful for GateInfo
	Pattern *regexp.Regexp
}

// SetExtraRules installs the playbook's rules. Called once at session start,
// before any utterance is observed.
func (g *Gates) SetExtraRules(rules []IntentRule) {
	g.extraRules = rules
}

// Ordered caller-utterance rules. First match per concern wins; the table is
// walked top to bottom so closing intent preempts everything else.
var (
	reClosing = regexp.MustCompile(`(?i)\b(good\s?bye|bye\s?bye|bye now|that'?s (?:all|it|everything)|that is all|i'?m (?:done|all set)|nothing else|hang up|have a (?:good|nice) (?:day|one))\b`)

	reSelfIntro = regexp.MustCompile(`(?i)\b(?:my name is|my name'?s|this is|i am|i'?m)\s+([A-Za-z][A-Za-z .'\-]{0,40})`)

	reCallbackRequest = regexp.MustCompile(`(?i)\b(call (?:me )?back|callback|return my call|give me a (?:call|ring)|ring me)\b`)

	reAffirmative = regexp.MustCompile(`(?i)^\W*(yes|yeah|yep|yup|sure|correct|right|that works|please do|it is|this number is fine)\b`)
	reNegative    = regexp.MustCompile(`(?i)^\W*(no|nope|nah|not this|different number|another number|use a different)\b`)

	infoTopicRules = []struct {
		topic string
		re    *regexp.Regexp
	}{
		{"hours", regexp.MustCompile(`(?i)\b(hours|open(?:ing)?|close|closing time|when are you)\b`)},
		{"address", regexp.MustCompile(`(?i)\b(address|location|located|where are you|directions)\b`)},
		{"phone", regexp.MustCompile(`(?i)\b(your (?:phone |fax )?number|your fax)\b`)},
		{"email", regexp.MustCompile(`(?i)\b(e-?mail)\b`)},
	}

	reAskName            = regexp.MustCompile(`(?i)(your name|who am i speaking|who'?s calling|may i ask who|can i (?:get|have) your name)`)
	reAskMessage         = regexp.MustCompile(`(?i)(what message|message (?:would|do) you|like to leave|pass (?:along|on)|relay|what should i tell)`)
	reAskCallbackConfirm = regexp.MustCompile(`(?i)(number you'?re calling from|this number|the number on (?:my|the) caller id|reach you (?:at|on) this)`)
)

// Words that mark the end of the name inside a self-introduction ("my name
// is Dana and I need help").
var nameConnectives = map[string]struct{}{
	"and": {}, "but": {}, "from": {}, "with": {}, "calling": {},
	"speaking": {}, "here": {}, "again": {}, "i": {},
}

var nameStoplist = map[string]struct{}{
	"yes": {}, "no": {}, "yeah": {}, "nope": {}, "hello": {}, "hi": {},
	"hey": {}, "okay": {}, "ok": {}, "thanks": {}, "thank you": {},
	"um": {}, "uh": {}, "hmm": {}, "nothing": {}, "nobody": {},
	"a friend": {}, "the caller": {}, "good morning": {}, "good afternoon": {},
}

// CallerObservation reports side effects the session loop must act on.
type CallerObservation struct {
	ClosingLatched bool
	NameCaptured   bool
}

// ObserveCaller runs one finalized caller utterance through the gate rules.
func (g *Gates) ObserveCaller(text string, now time.Time) CallerObservation {
	var obs CallerObservation
	text = strings.TrimSpace(text)
	if text == "" {
		return obs
	}

	for _, rule := range g.extraRules {
		if rule.Pattern == nil || !rule.Pattern.MatchString(text) {
			continue
		}
		switch rule.Gate {
		case GateClosing:
			if !g.closingForced {
				g.closingForced = true
				obs.ClosingLatched = true
				return obs
			}
		case GateCallback:
			g.callbackRequested = true
		case GateInfo:
			g.infoRequested = true
			if rule.Topic != "" {
				g.addInfoTopic(rule.Topic)
			}
		}
	}

	if !g.closingForced && reClosing.MatchString(text) {
		g.closingForced = true
		obs.ClosingLatched = true
		return obs
	}

	if g.expectingCallbackNumber && g.callbackNumber == "" {
		if num := extractLocalNumber(text); num != "" {
			g.callbackNumber = num
			g.expectingCallbackNumber = false
			return obs
		}
	}

	if g.expectingCallbackConfirm && g.callbackNumber == "" {
		switch {
		case reAffirmative.MatchString(text):
			g.callbackNumber = g.callerAddress
			g.expectingCallbackConfirm = false
			return obs
		case reNegative.MatchString(text):
			g.expectingCallbackConfirm = false
			g.expectingCallbackNumber = true
			return obs
		}
	}

	if !g.callbackRequested && reCallbackRequest.MatchString(text) {
		g.callbackRequested = true
	}

	if !g.infoRequested || g.pendingInfoTopics(text) {
		for _, rule := range infoTopicRules {
			if rule.re.MatchString(text) {
				g.infoRequested = true
				g.addInfoTopic(rule.topic)
			}
		}
	}

	if g.name == "" {
		if m := reSelfIntro.FindStringSubmatch(text); m != nil {
			if candidate, ok := validateName(trimNameCandidate(m[1])); ok {
				g.name = candidate
				g.expectingName = false
				obs.NameCaptured = true
				return obs
			}
		}
		armed := g.expectingName
		opportunistic := g.policy.OpportunisticName && now.Sub(g.startedAt) <= g.policy.OpportunisticWindow
		if armed || opportunistic {
			if candidate, ok := validateName(text); ok {
				g.name = candidate
				g.expectingName = false
				obs.NameCaptured = true
				return obs
			}
		}
	}

	if g.expectingMessage && g.message == "" && meaningfulLen(text) >= 2 {
		g.message = text
		g.expectingMessage = false
	}

	return obs
}

// ObserveAssistant consumes one finalized assistant utterance, both to
// capture an office-info answer and to arm gates the assistant is asking
// about.
func (g *Gates) ObserveAssistant(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	if g.infoRequested && !g.infoProvided {
		answer := text
		if len(answer) > g.policy.MaxInfoAnswerLen {
			answer = answer[:g.policy.MaxInfoAnswerLen]
		}
		g.infoAnswer = answer
		g.infoProvided = true
	}

	if g.name == "" && reAskName.MatchString(text) {
		g.expectingName = true
	}
	if g.message == "" && reAskMessage.MatchString(text) {
		g.expectingMessage = true
	}
	if g.callbackRequested && g.callbackNumber == "" && reAskCallbackConfirm.MatchString(text) {
		g.expectingCallbackConfirm = true
	}
}

func (g *Gates) pendingInfoTopics(text string) bool {
	for _, rule := range infoTopicRules {
		if rule.re.MatchString(text) && !g.hasInfoTopic(rule.topic) {
			return true
		}
	}
	return false
}

func (g *Gates) addInfoTopic(topic string) {
	if g.hasInfoTopic(topic) {
		return
	}
	g.infoTopics = append(g.infoTopics, topic)
}

func (g *Gates) hasInfoTopic(topic string) bool {
	for _, t := range g.infoTopics {
		if t == topic {
			return true
		}
	}
	return false
}

// trimNameCandidate cuts a captured introduction down to the name itself:
// anything after a sentence break or a connective word is dropped, and at
// most three words are kept.
func trimNameCandidate(raw string) string {
	if i := strings.IndexAny(raw, ".;"); i >= 0 {
		raw = raw[:i]
	}
	words := strings.Fields(raw)
	for i, w := range words {
		if _, cut := nameConnectives[strings.ToLower(w)]; cut {
			words = words[:i]
			break
		}
	}
	if len(words) > 3 {
		words = words[:3]
	}
	return strings.Join(words, " ")
}

// validateName applies the deterministic plausibility checks: no digits, at
// most 22 characters and 3 words, not a filler/greeting, no stray leading
// function word.
func validateName(raw string) (string, bool) {
	candidate := strings.TrimSpace(strings.Trim(raw, ".,!?"))
	if candidate == "" || len(candidate) > 22 {
		return "", false
	}
	for _, r := range candidate {
		if unicode.IsDigit(r) {
			return "", false
		}
	}
	words := strings.Fields(candidate)
	if len(words) == 0 || len(words) > 3 {
		return "", false
	}
	if len(words[0]) == 1 {
		return "", false
	}
	if _, stop := nameStoplist[strings.ToLower(candidate)]; stop {
		return "", false
	}
	if _, stop := nameStoplist[strings.ToLower(words[0])]; stop {
		return "", false
	}
	return candidate, true
}

// extractLocalNumber pulls a 9-10 digit local phone number out of free text.
func extractLocalNumber(text string) string {
	var digits strings.Builder
	for _, r := range text {
		if unicode.IsDigit(r) {
			digits.WriteRune(r)
		}
	}
	d := digits.String()
	if len(d) < 9 || len(d) > 10 {
		return ""
	}
	return d
}

func meaningfulLen(text string) int {
	n := 0
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			n++
		}
	}
	return n
}

// Snapshot accessors used by the disposition engine and notifications.

func (g *Gates) Name() string            { return g.name }
func (g *Gates) Message() string         { return g.message }
func (g *Gates) CallbackRequested() bool { return g.callbackRequested }
func (g *Gates) CallbackNumber() string  { return g.callbackNumber }
func (g *Gates) ClosingForced() bool     { return g.closingForced }
func (g *Gates) InfoRequested() bool     { return g.infoRequested }
func (g *Gates) InfoProvided() bool      { return g.infoProvided }
func (g *Gates) InfoTopics() []string    { return append([]string(nil), g.infoTopics...) }
func (g *Gates) InfoAnswer() string      { return g.infoAnswer }
