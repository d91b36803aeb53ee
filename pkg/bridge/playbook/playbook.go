// Package playbook supplies the business text the bridge reads at call
// start: the system prompt, the greeting instruction, and the fixed closing
// line. The session treats all of it as read-only configuration.
package playbook

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/voxline/frontdesk/pkg/bridge/session"
)

const (
	defaultInstructions = "You are a friendly receptionist answering the phone for a small business. " +
		"Keep replies short and conversational. Ask for the caller's name if you don't have it, " +
		"offer to take a message, and confirm whether they want a call back. " +
		"Answer simple questions about hours, address, phone, and email when asked."
	defaultGreeting    = "Greet the caller warmly and ask how you can help."
	defaultClosingLine = "Thank the caller briefly and say goodbye."
)

// Static is a fixed in-process playbook; it implements
// session.PromptProvider.
type Static struct {
	prompts  session.Prompts
	settings map[string]string
}

// NewStatic fills any empty prompt with the built-in default.
func NewStatic(prompts session.Prompts) *Static {
	if strings.TrimSpace(prompts.Instructions) == "" {
		prompts.Instructions = defaultInstructions
	}
	if strings.TrimSpace(prompts.Greeting) == "" {
		prompts.Greeting = defaultGreeting
	}
	if strings.TrimSpace(prompts.ClosingLine) == "" {
		prompts.ClosingLine = defaultClosingLine
	}
	return &Static{prompts: prompts, settings: map[string]string{}}
}

func (s *Static) Prompts(_ context.Context) (session.Prompts, error) {
	return s.prompts, nil
}

// Setting returns a free-form business setting, e.g. office hours text.
func (s *Static) Setting(key string) (string, bool) {
	v, ok := s.settings[key]
	return v, ok
}

type fileFormat struct {
	Instructions string            `json:"instructions"`
	Greeting     string            `json:"greeting"`
	ClosingLine  string            `json:"closing_line"`
	Settings     map[string]string `json:"settings"`
	IntentRules  []fileIntentRule  `json:"intent_rules"`
}

type fileIntentRule struct {
	Gate    string `json:"gate"`
	Topic   string `json:"topic,omitempty"`
	Pattern string `json:"pattern"`
}

// LoadFile reads a playbook JSON file; missing fields fall back to the
// built-in defaults. Intent rules keep file order.
func LoadFile(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read playbook: %w", err)
	}
	var f fileFormat
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse playbook %s: %w", path, err)
	}
	rules := make([]session.IntentRule, 0, len(f.IntentRules))
	for i, r := range f.IntentRules {
		switch r.Gate {
		case session.GateClosing, session.GateCallback, session.GateInfo:
		default:
			return nil, fmt.Errorf("playbook %s: intent rule %d: unknown gate %q", path, i, r.Gate)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("playbook %s: intent rule %d: %w", path, i, err)
		}
		rules = append(rules, session.IntentRule{Gate: r.Gate, Topic: r.Topic, Pattern: re})
	}
	out := NewStatic(session.Prompts{
		Instructions: f.Instructions,
		Greeting:     f.Greeting,
		ClosingLine:  f.ClosingLine,
		IntentRules:  rules,
	})
	if len(f.Settings) > 0 {
		out.settings = f.Settings
	}
	return out, nil
}
