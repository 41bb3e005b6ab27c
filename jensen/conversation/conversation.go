package conversation

import (
	"fmt"
	"strings"
)

// OverflowPolicy selects how a Conversation shrinks after the engine reports
// that the prompt no longer fits its context window.
type OverflowPolicy string

const (
	// PolicyEvictOldest drops the oldest user/assistant pair.
	PolicyEvictOldest OverflowPolicy = "evict_oldest"
	// PolicyReset drops everything except the system turn.
	PolicyReset OverflowPolicy = "reset"
)

// ParseOverflowPolicy resolves a configured policy name.
func ParseOverflowPolicy(name string) (OverflowPolicy, error) {
	switch p := OverflowPolicy(strings.ToLower(strings.TrimSpace(name))); p {
	case "", PolicyEvictOldest:
		return PolicyEvictOldest, nil
	case PolicyReset:
		return PolicyReset, nil
	default:
		return "", fmt.Errorf("unknown overflow policy %q", name)
	}
}

// Conversation is the turn history of a single chat. It is not safe for
// concurrent use; Sessions serializes access per chat.
type Conversation struct {
	template Template
	cleaner  *Cleaner
	policy   OverflowPolicy
	history  []Turn
}

// New creates a Conversation holding only the system turn.
func New(system string, template Template, cleaner *Cleaner, policy OverflowPolicy) *Conversation {
	if template == nil {
		template = DefaultTemplate()
	}
	if cleaner == nil {
		cleaner = NewCleaner(template.StopWords()...)
	}
	if policy == "" {
		policy = PolicyEvictOldest
	}
	c := &Conversation{template: template, cleaner: cleaner, policy: policy}
	c.Init(system)
	return c
}

// Init discards the history and starts over with the given system instruction.
func (c *Conversation) Init(system string) {
	c.history = []Turn{{Role: RoleSystem, Content: strings.TrimSpace(system)}}
}

// BuildPrompt renders the current history plus a prospective user turn. The
// history is left untouched; CommitExchange records the turn once the engine
// has answered.
func (c *Conversation) BuildPrompt(userText string) Prompt {
	return c.template.Render(c.History(), strings.TrimSpace(userText))
}

// CommitExchange appends the user turn followed by the cleaned assistant turn.
func (c *Conversation) CommitExchange(userText, reply string) {
	c.history = append(c.history,
		Turn{Role: RoleUser, Content: strings.TrimSpace(userText)},
		Turn{Role: RoleAssistant, Content: c.cleaner.Clean(reply)},
	)
}

// EvictOldestExchange removes the oldest user/assistant pair. It reports
// whether anything was removed.
func (c *Conversation) EvictOldestExchange() bool {
	if len(c.history) < 3 {
		return false
	}
	c.history = append(c.history[:1], c.history[3:]...)
	return true
}

// ResetOnOverflow keeps only the system turn. It reports whether anything was
// removed.
func (c *Conversation) ResetOnOverflow() bool {
	if len(c.history) == 1 {
		return false
	}
	c.history = c.history[:1:1]
	return true
}

// Shrink applies the configured overflow policy once.
func (c *Conversation) Shrink() bool {
	if c.policy == PolicyReset {
		return c.ResetOnOverflow()
	}
	return c.EvictOldestExchange()
}

// Clean strips model scaffolding from a raw engine reply.
func (c *Conversation) Clean(reply string) string {
	return c.cleaner.Clean(reply)
}

// History returns a copy of the turns, system turn first.
func (c *Conversation) History() []Turn {
	out := make([]Turn, len(c.history))
	copy(out, c.history)
	return out
}

// Len returns the number of turns including the system turn.
func (c *Conversation) Len() int { return len(c.history) }

func (c *Conversation) Template() Template { return c.template }

func (c *Conversation) Policy() OverflowPolicy { return c.policy }
