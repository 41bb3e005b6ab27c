package conversation

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Scope decides how chats map onto Conversations.
type Scope string

const (
	// ScopeChat keeps one Conversation per chat key.
	ScopeChat Scope = "chat"
	// ScopeGlobal shares a single Conversation between every chat.
	ScopeGlobal Scope = "global"
)

const globalKey = "*"

// ParseScope resolves a configured scope name.
func ParseScope(name string) (Scope, error) {
	switch s := Scope(strings.ToLower(strings.TrimSpace(name))); s {
	case "", ScopeChat:
		return ScopeChat, nil
	case ScopeGlobal:
		return ScopeGlobal, nil
	default:
		return "", fmt.Errorf("unknown conversation scope %q", name)
	}
}

// Options configures every Conversation created by Sessions.
type Options struct {
	System   string
	Template Template
	Cleaner  *Cleaner
	Policy   OverflowPolicy
	Scope    Scope
}

// Sessions is a keyed store of Conversations. Access to one Conversation is
// serialized; different keys proceed independently.
type Sessions struct {
	opts Options

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	// lock is a one-slot semaphore so waiters can give up on ctx.
	lock chan struct{}
	conv *Conversation
}

// NewSessions creates an empty store.
func NewSessions(opts Options) *Sessions {
	if opts.Template == nil {
		opts.Template = DefaultTemplate()
	}
	if opts.Cleaner == nil {
		opts.Cleaner = NewCleaner(opts.Template.StopWords()...)
	}
	if opts.Policy == "" {
		opts.Policy = PolicyEvictOldest
	}
	if opts.Scope == "" {
		opts.Scope = ScopeChat
	}
	return &Sessions{opts: opts, sessions: make(map[string]*session)}
}

// With runs fn with exclusive access to the Conversation for key, creating it
// on first use. fn must not retain the Conversation.
func (s *Sessions) With(ctx context.Context, key string, fn func(*Conversation) error) error {
	sess := s.get(key)

	select {
	case sess.lock <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-sess.lock }()

	return fn(sess.conv)
}

// Clear resets the Conversation for key to the system turn.
func (s *Sessions) Clear(ctx context.Context, key string) error {
	return s.With(ctx, key, func(c *Conversation) error {
		c.Init(s.opts.System)
		return nil
	})
}

// History returns a copy of the turns for key.
func (s *Sessions) History(ctx context.Context, key string) ([]Turn, error) {
	var out []Turn
	err := s.With(ctx, key, func(c *Conversation) error {
		out = c.History()
		return nil
	})
	return out, err
}

// Len returns the number of live Conversations.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Sessions) Options() Options { return s.opts }

func (s *Sessions) get(key string) *session {
	if s.opts.Scope == ScopeGlobal {
		key = globalKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[key]
	if !ok {
		sess = &session{
			lock: make(chan struct{}, 1),
			conv: New(s.opts.System, s.opts.Template, s.opts.Cleaner, s.opts.Policy),
		}
		s.sessions[key] = sess
	}
	return sess
}
