package assistant

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/jensen/jensen/assistant/adapters"
	"github.com/ZanzyTHEbar/jensen/jensen/config"
	"github.com/ZanzyTHEbar/jensen/jensen/conversation"
	"github.com/ZanzyTHEbar/jensen/jensen/db"
)

func TestNewSessions(t *testing.T) {
	s, err := NewSessions(config.ConversationConfig{
		SystemPrompt:   "S",
		Template:       "mistral",
		Scope:          "global",
		OverflowPolicy: "reset",
		StopWords:      []string{"<END>"},
	})
	require.NoError(t, err)

	opts := s.Options()
	assert.Equal(t, "mistral", opts.Template.Name())
	assert.Equal(t, conversation.ScopeGlobal, opts.Scope)
	assert.Equal(t, conversation.PolicyReset, opts.Policy)
	assert.Equal(t, "ok", opts.Cleaner.Clean("ok<END>"))
	assert.Equal(t, "ok", opts.Cleaner.Clean("ok</s>"))

	for _, bad := range []config.ConversationConfig{
		{Template: "nope"},
		{OverflowPolicy: "drop_everything"},
		{Scope: "team"},
	} {
		_, err := NewSessions(bad)
		assert.Error(t, err)
	}
}

func TestNewFromConfig(t *testing.T) {
	cfg := &config.Config{}
	cfg.Conversation.Template = conversation.ChatTemplateName
	cfg.Chunker.MaxLength = 100
	cfg.Engine.Provider = "openai"
	cfg.Engine.MaxTokens = 64
	cfg.Engine.OpenAI.BaseURL = "http://127.0.0.1:1"
	cfg.Journal.Enabled = true
	cfg.Journal.Path = db.MemoryDSN
	cfg.RateLimit.Enabled = true
	cfg.RateLimit.Capacity = 2
	cfg.RateLimit.RefillRate = 1
	cfg.Tracing.Enabled = true

	a, err := NewFromConfig(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, "openai", a.engine.Name())
	assert.IsType(t, &adapters.TokenBucket{}, a.opts.Limiter)
	assert.IsType(t, &adapters.ZerologTracer{}, a.opts.Tracer)
	assert.IsType(t, &adapters.LibSQLJournal{}, a.opts.Journal)
	assert.Equal(t, 100, a.opts.MaxLength)

	cfg.Engine.Provider = "unknown"
	_, err = NewFromConfig(context.Background(), cfg, zerolog.Nop())
	assert.Error(t, err)
}
