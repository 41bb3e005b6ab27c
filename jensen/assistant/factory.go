package assistant

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/jensen/jensen/assistant/adapters"
	"github.com/ZanzyTHEbar/jensen/jensen/assistant/ports"
	"github.com/ZanzyTHEbar/jensen/jensen/config"
	"github.com/ZanzyTHEbar/jensen/jensen/conversation"
	"github.com/ZanzyTHEbar/jensen/jensen/db"
	"github.com/ZanzyTHEbar/jensen/jensen/engine"
)

// NewSessions builds the session store described by cfg.
func NewSessions(cfg config.ConversationConfig) (*conversation.Sessions, error) {
	tmpl, err := conversation.TemplateByName(cfg.Template)
	if err != nil {
		return nil, err
	}
	policy, err := conversation.ParseOverflowPolicy(cfg.OverflowPolicy)
	if err != nil {
		return nil, err
	}
	scope, err := conversation.ParseScope(cfg.Scope)
	if err != nil {
		return nil, err
	}
	stops := append(tmpl.StopWords(), cfg.StopWords...)
	return conversation.NewSessions(conversation.Options{
		System:   cfg.SystemPrompt,
		Template: tmpl,
		Cleaner:  conversation.NewCleaner(stops...),
		Policy:   policy,
		Scope:    scope,
	}), nil
}

// NewFromConfig wires an Assistant, its engine and its ports from cfg.
func NewFromConfig(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Assistant, error) {
	sessions, err := NewSessions(cfg.Conversation)
	if err != nil {
		return nil, fmt.Errorf("conversation: %w", err)
	}

	eng, err := engine.New(cfg.Engine, sessions.Options().Template, logger)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	journal, err := newJournal(ctx, cfg.Journal, logger)
	if err != nil {
		eng.Close()
		return nil, fmt.Errorf("journal: %w", err)
	}

	opts := Options{
		MaxLength: cfg.Chunker.MaxLength,
		Stream:    cfg.Chunker.Stream,
		Messages: Messages{
			Overflow:       cfg.Messages.Overflow,
			OverflowFailed: cfg.Messages.OverflowFailed,
			EngineFailed:   cfg.Messages.EngineFailed,
		},
		Limiter: newRateLimiter(cfg.RateLimit),
		Tracer:  newTracer(cfg.Tracing, logger),
		Journal: journal,
	}

	logger.Info().
		Str("engine", eng.Name()).
		Str("template", sessions.Options().Template.Name()).
		Str("scope", string(sessions.Options().Scope)).
		Str("overflow_policy", string(sessions.Options().Policy)).
		Bool("stream", opts.Stream).
		Msg("assistant ready")

	return New(sessions, eng, opts, logger), nil
}

func newRateLimiter(cfg config.RateLimitConfig) ports.RateLimiter {
	if !cfg.Enabled {
		return adapters.NoOpRateLimiter{}
	}
	return adapters.NewTokenBucket(cfg.Capacity, cfg.RefillRate)
}

func newTracer(cfg config.TracingConfig, logger zerolog.Logger) ports.Tracer {
	if !cfg.Enabled {
		return adapters.NoOpTracer{}
	}
	return adapters.NewZerologTracer(logger)
}

func newJournal(ctx context.Context, cfg config.JournalConfig, logger zerolog.Logger) (ports.Journal, error) {
	if !cfg.Enabled {
		return adapters.NoOpJournal{}, nil
	}
	conn, err := db.Connect(ctx, cfg.Path, logger)
	if err != nil {
		return nil, err
	}
	return adapters.NewLibSQLJournal(conn), nil
}
