// Package assistant runs exchanges: it serializes work per chat, renders the
// prompt, recovers from context overflows and delivers the reply in
// message-sized segments.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/jensen/jensen/assistant/adapters"
	"github.com/ZanzyTHEbar/jensen/jensen/assistant/ports"
	"github.com/ZanzyTHEbar/jensen/jensen/chunker"
	"github.com/ZanzyTHEbar/jensen/jensen/conversation"
	"github.com/ZanzyTHEbar/jensen/jensen/engine"
)

// Replier delivers the output of one exchange back to the chat it came from.
type Replier interface {
	// Typing signals that a reply is being generated.
	Typing(ctx context.Context) error
	// Notice sends an informational message that is not part of the reply.
	Notice(ctx context.Context, text string) error
	// Segment sends one piece of the reply.
	Segment(ctx context.Context, text string) error
}

// Messages are the notices sent while recovering from failures.
type Messages struct {
	Overflow       string
	OverflowFailed string
	EngineFailed   string
}

// Options tunes an Assistant.
type Options struct {
	MaxLength int  // segment limit in characters
	Stream    bool // deliver segments while the engine generates
	Messages  Messages

	Limiter ports.RateLimiter
	Tracer  ports.Tracer
	Journal ports.Journal
}

// Result summarizes a successful exchange.
type Result struct {
	ID         string
	Reply      string // the reply as committed to the history
	Segments   int
	Overflowed bool
	Duration   time.Duration
}

// Assistant connects the session store to an engine.
type Assistant struct {
	sessions *conversation.Sessions
	engine   engine.Engine
	opts     Options
	logger   zerolog.Logger
	newID    func() string
}

// New creates an Assistant. Nil ports fall back to no-op adapters.
func New(sessions *conversation.Sessions, eng engine.Engine, opts Options, logger zerolog.Logger) *Assistant {
	if opts.Limiter == nil {
		opts.Limiter = adapters.NoOpRateLimiter{}
	}
	if opts.Tracer == nil {
		opts.Tracer = adapters.NoOpTracer{}
	}
	if opts.Journal == nil {
		opts.Journal = adapters.NoOpJournal{}
	}
	return &Assistant{
		sessions: sessions,
		engine:   eng,
		opts:     opts,
		logger:   logger.With().Str("component", "assistant").Logger(),
		newID:    uuid.NewString,
	}
}

// Exchange answers userText in the conversation of chatKey. Segments reach
// r in order. Only one exchange per chat runs at a time; callers for the
// same chat wait their turn or give up with ctx.
func (a *Assistant) Exchange(ctx context.Context, chatKey, userText string, r Replier) (Result, error) {
	userText = strings.TrimSpace(userText)
	if userText == "" {
		return Result{}, ErrEmptyInput
	}

	release, err := a.opts.Limiter.Acquire(ctx, chatKey)
	if err != nil {
		return Result{}, fmt.Errorf("chat %s: %w", chatKey, err)
	}

	id := a.newID()
	ctx, finish := a.opts.Tracer.StartSpan(ctx, "exchange", map[string]any{
		"exchange_id": id,
		"chat":        chatKey,
		"stream":      a.opts.Stream,
	})

	var (
		res     Result
		started bool
	)
	err = a.sessions.With(ctx, chatKey, func(conv *conversation.Conversation) error {
		started = true
		var err error
		res, err = a.run(ctx, id, conv, userText, r)
		return err
	})
	finish(err)
	if !started {
		release()
	}
	if err != nil {
		return res, err
	}

	rec := ports.ExchangeRecord{
		ID:         res.ID,
		ChatKey:    chatKey,
		User:       userText,
		Reply:      res.Reply,
		Template:   a.sessions.Options().Template.Name(),
		Overflowed: res.Overflowed,
		Streamed:   a.opts.Stream,
		Segments:   res.Segments,
		Duration:   res.Duration,
		CreatedAt:  time.Now(),
	}
	if err := a.opts.Journal.Record(ctx, rec); err != nil {
		a.logger.Warn().Err(err).Str("exchange_id", id).Msg("journal write failed")
	}
	return res, nil
}

// run holds the chat's session lock.
func (a *Assistant) run(ctx context.Context, id string, conv *conversation.Conversation, userText string, r Replier) (Result, error) {
	if err := r.Typing(ctx); err != nil {
		a.logger.Debug().Err(err).Str("exchange_id", id).Msg("typing indicator failed")
	}

	start := time.Now()
	res := Result{ID: id}
	for attempt := 1; ; attempt++ {
		prompt := conv.BuildPrompt(userText)
		a.opts.Tracer.Event(ctx, "prompt_built", map[string]any{
			"attempt":     attempt,
			"turns":       conv.Len(),
			"prompt_size": prompt.Size(),
		})

		out, err := a.generate(ctx, conv, prompt, r)
		if err == nil {
			conv.CommitExchange(userText, out.raw)
			res.Reply = conv.Clean(out.raw)
			res.Segments = out.segments
			res.Duration = time.Since(start)
			a.opts.Tracer.Event(ctx, "exchange_done", map[string]any{
				"duration": res.Duration.String(),
				"turns":    conv.Len(),
				"segments": res.Segments,
			})
			return res, nil
		}

		if !errors.Is(err, engine.ErrContextOverflow) {
			if out.segments == 0 && ctx.Err() == nil {
				a.notice(ctx, r, a.opts.Messages.EngineFailed)
			}
			return res, &ExchangeError{ID: id, Err: err}
		}

		// Only the first overflow is recovered, and only while nothing of
		// the reply has been delivered.
		if attempt > 1 || out.segments > 0 || !conv.Shrink() {
			a.opts.Tracer.Event(ctx, "overflow_failed", map[string]any{"attempt": attempt, "turns": conv.Len()})
			a.notice(ctx, r, a.opts.Messages.OverflowFailed)
			return res, &ExchangeError{ID: id, Overflow: true, Err: err}
		}
		res.Overflowed = true
		a.opts.Tracer.Event(ctx, "overflow_recovered", map[string]any{
			"policy": string(conv.Policy()),
			"turns":  conv.Len(),
		})
		a.notice(ctx, r, a.opts.Messages.Overflow)
	}
}

type generation struct {
	raw      string
	segments int
}

func (a *Assistant) generate(ctx context.Context, conv *conversation.Conversation, prompt conversation.Prompt, r Replier) (generation, error) {
	req := engine.Request{Prompt: prompt}
	if a.opts.Stream {
		return a.stream(ctx, req, r)
	}

	comp, err := a.engine.Complete(ctx, req)
	if err != nil {
		return generation{}, err
	}
	out := generation{raw: comp.Text}
	for seg := range chunker.Chunk(conv.Clean(comp.Text), a.opts.MaxLength) {
		if err := out.deliver(ctx, r, seg); err != nil {
			return out, err
		}
	}
	return out, nil
}

// deliver sends one segment. Blank segments are skipped.
func (g *generation) deliver(ctx context.Context, r Replier, seg string) error {
	if strings.TrimSpace(seg) == "" {
		return nil
	}
	if err := r.Segment(ctx, seg); err != nil {
		return fmt.Errorf("deliver segment: %w", err)
	}
	g.segments++
	return nil
}

func (a *Assistant) stream(ctx context.Context, req engine.Request, r Replier) (generation, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := a.engine.Stream(ctx, req)
	if err != nil {
		return generation{}, err
	}

	var (
		out    generation
		raw    strings.Builder
		filter conversation.ReasoningFilter
	)
	sc := chunker.NewStreamChunker(a.opts.MaxLength)
	emit := func(segs []string) error {
		for _, seg := range segs {
			if err := out.deliver(ctx, r, seg); err != nil {
				return err
			}
		}
		return nil
	}

	for d := range ch {
		if d.Err != nil {
			return out, d.Err
		}
		if d.Done {
			break
		}
		raw.WriteString(d.Text)
		if err := emit(sc.Write(filter.Write(d.Text))); err != nil {
			return out, err
		}
	}
	if err := ctx.Err(); err != nil {
		return out, err
	}

	if err := emit(sc.Write(filter.Flush())); err != nil {
		return out, err
	}
	if err := emit(sc.Flush()); err != nil {
		return out, err
	}
	out.raw = raw.String()
	return out, nil
}

func (a *Assistant) notice(ctx context.Context, r Replier, text string) {
	if text == "" {
		return
	}
	if err := r.Notice(ctx, text); err != nil {
		a.logger.Warn().Err(err).Msg("failed to send notice")
	}
}

// Clear resets the conversation of chatKey to its system turn.
func (a *Assistant) Clear(ctx context.Context, chatKey string) error {
	a.opts.Tracer.Event(ctx, "history_cleared", map[string]any{"chat": chatKey})
	return a.sessions.Clear(ctx, chatKey)
}

// History returns a copy of the turns of chatKey.
func (a *Assistant) History(ctx context.Context, chatKey string) ([]conversation.Turn, error) {
	return a.sessions.History(ctx, chatKey)
}

func (a *Assistant) Health() engine.Health { return a.engine.Health() }

// Close releases the engine and the journal.
func (a *Assistant) Close() error {
	return errors.Join(a.engine.Close(), a.opts.Journal.Close())
}
