// Package engine turns prompts into replies. Implementations wrap a local
// llama.cpp model or an OpenAI-compatible HTTP server.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/ZanzyTHEbar/jensen/jensen/conversation"
)

// ErrContextOverflow reports that prompt plus requested output do not fit
// into the model's context window. Match it with errors.Is.
var ErrContextOverflow = errors.New("context window exceeded")

var (
	ErrBreakerOpen       = errors.New("circuit breaker is open")
	ErrUnsupportedPrompt = errors.New("prompt kind not supported by engine")
	ErrClosed            = errors.New("engine closed")
)

// OverflowError carries the token accounting behind an ErrContextOverflow
// when the engine knows it.
type OverflowError struct {
	PromptTokens int
	MaxTokens    int
	ContextSize  int
	Cause        error
}

func (e *OverflowError) Error() string {
	msg := ErrContextOverflow.Error()
	if e.ContextSize > 0 {
		msg = fmt.Sprintf("%s: %d prompt tokens leave no room in a context of %d",
			msg, e.PromptTokens, e.ContextSize)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *OverflowError) Is(target error) bool { return target == ErrContextOverflow }

func (e *OverflowError) Unwrap() error { return e.Cause }

// Request is one generation call.
type Request struct {
	Prompt    conversation.Prompt
	MaxTokens int      // 0 uses the engine default
	Stop      []string // merged with the engine's own stop words
}

// Usage captures token accounting when the backend reports it.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Completion is a buffered reply.
type Completion struct {
	Text  string
	Usage *Usage
}

// Delta is one streamed fragment. The last value on a stream has Done set,
// or Err set when generation failed part way.
type Delta struct {
	Text  string
	Done  bool
	Err   error
	Usage *Usage // on the final delta when available
}

// Engine is the abstraction for every inference backend.
//
// Both calls fail with an error matching ErrContextOverflow before producing
// any output when the prompt does not fit. Stream closes its channel after
// the final delta or when ctx ends.
type Engine interface {
	Name() string
	Complete(ctx context.Context, req Request) (Completion, error)
	Stream(ctx context.Context, req Request) (<-chan Delta, error)
	Health() Health
	Close() error
}

// Collect drains a stream into a single reply.
func Collect(ch <-chan Delta) (Completion, error) {
	var out Completion
	var text []byte
	for d := range ch {
		text = append(text, d.Text...)
		if d.Usage != nil {
			out.Usage = d.Usage
		}
		if d.Err != nil {
			out.Text = string(text)
			return out, d.Err
		}
	}
	out.Text = string(text)
	return out, nil
}

// send delivers d unless ctx ends first.
func send(ctx context.Context, ch chan<- Delta, d Delta) bool {
	select {
	case ch <- d:
		return true
	case <-ctx.Done():
		return false
	}
}
