//go:build !llama || no_llama

package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// ErrLlamaUnavailable is returned when the binary was built without llama.cpp.
var ErrLlamaUnavailable = fmt.Errorf("llama.cpp not available in this build (rebuild with -tags llama)")

// LlamaEngine is a placeholder for builds without llama.cpp.
type LlamaEngine struct{}

// NewLlamaEngine validates config and reports that llama.cpp is missing.
func NewLlamaEngine(config *LlamaConfig, logger zerolog.Logger) (*LlamaEngine, error) {
	if err := ValidateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger.Error().Str("model_path", config.ModelPath).Msg("llama engine requested in a build without llama.cpp")
	return nil, ErrLlamaUnavailable
}

func (e *LlamaEngine) Name() string { return "llama" }

func (e *LlamaEngine) Complete(context.Context, Request) (Completion, error) {
	return Completion{}, ErrLlamaUnavailable
}

func (e *LlamaEngine) Stream(context.Context, Request) (<-chan Delta, error) {
	return nil, ErrLlamaUnavailable
}

func (e *LlamaEngine) Health() Health { return Health{} }

func (e *LlamaEngine) Close() error { return nil }

var _ Engine = (*LlamaEngine)(nil)
