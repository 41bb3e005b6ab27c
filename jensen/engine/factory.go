package engine

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/jensen/jensen/config"
	"github.com/ZanzyTHEbar/jensen/jensen/conversation"
)

// New creates the engine selected by cfg.Provider. Generation stops at the
// template's stop words.
func New(cfg config.EngineConfig, tmpl conversation.Template, logger zerolog.Logger) (Engine, error) {
	var stops []string
	if tmpl != nil {
		stops = tmpl.StopWords()
	}

	switch strings.ToLower(cfg.Provider) {
	case "llama":
		if tmpl != nil && tmpl.Name() == conversation.ChatTemplateName {
			return nil, fmt.Errorf("the llama engine needs a flat prompt template, got %q", tmpl.Name())
		}
		e, err := NewLlamaEngine(&LlamaConfig{
			ModelPath:        cfg.ModelPath,
			ContextSize:      cfg.ContextSize,
			GPULayers:        cfg.GPULayers,
			Threads:          cfg.Threads,
			BatchSize:        cfg.BatchSize,
			MaxTokens:        cfg.MaxTokens,
			MLock:            cfg.MLock,
			MMap:             cfg.MMap,
			Temperature:      cfg.Temperature,
			TopP:             cfg.TopP,
			Seed:             cfg.Seed,
			StopWords:        stops,
			PoolSize:         cfg.PoolSize,
			BorrowTimeout:    cfg.BorrowTimeout,
			RequestTimeout:   cfg.RequestTimeout,
			BreakerThreshold: cfg.BreakerThreshold,
			BreakerCooldown:  cfg.BreakerCooldown,
		}, logger)
		if err != nil {
			return nil, err
		}
		return e, nil
	case "openai":
		e, err := NewOpenAIEngine(OpenAIConfig{
			BaseURL:          cfg.OpenAI.BaseURL,
			APIKey:           cfg.OpenAI.APIKey,
			Model:            cfg.OpenAI.Model,
			MaxTokens:        cfg.MaxTokens,
			Temperature:      cfg.Temperature,
			TopP:             cfg.TopP,
			StopWords:        stops,
			RequestTimeout:   cfg.RequestTimeout,
			BreakerThreshold: cfg.BreakerThreshold,
			BreakerCooldown:  cfg.BreakerCooldown,
		}, logger)
		if err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, fmt.Errorf("unknown engine provider %q", cfg.Provider)
	}
}
