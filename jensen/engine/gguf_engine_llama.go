//go:build llama && !no_llama

package engine

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	llama "github.com/go-skynet/go-llama.cpp"
	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/jensen/jensen/conversation"
)

// LlamaEngine runs GGUF models in-process through llama.cpp. It renders
// flat prompts only.
type LlamaEngine struct {
	config *LlamaConfig
	mon    *monitor
	logger zerolog.Logger

	// Pooling
	pool   chan *llama.LLama
	poolMu sync.Mutex
	closed atomic.Bool
}

// NewLlamaEngine loads PoolSize instances of the model.
func NewLlamaEngine(config *LlamaConfig, logger zerolog.Logger) (*LlamaEngine, error) {
	if err := ValidateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if _, err := os.Stat(config.ModelPath); err != nil {
		return nil, fmt.Errorf("model file: %w", err)
	}

	logger = logger.With().Str("component", "llama_engine").Str("model_path", config.ModelPath).Logger()
	e := &LlamaEngine{
		config: config,
		mon:    newMonitor(config.BreakerThreshold, config.BreakerCooldown, logger),
		logger: logger,
		pool:   make(chan *llama.LLama, config.PoolSize),
	}

	if err := e.initializePool(); err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to initialize model pool: %w", err)
	}

	e.logger.Info().Int("pool_size", config.PoolSize).Int("context_size", config.ContextSize).Msg("llama engine initialized")
	return e, nil
}

func (e *LlamaEngine) Name() string { return "llama" }

func (e *LlamaEngine) loadModel() (*llama.LLama, error) {
	options := []llama.ModelOption{
		llama.SetContext(e.config.ContextSize),
		llama.SetGPULayers(e.config.GPULayers),
		llama.SetNBatch(e.config.BatchSize),
		llama.SetMMap(e.config.MMap),
	}
	if e.config.MLock {
		options = append(options, llama.EnableMLock)
	}

	model, err := llama.New(e.config.ModelPath, options...)
	if err != nil {
		return nil, fmt.Errorf("llama.New failed: %w", err)
	}
	return model, nil
}

// initializePool loads multiple model instances into the pool
func (e *LlamaEngine) initializePool() error {
	for i := 0; i < e.config.PoolSize; i++ {
		model, err := e.loadModel()
		if err != nil {
			e.logger.Error().Err(err).Int("instance", i).Msg("failed to load model instance")
			return fmt.Errorf("failed to load model instance %d: %w", i, err)
		}
		e.pool <- model
		e.logger.Debug().Int("instance", i).Int("pool_size", len(e.pool)).Msg("loaded model instance")
	}
	return nil
}

// borrow retrieves a model instance from the pool with timeout
func (e *LlamaEngine) borrow(ctx context.Context) (*llama.LLama, error) {
	borrowCtx, cancel := context.WithTimeout(ctx, e.config.BorrowTimeout)
	defer cancel()

	select {
	case model, ok := <-e.pool:
		if !ok {
			return nil, ErrClosed
		}
		return model, nil
	case <-borrowCtx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("borrow timeout after %v", e.config.BorrowTimeout)
	}
}

// giveBack returns a model instance to the pool
func (e *LlamaEngine) giveBack(model *llama.LLama) {
	e.poolMu.Lock()
	defer e.poolMu.Unlock()

	if e.closed.Load() {
		model.Free()
		return
	}
	select {
	case e.pool <- model:
	default:
		e.logger.Warn().Msg("pool channel full, freeing model")
		model.Free()
	}
}

// llamaCall is a borrowed model with the predict options for one request.
type llamaCall struct {
	ctx    context.Context
	cancel context.CancelFunc
	model  *llama.LLama
	prompt string
	opts   []llama.PredictOption
	start  time.Time
}

// prepare borrows a model and checks the prompt against the context window.
func (e *LlamaEngine) prepare(ctx context.Context, req Request) (*llamaCall, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if req.Prompt.Kind != conversation.PromptText {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPrompt, req.Prompt.Kind)
	}
	if e.mon.breakerOpen() {
		return nil, ErrBreakerOpen
	}

	reqCtx, cancel := context.WithTimeout(ctx, e.config.RequestTimeout)
	model, err := e.borrow(reqCtx)
	if err != nil {
		cancel()
		e.mon.recordFailure(fmt.Sprintf("borrow failed: %v", err))
		return nil, fmt.Errorf("failed to borrow model: %w", err)
	}

	promptTokens, _, err := model.TokenizeString(req.Prompt.Text, llama.SetThreads(e.config.Threads))
	if err != nil {
		e.giveBack(model)
		cancel()
		e.mon.recordFailure(fmt.Sprintf("tokenize failed: %v", err))
		return nil, fmt.Errorf("tokenize prompt: %w", err)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = e.config.MaxTokens
	}
	budget, err := generationBudget(int(promptTokens), maxTokens, e.config.ContextSize)
	if err != nil {
		e.giveBack(model)
		cancel()
		e.mon.recordOverflow()
		return nil, err
	}

	stops := append(append([]string(nil), e.config.StopWords...), req.Stop...)
	opts := []llama.PredictOption{
		llama.SetTokens(budget),
		llama.SetThreads(e.config.Threads),
		llama.SetTemperature(e.config.Temperature),
		llama.SetTopP(e.config.TopP),
		llama.SetSeed(e.config.Seed),
		llama.SetBatch(e.config.BatchSize),
	}
	if len(stops) > 0 {
		opts = append(opts, llama.SetStopWords(stops...))
	}

	e.logger.Debug().Int32("prompt_tokens", promptTokens).Int("max_tokens", budget).Msg("prompt fits context window")
	return &llamaCall{ctx: reqCtx, cancel: cancel, model: model, prompt: req.Prompt.Text, opts: opts, start: time.Now()}, nil
}

// run predicts on a prepared call and releases it. onToken returning false
// stops generation.
func (e *LlamaEngine) run(call *llamaCall, onToken func(string) bool) (string, error) {
	defer call.cancel()
	defer e.giveBack(call.model)

	opts := append(call.opts, llama.SetTokenCallback(func(token string) bool {
		if call.ctx.Err() != nil {
			return false
		}
		if onToken != nil {
			return onToken(token)
		}
		return true
	}))

	result, err := call.model.Predict(call.prompt, opts...)
	if err != nil {
		e.mon.recordFailure(fmt.Sprintf("prediction failed: %v", err))
		return "", fmt.Errorf("prediction failed: %w", err)
	}
	if err := call.ctx.Err(); err != nil {
		return result, err
	}

	duration := time.Since(call.start)
	e.mon.recordSuccess(duration)
	e.logger.Debug().Int64("duration_ms", duration.Milliseconds()).Int("output_length", len(result)).Msg("generation completed")
	return result, nil
}

// Complete generates a buffered reply.
func (e *LlamaEngine) Complete(ctx context.Context, req Request) (Completion, error) {
	call, err := e.prepare(ctx, req)
	if err != nil {
		return Completion{}, err
	}
	text, err := e.run(call, nil)
	if err != nil {
		return Completion{}, err
	}
	return Completion{Text: text}, nil
}

// Stream generates a reply token by token.
func (e *LlamaEngine) Stream(ctx context.Context, req Request) (<-chan Delta, error) {
	call, err := e.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	out := make(chan Delta, 64)
	go func() {
		defer close(out)
		_, err := e.run(call, func(token string) bool {
			return send(call.ctx, out, Delta{Text: token})
		})
		if err != nil {
			send(ctx, out, Delta{Err: err})
			return
		}
		send(ctx, out, Delta{Done: true})
	}()
	return out, nil
}

func (e *LlamaEngine) Health() Health { return e.mon.snapshot() }

// Close frees every pooled model. In-flight calls free theirs on return.
func (e *LlamaEngine) Close() error {
	e.poolMu.Lock()
	defer e.poolMu.Unlock()

	if e.closed.Swap(true) {
		return nil
	}
	close(e.pool)
	for model := range e.pool {
		model.Free()
	}

	e.mon.markClosed()
	e.logger.Info().Msg("llama engine closed")
	return nil
}

var _ Engine = (*LlamaEngine)(nil)
