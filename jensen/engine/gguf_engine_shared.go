package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LlamaConfig holds configuration for the local GGUF engine.
type LlamaConfig struct {
	ModelPath   string
	ContextSize int
	GPULayers   int
	Threads     int
	BatchSize   int
	MaxTokens   int
	MLock       bool
	MMap        bool
	Temperature float32
	TopP        float32
	Seed        int
	StopWords   []string
	// Pooling and resilience settings
	PoolSize         int
	BorrowTimeout    time.Duration
	RequestTimeout   time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// DefaultLlamaConfig returns defaults for a small chat model on CPU.
func DefaultLlamaConfig(modelPath string) *LlamaConfig {
	return &LlamaConfig{
		ModelPath:        modelPath,
		ContextSize:      512,
		GPULayers:        0, // CPU-only by default
		Threads:          4,
		BatchSize:        512,
		MaxTokens:        512,
		MMap:             true,
		Temperature:      0.2,
		TopP:             0.95,
		Seed:             -1,
		PoolSize:         1,
		BorrowTimeout:    2 * time.Minute,
		RequestTimeout:   5 * time.Minute,
		BreakerThreshold: 5,
		BreakerCooldown:  time.Minute,
	}
}

// ValidateConfig validates the GGUF engine configuration
func ValidateConfig(config *LlamaConfig) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if config.ModelPath == "" {
		return fmt.Errorf("model path cannot be empty")
	}

	if config.ContextSize <= 0 {
		return fmt.Errorf("context size must be positive, got %d", config.ContextSize)
	}

	if config.GPULayers < 0 {
		return fmt.Errorf("GPU layers cannot be negative, got %d", config.GPULayers)
	}

	if config.Threads <= 0 {
		return fmt.Errorf("threads must be positive, got %d", config.Threads)
	}

	if config.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}

	if config.MaxTokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", config.MaxTokens)
	}

	if config.Temperature < 0 || config.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", config.Temperature)
	}

	if config.TopP < 0 || config.TopP > 1 {
		return fmt.Errorf("top_p must be between 0 and 1, got %f", config.TopP)
	}

	if config.PoolSize <= 0 {
		return fmt.Errorf("pool size must be positive, got %d", config.PoolSize)
	}

	if config.BorrowTimeout <= 0 {
		return fmt.Errorf("borrow timeout must be positive, got %v", config.BorrowTimeout)
	}

	if config.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive, got %v", config.RequestTimeout)
	}

	if config.BreakerThreshold <= 0 {
		return fmt.Errorf("breaker threshold must be positive, got %d", config.BreakerThreshold)
	}

	if config.BreakerCooldown <= 0 {
		return fmt.Errorf("breaker cooldown must be positive, got %v", config.BreakerCooldown)
	}

	return nil
}

// generationBudget returns how many tokens may be generated after a prompt
// of promptTokens, clamping maxTokens to the room left in the window.
func generationBudget(promptTokens, maxTokens, contextSize int) (int, error) {
	if promptTokens >= contextSize {
		return 0, &OverflowError{PromptTokens: promptTokens, MaxTokens: maxTokens, ContextSize: contextSize}
	}
	return min(maxTokens, contextSize-promptTokens), nil
}

// Health is a snapshot of an engine's call record.
type Health struct {
	IsHealthy      bool
	SuccessRate    float64
	AverageLatency time.Duration
	TotalCalls     int64
	SuccessCalls   int64
	FailureCalls   int64
	Overflows      int64
	LastUsed       time.Time
	ErrorMessages  []string
}

// monitor keeps the call record and circuit breaker shared by all engines.
// Context overflows are counted but never trip the breaker.
type monitor struct {
	threshold int
	cooldown  time.Duration
	logger    zerolog.Logger

	mu              sync.Mutex
	health          Health
	failureCount    int
	lastFailureTime time.Time
}

func newMonitor(threshold int, cooldown time.Duration, logger zerolog.Logger) *monitor {
	return &monitor{
		threshold: threshold,
		cooldown:  cooldown,
		logger:    logger,
		health: Health{
			IsHealthy:   true,
			SuccessRate: 1.0,
		},
	}
}

// breakerOpen checks if the circuit breaker is tripped.
func (m *monitor) breakerOpen() bool {
	if m.threshold <= 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failureCount >= m.threshold {
		if time.Since(m.lastFailureTime) <= m.cooldown {
			return true
		}
		m.failureCount = 0
		m.logger.Info().Msg("circuit breaker reset after cooldown")
	}
	return false
}

// recordSuccess updates health metrics on successful operation.
func (m *monitor) recordSuccess(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.health.TotalCalls++
	m.health.SuccessCalls++
	m.health.LastUsed = time.Now()

	if m.health.AverageLatency == 0 {
		m.health.AverageLatency = duration
	} else {
		alpha := 0.1
		m.health.AverageLatency = time.Duration(float64(m.health.AverageLatency)*(1-alpha) + float64(duration)*alpha)
	}

	m.health.IsHealthy = true
	m.failureCount = 0
	m.updateRate()
}

// recordOverflow counts a prompt that did not fit.
func (m *monitor) recordOverflow() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.health.TotalCalls++
	m.health.Overflows++
	m.health.LastUsed = time.Now()
	m.updateRate()
}

// recordFailure updates health metrics on failed operation.
func (m *monitor) recordFailure(errorMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.health.TotalCalls++
	m.health.FailureCalls++
	m.health.LastUsed = time.Now()
	m.health.IsHealthy = false

	if len(m.health.ErrorMessages) >= 10 {
		m.health.ErrorMessages = m.health.ErrorMessages[1:]
	}
	m.health.ErrorMessages = append(m.health.ErrorMessages, errorMsg)
	m.updateRate()

	m.failureCount++
	m.lastFailureTime = time.Now()

	m.logger.Warn().Str("error", errorMsg).Int("failure_count", m.failureCount).Msg("engine call failed")
}

func (m *monitor) updateRate() {
	if m.health.TotalCalls > 0 {
		m.health.SuccessRate = float64(m.health.SuccessCalls) / float64(m.health.TotalCalls)
	}
}

// snapshot returns a copy of the current record.
func (m *monitor) snapshot() Health {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.health
	h.ErrorMessages = append([]string(nil), m.health.ErrorMessages...)
	return h
}

// markClosed flags the engine unhealthy after shutdown.
func (m *monitor) markClosed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.health.IsHealthy = false
	m.health.ErrorMessages = append(m.health.ErrorMessages, "engine closed")
}
