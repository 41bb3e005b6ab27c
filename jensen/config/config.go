package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	internal "github.com/ZanzyTHEbar/jensen/jensen"
)

// EnvPrefix prefixes every environment variable read by viper.
const EnvPrefix = "JENSEN"

// Config stores all configuration of the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Log          LogConfig          `mapstructure:"log"`
	Conversation ConversationConfig `mapstructure:"conversation"`
	Chunker      ChunkerConfig      `mapstructure:"chunker"`
	Engine       EngineConfig       `mapstructure:"engine"`
	Telegram     TelegramConfig     `mapstructure:"telegram"`
	HTTP         HTTPConfig         `mapstructure:"http"`
	Journal      JournalConfig      `mapstructure:"journal"`
	RateLimit    RateLimitConfig    `mapstructure:"ratelimit"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
	Messages     MessagesConfig     `mapstructure:"messages"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // zerolog level name
	Format string `mapstructure:"format"` // "console" or "json"
}

// ConversationConfig stores context manager settings.
type ConversationConfig struct {
	SystemPrompt   string   `mapstructure:"system_prompt"`
	Template       string   `mapstructure:"template"`        // prompt template name
	Scope          string   `mapstructure:"scope"`           // "chat" or "global"
	OverflowPolicy string   `mapstructure:"overflow_policy"` // "evict_oldest" or "reset"
	StopWords      []string `mapstructure:"stop_words"`      // extra markers stripped from replies
}

// ChunkerConfig stores reply chunking settings.
type ChunkerConfig struct {
	MaxLength int  `mapstructure:"max_length"` // segment limit in characters
	Stream    bool `mapstructure:"stream"`     // send segments while the engine is generating
}

// EngineConfig stores inference engine settings.
type EngineConfig struct {
	Provider    string  `mapstructure:"provider"` // "llama" or "openai"
	ModelPath   string  `mapstructure:"model_path"`
	ContextSize int     `mapstructure:"context_size"`
	GPULayers   int     `mapstructure:"gpu_layers"`
	Threads     int     `mapstructure:"threads"`
	BatchSize   int     `mapstructure:"batch_size"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	MLock       bool    `mapstructure:"mlock"`
	MMap        bool    `mapstructure:"mmap"`
	Temperature float32 `mapstructure:"temperature"`
	TopP        float32 `mapstructure:"top_p"`
	Seed        int     `mapstructure:"seed"`

	// Pooling and resilience
	PoolSize         int           `mapstructure:"pool_size"`
	BorrowTimeout    time.Duration `mapstructure:"borrow_timeout"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`

	OpenAI OpenAIConfig `mapstructure:"openai"`
}

// OpenAIConfig stores settings for OpenAI-compatible servers.
type OpenAIConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
}

// TelegramConfig stores bot transport settings.
type TelegramConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Token        string        `mapstructure:"token"`
	PollTimeout  time.Duration `mapstructure:"poll_timeout"`
	ServerURL    string        `mapstructure:"server_url"`
	AllowedChats []int64       `mapstructure:"allowed_chats"` // empty allows every chat
}

// HTTPConfig stores HTTP transport settings.
type HTTPConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// JournalConfig stores exchange journal settings.
type JournalConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// RateLimitConfig stores per-chat rate limiting settings.
type RateLimitConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Capacity   int           `mapstructure:"capacity"`
	RefillRate time.Duration `mapstructure:"refill_rate"`
}

// TracingConfig stores exchange tracing settings.
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// MessagesConfig stores the fixed texts the bot replies with.
type MessagesConfig struct {
	Start          string `mapstructure:"start"`
	About          string `mapstructure:"about"`
	Help           string `mapstructure:"help"`
	Cleared        string `mapstructure:"cleared"`
	Overflow       string `mapstructure:"overflow"`
	OverflowFailed string `mapstructure:"overflow_failed"`
	EngineFailed   string `mapstructure:"engine_failed"`
	RateLimited    string `mapstructure:"rate_limited"`
}

// legacyEnv maps config keys onto the unprefixed variables older deployments set.
var legacyEnv = map[string]string{
	"engine.model_path":     "MODEL_PATH",
	"engine.context_size":   "N_CTX",
	"engine.gpu_layers":     "N_GPU_LAYERS",
	"engine.threads":        "N_THREADS",
	"engine.max_tokens":     "MAX_TOKENS",
	"engine.mlock":          "USE_MLOCK",
	"telegram.token":        "API_KEY",
	"telegram.poll_timeout": "POLL_INTERVAL",
}

var AppConfig Config

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("conversation.system_prompt", internal.DefaultSystemPrompt)
	v.SetDefault("conversation.template", internal.DefaultTemplate)
	v.SetDefault("conversation.scope", "chat")
	v.SetDefault("conversation.overflow_policy", "evict_oldest")
	v.SetDefault("conversation.stop_words", []string{})

	v.SetDefault("chunker.max_length", internal.DefaultChunkLength)
	v.SetDefault("chunker.stream", false)

	v.SetDefault("engine.provider", "llama")
	v.SetDefault("engine.model_path", "")
	v.SetDefault("engine.context_size", 512)
	v.SetDefault("engine.gpu_layers", 0)
	v.SetDefault("engine.threads", 4)
	v.SetDefault("engine.batch_size", 512)
	v.SetDefault("engine.max_tokens", 512)
	v.SetDefault("engine.mlock", false)
	v.SetDefault("engine.mmap", true)
	v.SetDefault("engine.temperature", 0.2)
	v.SetDefault("engine.top_p", 0.95)
	v.SetDefault("engine.seed", -1)
	v.SetDefault("engine.pool_size", 1)
	v.SetDefault("engine.borrow_timeout", "2m")
	v.SetDefault("engine.request_timeout", "5m")
	v.SetDefault("engine.breaker_threshold", 5)
	v.SetDefault("engine.breaker_cooldown", "1m")
	v.SetDefault("engine.openai.base_url", "http://localhost:8080/v1")
	v.SetDefault("engine.openai.api_key", "")
	v.SetDefault("engine.openai.model", "")

	v.SetDefault("telegram.enabled", true)
	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.poll_timeout", "1s")
	v.SetDefault("telegram.server_url", "")
	v.SetDefault("telegram.allowed_chats", []int64{})

	v.SetDefault("http.enabled", false)
	v.SetDefault("http.addr", "127.0.0.1:8088")

	v.SetDefault("journal.enabled", false)
	v.SetDefault("journal.path", internal.DefaultJournalPath)

	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.capacity", 5)
	v.SetDefault("ratelimit.refill_rate", "3s")

	v.SetDefault("tracing.enabled", true)

	v.SetDefault("messages.start", "Welcome back sir!")
	v.SetDefault("messages.about", "I'm Jensen your personal LLaMA 2 powered chatbot.")
	v.SetDefault("messages.help", "To engage in a conversation with me just start typing.\n\n"+
		"The commands I understand:\n/about - some information about me Jensen\n/clear - clear prompt history")
	v.SetDefault("messages.cleared", "Prompt history cleared.")
	v.SetDefault("messages.overflow", "Woops, something went wrong. Trying again after removing some prompt history.")
	v.SetDefault("messages.overflow_failed", "Sorry, the conversation no longer fits into my context window. Try /clear.")
	v.SetDefault("messages.engine_failed", "Sorry, I could not come up with a reply. Please try again.")
	v.SetDefault("messages.rate_limited", "Easy there, give me a moment before the next message.")
}

// BindEnv wires JENSEN_* variables and the legacy unprefixed names into v.
func BindEnv(v *viper.Viper) error {
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	// Replace dots with underscores in env var names e.g. engine.model_path becomes JENSEN_ENGINE_MODEL_PATH
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for key, legacy := range legacyEnv {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return fmt.Errorf("bind env for %s: %w", key, err)
		}
	}
	return nil
}

// LoadConfig reads configuration from file or environment variables into
// the global viper instance.
func LoadConfig(configPath string) (*Config, error) {
	cfg, err := Load(viper.GetViper(), configPath)
	if err != nil {
		return nil, err
	}
	AppConfig = *cfg
	return cfg, nil
}

// Load reads configuration into v and decodes it.
func Load(v *viper.Viper, configPath string) (*Config, error) {
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath(filepath.Join("etc", internal.DefaultAppName))
		v.AddConfigPath(internal.DefaultConfigPath)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	SetDefaults(v)
	if err := BindEnv(v); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file; defaults and environment apply.
	}

	return Decode(v)
}

// Decode unmarshals the current state of v and validates it.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		secondsToDurationHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// secondsToDurationHook accepts bare numbers as seconds, so POLL_INTERVAL=1.0 keeps working.
func secondsToDurationHook() mapstructure.DecodeHookFuncType {
	durationType := reflect.TypeOf(time.Duration(0))
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != durationType {
			return data, nil
		}
		var seconds float64
		switch d := data.(type) {
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(d), 64)
			if err != nil {
				return data, nil
			}
			seconds = f
		case int:
			seconds = float64(d)
		case int64:
			seconds = float64(d)
		case float64:
			seconds = d
		default:
			return data, nil
		}
		return time.Duration(seconds * float64(time.Second)), nil
	}
}

// Validate checks values that would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}

	if c.Chunker.MaxLength <= 0 {
		return fmt.Errorf("chunker.max_length must be positive, got %d", c.Chunker.MaxLength)
	}
	if c.Telegram.Enabled && c.Chunker.MaxLength > internal.TelegramMessageLimit {
		return fmt.Errorf("chunker.max_length %d exceeds the telegram message limit %d",
			c.Chunker.MaxLength, internal.TelegramMessageLimit)
	}

	switch strings.ToLower(c.Engine.Provider) {
	case "llama", "openai":
	default:
		return fmt.Errorf("engine.provider must be llama or openai, got %q", c.Engine.Provider)
	}
	if c.Engine.MaxTokens <= 0 {
		return fmt.Errorf("engine.max_tokens must be positive, got %d", c.Engine.MaxTokens)
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.Capacity <= 0 {
			return fmt.Errorf("ratelimit.capacity must be positive, got %d", c.RateLimit.Capacity)
		}
		if c.RateLimit.RefillRate <= 0 {
			return fmt.Errorf("ratelimit.refill_rate must be positive, got %v", c.RateLimit.RefillRate)
		}
	}

	if c.Journal.Enabled && c.Journal.Path == "" {
		return errors.New("journal.path is required when the journal is enabled")
	}
	return nil
}
