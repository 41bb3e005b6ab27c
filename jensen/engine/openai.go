package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/jensen/jensen/conversation"
)

// OpenAIConfig configures an engine backed by an OpenAI-compatible server
// such as llama.cpp's llama-server, vLLM or the OpenAI API itself.
type OpenAIConfig struct {
	BaseURL     string
	APIKey      string // optional for local servers
	Model       string
	MaxTokens   int
	Temperature float32
	TopP        float32
	StopWords   []string

	RequestTimeout   time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration

	HTTPClient *http.Client
}

// OpenAIEngine sends structured prompts to /chat/completions and flat
// prompts to /completions.
type OpenAIEngine struct {
	cfg    OpenAIConfig
	http   *http.Client
	mon    *monitor
	logger zerolog.Logger
}

// NewOpenAIEngine creates a client for cfg.BaseURL.
func NewOpenAIEngine(cfg OpenAIConfig, logger zerolog.Logger) (*OpenAIEngine, error) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("openai: base url cannot be empty")
	}
	if cfg.MaxTokens <= 0 {
		return nil, fmt.Errorf("openai: max tokens must be positive, got %d", cfg.MaxTokens)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Minute
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}

	logger = logger.With().Str("component", "openai_engine").Str("base_url", cfg.BaseURL).Logger()
	return &OpenAIEngine{
		cfg:    cfg,
		http:   hc,
		mon:    newMonitor(cfg.BreakerThreshold, cfg.BreakerCooldown, logger),
		logger: logger,
	}, nil
}

func (e *OpenAIEngine) Name() string { return "openai" }

func (e *OpenAIEngine) url(path string) string {
	if strings.HasSuffix(e.cfg.BaseURL, "/v1") {
		return e.cfg.BaseURL + path
	}
	return e.cfg.BaseURL + "/v1" + path
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model       string          `json:"model,omitempty"`
	Messages    []openAIMessage `json:"messages,omitempty"`
	Prompt      string          `json:"prompt,omitempty"`
	Temperature *float32        `json:"temperature,omitempty"`
	TopP        *float32        `json:"top_p,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Stop        []string        `json:"stop,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

// openAIChoice covers both endpoint shapes, buffered and streamed.
type openAIChoice struct {
	Text    string `json:"text"`
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Delta struct {
		Content string `json:"content"`
	} `json:"delta"`
	FinishReason string `json:"finish_reason"`
}

func (c openAIChoice) content() string {
	switch {
	case c.Message.Content != "":
		return c.Message.Content
	case c.Delta.Content != "":
		return c.Delta.Content
	default:
		return c.Text
	}
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIResponse struct {
	Choices []openAIChoice `json:"choices"`
	Usage   *openAIUsage   `json:"usage"`
}

func (u *openAIUsage) toUsage() *Usage {
	if u == nil {
		return nil
	}
	return &Usage{PromptTokens: u.PromptTokens, CompletionTokens: u.CompletionTokens, TotalTokens: u.TotalTokens}
}

// openAIError is the error envelope. code is a string on OpenAI and a
// number on llama-server, so it stays raw.
type openAIError struct {
	Error struct {
		Message string          `json:"message"`
		Type    string          `json:"type"`
		Code    json.RawMessage `json:"code"`
	} `json:"error"`
}

func (e *OpenAIEngine) buildRequest(req Request, stream bool) (string, openAIRequest, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = e.cfg.MaxTokens
	}
	body := openAIRequest{
		Model:     e.cfg.Model,
		MaxTokens: maxTokens,
		Stop:      append(append([]string(nil), e.cfg.StopWords...), req.Stop...),
		Stream:    stream,
	}
	if e.cfg.Temperature > 0 {
		t := e.cfg.Temperature
		body.Temperature = &t
	}
	if e.cfg.TopP > 0 {
		p := e.cfg.TopP
		body.TopP = &p
	}

	switch req.Prompt.Kind {
	case conversation.PromptMessages:
		for _, turn := range req.Prompt.Messages {
			body.Messages = append(body.Messages, openAIMessage{Role: string(turn.Role), Content: turn.Content})
		}
		return e.url("/chat/completions"), body, nil
	case conversation.PromptText:
		body.Prompt = req.Prompt.Text
		return e.url("/completions"), body, nil
	default:
		return "", body, fmt.Errorf("%w: %s", ErrUnsupportedPrompt, req.Prompt.Kind)
	}
}

// do sends the request and returns the response when the status is 2xx.
func (e *OpenAIEngine) do(ctx context.Context, req Request, stream bool) (*http.Response, error) {
	if e.mon.breakerOpen() {
		return nil, ErrBreakerOpen
	}

	url, body, err := e.buildRequest(req, stream)
	if err != nil {
		return nil, err
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := e.http.Do(httpReq)
	if err != nil {
		e.mon.recordFailure(fmt.Sprintf("request failed: %v", err))
		return nil, fmt.Errorf("openai: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
		err := statusError(resp.StatusCode, raw)
		if errors.Is(err, ErrContextOverflow) {
			e.mon.recordOverflow()
		} else {
			e.mon.recordFailure(err.Error())
		}
		return nil, err
	}
	return resp, nil
}

// statusError maps an error response, recognising context overflows by
// error code or type, falling back to the message text.
func statusError(status int, raw []byte) error {
	cause := fmt.Errorf("openai: http status %d: %s", status, strings.TrimSpace(string(raw)))

	var env openAIError
	if json.Unmarshal(raw, &env) != nil {
		return cause
	}
	code := strings.Trim(string(env.Error.Code), `"`)
	msg := strings.ToLower(env.Error.Message)
	switch {
	case code == "context_length_exceeded",
		env.Error.Type == "exceed_context_size_error",
		strings.Contains(msg, "maximum context length"),
		strings.Contains(msg, "exceeds the available context size"):
		return &OverflowError{Cause: cause}
	}
	return cause
}

// Complete generates a buffered reply.
func (e *OpenAIEngine) Complete(ctx context.Context, req Request) (Completion, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()

	start := time.Now()
	resp, err := e.do(ctx, req, false)
	if err != nil {
		return Completion{}, err
	}
	defer resp.Body.Close()

	var out openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		e.mon.recordFailure(fmt.Sprintf("decode failed: %v", err))
		return Completion{}, fmt.Errorf("openai: decode response: %w", err)
	}
	e.mon.recordSuccess(time.Since(start))

	if len(out.Choices) == 0 {
		return Completion{Usage: out.Usage.toUsage()}, nil
	}
	return Completion{Text: out.Choices[0].content(), Usage: out.Usage.toUsage()}, nil
}

// Stream generates a reply over server-sent events.
func (e *OpenAIEngine) Stream(ctx context.Context, req Request) (<-chan Delta, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)

	start := time.Now()
	resp, err := e.do(ctx, req, true)
	if err != nil {
		cancel()
		return nil, err
	}

	out := make(chan Delta, 64)
	go func() {
		defer close(out)
		defer cancel()
		defer resp.Body.Close()

		err := e.readStream(ctx, resp.Body, out)
		if err != nil {
			if ctx.Err() == nil {
				e.mon.recordFailure(fmt.Sprintf("stream failed: %v", err))
			}
			send(ctx, out, Delta{Err: err})
			return
		}
		e.mon.recordSuccess(time.Since(start))
		send(ctx, out, Delta{Done: true})
	}()
	return out, nil
}

func (e *OpenAIEngine) readStream(ctx context.Context, body io.Reader, out chan<- Delta) error {
	scanner := bufio.NewScanner(body)
	// Increase buffer for long lines
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return nil
		}

		var chunk openAIResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return fmt.Errorf("openai: decode stream chunk: %w", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if text := chunk.Choices[0].content(); text != "" {
			if !send(ctx, out, Delta{Text: text}) {
				return ctx.Err()
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("openai: read stream: %w", err)
	}
	return ctx.Err()
}

func (e *OpenAIEngine) Health() Health { return e.mon.snapshot() }

func (e *OpenAIEngine) Close() error {
	e.http.CloseIdleConnections()
	e.mon.markClosed()
	return nil
}

var _ Engine = (*OpenAIEngine)(nil)
