// Package httpapi exposes the assistant over HTTP. Replies come back as one
// JSON document or as server-sent events, one event per segment.
package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/jensen/jensen/assistant"
	"github.com/ZanzyTHEbar/jensen/jensen/assistant/adapters"
	"github.com/ZanzyTHEbar/jensen/jensen/config"
	"github.com/ZanzyTHEbar/jensen/jensen/conversation"
	"github.com/ZanzyTHEbar/jensen/jensen/engine"
)

// Exchanger is the assistant surface the API serves.
type Exchanger interface {
	Exchange(ctx context.Context, chatKey, userText string, r assistant.Replier) (assistant.Result, error)
	Clear(ctx context.Context, chatKey string) error
	History(ctx context.Context, chatKey string) ([]conversation.Turn, error)
	Health() engine.Health
}

type Server struct {
	app       *fiber.App
	addr      string
	exch      Exchanger
	validator *validator
	logger    zerolog.Logger
}

type messageRequest struct {
	Text   string `json:"text"`
	Stream bool   `json:"stream"`
}

type messageResponse struct {
	ID         string   `json:"id"`
	Reply      string   `json:"reply"`
	Segments   []string `json:"segments"`
	Notices    []string `json:"notices,omitempty"`
	Overflowed bool     `json:"overflowed"`
	DurationMS int64    `json:"duration_ms"`
}

type errorResponse struct {
	Error    string   `json:"error"`
	Overflow bool     `json:"overflow,omitempty"`
	Notices  []string `json:"notices,omitempty"`
}

type historyResponse struct {
	Chat  string              `json:"chat"`
	Turns []conversation.Turn `json:"turns"`
}

type healthResponse struct {
	Healthy          bool     `json:"healthy"`
	SuccessRate      float64  `json:"success_rate"`
	AverageLatencyMS int64    `json:"average_latency_ms"`
	TotalCalls       int64    `json:"total_calls"`
	FailureCalls     int64    `json:"failure_calls"`
	Overflows        int64    `json:"overflows"`
	Errors           []string `json:"errors,omitempty"`
}

func New(cfg config.HTTPConfig, exch Exchanger, logger zerolog.Logger) (*Server, error) {
	v, err := newValidator(messageSchema)
	if err != nil {
		return nil, err
	}
	s := &Server{
		addr:      cfg.Addr,
		exch:      exch,
		validator: v,
		logger:    logger.With().Str("component", "httpapi").Logger(),
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "jensen",
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})
	s.app.Use(s.logRequests)
	s.app.Get("/healthz", s.health)
	s.app.Post("/v1/chats/:chat/messages", s.postMessage)
	s.app.Get("/v1/chats/:chat/history", s.history)
	s.app.Delete("/v1/chats/:chat", s.clear)
	return s, nil
}

// App exposes the fiber app, mostly for tests.
func (s *Server) App() *fiber.App { return s.app }

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.addr).Msg("listening")
		errCh <- s.app.Listen(s.addr)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("httpapi: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.app.ShutdownWithContext(shutdownCtx); err != nil {
		return fmt.Errorf("httpapi: shutdown: %w", err)
	}
	<-errCh
	s.logger.Info().Msg("stopped")
	return nil
}

func (s *Server) logRequests(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	s.logger.Debug().
		Str("method", c.Method()).
		Str("path", c.Path()).
		Int("status", c.Response().StatusCode()).
		Dur("duration", time.Since(start)).
		Msg("request")
	return err
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	return c.Status(code).JSON(errorResponse{Error: err.Error()})
}

func (s *Server) postMessage(c *fiber.Ctx) error {
	if err := s.validator.validate(c.Body()); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	var req messageRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	chat := c.Params("chat")
	if req.Stream {
		return s.streamMessage(c, chat, req.Text)
	}

	r := &collector{}
	res, err := s.exch.Exchange(c.UserContext(), chat, req.Text, r)
	if err != nil {
		status, body := exchangeFailure(err, r.notices)
		if status == fiber.StatusTooManyRequests {
			c.Set(fiber.HeaderRetryAfter, retryAfter(err))
		}
		return c.Status(status).JSON(body)
	}
	return c.JSON(messageResponse{
		ID:         res.ID,
		Reply:      res.Reply,
		Segments:   r.segmentsOrEmpty(),
		Notices:    r.notices,
		Overflowed: res.Overflowed,
		DurationMS: res.Duration.Milliseconds(),
	})
}

func (s *Server) streamMessage(c *fiber.Ctx, chat, text string) error {
	ctx := c.UserContext()
	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		r := &sseReplier{w: w}
		res, err := s.exch.Exchange(ctx, chat, text, r)
		if err != nil {
			_, body := exchangeFailure(err, nil)
			_ = writeEvent(w, "error", body)
			s.logger.Warn().Err(err).Str("chat", chat).Msg("streamed exchange failed")
			return
		}
		_ = writeEvent(w, "done", messageResponse{
			ID:         res.ID,
			Reply:      res.Reply,
			Segments:   []string{},
			Overflowed: res.Overflowed,
			DurationMS: res.Duration.Milliseconds(),
		})
	})
	return nil
}

func exchangeFailure(err error, notices []string) (int, errorResponse) {
	body := errorResponse{Error: err.Error(), Notices: notices}
	var xe *assistant.ExchangeError
	switch {
	case errors.Is(err, assistant.ErrEmptyInput):
		return fiber.StatusBadRequest, body
	case errors.Is(err, adapters.ErrRateLimitExceeded):
		return fiber.StatusTooManyRequests, body
	case errors.As(err, &xe) && xe.Overflow:
		body.Overflow = true
		return fiber.StatusUnprocessableEntity, body
	case errors.Is(err, engine.ErrBreakerOpen):
		return fiber.StatusServiceUnavailable, body
	case errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout, body
	default:
		return fiber.StatusBadGateway, body
	}
}

func retryAfter(err error) string {
	var rle *adapters.RateLimitError
	if errors.As(err, &rle) && rle.RetryAfter > 0 {
		return fmt.Sprint(int(math.Ceil(rle.RetryAfter.Seconds())))
	}
	return "1"
}

func (s *Server) clear(c *fiber.Ctx) error {
	if err := s.exch.Clear(c.UserContext(), c.Params("chat")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) history(c *fiber.Ctx) error {
	chat := c.Params("chat")
	turns, err := s.exch.History(c.UserContext(), chat)
	if err != nil {
		return err
	}
	return c.JSON(historyResponse{Chat: chat, Turns: turns})
}

func (s *Server) health(c *fiber.Ctx) error {
	h := s.exch.Health()
	status := fiber.StatusOK
	if !h.IsHealthy {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(healthResponse{
		Healthy:          h.IsHealthy,
		SuccessRate:      h.SuccessRate,
		AverageLatencyMS: h.AverageLatency.Milliseconds(),
		TotalCalls:       h.TotalCalls,
		FailureCalls:     h.FailureCalls,
		Overflows:        h.Overflows,
		Errors:           h.ErrorMessages,
	})
}
