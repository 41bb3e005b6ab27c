// Package telegram connects the assistant to a Telegram bot using long
// polling.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/rs/zerolog"

	internal "github.com/ZanzyTHEbar/jensen/jensen"
	"github.com/ZanzyTHEbar/jensen/jensen/assistant"
	"github.com/ZanzyTHEbar/jensen/jensen/assistant/adapters"
	"github.com/ZanzyTHEbar/jensen/jensen/config"
)

// Sender is the part of the Bot API the transport talks to.
type Sender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
	SendChatAction(ctx context.Context, params *bot.SendChatActionParams) (bool, error)
}

// Exchanger runs exchanges for a chat.
type Exchanger interface {
	Exchange(ctx context.Context, chatKey, userText string, r assistant.Replier) (assistant.Result, error)
	Clear(ctx context.Context, chatKey string) error
}

// Transport routes Telegram updates to an Exchanger.
type Transport struct {
	cfg      config.TelegramConfig
	messages config.MessagesConfig
	exch     Exchanger
	allowed  map[int64]struct{}
	logger   zerolog.Logger
}

func New(cfg config.TelegramConfig, messages config.MessagesConfig, exch Exchanger, logger zerolog.Logger) (*Transport, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram: bot token is required")
	}
	allowed := make(map[int64]struct{}, len(cfg.AllowedChats))
	for _, id := range cfg.AllowedChats {
		allowed[id] = struct{}{}
	}
	return &Transport{
		cfg:      cfg,
		messages: messages,
		exch:     exch,
		allowed:  allowed,
		logger:   logger.With().Str("component", "telegram").Logger(),
	}, nil
}

// Run polls for updates until ctx is done.
func (t *Transport) Run(ctx context.Context) error {
	opts := []bot.Option{
		bot.WithDefaultHandler(t.wrap(t.handleText)),
		bot.WithMiddlewares(t.allowChats),
		bot.WithErrorsHandler(func(err error) {
			t.logger.Error().Err(err).Msg("bot error")
		}),
	}
	if t.cfg.PollTimeout > 0 {
		opts = append(opts, bot.WithHTTPClient(t.cfg.PollTimeout, &http.Client{Timeout: t.cfg.PollTimeout + 30*time.Second}))
	}
	if t.cfg.ServerURL != "" {
		opts = append(opts, bot.WithServerURL(t.cfg.ServerURL))
	}

	b, err := bot.New(t.cfg.Token, opts...)
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	for name := range t.commands() {
		b.RegisterHandler(bot.HandlerTypeMessageText, "/"+name, bot.MatchTypeExact, t.wrap(t.handleCommand))
	}

	t.logger.Info().Int("allowed_chats", len(t.allowed)).Msg("polling for updates")
	b.Start(ctx)
	t.logger.Info().Msg("stopped polling")
	return nil
}

func (t *Transport) wrap(h func(context.Context, Sender, *models.Message)) bot.HandlerFunc {
	return func(ctx context.Context, b *bot.Bot, update *models.Update) {
		if update.Message == nil {
			return
		}
		h(ctx, b, update.Message)
	}
}

func (t *Transport) allowChats(next bot.HandlerFunc) bot.HandlerFunc {
	return func(ctx context.Context, b *bot.Bot, update *models.Update) {
		if update.Message != nil && !t.isAllowed(update.Message.Chat.ID) {
			t.logger.Warn().Int64("chat_id", update.Message.Chat.ID).Msg("ignoring message from chat not on the allow list")
			return
		}
		next(ctx, b, update)
	}
}

func (t *Transport) isAllowed(chatID int64) bool {
	if len(t.allowed) == 0 {
		return true
	}
	_, ok := t.allowed[chatID]
	return ok
}

// commands maps a command name to the action it runs for a chat.
func (t *Transport) commands() map[string]func(ctx context.Context, s Sender, chatID int64) {
	reply := func(text string) func(context.Context, Sender, int64) {
		return func(ctx context.Context, s Sender, chatID int64) {
			t.send(ctx, s, chatID, text)
		}
	}
	return map[string]func(context.Context, Sender, int64){
		"start": reply(t.messages.Start),
		"about": reply(t.messages.About),
		"help":  reply(t.messages.Help),
		"clear": func(ctx context.Context, s Sender, chatID int64) {
			if err := t.exch.Clear(ctx, chatKey(chatID)); err != nil {
				t.logger.Error().Err(err).Int64("chat_id", chatID).Msg("clear failed")
				return
			}
			t.send(ctx, s, chatID, t.messages.Cleared)
		},
	}
}

// handleCommand also accepts the /name@botname form used in groups.
func (t *Transport) handleCommand(ctx context.Context, s Sender, msg *models.Message) {
	name, _, _ := strings.Cut(strings.TrimPrefix(strings.Fields(msg.Text)[0], "/"), "@")
	cmd, ok := t.commands()[strings.ToLower(name)]
	if !ok {
		t.send(ctx, s, msg.Chat.ID, t.messages.Help)
		return
	}
	cmd(ctx, s, msg.Chat.ID)
}

func (t *Transport) handleText(ctx context.Context, s Sender, msg *models.Message) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	if strings.HasPrefix(text, "/") {
		t.handleCommand(ctx, s, msg)
		return
	}

	r := &replier{sender: s, chatID: msg.Chat.ID, limit: internal.TelegramMessageLimit}
	res, err := t.exch.Exchange(ctx, chatKey(msg.Chat.ID), text, r)
	switch {
	case err == nil:
		t.logger.Info().
			Str("exchange_id", res.ID).
			Int64("chat_id", msg.Chat.ID).
			Int("segments", res.Segments).
			Dur("duration", res.Duration).
			Msg("replied")
	case errors.Is(err, assistant.ErrEmptyInput):
	case errors.Is(err, adapters.ErrRateLimitExceeded):
		t.send(ctx, s, msg.Chat.ID, t.messages.RateLimited)
	default:
		// The assistant has already told the user.
		t.logger.Error().Err(err).Int64("chat_id", msg.Chat.ID).Msg("exchange failed")
	}
}

func (t *Transport) send(ctx context.Context, s Sender, chatID int64, text string) {
	if text == "" {
		return
	}
	if _, err := s.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: text}); err != nil {
		t.logger.Error().Err(err).Int64("chat_id", chatID).Msg("send failed")
	}
}

func chatKey(chatID int64) string { return strconv.FormatInt(chatID, 10) }

// replier sends one exchange's output to a chat.
type replier struct {
	sender Sender
	chatID int64
	limit  int
}

func (r *replier) Typing(ctx context.Context) error {
	_, err := r.sender.SendChatAction(ctx, &bot.SendChatActionParams{ChatID: r.chatID, Action: models.ChatActionTyping})
	return err
}

func (r *replier) Notice(ctx context.Context, text string) error {
	return r.Segment(ctx, text)
}

// Segment sends text, cutting it into several messages if a single
// paragraph is longer than Telegram accepts.
func (r *replier) Segment(ctx context.Context, text string) error {
	for _, part := range splitRunes(text, r.limit) {
		if _, err := r.sender.SendMessage(ctx, &bot.SendMessageParams{ChatID: r.chatID, Text: part}); err != nil {
			return err
		}
	}
	return nil
}

func splitRunes(text string, limit int) []string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}
	var parts []string
	for text != "" {
		cut, n := 0, 0
		for cut < len(text) && n < limit {
			_, size := utf8.DecodeRuneInString(text[cut:])
			cut += size
			n++
		}
		parts = append(parts, text[:cut])
		text = text[cut:]
	}
	return parts
}
