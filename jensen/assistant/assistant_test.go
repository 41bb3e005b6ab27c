package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ZanzyTHEbar/jensen/jensen/assistant/adapters"
	"github.com/ZanzyTHEbar/jensen/jensen/assistant/ports"
	"github.com/ZanzyTHEbar/jensen/jensen/conversation"
	"github.com/ZanzyTHEbar/jensen/jensen/engine"
)

// stubEngine answers with reply and streams in fragments of three runes.
type stubEngine struct {
	mu      sync.Mutex
	reply   func(engine.Request) (string, error)
	prompts []conversation.Prompt
}

func (e *stubEngine) Name() string { return "stub" }

func (e *stubEngine) call(req engine.Request) (string, error) {
	e.mu.Lock()
	e.prompts = append(e.prompts, req.Prompt)
	e.mu.Unlock()
	return e.reply(req)
}

func (e *stubEngine) Complete(_ context.Context, req engine.Request) (engine.Completion, error) {
	text, err := e.call(req)
	if err != nil {
		return engine.Completion{}, err
	}
	return engine.Completion{Text: text}, nil
}

func (e *stubEngine) Stream(ctx context.Context, req engine.Request) (<-chan engine.Delta, error) {
	text, err := e.call(req)
	if err != nil {
		return nil, err
	}
	runes := []rune(text)
	ch := make(chan engine.Delta, len(runes)+1)
	for i := 0; i < len(runes); i += 3 {
		ch <- engine.Delta{Text: string(runes[i:min(i+3, len(runes))])}
	}
	ch <- engine.Delta{Done: true}
	close(ch)
	return ch, nil
}

func (e *stubEngine) Health() engine.Health { return engine.Health{IsHealthy: true} }
func (e *stubEngine) Close() error          { return nil }

func (e *stubEngine) calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.prompts)
}

type recordingReplier struct {
	mu       sync.Mutex
	notices  []string
	segments []string
	typing   int
}

func (r *recordingReplier) Typing(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.typing++
	return nil
}

func (r *recordingReplier) Notice(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, text)
	return nil
}

func (r *recordingReplier) Segment(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.segments = append(r.segments, text)
	return nil
}

type mockJournal struct {
	mock.Mock
}

func (m *mockJournal) Record(ctx context.Context, rec ports.ExchangeRecord) error {
	return m.Called(ctx, rec).Error(0)
}

func (m *mockJournal) Close() error { return m.Called().Error(0) }

var testMessages = Messages{
	Overflow:       "trying again",
	OverflowFailed: "does not fit",
	EngineFailed:   "engine failed",
}

func newChatAssistant(t *testing.T, eng engine.Engine, mutate ...func(*Options)) *Assistant {
	t.Helper()
	chat, err := conversation.TemplateByName(conversation.ChatTemplateName)
	require.NoError(t, err)
	sessions := conversation.NewSessions(conversation.Options{System: "S", Template: chat})

	opts := Options{MaxLength: 20, Messages: testMessages}
	for _, m := range mutate {
		m(&opts)
	}
	return New(sessions, eng, opts, zerolog.Nop())
}

func echo(req engine.Request) (string, error) {
	msgs := req.Prompt.Messages
	return "re: " + msgs[len(msgs)-1].Content, nil
}

// overflowAbove overflows whenever the prompt carries more than n messages.
func overflowAbove(n int) func(engine.Request) (string, error) {
	return func(req engine.Request) (string, error) {
		if len(req.Prompt.Messages) > n {
			return "", &engine.OverflowError{PromptTokens: len(req.Prompt.Messages), ContextSize: n}
		}
		return echo(req)
	}
}

func TestExchange_FirstExchange(t *testing.T) {
	eng := &stubEngine{reply: func(engine.Request) (string, error) { return "Hello!", nil }}
	a := newChatAssistant(t, eng)
	r := &recordingReplier{}

	res, err := a.Exchange(context.Background(), "42", "  Hi  ", r)
	require.NoError(t, err)

	assert.Equal(t, "Hello!", res.Reply)
	assert.Equal(t, 1, res.Segments)
	assert.False(t, res.Overflowed)
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, []string{"Hello!"}, r.segments)
	assert.Empty(t, r.notices)
	assert.Equal(t, 1, r.typing)

	history, err := a.History(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, []conversation.Turn{
		{Role: conversation.RoleSystem, Content: "S"},
		{Role: conversation.RoleUser, Content: "Hi"},
		{Role: conversation.RoleAssistant, Content: "Hello!"},
	}, history)
}

func TestExchange_BufferedReplyIsCleanedAndChunked(t *testing.T) {
	eng := &stubEngine{reply: func(engine.Request) (string, error) {
		return "<think>\n\n</think>\n\naaaa\n\nbbbbbbbbbbbb", nil
	}}
	a := newChatAssistant(t, eng, func(o *Options) { o.MaxLength = 10 })
	r := &recordingReplier{}

	res, err := a.Exchange(context.Background(), "42", "Hi", r)
	require.NoError(t, err)
	assert.Equal(t, []string{"aaaa", "bbbbbbbbbbbb"}, r.segments)
	assert.Equal(t, "aaaa\n\nbbbbbbbbbbbb", res.Reply)
	assert.Equal(t, 2, res.Segments)
}

func TestExchange_OverflowOnFifthExchange(t *testing.T) {
	// system + four exchanges + the new user turn is ten messages.
	eng := &stubEngine{reply: overflowAbove(9)}
	a := newChatAssistant(t, eng)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		r := &recordingReplier{}
		_, err := a.Exchange(ctx, "42", fmt.Sprintf("q%d", i), r)
		require.NoError(t, err)
		assert.Empty(t, r.notices)
	}

	r := &recordingReplier{}
	res, err := a.Exchange(ctx, "42", "q5", r)
	require.NoError(t, err)
	assert.True(t, res.Overflowed)
	assert.Equal(t, []string{"trying again"}, r.notices)
	assert.Equal(t, []string{"re: q5"}, r.segments)
	assert.Equal(t, 6, eng.calls())

	history, err := a.History(ctx, "42")
	require.NoError(t, err)
	require.Len(t, history, 9)
	assert.Equal(t, "q2", history[1].Content, "the oldest exchange was evicted")
	assert.Equal(t, "q5", history[7].Content)
	assert.Equal(t, "re: q5", history[8].Content)
}

func TestExchange_SecondOverflowFails(t *testing.T) {
	calls := 0
	eng := &stubEngine{reply: func(req engine.Request) (string, error) {
		calls++
		if calls <= 2 {
			return echo(req)
		}
		return "", fmt.Errorf("backend: %w", engine.ErrContextOverflow)
	}}
	a := newChatAssistant(t, eng)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := a.Exchange(ctx, "42", "warm up", &recordingReplier{})
		require.NoError(t, err)
	}

	r := &recordingReplier{}
	_, err := a.Exchange(ctx, "42", "too much", r)
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrContextOverflow)

	var xe *ExchangeError
	require.True(t, errors.As(err, &xe))
	assert.True(t, xe.Overflow)
	assert.Equal(t, []string{"trying again", "does not fit"}, r.notices)
	assert.Empty(t, r.segments)
	assert.Equal(t, 4, eng.calls(), "exactly one retry")

	history, err := a.History(ctx, "42")
	require.NoError(t, err)
	assert.Len(t, history, 3, "one exchange evicted, the failed user turn not committed")
}

func TestExchange_OverflowWithNothingToShrink(t *testing.T) {
	eng := &stubEngine{reply: overflowAbove(1)}
	a := newChatAssistant(t, eng)
	r := &recordingReplier{}

	_, err := a.Exchange(context.Background(), "42", "Hi", r)
	var xe *ExchangeError
	require.True(t, errors.As(err, &xe))
	assert.True(t, xe.Overflow)
	assert.Equal(t, []string{"does not fit"}, r.notices)
	assert.Equal(t, 1, eng.calls(), "no retry when shrinking changed nothing")
}

func TestExchange_ResetPolicy(t *testing.T) {
	eng := &stubEngine{reply: overflowAbove(5)}
	chat, err := conversation.TemplateByName(conversation.ChatTemplateName)
	require.NoError(t, err)
	sessions := conversation.NewSessions(conversation.Options{System: "S", Template: chat, Policy: conversation.PolicyReset})
	a := New(sessions, eng, Options{MaxLength: 20, Messages: testMessages}, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := a.Exchange(ctx, "42", "q", &recordingReplier{})
		require.NoError(t, err)
	}
	res, err := a.Exchange(ctx, "42", "q3", &recordingReplier{})
	require.NoError(t, err)
	assert.True(t, res.Overflowed)

	history, err := a.History(ctx, "42")
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestExchange_EngineFailure(t *testing.T) {
	boom := errors.New("model crashed")
	eng := &stubEngine{reply: func(engine.Request) (string, error) { return "", boom }}
	a := newChatAssistant(t, eng)
	r := &recordingReplier{}

	_, err := a.Exchange(context.Background(), "42", "Hi", r)
	assert.ErrorIs(t, err, boom)
	var xe *ExchangeError
	require.True(t, errors.As(err, &xe))
	assert.False(t, xe.Overflow)
	assert.Equal(t, []string{"engine failed"}, r.notices)

	history, err := a.History(context.Background(), "42")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestExchange_EmptyInput(t *testing.T) {
	eng := &stubEngine{reply: echo}
	a := newChatAssistant(t, eng)

	_, err := a.Exchange(context.Background(), "42", " \n\t ", &recordingReplier{})
	assert.ErrorIs(t, err, ErrEmptyInput)
	assert.Zero(t, eng.calls())
}

func TestExchange_Streaming(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	eng := &stubEngine{reply: func(engine.Request) (string, error) {
		return "<think>\n</think>\n\nHello there\n\nSecond paragraph", nil
	}}
	a := newChatAssistant(t, eng, func(o *Options) { o.Stream = true })
	r := &recordingReplier{}

	res, err := a.Exchange(context.Background(), "42", "Hi", r)
	require.NoError(t, err)
	assert.Equal(t, []string{"Hello there", "Second paragraph"}, r.segments)
	assert.Equal(t, "Hello there\n\nSecond paragraph", res.Reply)

	history, err := a.History(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, "Hello there\n\nSecond paragraph", history[2].Content)
}

// blankRejectingReplier fails on blank text the way chat APIs do.
type blankRejectingReplier struct {
	recordingReplier
}

func (r *blankRejectingReplier) Segment(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return errors.New("Bad Request: message text is empty")
	}
	return r.recordingReplier.Segment(ctx, text)
}

func TestExchange_StreamingTrailingWhitespace(t *testing.T) {
	tests := map[string]struct {
		reply    string
		segments []string
		history  string
	}{
		"trailing blank lines": {"Hello there\n\n\n", []string{"Hello there\n\n\n"}, "Hello there"},
		"blank paragraph":      {"aaaa\n\n \n\nbbbb", []string{"aaaa\n\n ", "bbbb"}, "aaaa\n\n \n\nbbbb"},
		"whitespace only":      {" \n\n\t", nil, ""},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			eng := &stubEngine{reply: func(engine.Request) (string, error) { return tt.reply, nil }}
			a := newChatAssistant(t, eng, func(o *Options) {
				o.Stream = true
				o.MaxLength = 4
			})
			r := &blankRejectingReplier{}

			res, err := a.Exchange(context.Background(), "42", "Hi", r)
			require.NoError(t, err)
			assert.Equal(t, tt.segments, r.segments)
			assert.Equal(t, len(tt.segments), res.Segments)

			history, err := a.History(context.Background(), "42")
			require.NoError(t, err)
			require.Len(t, history, 3, "the delivered reply is committed")
			assert.Equal(t, tt.history, history[2].Content)
		})
	}
}

func TestExchange_StreamingOverflowRetries(t *testing.T) {
	eng := &stubEngine{reply: overflowAbove(3)}
	a := newChatAssistant(t, eng, func(o *Options) { o.Stream = true })
	ctx := context.Background()

	_, err := a.Exchange(ctx, "42", "one", &recordingReplier{})
	require.NoError(t, err)

	r := &recordingReplier{}
	res, err := a.Exchange(ctx, "42", "two", r)
	require.NoError(t, err)
	assert.True(t, res.Overflowed)
	assert.Equal(t, []string{"re: two"}, r.segments)
}

func TestExchange_RateLimited(t *testing.T) {
	eng := &stubEngine{reply: echo}
	a := newChatAssistant(t, eng, func(o *Options) {
		o.Limiter = adapters.NewTokenBucket(1, time.Hour)
	})
	ctx := context.Background()

	_, err := a.Exchange(ctx, "42", "Hi", &recordingReplier{})
	require.NoError(t, err)
	_, err = a.Exchange(ctx, "42", "again", &recordingReplier{})
	assert.ErrorIs(t, err, adapters.ErrRateLimitExceeded)

	_, err = a.Exchange(ctx, "7", "Hi", &recordingReplier{})
	assert.NoError(t, err, "other chats keep their own budget")
	assert.Equal(t, 2, eng.calls())
}

func TestExchange_Journal(t *testing.T) {
	j := &mockJournal{}
	j.On("Record", mock.Anything, mock.MatchedBy(func(rec ports.ExchangeRecord) bool {
		return rec.ChatKey == "42" && rec.User == "Hi" && rec.Reply == "re: Hi" && rec.Template == conversation.ChatTemplateName
	})).Return(errors.New("disk full")).Once()
	j.On("Close").Return(nil).Once()

	a := newChatAssistant(t, &stubEngine{reply: echo}, func(o *Options) { o.Journal = j })

	_, err := a.Exchange(context.Background(), "42", "Hi", &recordingReplier{})
	require.NoError(t, err, "journal failures are not fatal")
	require.NoError(t, a.Close())
	j.AssertExpectations(t)
}

func TestExchange_SerializedPerChat(t *testing.T) {
	var (
		mu      sync.Mutex
		active  int
		overlap bool
	)
	eng := &stubEngine{reply: func(req engine.Request) (string, error) {
		mu.Lock()
		active++
		overlap = overlap || active > 1
		mu.Unlock()
		time.Sleep(time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return echo(req)
	}}
	a := newChatAssistant(t, eng)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := a.Exchange(context.Background(), "42", fmt.Sprintf("m%d", i), &recordingReplier{})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.False(t, overlap)
	history, err := a.History(context.Background(), "42")
	require.NoError(t, err)
	require.Len(t, history, 21)
	for i, turn := range history[1:] {
		want := conversation.RoleUser
		if i%2 == 1 {
			want = conversation.RoleAssistant
		}
		assert.Equal(t, want, turn.Role)
		if want == conversation.RoleAssistant {
			assert.True(t, strings.HasPrefix(turn.Content, "re: "))
		}
	}
}

func TestClear(t *testing.T) {
	a := newChatAssistant(t, &stubEngine{reply: echo})
	ctx := context.Background()

	_, err := a.Exchange(ctx, "42", "Hi", &recordingReplier{})
	require.NoError(t, err)
	require.NoError(t, a.Clear(ctx, "42"))

	history, err := a.History(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, []conversation.Turn{{Role: conversation.RoleSystem, Content: "S"}}, history)
}
