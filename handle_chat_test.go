package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/ziyixi/chatrelay/conversation"
	"github.com/ziyixi/chatrelay/database"
	"github.com/ziyixi/chatrelay/llm"
	"github.com/ziyixi/chatrelay/ratelimit"
	"github.com/ziyixi/chatrelay/testutils"
	"github.com/ziyixi/chatrelay/testutils/mocks"
)

func testConfig() Config {
	return Config{
		Port:            5000,
		Provider:        llm.ProviderOpenAI,
		Model:           "gpt-3.5-turbo",
		APIKey:          "sk-test",
		UpstreamTimeout: llm.DefaultTimeout,
		PerIPDaily:      ratelimit.DefaultPerIPDaily,
		GlobalDaily:     ratelimit.DefaultGlobalDaily,
		Cooldown:        ratelimit.DefaultCooldown,
		MaxHistory:      conversation.DefaultMaxHistory,
		MaxTokens:       llm.DefaultMaxTokens,
		ShutdownTimeout: time.Second,
	}
}

func newTestServer(t *testing.T, completer llm.Completer, cfg Config) (*Server, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	srv := NewServer(cfg, completer, nil)
	return srv, setupRouter(srv)
}

func doChat(router http.Handler, ip, msg string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/get?msg="+url.QueryEscape(msg), nil)
	req.Header.Set("X-Forwarded-For", ip)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func doClear(router http.Handler, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/clear", nil)
	req.Header.Set("X-Forwarded-For", ip)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func reply(text string) llm.Completion {
	return llm.Completion{Reply: text, Model: "gpt-3.5-turbo", TotalTokens: 10}
}

func userTurn(text string) conversation.Message {
	return conversation.Message{Role: conversation.RoleUser, Content: text}
}

func assistantTurn(text string) conversation.Message {
	return conversation.Message{Role: conversation.RoleAssistant, Content: text}
}

func TestHandleChat_EmptyMessage(t *testing.T) {
	completer := &mocks.MockCompleter{}
	srv, router := newTestServer(t, completer, testConfig())

	for _, msg := range []string{"", "   ", "\t\n"} {
		w := doChat(router, "1.2.3.4", msg)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "Please provide a message.", w.Body.String())
	}

	completer.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)
	assert.Equal(t, 0, srv.limiter.Snapshot("1.2.3.4").IPCount, "no slot consumed")
	assert.Empty(t, srv.store.Get("1.2.3.4"))
}

func TestHandleChat_MissingCredential(t *testing.T) {
	testutils.UnsetEnv(t, "OPENAI_API_KEY")

	completer := &mocks.MockCompleter{}
	cfg := testConfig()
	cfg.APIKey = ""
	srv, router := newTestServer(t, completer, cfg)

	w := doChat(router, "1.2.3.4", "hello")

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "Server misconfigured. Missing OPENAI_API_KEY.", w.Body.String())
	completer.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)
	assert.Equal(t, 0, srv.limiter.Snapshot("1.2.3.4").IPCount)

	t.Run("credential set in the environment later is picked up", func(t *testing.T) {
		testutils.SetEnv(t, "OPENAI_API_KEY", "sk-env")
		completer.On("Complete", mock.Anything, mock.Anything).Return(reply("hi there"), nil).Once()

		w := doChat(router, "1.2.3.4", "hello")
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestHandleChat_Success(t *testing.T) {
	completer := &mocks.MockCompleter{}
	completer.On("Complete", mock.Anything, llm.Request{
		Model:     "gpt-3.5-turbo",
		Messages:  []conversation.Message{userTurn("hello")},
		MaxTokens: 256,
	}).Return(reply("hi there"), nil).Once()

	srv, router := newTestServer(t, completer, testConfig())
	okBefore := testutil.ToFloat64(chatRequestsTotal.WithLabelValues(outcomeOK))

	w := doChat(router, "1.2.3.4", "  hello  ")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hi there", w.Body.String())
	assert.Equal(t, []conversation.Message{userTurn("hello"), assistantTurn("hi there")}, srv.store.Get("1.2.3.4"))
	assert.Equal(t, okBefore+1, testutil.ToFloat64(chatRequestsTotal.WithLabelValues(outcomeOK)))
	assert.Equal(t, int32(10), srv.tokens.CurrentUsage())
	completer.AssertExpectations(t)
}

func TestHandleChat_ReplyIsVerbatim(t *testing.T) {
	completer := &mocks.MockCompleter{}
	completer.On("Complete", mock.Anything, mock.Anything).Return(reply("100% <b>sure</b>\n"), nil)

	_, router := newTestServer(t, completer, testConfig())
	w := doChat(router, "1.2.3.4", "are you sure?")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "100% <b>sure</b>\n", w.Body.String())
}

func TestHandleChat_SixthRequestRateLimited(t *testing.T) {
	completer := &mocks.MockCompleter{}
	completer.On("Complete", mock.Anything, mock.Anything).Return(reply("ok"), nil)

	cfg := testConfig()
	cfg.Cooldown = 0
	srv, router := newTestServer(t, completer, cfg)
	deniedBefore := testutil.ToFloat64(rateLimitDenialsTotal.WithLabelValues(string(ratelimit.ReasonIPDaily)))

	for i := 0; i < 5; i++ {
		w := doChat(router, "1.2.3.4", fmt.Sprintf("message %d", i))
		require.Equal(t, http.StatusOK, w.Code, "request %d", i+1)
	}
	historyBefore := srv.store.Get("1.2.3.4")

	w := doChat(router, "1.2.3.4", "one more")

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "Public demo limit reached. Please try again later or run locally.", w.Body.String())
	retryAfter, err := strconv.Atoi(w.Header().Get("Retry-After"))
	require.NoError(t, err, "Retry-After must be numeric")
	assert.GreaterOrEqual(t, retryAfter, 1)
	assert.LessOrEqual(t, retryAfter, 24*60*60)

	assert.Equal(t, historyBefore, srv.store.Get("1.2.3.4"), "denied requests leave the conversation alone")
	completer.AssertNumberOfCalls(t, "Complete", 5)
	assert.Equal(t, deniedBefore+1, testutil.ToFloat64(rateLimitDenialsTotal.WithLabelValues(string(ratelimit.ReasonIPDaily))))

	// Other clients are unaffected.
	assert.Equal(t, http.StatusOK, doChat(router, "5.6.7.8", "hello").Code)
}

func TestHandleChat_Cooldown(t *testing.T) {
	completer := &mocks.MockCompleter{}
	completer.On("Complete", mock.Anything, mock.Anything).Return(reply("ok"), nil)

	_, router := newTestServer(t, completer, testConfig())

	require.Equal(t, http.StatusOK, doChat(router, "1.2.3.4", "first").Code)
	w := doChat(router, "1.2.3.4", "second")

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	retryAfter, err := strconv.Atoi(w.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.InDelta(t, 15, retryAfter, 1)
	completer.AssertNumberOfCalls(t, "Complete", 1)
}

func TestHandleChat_GlobalLimit(t *testing.T) {
	completer := &mocks.MockCompleter{}
	completer.On("Complete", mock.Anything, mock.Anything).Return(reply("ok"), nil)

	cfg := testConfig()
	cfg.GlobalDaily = 2
	_, router := newTestServer(t, completer, cfg)

	assert.Equal(t, http.StatusOK, doChat(router, "10.0.0.1", "hi").Code)
	assert.Equal(t, http.StatusOK, doChat(router, "10.0.0.2", "hi").Code)

	w := doChat(router, "10.0.0.3", "hi")
	assert.Equal(t, http.StatusTooManyRequests, w.Code, "fresh IP denied once the global cap is reached")
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestHandleChat_UpstreamErrorRollsBack(t *testing.T) {
	completer := &mocks.MockCompleter{}
	completer.On("Complete", mock.Anything, mock.Anything).Return(reply("first reply"), nil).Once()
	completer.On("Complete", mock.Anything, mock.Anything).Return(llm.Completion{}, errors.New("connection reset")).Once()

	cfg := testConfig()
	cfg.Cooldown = 0
	srv, router := newTestServer(t, completer, cfg)

	require.Equal(t, http.StatusOK, doChat(router, "1.2.3.4", "first").Code)
	before := srv.store.Get("1.2.3.4")
	errorsBefore := testutil.ToFloat64(chatRequestsTotal.WithLabelValues(outcomeUpstreamError))

	w := doChat(router, "1.2.3.4", "second")

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "Upstream error. Please try again.", w.Body.String())
	assert.Equal(t, before, srv.store.Get("1.2.3.4"))
	assert.Equal(t, errorsBefore+1, testutil.ToFloat64(chatRequestsTotal.WithLabelValues(outcomeUpstreamError)))
	assert.Equal(t, 2, srv.limiter.Snapshot("1.2.3.4").IPCount, "a failed call still uses the slot")
}

func TestHandleChat_UpstreamErrorOnFullHistory(t *testing.T) {
	completer := &mocks.MockCompleter{}
	cfg := testConfig()
	cfg.Cooldown = 0
	cfg.PerIPDaily = 100
	cfg.GlobalDaily = 100
	srv, router := newTestServer(t, completer, cfg)

	for i := 0; i < 6; i++ {
		completer.On("Complete", mock.Anything, mock.Anything).Return(reply(fmt.Sprintf("reply %d", i)), nil).Once()
		require.Equal(t, http.StatusOK, doChat(router, "ip", fmt.Sprintf("message %d", i)).Code)
	}
	before := srv.store.Get("ip")
	require.Len(t, before, 12)

	completer.On("Complete", mock.Anything, mock.Anything).Return(llm.Completion{}, errors.New("timeout")).Once()
	w := doChat(router, "ip", "will fail")

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, before, srv.store.Get("ip"), "the message evicted by the failed turn is restored")
}

func TestHandleChat_HistoryIsTrimmed(t *testing.T) {
	completer := &mocks.MockCompleter{}
	cfg := testConfig()
	cfg.Cooldown = 0
	cfg.PerIPDaily = 100
	cfg.GlobalDaily = 100
	srv, router := newTestServer(t, completer, cfg)

	var sent [][]conversation.Message
	var mu sync.Mutex
	completer.On("Complete", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			mu.Lock()
			defer mu.Unlock()
			sent = append(sent, args.Get(1).(llm.Request).Messages)
		}).
		Return(reply("ok"), nil)

	for i := 0; i < 7; i++ {
		require.Equal(t, http.StatusOK, doChat(router, "ip", fmt.Sprintf("message %d", i)).Code)
	}

	history := srv.store.Get("ip")
	require.Len(t, history, 12)
	assert.Equal(t, userTurn("message 1"), history[0])
	assert.Equal(t, assistantTurn("ok"), history[11])

	last := sent[len(sent)-1]
	assert.Len(t, last, 12, "the completion call gets the trimmed history")
	assert.Equal(t, userTurn("message 6"), last[11])
}

func TestHandleClear(t *testing.T) {
	completer := &mocks.MockCompleter{}
	cfg := testConfig()
	cfg.Cooldown = 0
	srv, router := newTestServer(t, completer, cfg)

	completer.On("Complete", mock.Anything, mock.Anything).Return(reply("hi there"), nil).Once()
	require.Equal(t, http.StatusOK, doChat(router, "1.2.3.4", "hello").Code)
	require.Len(t, srv.store.Get("1.2.3.4"), 2)

	w := doClear(router, "1.2.3.4")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Body.String())
	assert.Empty(t, srv.store.Get("1.2.3.4"))

	completer.On("Complete", mock.Anything, llm.Request{
		Model:     "gpt-3.5-turbo",
		Messages:  []conversation.Message{userTurn("fresh start")},
		MaxTokens: 256,
	}).Return(reply("welcome back"), nil).Once()

	w = doChat(router, "1.2.3.4", "fresh start")
	assert.Equal(t, http.StatusOK, w.Code)
	completer.AssertExpectations(t)
}

func TestHandleClear_UnknownClient(t *testing.T) {
	_, router := newTestServer(t, &mocks.MockCompleter{}, testConfig())

	w := doClear(router, "9.9.9.9")
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestHandleClear_DoesNotResetLimits(t *testing.T) {
	completer := &mocks.MockCompleter{}
	completer.On("Complete", mock.Anything, mock.Anything).Return(reply("ok"), nil)
	srv, router := newTestServer(t, completer, testConfig())

	require.Equal(t, http.StatusOK, doChat(router, "1.2.3.4", "hello").Code)
	doClear(router, "1.2.3.4")

	assert.Equal(t, http.StatusTooManyRequests, doChat(router, "1.2.3.4", "again").Code)
	assert.Equal(t, 1, srv.limiter.Snapshot("1.2.3.4").IPCount)
}

func TestHandleChat_TokenBudget(t *testing.T) {
	completer := &mocks.MockCompleter{}
	completer.On("Complete", mock.Anything, mock.Anything).
		Return(llm.Completion{Reply: "long answer", Model: "gpt-3.5-turbo", TotalTokens: 100}, nil)

	cfg := testConfig()
	cfg.DailyTokenLimit = 300
	srv, router := newTestServer(t, completer, cfg)

	require.Equal(t, http.StatusOK, doChat(router, "10.0.0.1", "hi").Code)

	// 100 used + 256 possible > 300.
	w := doChat(router, "10.0.0.2", "hi")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Empty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, 0, srv.limiter.Snapshot("10.0.0.2").IPCount, "budget denial does not use a rate limit slot")
	completer.AssertNumberOfCalls(t, "Complete", 1)
}

func TestHandleChat_ConcurrentSameIP(t *testing.T) {
	completer := &mocks.MockCompleter{}
	completer.On("Complete", mock.Anything, mock.Anything).Return(reply("ok"), nil)
	srv, router := newTestServer(t, completer, testConfig())

	var wg sync.WaitGroup
	codes := make([]int, 20)
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			codes[i] = doChat(router, "1.2.3.4", "hello").Code
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, code := range codes {
		if code == http.StatusOK {
			ok++
		} else {
			assert.Equal(t, http.StatusTooManyRequests, code)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Len(t, srv.store.Get("1.2.3.4"), 2)
}

func TestHandleChat_PeerAddressFallback(t *testing.T) {
	completer := &mocks.MockCompleter{}
	completer.On("Complete", mock.Anything, mock.Anything).Return(reply("ok"), nil)
	srv, router := newTestServer(t, completer, testConfig())

	req := httptest.NewRequest(http.MethodGet, "/get?msg=hello", nil)
	req.RemoteAddr = "192.0.2.10:40000"
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, srv.store.Get("192.0.2.10"), 2)
}

// failingArchive always fails to write.
type failingArchive struct{}

func (failingArchive) Write(context.Context, *database.Exchange) error {
	return errors.New("disk full")
}

func TestHandleChat_Archive(t *testing.T) {
	t.Run("answered exchanges are archived", func(t *testing.T) {
		archive, err := database.New(testutils.NewTestDB(t))
		require.NoError(t, err)

		completer := &mocks.MockCompleter{}
		completer.On("Complete", mock.Anything, mock.Anything).Return(reply("hi there"), nil).Once()
		completer.On("Complete", mock.Anything, mock.Anything).Return(llm.Completion{}, errors.New("boom")).Once()

		cfg := testConfig()
		cfg.Cooldown = 0
		gin.SetMode(gin.TestMode)
		router := setupRouter(NewServer(cfg, completer, archive))

		require.Equal(t, http.StatusOK, doChat(router, "1.2.3.4", "hello").Code)
		require.Equal(t, http.StatusInternalServerError, doChat(router, "1.2.3.4", "again").Code)

		entries, err := archive.QueryRecent(context.Background(), time.Hour)
		require.NoError(t, err)
		require.Len(t, entries, 1, "failed calls are not archived")
		assert.Equal(t, "1.2.3.4", entries[0].ClientIP)
		assert.Equal(t, "hello", entries[0].UserMessage)
		assert.Equal(t, "hi there", entries[0].Reply)
		assert.Equal(t, "gpt-3.5-turbo", entries[0].LLMModel)
	})

	t.Run("archive failures do not fail the request", func(t *testing.T) {
		completer := &mocks.MockCompleter{}
		completer.On("Complete", mock.Anything, mock.Anything).Return(reply("hi there"), nil)

		gin.SetMode(gin.TestMode)
		router := setupRouter(NewServer(testConfig(), completer, failingArchive{}))

		w := doChat(router, "1.2.3.4", "hello")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "hi there", w.Body.String())
	})
}
