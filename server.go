package main

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/ziyixi/chatrelay/conversation"
	"github.com/ziyixi/chatrelay/database"
	"github.com/ziyixi/chatrelay/llm"
	"github.com/ziyixi/chatrelay/ratelimit"
	"github.com/ziyixi/chatrelay/utils"
)

// tokenBudgetWindow is the sliding window of --daily-token-limit.
const tokenBudgetWindow = 24 * time.Hour

// ExchangeWriter persists answered exchanges.
type ExchangeWriter interface {
	Write(ctx context.Context, entry *database.Exchange) error
}

// Server owns the process-wide relay state. It is created once in main and
// handed to handlers through serverMiddleware.
type Server struct {
	limiter   *ratelimit.Limiter
	store     *conversation.Store
	tokens    *llm.TokenTracker
	completer llm.Completer
	archive   ExchangeWriter // nil when disabled

	model     string
	maxTokens int
	apiKey    func() string
	apiKeyEnv string
}

// NewServer builds the relay state from cfg. archive may be nil.
func NewServer(cfg Config, completer llm.Completer, archive ExchangeWriter) *Server {
	return &Server{
		limiter: ratelimit.NewLimiter(ratelimit.Limits{
			PerIPDaily:  cfg.PerIPDaily,
			GlobalDaily: cfg.GlobalDaily,
			Cooldown:    cfg.Cooldown,
		}),
		store:     conversation.NewStore(cfg.MaxHistory),
		tokens:    llm.NewTokenTracker(tokenBudgetWindow, int32(cfg.DailyTokenLimit)),
		completer: completer,
		archive:   archive,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		apiKey:    cfg.ResolveAPIKey,
		apiKeyEnv: cfg.APIKeyEnv(),
	}
}

func serverMiddleware(srv *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(utils.KeyServer, srv)
		c.Set(utils.KeyClientIP, utils.ClientIP(c))
		c.Next()
	}
}

func setupRouter(srv *Server) *gin.Engine {
	app := gin.Default()
	app.SetHTMLTemplate(indexTemplate)
	app.Use(serverMiddleware(srv))

	app.GET("/", HandleIndex)
	app.GET("/healthz", HandleHealthz)
	app.GET("/metrics", gin.WrapH(promhttp.Handler()))

	app.GET("/get",
		requireMessage(),
		requireCredential(),
		tokenBudgetMiddleware(),
		rateLimitMiddleware(),
		HandleChat,
	)
	app.POST("/clear", HandleClear)

	return app
}

// Relay appends message to the conversation of ip, asks the completer for a
// reply and records it. On failure the conversation is rolled back to its
// state before the call.
func (s *Server) Relay(ctx context.Context, ip, message string) (llm.Completion, error) {
	cp := s.store.AppendAndTrim(ip, conversation.Message{
		Role:    conversation.RoleUser,
		Content: message,
	})
	conversationsActive.Set(float64(s.store.Len()))

	start := time.Now()
	completion, err := s.completer.Complete(ctx, llm.Request{
		Model:     s.model,
		Messages:  cp.Messages(),
		MaxTokens: s.maxTokens,
	})
	upstreamLatencySeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		s.store.Rollback(cp)
		conversationsActive.Set(float64(s.store.Len()))
		return llm.Completion{}, fmt.Errorf("completion for %s failed: %w", ip, err)
	}

	s.store.AppendAndTrim(ip, conversation.Message{
		Role:    conversation.RoleAssistant,
		Content: completion.Reply,
	})
	s.tokens.Record(completion.TotalTokens)
	upstreamTokensTotal.Add(float64(max(completion.TotalTokens, 0)))

	s.archiveExchange(ctx, ip, message, completion)
	return completion, nil
}

// archiveExchange stores the exchange if the archive is enabled. Failures are
// logged and never fail the request.
func (s *Server) archiveExchange(ctx context.Context, ip, message string, completion llm.Completion) {
	if s.archive == nil {
		return
	}
	entry := &database.Exchange{
		ClientIP:    ip,
		UserMessage: message,
		Reply:       completion.Reply,
		LLMModel:    completion.Model,
		TotalTokens: completion.TotalTokens,
	}
	if err := s.archive.Write(ctx, entry); err != nil {
		log.WithFields(logrus.Fields{"ip": ip}).Warningf("Failed to archive exchange: %v", err)
	}
}

// Clear forgets the conversation of ip.
func (s *Server) Clear(ip string) {
	s.store.Clear(ip)
	conversationsActive.Set(float64(s.store.Len()))
}
