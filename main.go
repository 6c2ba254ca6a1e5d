package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/ziyixi/chatrelay/conversation"
	"github.com/ziyixi/chatrelay/database"
	"github.com/ziyixi/chatrelay/llm"
	"github.com/ziyixi/chatrelay/ratelimit"
	"github.com/ziyixi/chatrelay/utils"
)

var log = logrus.New()

func init() {
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
}

// Config holds all configuration parameters
type Config struct {
	Port            int
	Provider        string
	Model           string
	APIKey          string
	APIBaseURL      string
	UpstreamTimeout time.Duration
	PerIPDaily      int
	GlobalDaily     int
	Cooldown        time.Duration
	MaxHistory      int
	MaxTokens       int
	DailyTokenLimit int
	ConversationTTL time.Duration
	DataBasePath    string
	HealthPort      int
	ShutdownTimeout time.Duration
}

var (
	config    Config
	GitCommit string // Will be set at build time
)

func init() {
	flag.IntVar(&config.Port, "port", 5000, "Port to run the server on")

	// Completion API
	flag.StringVar(&config.Provider, "provider", llm.ProviderOpenAI, "Completion provider: openai or gemini")
	flag.StringVar(&config.Model, "model", "", "Model identifier (defaults to the provider's demo model)")
	flag.StringVar(&config.APIKey, "api-key", "", "API key for the completion provider (falls back to OPENAI_API_KEY or GEMINI_API_KEY)")
	flag.StringVar(&config.APIBaseURL, "api-base-url", "", "Base URL of an OpenAI-compatible API")
	flag.DurationVar(&config.UpstreamTimeout, "upstream-timeout", llm.DefaultTimeout, "Timeout for a single completion call")
	flag.IntVar(&config.MaxTokens, "max-tokens", llm.DefaultMaxTokens, "Maximum tokens per reply")
	flag.IntVar(&config.DailyTokenLimit, "daily-token-limit", 0, "Upstream tokens allowed per 24 hours, 0 disables the budget")

	// Abuse limits
	flag.IntVar(&config.PerIPDaily, "per-ip-daily", ratelimit.DefaultPerIPDaily, "Requests allowed per client IP per UTC day")
	flag.IntVar(&config.GlobalDaily, "global-daily", ratelimit.DefaultGlobalDaily, "Requests allowed in total per UTC day")
	flag.DurationVar(&config.Cooldown, "cooldown", ratelimit.DefaultCooldown, "Minimum time between requests from one client IP")

	// Conversations
	flag.IntVar(&config.MaxHistory, "max-history", conversation.DefaultMaxHistory, "Messages kept per conversation")
	flag.DurationVar(&config.ConversationTTL, "conversation-ttl", 0, "Drop conversations idle for this long, 0 keeps them until cleared")

	flag.StringVar(&config.DataBasePath, "database-path", "", "Path to the SQLite transcript archive, empty disables it")
	flag.IntVar(&config.HealthPort, "health-port", 0, "Port of the gRPC health service, 0 disables it")
	flag.DurationVar(&config.ShutdownTimeout, "shutdown-timeout", 10*time.Second, "Grace period for in-flight requests on shutdown")
}

// Validate checks the configuration and fills provider defaults.
func (c *Config) Validate() error {
	if llm.APIKeyEnv(c.Provider) == "" {
		return fmt.Errorf("unsupported provider: %s", c.Provider)
	}
	if c.Model == "" {
		c.Model = llm.DefaultModel(c.Provider)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.PerIPDaily < 0 || c.GlobalDaily < 0 {
		return fmt.Errorf("daily limits must not be negative")
	}
	if c.Cooldown < 0 {
		return fmt.Errorf("cooldown must not be negative")
	}
	if c.MaxHistory <= 0 {
		return fmt.Errorf("max history must be positive")
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("max tokens must be positive")
	}
	if c.DailyTokenLimit < 0 || c.ConversationTTL < 0 {
		return fmt.Errorf("token limit and conversation ttl must not be negative")
	}
	if c.HealthPort < 0 || c.HealthPort > 65535 {
		return fmt.Errorf("invalid health port: %d", c.HealthPort)
	}
	return nil
}

// APIKeyEnv is the environment variable the credential falls back to.
func (c Config) APIKeyEnv() string {
	return llm.APIKeyEnv(c.Provider)
}

// ResolveAPIKey returns the configured credential, falling back to the environment.
func (c Config) ResolveAPIKey() string {
	if c.APIKey != "" {
		return c.APIKey
	}
	return os.Getenv(c.APIKeyEnv())
}

func main() {
	log.Infof("Server Starting time: %s", time.Now().Format(time.RFC3339))
	flag.Parse()

	if err := config.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if config.ResolveAPIKey() == "" {
		log.Errorf("No API key provided. Use --api-key or set %s; /get will answer 500 until then.", config.APIKeyEnv())
	}

	completer, err := llm.New(llm.Config{
		Provider: config.Provider,
		BaseURL:  config.APIBaseURL,
		Timeout:  config.UpstreamTimeout,
		APIKey:   config.ResolveAPIKey,
		Logger:   log,
	})
	if err != nil {
		log.Fatalf("Failed to create completion client: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var archive ExchangeWriter
	if config.DataBasePath != "" {
		db, err := database.Open(config.DataBasePath)
		if err != nil {
			log.Fatalf("Failed to open transcript archive: %v", err)
		}
		defer func() {
			if err := db.Close(); err != nil {
				log.Warningf("Failed to close transcript archive: %v", err)
			}
		}()
		recent, err := db.QueryRecent(ctx, 24*time.Hour)
		if err != nil {
			log.Warningf("Failed to query transcript archive: %v", err)
		}
		log.Infof("Transcript archive at %s holds %d exchanges from the last 24 hours", config.DataBasePath, len(recent))
		archive = db
	}

	srv := NewServer(config, completer, archive)
	go srv.store.RunJanitor(ctx, config.ConversationTTL, log)

	var health *utils.HealthServer
	if config.HealthPort > 0 {
		health = utils.NewHealthServer()
		go func() {
			if err := health.ListenAndServe(config.HealthPort); err != nil {
				log.Errorf("gRPC health server stopped: %v", err)
			}
		}()
		log.Infof("gRPC health service listening on :%d", config.HealthPort)
	}

	gin.SetMode(gin.ReleaseMode)
	app := setupRouter(srv)
	listenAddr := fmt.Sprintf(":%d", config.Port)
	httpServer := &http.Server{
		Addr:              listenAddr,
		Handler:           app,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Infof("Git commit: %s", GitCommit)
	log.WithFields(logrus.Fields{
		"provider":     config.Provider,
		"model":        config.Model,
		"per_ip_daily": config.PerIPDaily,
		"global_daily": config.GlobalDaily,
		"cooldown":     config.Cooldown,
	}).Info("Relay configured")
	log.Infof("Gin has started in %s mode on %s", gin.Mode(), listenAddr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	if health != nil {
		health.SetServing(true)
	}

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	case <-ctx.Done():
		log.Info("Shutting down")
	}

	if health != nil {
		health.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Failed to shut down server: %v", err)
	}
}
