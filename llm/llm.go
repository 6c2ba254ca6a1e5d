// Package llm provides the chat-completion clients the relay forwards
// conversations to.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/ziyixi/chatrelay/conversation"
)

// ErrEmptyReply is returned when the upstream answered without any text.
var ErrEmptyReply = errors.New("no content generated")

// APIError is a non-2xx answer from the upstream API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upstream API error: %s (status: %d)", e.Message, e.StatusCode)
}

// Request is a single completion call.
type Request struct {
	Model     string
	Messages  []conversation.Message
	MaxTokens int
}

// Completion is the first choice of a successful call.
type Completion struct {
	Reply       string
	Model       string
	TotalTokens int32
}

// Completer produces a reply for a conversation.
type Completer interface {
	Complete(ctx context.Context, req Request) (Completion, error)
}

// Config selects and configures a Completer.
type Config struct {
	Provider string
	BaseURL  string
	Timeout  time.Duration
	// APIKey is called on every request so a credential set after startup is picked up.
	APIKey func() string
	Logger logrus.FieldLogger
}

// New returns the Completer for cfg.Provider.
func New(cfg Config) (Completer, error) {
	if cfg.APIKey == nil {
		return nil, fmt.Errorf("missing API key source")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	switch cfg.Provider {
	case ProviderOpenAI:
		return newOpenAIClient(cfg), nil
	case ProviderGemini:
		return newGeminiCompleter(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
}

func validateRequest(req Request) error {
	if req.Model == "" {
		return fmt.Errorf("model is empty")
	}
	if len(req.Messages) == 0 {
		return fmt.Errorf("no messages to complete")
	}
	return nil
}
