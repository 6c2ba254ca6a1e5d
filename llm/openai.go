package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/ziyixi/chatrelay/conversation"
)

type openAIChatRequest struct {
	Model     string                 `json:"model"`
	Messages  []conversation.Message `json:"messages"`
	MaxTokens int                    `json:"max_tokens,omitempty"`
}

// openAIClient talks to an OpenAI-compatible /chat/completions endpoint.
type openAIClient struct {
	client *resty.Client
	apiKey func() string
	log    logrus.FieldLogger
}

func newOpenAIClient(cfg Config) *openAIClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	client := resty.New().
		SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json")

	return &openAIClient{
		client: client,
		apiKey: cfg.APIKey,
		log:    cfg.Logger,
	}
}

func (c *openAIClient) Complete(ctx context.Context, req Request) (Completion, error) {
	if err := validateRequest(req); err != nil {
		return Completion{}, err
	}

	resp, err := c.client.R().
		SetContext(ctx).
		SetAuthToken(c.apiKey()).
		SetBody(openAIChatRequest{
			Model:     req.Model,
			Messages:  req.Messages,
			MaxTokens: req.MaxTokens,
		}).
		Post("/chat/completions")
	if err != nil {
		return Completion{}, fmt.Errorf("failed to call chat completions: %w", err)
	}

	body := resp.Body()
	if resp.IsError() {
		msg := gjson.GetBytes(body, "error.message").String()
		if msg == "" {
			msg = resp.Status()
		}
		return Completion{}, &APIError{StatusCode: resp.StatusCode(), Message: msg}
	}

	if !gjson.ValidBytes(body) {
		return Completion{}, fmt.Errorf("invalid JSON in chat completions response")
	}
	reply := gjson.GetBytes(body, "choices.0.message.content")
	if !reply.Exists() || reply.String() == "" {
		return Completion{}, ErrEmptyReply
	}

	model := gjson.GetBytes(body, "model").String()
	if model == "" {
		model = req.Model
	}
	completion := Completion{
		Reply:       reply.String(),
		Model:       model,
		TotalTokens: int32(gjson.GetBytes(body, "usage.total_tokens").Int()),
	}
	c.log.WithFields(logrus.Fields{
		"model":  completion.Model,
		"tokens": completion.TotalTokens,
	}).Debug("Chat completion succeeded")
	return completion, nil
}
