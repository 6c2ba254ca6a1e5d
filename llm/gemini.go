package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/sirupsen/logrus"
	"github.com/ziyixi/chatrelay/conversation"
	"google.golang.org/api/option"
)

// geminiClient is the subset of the Gemini SDK used by the completer.
type geminiClient interface {
	SendChat(ctx context.Context, model string, history []*genai.Content,
		last genai.Part, maxTokens int32) (*genai.GenerateContentResponse, error)
	Close() error
}

// sdkGeminiClient adapts *genai.Client to geminiClient.
type sdkGeminiClient struct {
	client *genai.Client
}

func (c *sdkGeminiClient) SendChat(ctx context.Context, model string, history []*genai.Content,
	last genai.Part, maxTokens int32) (*genai.GenerateContentResponse, error) {
	m := c.client.GenerativeModel(model)
	if maxTokens > 0 {
		m.SetMaxOutputTokens(maxTokens)
	}
	cs := m.StartChat()
	cs.History = history
	return cs.SendMessage(ctx, last)
}

func (c *sdkGeminiClient) Close() error {
	return c.client.Close()
}

func newSDKGeminiClient(ctx context.Context, apiKey string) (geminiClient, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	return &sdkGeminiClient{client: client}, nil
}

type geminiCompleter struct {
	apiKey        func() string
	log           logrus.FieldLogger
	clientFactory func(ctx context.Context, apiKey string) (geminiClient, error)
}

func newGeminiCompleter(cfg Config) *geminiCompleter {
	return &geminiCompleter{
		apiKey:        cfg.APIKey,
		log:           cfg.Logger,
		clientFactory: newSDKGeminiClient,
	}
}

func (g *geminiCompleter) Complete(ctx context.Context, req Request) (Completion, error) {
	if err := validateRequest(req); err != nil {
		return Completion{}, err
	}
	apiKey := g.apiKey()
	if apiKey == "" {
		return Completion{}, fmt.Errorf("gemini api key is empty")
	}

	history, last, err := toGeminiContents(req.Messages)
	if err != nil {
		return Completion{}, err
	}

	client, err := g.clientFactory(ctx, apiKey)
	if err != nil {
		return Completion{}, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			g.log.Warningf("Failed to close Gemini client: %v", err)
		}
	}()

	resp, err := client.SendChat(ctx, req.Model, history, genai.Text(last), int32(req.MaxTokens))
	if err != nil {
		return Completion{}, fmt.Errorf("failed to generate content: %w", err)
	}

	reply, err := firstCandidateText(resp)
	if err != nil {
		return Completion{}, err
	}

	completion := Completion{Reply: reply, Model: req.Model}
	if resp.UsageMetadata != nil {
		completion.TotalTokens = resp.UsageMetadata.TotalTokenCount
	}
	return completion, nil
}

// toGeminiContents splits messages into the chat history and the final user
// turn. Gemini names the assistant role "model".
func toGeminiContents(messages []conversation.Message) ([]*genai.Content, string, error) {
	n := len(messages)
	if messages[n-1].Role != conversation.RoleUser {
		return nil, "", fmt.Errorf("last message must come from the user, got %q", messages[n-1].Role)
	}

	history := make([]*genai.Content, 0, n-1)
	for _, msg := range messages[:n-1] {
		role := "user"
		if msg.Role == conversation.RoleAssistant {
			role = "model"
		}
		history = append(history, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(msg.Content)},
		})
	}
	return history, messages[n-1].Content, nil
}

func firstCandidateText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", ErrEmptyReply
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}
	if sb.Len() == 0 {
		return "", ErrEmptyReply
	}
	return sb.String(), nil
}
