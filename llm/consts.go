package llm

import "time"

// Provider names accepted by New.
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

const (
	// DefaultMaxTokens caps the length of every reply.
	DefaultMaxTokens = 256
	// DefaultTimeout bounds a single upstream call.
	DefaultTimeout = 30 * time.Second

	defaultOpenAIBaseURL = "https://api.openai.com/v1"
)

var (
	defaultModels = map[string]string{
		ProviderOpenAI: "gpt-3.5-turbo",
		ProviderGemini: "gemini-2.5-flash-lite",
	}
	apiKeyEnvNames = map[string]string{
		ProviderOpenAI: "OPENAI_API_KEY",
		ProviderGemini: "GEMINI_API_KEY",
	}
)

// DefaultModel returns the model used by provider when none is configured.
func DefaultModel(provider string) string {
	return defaultModels[provider]
}

// APIKeyEnv returns the environment variable holding the credential for provider.
func APIKeyEnv(provider string) string {
	return apiKeyEnvNames[provider]
}
