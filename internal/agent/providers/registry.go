package providers

import "github.com/haasonsaas/conduit/internal/agent"

// DefaultRegistry returns a registry holding every built-in adapter.
func DefaultRegistry() *agent.AdapterRegistry {
	return agent.NewAdapterRegistry(
		NewOpenAIAdapter(),
		NewAzureOpenAIAdapter(),
		NewOpenRouterAdapter(),
		NewAnthropicAdapter(),
		NewGeminiAdapter(),
		NewBedrockAdapter(),
		NewOllamaAdapter(),
	)
}
