package providers

import (
	"fmt"
	"os"

	"github.com/paperbase/paperbase/internal/config"
	"github.com/paperbase/paperbase/internal/rag"
)

// NewCompletionClient creates a rag.CompletionClient from the saved
// configuration, with environment variables taking precedence. Provider
// selection follows LLM_PROVIDER, then the config file, then OpenAI.
func NewCompletionClient(cfg *config.Config) (rag.CompletionClient, string, error) {
	provider := os.Getenv("LLM_PROVIDER")
	if provider == "" {
		provider = cfg.LLMProvider
	}
	if provider == "" {
		provider = "openai"
	}

	switch provider {
	case "openai":
		apiKey := firstNonEmpty(os.Getenv("OPENAI_API_KEY"), cfg.APIKey)
		if apiKey == "" {
			return nil, "", fmt.Errorf("OPENAI_API_KEY not set")
		}
		modelName := firstNonEmpty(os.Getenv("OPENAI_MODEL"), cfg.Model, "gpt-4o-mini")
		baseURL := firstNonEmpty(os.Getenv("OPENAI_BASE_URL"), cfg.BaseURL)

		client, err := NewOpenAIClient(apiKey, modelName, baseURL)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create OpenAI client: %w", err)
		}
		return client, modelName, nil

	case "anthropic":
		apiKey := firstNonEmpty(os.Getenv("ANTHROPIC_API_KEY"), cfg.APIKey)
		if apiKey == "" {
			return nil, "", fmt.Errorf("ANTHROPIC_API_KEY not set")
		}
		modelName := firstNonEmpty(os.Getenv("ANTHROPIC_MODEL"), cfg.Model, "claude-3-5-sonnet-20241022")

		client, err := NewAnthropicClient(apiKey, modelName)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create Anthropic client: %w", err)
		}
		return client, modelName, nil

	case "ollama":
		// Ollama local server (OpenAI-compatible)
		baseURL := firstNonEmpty(os.Getenv("OLLAMA_BASE_URL"), "http://localhost:11434/v1")
		modelName := firstNonEmpty(os.Getenv("OLLAMA_MODEL"), cfg.Model, "llama3.1")
		apiKey := firstNonEmpty(os.Getenv("OLLAMA_API_KEY"), "ollama")

		client, err := NewOpenAIClient(apiKey, modelName, baseURL)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create Ollama client: %w", err)
		}
		return client, modelName, nil

	case "deepseek":
		// DeepSeek (OpenAI-compatible)
		apiKey := firstNonEmpty(os.Getenv("DEEPSEEK_API_KEY"), cfg.APIKey)
		if apiKey == "" {
			return nil, "", fmt.Errorf("DEEPSEEK_API_KEY not set")
		}
		modelName := firstNonEmpty(os.Getenv("DEEPSEEK_MODEL"), cfg.Model, "deepseek-chat")

		client, err := NewOpenAIClient(apiKey, modelName, "https://api.deepseek.com/v1")
		if err != nil {
			return nil, "", fmt.Errorf("failed to create DeepSeek client: %w", err)
		}
		return client, modelName, nil

	default:
		return nil, "", fmt.Errorf("unknown LLM_PROVIDER: %s (supported: openai, anthropic, ollama, deepseek)", provider)
	}
}

// NewEmbedder creates the embedding backend from the saved
// configuration. EMBEDDING_PROVIDER=local selects the offline hash
// embedder, useful for development without an API key.
func NewEmbedder(cfg *config.Config) (rag.Embedder, error) {
	if os.Getenv("EMBEDDING_PROVIDER") == "local" {
		return rag.NewLocalEmbedder(cfg.Dimension), nil
	}

	apiKey := firstNonEmpty(os.Getenv("OPENAI_API_KEY"), cfg.EmbeddingKey, cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("no embedding API key: set OPENAI_API_KEY or EMBEDDING_PROVIDER=local")
	}
	model := firstNonEmpty(os.Getenv("EMBEDDING_MODEL"), cfg.EmbeddingModel)
	baseURL := firstNonEmpty(os.Getenv("OPENAI_BASE_URL"), cfg.BaseURL)

	return rag.NewOpenAIEmbedder(apiKey, model, baseURL, cfg.Dimension), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
