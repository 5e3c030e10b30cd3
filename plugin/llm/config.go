package llm

import (
	"github.com/pkg/errors"

	"github.com/hrygo/chatsync/internal/profile"
)

// Config represents the settings of an OpenAI-compatible chat endpoint.
type Config struct {
	Provider    string // deepseek, openai, ollama
	Model       string // deepseek-chat
	APIKey      string
	BaseURL     string
	MaxTokens   int     // default: 2048
	Temperature float32 // default: 0.7
}

// NewConfigFromProfile creates the LLM config from profile.
func NewConfigFromProfile(p *profile.Profile) *Config {
	return &Config{
		Provider:    p.LLMProvider,
		Model:       p.LLMModel,
		APIKey:      p.LLMAPIKey,
		BaseURL:     p.LLMBaseURL,
		MaxTokens:   2048,
		Temperature: 0.7,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Provider {
	case "deepseek", "openai":
		if c.APIKey == "" {
			return errors.Errorf("%s requires an API key", c.Provider)
		}
	case "ollama":
		if c.BaseURL == "" {
			return errors.New("ollama requires a base URL")
		}
	default:
		return errors.Errorf("unsupported LLM provider: %s", c.Provider)
	}
	if c.Model == "" {
		return errors.New("model is required")
	}
	return nil
}
