package provider

import (
	"fmt"
	"log/slog"

	"korabot/internal/config"
	"korabot/internal/domain"
)

// New builds the reply generator named in the config.
func New(cfg config.ProviderConfig, logger *slog.Logger) (domain.ReplyGenerator, error) {
	switch cfg.Name {
	case "gemini", "":
		return NewGemini(GeminiConfig{
			APIBase:    cfg.APIBase,
			Model:      cfg.Model,
			MaxRetries: cfg.MaxRetries,
			Logger:     logger,
		}), nil
	case "openai":
		return NewOpenAI(OpenAIConfig{
			APIKey:  cfg.APIKey,
			APIBase: cfg.APIBase,
			Model:   cfg.Model,
			Logger:  logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Name)
	}
}
