package embedding

import (
	"fmt"

	"github.com/hyperjump/tanya/internal/config"
	"go.uber.org/zap"
)

// NewFromConfig builds the configured provider and wraps it in a CachedEmbedder.
func NewFromConfig(cfg config.EmbeddingConfig, logger *zap.Logger) (Embedder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var (
		inner Embedder
		err   error
	)
	switch cfg.Provider {
	case "gemini":
		inner, err = NewGeminiEmbedder(GeminiConfig{
			BaseURL:    cfg.BaseURL,
			APIKey:     cfg.APIKey(),
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
		})
	case "openai":
		inner, err = NewOpenAIEmbedder(OpenAIConfig{
			BaseURL:    cfg.BaseURL,
			APIKey:     cfg.APIKey(),
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
		})
	case "onnx":
		var onnx *ONNXEmbedder
		onnx, err = NewONNXEmbedder(cfg.ModelPath, cfg.Dimensions, cfg.MaxTokens)
		if err == nil {
			inner = onnx
		}
	case "mock":
		logger.Warn("using mock embedder; search results will not be semantic")
		inner = NewMockEmbedder(cfg.Dimensions)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s embedder: %w", cfg.Provider, err)
	}
	logger.Info("embedding provider ready",
		zap.String("provider", cfg.Provider),
		zap.String("model", cfg.Model),
		zap.Int("dimensions", cfg.Dimensions),
		zap.Int("cache_size", cfg.CacheSize))
	return NewCachedEmbedder(inner, cfg.CacheSize), nil
}
