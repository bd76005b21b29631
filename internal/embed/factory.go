package embed

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/RosMarinas/OpenWRT-AutoConfigure/internal/config"
	agenterrors "github.com/RosMarinas/OpenWRT-AutoConfigure/internal/errors"
)

// ProviderType represents an embedding provider.
type ProviderType string

const (
	// ProviderOpenAI uses any OpenAI-compatible /embeddings endpoint.
	ProviderOpenAI ProviderType = "openai"

	// ProviderStatic uses hash-based embeddings. Offline, deterministic and
	// far less semantic.
	ProviderStatic ProviderType = "static"
)

// ParseProvider converts a string to ProviderType. Unknown names select OpenAI.
func ParseProvider(s string) ProviderType {
	switch strings.ToLower(s) {
	case "static":
		return ProviderStatic
	default:
		return ProviderOpenAI
	}
}

// String returns the string representation of ProviderType.
func (p ProviderType) String() string {
	return string(p)
}

// ValidProviders returns all valid provider names.
func ValidProviders() []string {
	return []string{string(ProviderOpenAI), string(ProviderStatic)}
}

// IsValidProvider checks if a provider name is valid.
func IsValidProvider(s string) bool {
	lower := strings.ToLower(s)
	for _, p := range ValidProviders() {
		if lower == p {
			return true
		}
	}
	return false
}

// NewEmbedder creates the embedder described by cfg, wrapped in an LRU cache
// unless CacheSize is negative.
func NewEmbedder(cfg config.EmbeddingsConfig) (Embedder, error) {
	if !IsValidProvider(cfg.Provider) {
		return nil, agenterrors.ConfigError(
			fmt.Sprintf("unknown embeddings provider %q (want one of %s)",
				cfg.Provider, strings.Join(ValidProviders(), ", ")), nil)
	}

	var embedder Embedder
	switch ParseProvider(cfg.Provider) {
	case ProviderStatic:
		embedder = NewStaticEmbedder(cfg.Dimension)
	case ProviderOpenAI:
		var key string
		if cfg.APIKeyEnv != "" {
			key = os.Getenv(cfg.APIKeyEnv)
		}
		embedder = NewOpenAIEmbedder(OpenAIConfig{
			APIKey:     key,
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			Dimensions: cfg.Dimension,
			Timeout:    config.Duration(cfg.Timeout, DefaultTimeout),
			Retry:      agenterrors.DefaultRetryConfig(),
		})
	}

	slog.Debug("embedder created",
		slog.String("provider", cfg.Provider),
		slog.String("model", embedder.ModelName()),
		slog.Int("dimensions", embedder.Dimensions()))

	if cfg.CacheSize < 0 {
		return embedder, nil
	}
	return NewCachedEmbedder(embedder, cfg.CacheSize), nil
}

// EmbedderInfo contains information about an embedder.
type EmbedderInfo struct {
	Provider   ProviderType
	Model      string
	Dimensions int
	Available  bool
}

// GetInfo returns information about an embedder.
func GetInfo(ctx context.Context, embedder Embedder) EmbedderInfo {
	info := EmbedderInfo{
		Model:      embedder.ModelName(),
		Dimensions: embedder.Dimensions(),
		Available:  embedder.Available(ctx),
	}

	inner := embedder
	if cached, ok := embedder.(*CachedEmbedder); ok {
		inner = cached.inner
	}
	switch inner.(type) {
	case *StaticEmbedder:
		info.Provider = ProviderStatic
	default:
		info.Provider = ProviderOpenAI
	}
	return info
}
