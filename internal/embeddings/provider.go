package embeddings

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Provider embeds text into a fixed-length float vector.
//
// Implementations must be deterministic for the same input text and model.
type Provider interface {
	ModelID() string
	Dim() int
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Config contains the resolved embeddings configuration.
type Config struct {
	Provider string
	Model    string
	APIKey   string
	BaseURL  string
	// Dim is the requested vector size. Zero keeps the provider default.
	Dim int
	// RequestsPerSecond paces remote calls. Zero disables pacing.
	RequestsPerSecond float64
	MaxAttempts       uint
	// CacheTTL enables an in-memory cache of embeddings when positive.
	CacheTTL time.Duration
}

// NewFromConfig returns an embeddings provider.
func NewFromConfig(cfg *Config) (Provider, error) {
	if cfg == nil {
		return nil, errors.New("embeddings config is nil")
	}
	var (
		p   Provider
		err error
	)
	switch cfg.Provider {
	case "", "hash":
		p = NewHash(cfg.Dim)
	case "openai":
		p, err = NewOpenAI(cfg)
	default:
		return nil, errors.Errorf("unsupported embeddings provider: %s", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	if cfg.CacheTTL > 0 {
		p = NewCached(p, cfg.CacheTTL)
	}
	return p, nil
}
