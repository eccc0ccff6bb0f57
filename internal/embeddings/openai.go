package embeddings

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/kamusis/persona/internal/logger"
)

const defaultOpenAIAttempts = 3

type openAIProvider struct {
	model    string
	client   *openai.Client
	limiter  *rate.Limiter
	attempts uint
	delay    time.Duration

	// requested is sent as the dimensions parameter when positive.
	requested int

	mu  sync.Mutex
	dim int
}

// NewOpenAI constructs an OpenAI-compatible embeddings provider.
func NewOpenAI(cfg *Config) (Provider, error) {
	if cfg.Model == "" {
		return nil, errors.New("embeddings model is not configured (set PERSONA_EMBEDDINGS_MODEL)")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("embeddings API key is not configured (set PERSONA_EMBEDDINGS_API_KEY)")
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	attempts := cfg.MaxAttempts
	if attempts == 0 {
		attempts = defaultOpenAIAttempts
	}

	return &openAIProvider{
		model:     cfg.Model,
		client:    openai.NewClientWithConfig(clientConfig),
		limiter:   rate.NewLimiter(limit, 1),
		attempts:  attempts,
		delay:     500 * time.Millisecond,
		requested: cfg.Dim,
		dim:       cfg.Dim,
	}, nil
}

func (p *openAIProvider) ModelID() string {
	return "openai:" + p.model
}

// Dim returns the configured dimension, or the one observed on the last call.
func (p *openAIProvider) Dim() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dim
}

func (p *openAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("cannot embed empty text")
	}

	req := openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(p.model),
	}
	if p.requested > 0 {
		req.Dimensions = p.requested
	}

	var resp openai.EmbeddingResponse
	err := retry.Do(
		func() error {
			if err := p.limiter.Wait(ctx); err != nil {
				return retry.Unrecoverable(err)
			}
			var apiErr error
			resp, apiErr = p.client.CreateEmbeddings(ctx, req)
			return apiErr
		},
		retry.RetryIf(isRetryableError),
		retry.Attempts(p.attempts),
		retry.Delay(p.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.G(ctx).WithError(err).WithField("attempt", n+1).Warn("retrying embeddings request")
		}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "embeddings request failed")
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, errors.New("embeddings response missing embedding")
	}

	out := resp.Data[0].Embedding
	p.mu.Lock()
	p.dim = len(out)
	p.mu.Unlock()
	return out, nil
}

// isRetryableError retries transport failures, rate limiting and server errors.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == 0 || reqErr.HTTPStatusCode == 429 || reqErr.HTTPStatusCode >= 500
	}
	return false
}
