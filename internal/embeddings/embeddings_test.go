package embeddings

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func TestHash_DeterministicAndNormalized(t *testing.T) {
	p := NewHash(0)
	assert.Equal(t, DefaultHashDim, p.Dim())

	a, err := p.Embed(context.Background(), "Senior code reviewer")
	require.NoError(t, err)
	b, err := p.Embed(context.Background(), "senior  CODE reviewer!")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.InDelta(t, 1.0, cosine(a, a), 1e-6)
}

func TestHash_SharedVocabularyIsCloser(t *testing.T) {
	p := NewHash(DefaultHashDim)
	ctx := context.Background()
	reviewer, _ := p.Embed(ctx, "senior code reviewer who flags security issues")
	chef, _ := p.Embed(ctx, "French cuisine expert")
	query, _ := p.Embed(ctx, "security audit")

	assert.Greater(t, cosine(query, reviewer), cosine(query, chef))
	assert.InDelta(t, 0.0, cosine(query, chef), 1e-9)
}

func TestHash_EmptyText(t *testing.T) {
	v, err := NewHash(8).Embed(context.Background(), "the a of")
	require.NoError(t, err)
	assert.Equal(t, make([]float32, 8), v)
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"senior", "code", "reviewer", "flags", "security", "issues"},
		tokenize("senior code reviewer who flags security issues"))
	assert.Equal(t, []string{"café", "x2"}, tokenize("Café, x2 & a"))
}

type countingProvider struct {
	Provider
	calls atomic.Int32
}

func (c *countingProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls.Add(1)
	return c.Provider.Embed(ctx, text)
}

func TestCached(t *testing.T) {
	inner := &countingProvider{Provider: NewHash(16)}
	p := NewCached(inner, time.Minute)

	a, err := p.Embed(context.Background(), "security audit")
	require.NoError(t, err)
	a[0] = 42
	b, err := p.Embed(context.Background(), "security audit")
	require.NoError(t, err)

	assert.EqualValues(t, 1, inner.calls.Load())
	assert.NotEqual(t, float32(42), b[0])
	assert.Equal(t, 16, p.Dim())
}

func embeddingsServer(t *testing.T, failures int32) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		if n <= failures {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
			return
		}
		var req struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "text-embedding-3-small", req.Model)
		_, _ = w.Write([]byte(`{"object":"list","model":"text-embedding-3-small","data":[{"object":"embedding","index":0,"embedding":[0.6,0.8,0]}]}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newTestOpenAI(t *testing.T, baseURL string) Provider {
	t.Helper()
	p, err := NewOpenAI(&Config{Provider: "openai", Model: "text-embedding-3-small", APIKey: "test-key", BaseURL: baseURL + "/"})
	require.NoError(t, err)
	p.(*openAIProvider).delay = time.Millisecond
	return p
}

func TestOpenAI_Embed(t *testing.T) {
	srv, calls := embeddingsServer(t, 0)
	p := newTestOpenAI(t, srv.URL)

	v, err := p.Embed(context.Background(), "security audit")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.6, 0.8, 0}, v)
	assert.Equal(t, 3, p.Dim())
	assert.Equal(t, "openai:text-embedding-3-small", p.ModelID())
	assert.EqualValues(t, 1, calls.Load())
}

func TestOpenAI_RetriesServerErrors(t *testing.T) {
	srv, calls := embeddingsServer(t, 2)
	p := newTestOpenAI(t, srv.URL)

	_, err := p.Embed(context.Background(), "security audit")
	require.NoError(t, err)
	assert.EqualValues(t, 3, calls.Load())
}

func TestOpenAI_GivesUp(t *testing.T) {
	srv, calls := embeddingsServer(t, 10)
	p := newTestOpenAI(t, srv.URL)

	_, err := p.Embed(context.Background(), "security audit")
	require.Error(t, err)
	assert.EqualValues(t, defaultOpenAIAttempts, calls.Load())
}

func TestOpenAI_Validation(t *testing.T) {
	_, err := NewOpenAI(&Config{APIKey: "k"})
	assert.ErrorContains(t, err, "model")
	_, err = NewOpenAI(&Config{Model: "m"})
	assert.ErrorContains(t, err, "API key")

	p := newTestOpenAI(t, "http://127.0.0.1:1")
	_, err = p.Embed(context.Background(), "   ")
	assert.ErrorContains(t, err, "empty")
}

func TestNewFromConfig(t *testing.T) {
	p, err := NewFromConfig(&Config{Provider: "hash", Dim: 32, CacheTTL: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, 32, p.Dim())
	assert.Equal(t, "hash:fnv64a/32", p.ModelID())

	_, err = NewFromConfig(&Config{Provider: "word2vec"})
	assert.ErrorContains(t, err, "unsupported")
	_, err = NewFromConfig(nil)
	assert.Error(t, err)
}
