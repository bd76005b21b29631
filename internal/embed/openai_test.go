package embed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RosMarinas/OpenWRT-AutoConfigure/internal/config"
	agenterrors "github.com/RosMarinas/OpenWRT-AutoConfigure/internal/errors"
)

type embeddingRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embeddingDatum struct {
	Object    string    `json:"object"`
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

type embeddingResponse struct {
	Object string           `json:"object"`
	Data   []embeddingDatum `json:"data"`
	Model  string           `json:"model"`
}

// fakeEmbeddingServer answers /embeddings with vectors whose first component
// is the input length. Data is returned in reverse order to exercise sorting.
func fakeEmbeddingServer(t *testing.T, dims int, calls *atomic.Int64, failFirst int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if r.URL.Path != "/embeddings" {
			http.NotFound(w, r)
			return
		}
		if n <= failFirst {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":{"message":"warming up","type":"server_error"}}`))
			return
		}

		var req embeddingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		resp := embeddingResponse{Object: "list", Model: req.Model}
		for i := len(req.Input) - 1; i >= 0; i-- {
			vec := make([]float32, dims)
			vec[0] = float32(len(req.Input[i]))
			resp.Data = append(resp.Data, embeddingDatum{Object: "embedding", Embedding: vec, Index: i})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func fastRetry() agenterrors.RetryConfig {
	return agenterrors.RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func TestOpenAIEmbedder_EmbedBatch_PreservesOrderAcrossBatches(t *testing.T) {
	// Given: a server and an embedder with batch size 2
	var calls atomic.Int64
	srv := fakeEmbeddingServer(t, 4, &calls, 0)
	defer srv.Close()

	e := NewOpenAIEmbedder(OpenAIConfig{BaseURL: srv.URL, Model: "bge-m3", Dimensions: 4, BatchSize: 2, Retry: fastRetry()})

	// When: embedding five texts
	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	vecs, err := e.EmbedBatch(context.Background(), texts)

	// Then: three requests were made and vectors line up with inputs
	require.NoError(t, err)
	require.Len(t, vecs, 5)
	for i, v := range vecs {
		assert.Equal(t, float32(len(texts[i])), v[0])
	}
	assert.Equal(t, int64(3), calls.Load())
}

func TestOpenAIEmbedder_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int64
	srv := fakeEmbeddingServer(t, 4, &calls, 2)
	defer srv.Close()

	e := NewOpenAIEmbedder(OpenAIConfig{BaseURL: srv.URL, Model: "bge-m3", Dimensions: 4, Retry: fastRetry()})

	v, err := e.Embed(context.Background(), "config interface 'lan'")
	require.NoError(t, err)
	assert.Len(t, v, 4)
	assert.Equal(t, int64(3), calls.Load())
}

func TestOpenAIEmbedder_ExhaustedRetriesReturnEmbeddingError(t *testing.T) {
	var calls atomic.Int64
	srv := fakeEmbeddingServer(t, 4, &calls, 100)
	defer srv.Close()

	e := NewOpenAIEmbedder(OpenAIConfig{BaseURL: srv.URL, Model: "bge-m3", Dimensions: 4, Retry: fastRetry()})

	_, err := e.Embed(context.Background(), "x")
	require.Error(t, err)
	assert.True(t, agenterrors.HasCode(err, agenterrors.ErrCodeEmbeddingFailed))
	assert.Equal(t, int64(3), calls.Load())
}

func TestOpenAIEmbedder_DimensionMismatch(t *testing.T) {
	// Given: a server returning 8 dimensions to an embedder expecting 4
	var calls atomic.Int64
	srv := fakeEmbeddingServer(t, 8, &calls, 0)
	defer srv.Close()

	e := NewOpenAIEmbedder(OpenAIConfig{BaseURL: srv.URL, Model: "bge-m3", Dimensions: 4, Retry: fastRetry()})

	// When: embedding
	_, err := e.Embed(context.Background(), "x")

	// Then: the mismatch is reported, not retried
	require.Error(t, err)
	assert.True(t, agenterrors.HasCode(err, agenterrors.ErrCodeDimensionMismatch))
	assert.Equal(t, int64(1), calls.Load())
}

func TestOpenAIEmbedder_AvailableAndClose(t *testing.T) {
	var calls atomic.Int64
	srv := fakeEmbeddingServer(t, 4, &calls, 0)
	defer srv.Close()

	e := NewOpenAIEmbedder(OpenAIConfig{BaseURL: srv.URL, Model: "m", Dimensions: 4})
	assert.True(t, e.Available(context.Background()))
	assert.Equal(t, "m", e.ModelName())

	require.NoError(t, e.Close())
	assert.False(t, e.Available(context.Background()))
	_, err := e.Embed(context.Background(), "x")
	assert.Error(t, err)
}

func TestNewEmbedder_FromConfig(t *testing.T) {
	// Given: a static provider config
	cfg := config.NewConfig().Embeddings
	cfg.Provider = "static"
	cfg.Dimension = 32

	// When: building it
	e, err := NewEmbedder(cfg)
	require.NoError(t, err)

	// Then: it is cached static with the configured size
	_, cached := e.(*CachedEmbedder)
	assert.True(t, cached)
	info := GetInfo(context.Background(), e)
	assert.Equal(t, ProviderStatic, info.Provider)
	assert.Equal(t, 32, info.Dimensions)

	cfg.CacheSize = -1
	e, err = NewEmbedder(cfg)
	require.NoError(t, err)
	_, isStatic := e.(*StaticEmbedder)
	assert.True(t, isStatic)

	cfg.Provider = "word2vec"
	_, err = NewEmbedder(cfg)
	assert.True(t, agenterrors.HasCode(err, agenterrors.ErrCodeConfigInvalid))
}
