package index

import (
	"context"
	"log/slog"
	"strings"
	"time"

	agenterrors "github.com/RosMarinas/OpenWRT-AutoConfigure/internal/errors"
	"github.com/RosMarinas/OpenWRT-AutoConfigure/internal/metrics"
)

// DefaultTopK is used when neither the caller nor the config gives k.
const DefaultTopK = 5

// RetrieverConfig tunes retrieval.
type RetrieverConfig struct {
	TopKDefault int
	// MinScore drops results scoring below it. 0 disables the cutoff.
	MinScore float64
}

// Result is one retrieved chunk or knowledge unit.
type Result struct {
	ID       uint64
	Path     string
	Text     string
	Distance float32
	Score    float32
}

// Retriever answers queries against a coordinator's index. It only reads.
type Retriever struct {
	c      *Coordinator
	config RetrieverConfig
}

// NewRetriever creates a retriever over c.
func NewRetriever(c *Coordinator, cfg RetrieverConfig) *Retriever {
	if cfg.TopKDefault <= 0 {
		cfg.TopKDefault = DefaultTopK
	}
	return &Retriever{c: c, config: cfg}
}

// Retrieve returns up to k stored texts nearest to query, most relevant
// first. k <= 0 uses the configured default. Ids without a mapping entry and
// files that vanished are skipped.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int) (results []*Result, err error) {
	start := time.Now()
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
		}
		metrics.RetrievalsTotal.WithLabelValues(status).Inc()
		metrics.RetrievalDuration.Observe(time.Since(start).Seconds())
	}()

	if strings.TrimSpace(query) == "" {
		return nil, agenterrors.New(agenterrors.ErrCodeQueryEmpty, "query is empty", nil)
	}
	if k <= 0 {
		k = r.config.TopKDefault
	}

	vec, err := r.c.embedder.Embed(ctx, query)
	if err != nil {
		if agenterrors.GetCode(err) != "" {
			return nil, err
		}
		return nil, agenterrors.EmbeddingError("failed to embed query", err)
	}
	if len(vec) == 0 {
		return nil, agenterrors.EmbeddingError("embedder returned an empty vector", nil)
	}

	r.c.mu.RLock()
	defer r.c.mu.RUnlock()

	hits, err := r.c.index.Search(ctx, vec, k)
	if err != nil {
		return nil, agenterrors.New(agenterrors.ErrCodeSearchFailed, "vector search failed", err)
	}

	results = make([]*Result, 0, len(hits))
	for _, hit := range hits {
		if r.config.MinScore > 0 && float64(hit.Score) < r.config.MinScore {
			continue
		}
		path, ok := r.c.mapping.PathFor(hit.ID)
		if !ok {
			slog.Warn("search hit has no mapping entry", slog.Uint64("id", hit.ID))
			continue
		}
		text, err := r.c.chunks.Read(path)
		if err != nil {
			slog.Warn("search hit file unreadable",
				slog.Uint64("id", hit.ID),
				slog.String("path", path),
				slog.String("error", err.Error()))
			continue
		}
		results = append(results, &Result{
			ID:       hit.ID,
			Path:     path,
			Text:     text,
			Distance: hit.Distance,
			Score:    hit.Score,
		})
	}

	slog.Debug("retrieval complete",
		slog.Int("k", k),
		slog.Int("hits", len(hits)),
		slog.Int("results", len(results)),
		slog.Duration("duration", time.Since(start)))
	return results, nil
}
