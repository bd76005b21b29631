package index

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/RosMarinas/OpenWRT-AutoConfigure/internal/annotate"
	"github.com/RosMarinas/OpenWRT-AutoConfigure/internal/chunk"
	"github.com/RosMarinas/OpenWRT-AutoConfigure/internal/config"
	"github.com/RosMarinas/OpenWRT-AutoConfigure/internal/embed"
	agenterrors "github.com/RosMarinas/OpenWRT-AutoConfigure/internal/errors"
	"github.com/RosMarinas/OpenWRT-AutoConfigure/internal/source"
	"github.com/RosMarinas/OpenWRT-AutoConfigure/internal/store"
)

// RunnerDependencies lets callers replace the collaborators a Runner would
// otherwise build from Config. Nil fields are built.
type RunnerDependencies struct {
	// Config is the loaded configuration (required).
	Config *config.Config

	Embedder  embed.Embedder
	Annotator *annotate.Annotator
	Exporter  source.Exporter
	State     store.StateStore
}

// Runner assembles a Coordinator and Retriever from configuration and runs
// syncs on them.
type Runner struct {
	Config      *config.Config
	Coordinator *Coordinator
	Retriever   *Retriever

	embedder embed.Embedder
}

// NewRunner builds every collaborator, opens the data directory and
// reconciles it.
func NewRunner(ctx context.Context, deps RunnerDependencies) (*Runner, error) {
	cfg := deps.Config
	if cfg == nil {
		return nil, agenterrors.ConfigError("config is required", nil)
	}

	splitter, err := chunk.NewSplitter(chunk.Options{
		ModulePattern: cfg.Chunking.ModulePattern,
		UnitPattern:   cfg.Chunking.UnitPattern,
		MaxChunkSize:  cfg.Chunking.MaxChunkSize,
		Overlap:       cfg.Chunking.Overlap,
	})
	if err != nil {
		return nil, agenterrors.ConfigError("invalid chunking configuration", err)
	}

	embedder := deps.Embedder
	if embedder == nil {
		if embedder, err = embed.NewEmbedder(cfg.Embeddings); err != nil {
			return nil, err
		}
	}

	annotator := deps.Annotator
	if annotator == nil {
		if annotator, err = annotate.FromConfig(cfg.Annotator); err != nil {
			_ = embedder.Close()
			return nil, err
		}
	}

	exporter := deps.Exporter
	if exporter == nil {
		if exporter, err = source.FromConfig(cfg.Source); err != nil {
			_ = embedder.Close()
			return nil, err
		}
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		_ = embedder.Close()
		return nil, agenterrors.New(agenterrors.ErrCodeFileWrite, "failed to create data directory", err)
	}

	state := deps.State
	if state == nil {
		sqlite, err := store.NewSQLiteStateStore(filepath.Join(cfg.DataDir, store.StateDBName))
		if err != nil {
			_ = embedder.Close()
			return nil, agenterrors.New(agenterrors.ErrCodeFileWrite, "failed to open module state store", err)
		}
		state = sqlite
	}

	retry := agenterrors.DefaultRetryConfig()
	retry.MaxRetries = cfg.Sync.PersistRetries
	retry.InitialDelay = config.Duration(cfg.Sync.PersistRetryDelay, retry.InitialDelay)

	coord, err := NewCoordinator(CoordinatorConfig{
		DataDir:   cfg.DataDir,
		Splitter:  splitter,
		Embedder:  embedder,
		Annotator: annotator,
		Exporter:  exporter,
		State:     state,
		Index: store.VectorIndexConfig{
			Dimensions: embedder.Dimensions(),
			Metric:     cfg.Index.Metric,
			M:          cfg.Index.M,
			EfSearch:   cfg.Index.EfSearch,
		},
		PersistRetry: retry,
		LockTimeout:  config.Duration(cfg.Sync.LockTimeout, DefaultLockTimeout),
	})
	if err != nil {
		_ = embedder.Close()
		_ = state.Close()
		return nil, err
	}
	if _, err := coord.Open(ctx); err != nil {
		_ = coord.Close()
		_ = embedder.Close()
		return nil, err
	}

	return &Runner{
		Config:      cfg,
		Coordinator: coord,
		Retriever: NewRetriever(coord, RetrieverConfig{
			TopKDefault: cfg.Retrieval.TopKDefault,
			MinScore:    cfg.Retrieval.MinScore,
		}),
		embedder: embedder,
	}, nil
}

// RunnerConfig selects what a Run syncs. With nothing set, Run bootstraps an
// empty data directory or else resumes stale and interrupted modules.
type RunnerConfig struct {
	Full    bool
	Stale   bool
	Modules []string
}

// Run executes the selected sync.
func (r *Runner) Run(ctx context.Context, cfg RunnerConfig) (*SyncReport, error) {
	switch {
	case cfg.Full:
		return r.Coordinator.FullSync(ctx)
	case len(cfg.Modules) > 0:
		if err := r.Coordinator.MarkStale(ctx, cfg.Modules...); err != nil {
			return nil, err
		}
		return r.Coordinator.SyncModules(ctx, cfg.Modules)
	case cfg.Stale:
		return r.Coordinator.SyncStale(ctx)
	default:
		started := time.Now()
		ran, err := r.Coordinator.EnsureSynced(ctx)
		if err != nil {
			return nil, err
		}
		if ran {
			return &SyncReport{Kind: KindFull, Duration: time.Since(started)}, nil
		}
		// resume modules an earlier run left stale or half done
		return r.Coordinator.SyncStale(ctx)
	}
}

// Close releases the coordinator and the embedder.
func (r *Runner) Close() error {
	var errs []error
	if err := r.Coordinator.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close coordinator: %w", err))
	}
	if err := r.embedder.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close embedder: %w", err))
	}
	return errors.Join(errs...)
}
