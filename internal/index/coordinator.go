// Package index keeps the chunk files, vector index and mapping table of a
// data directory in step with the UCI configuration they were cut from.
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/RosMarinas/OpenWRT-AutoConfigure/internal/annotate"
	"github.com/RosMarinas/OpenWRT-AutoConfigure/internal/chunk"
	"github.com/RosMarinas/OpenWRT-AutoConfigure/internal/embed"
	agenterrors "github.com/RosMarinas/OpenWRT-AutoConfigure/internal/errors"
	"github.com/RosMarinas/OpenWRT-AutoConfigure/internal/metrics"
	"github.com/RosMarinas/OpenWRT-AutoConfigure/internal/source"
	"github.com/RosMarinas/OpenWRT-AutoConfigure/internal/store"
)

// Sync kinds recorded in run history and metrics.
const (
	KindFull      = "full"
	KindModules   = "modules"
	KindKnowledge = "knowledge"
	KindRepair    = "repair"
)

// DefaultLockTimeout bounds the wait for the cross-process sync lock.
const DefaultLockTimeout = 30 * time.Second

// CoordinatorConfig wires the coordinator to its collaborators.
type CoordinatorConfig struct {
	DataDir   string
	Splitter  *chunk.Splitter
	Embedder  embed.Embedder
	Annotator *annotate.Annotator
	Exporter  source.Exporter

	// State defaults to an in-memory store.
	State store.StateStore

	// Index defaults to the package defaults at the embedder's dimension.
	Index store.VectorIndexConfig

	// PersistRetry governs saving the index and mapping.
	PersistRetry agenterrors.RetryConfig
	LockTimeout  time.Duration
}

// Coordinator owns the vector index and mapping table of one data
// directory. At most one sync runs at a time: in-process through mu, across
// processes through the flock on <data>/.sync.lock.
type Coordinator struct {
	config    CoordinatorConfig
	splitter  *chunk.Splitter
	embedder  embed.Embedder
	annotator *annotate.Annotator
	exporter  source.Exporter

	chunks  *store.ChunkStore
	index   *store.HNSWIndex
	mapping *store.MappingTable
	state   store.StateStore
	lock    *store.SyncLock

	indexPath   string
	mappingPath string

	mu sync.RWMutex
}

// SyncReport summarizes one sync operation.
type SyncReport struct {
	Kind     string
	Modules  []string
	Added    int
	Removed  int
	Failed   []string
	Duration time.Duration
}

// NewCoordinator builds an empty coordinator. Call Open to load what is
// already persisted in the data directory.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.DataDir == "" {
		return nil, agenterrors.ConfigError("data directory is required", nil)
	}
	if cfg.Embedder == nil {
		return nil, agenterrors.ConfigError("embedder is required", nil)
	}
	if cfg.Exporter == nil {
		return nil, agenterrors.ConfigError("exporter is required", nil)
	}
	if cfg.Splitter == nil {
		s, err := chunk.NewSplitter(chunk.Options{})
		if err != nil {
			return nil, err
		}
		cfg.Splitter = s
	}
	if cfg.Annotator == nil {
		cfg.Annotator = annotate.New(annotate.NoopSummarizer{}, annotate.Options{})
	}
	if cfg.State == nil {
		cfg.State = store.NewMemoryStateStore()
	}
	if cfg.Index.Dimensions == 0 {
		cfg.Index = store.DefaultVectorIndexConfig(cfg.Embedder.Dimensions())
	}
	if cfg.PersistRetry.MaxRetries == 0 && cfg.PersistRetry.InitialDelay == 0 {
		cfg.PersistRetry = agenterrors.DefaultRetryConfig()
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}

	chunks, err := store.NewChunkStore(cfg.DataDir)
	if err != nil {
		return nil, agenterrors.New(agenterrors.ErrCodeFileWrite, "failed to prepare data directory", err)
	}
	index, err := store.NewHNSWIndex(cfg.Index)
	if err != nil {
		return nil, agenterrors.ConfigError("invalid vector index configuration", err)
	}

	return &Coordinator{
		config:      cfg,
		splitter:    cfg.Splitter,
		embedder:    cfg.Embedder,
		annotator:   cfg.Annotator,
		exporter:    cfg.Exporter,
		chunks:      chunks,
		index:       index,
		mapping:     store.NewMappingTable(),
		state:       cfg.State,
		lock:        store.NewSyncLock(cfg.DataDir),
		indexPath:   filepath.Join(cfg.DataDir, store.IndexFileName),
		mappingPath: filepath.Join(cfg.DataDir, store.MappingFileName),
	}, nil
}

// Open loads the persisted index and mapping, then reconciles them with each
// other and with the chunk files on disk.
func (c *Coordinator) Open(ctx context.Context) (*CheckResult, error) {
	unlock, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	indexExists := fileExists(c.indexPath)
	if !indexExists {
		if err := c.index.Calibrate(ctx, nil); err != nil {
			return nil, agenterrors.New(agenterrors.ErrCodeIndexFailed, "failed to calibrate vector index", err)
		}
	}
	if indexExists {
		if err := c.index.Load(c.indexPath); err != nil {
			var dm store.ErrDimensionMismatch
			if errors.As(err, &dm) {
				return nil, agenterrors.New(agenterrors.ErrCodeDimensionMismatch, "index dimension does not match embedder", err).
					WithSuggestion("Run 'uciagent sync --full' to rebuild the index")
			}
			return nil, agenterrors.New(agenterrors.ErrCodeCorruptIndex, "failed to load vector index", err).
				WithSuggestion("Run 'uciagent sync --full' to rebuild the index")
		}
	}
	mappingExists := fileExists(c.mappingPath)
	if mappingExists {
		if err := c.mapping.Load(c.mappingPath); err != nil {
			return nil, agenterrors.New(agenterrors.ErrCodeCorruptMapping, "failed to load mapping table", err).
				WithSuggestion("Run 'uciagent sync --full' to rebuild the mapping")
		}
	}
	if indexExists && mappingExists && c.index.Generation() != c.mapping.Generation() {
		// an interrupted persist saved one file but not the other
		slog.Warn("index and mapping generations differ",
			slog.Uint64("index_generation", c.index.Generation()),
			slog.Uint64("mapping_generation", c.mapping.Generation()))
	}
	c.alignCounters()

	result, err := c.reconcile(ctx)
	if err != nil {
		return nil, err
	}

	slog.Info("index opened",
		slog.String("data_dir", c.config.DataDir),
		slog.Int("vectors", c.index.Count()),
		slog.Int("mapped", c.mapping.Len()),
		slog.Int("repaired", len(result.Inconsistencies)))
	c.updateGauges(ctx)
	return result, nil
}

// alignCounters raises both counters to the largest value either has seen.
func (c *Coordinator) alignCounters() {
	next := max(c.index.NextID(), c.mapping.NextID())
	for _, id := range c.mapping.IDs() {
		next = max(next, id+1)
	}
	c.index.EnsureNextID(next)
	c.mapping.EnsureNextID(next)
}

// reconcile repairs every inconsistency found and persists if anything changed.
func (c *Coordinator) reconcile(ctx context.Context) (*CheckResult, error) {
	checker := NewConsistencyChecker(c.index, c.mapping, c.chunks)
	result, err := checker.Check(ctx)
	if err != nil {
		return nil, err
	}
	if len(result.Inconsistencies) == 0 {
		return result, nil
	}

	for _, issue := range result.Inconsistencies {
		slog.Warn("index inconsistency",
			slog.String("type", issue.Type.String()),
			slog.Uint64("id", issue.ID),
			slog.String("path", issue.Path))
	}
	if err := checker.Repair(ctx, result.Inconsistencies); err != nil {
		return nil, err
	}
	known, err := c.state.List(ctx)
	if err != nil {
		return nil, stateError(err)
	}
	for _, norm := range StaleModules(result.Inconsistencies) {
		module := norm
		for _, st := range known {
			if chunk.NormalizeModule(st.Module) == norm {
				module = st.Module
				break
			}
		}
		if err := c.setState(ctx, module, store.StateStale, -1, "unmapped chunk files"); err != nil {
			return nil, err
		}
	}
	if _, err := c.registerKnowledge(ctx, UnmappedKnowledge(result.Inconsistencies)); err != nil {
		slog.Warn("failed to re-register knowledge units", slog.String("error", err.Error()))
	}
	if err := c.persist(ctx); err != nil {
		return nil, err
	}
	return result, nil
}

// acquire takes the process write lock and then the cross-process lock.
func (c *Coordinator) acquire(ctx context.Context) (func(), error) {
	c.mu.Lock()

	lockCtx, cancel := context.WithTimeout(ctx, c.config.LockTimeout)
	defer cancel()
	if err := c.lock.Lock(lockCtx); err != nil {
		c.mu.Unlock()
		return nil, agenterrors.New(agenterrors.ErrCodeLockBusy, "another sync is running", err).
			WithDetail("lock", c.lock.Path())
	}

	return func() {
		if err := c.lock.Unlock(); err != nil {
			slog.Warn("failed to release sync lock", slog.String("error", err.Error()))
		}
		c.mu.Unlock()
	}, nil
}

// FullSync rebuilds everything from a single export of all packages.
// Knowledge units survive and are re-embedded.
func (c *Coordinator) FullSync(ctx context.Context) (report *SyncReport, err error) {
	started := time.Now()
	report = &SyncReport{Kind: KindFull}
	defer func() { c.finish(ctx, report, started, err) }()

	unlock, err := c.acquire(ctx)
	if err != nil {
		return report, err
	}
	defer unlock()

	// fetch first so a failed export leaves the previous index intact
	text, err := c.exporter.Export(ctx, source.All)
	if err != nil {
		return report, err
	}

	previous, err := c.state.List(ctx)
	if err != nil {
		return report, stateError(err)
	}

	report.Removed = c.index.Count()
	if err := c.index.Remove(ctx, c.index.IDs()); err != nil {
		return report, agenterrors.New(agenterrors.ErrCodeIndexFailed, "failed to clear vector index", err)
	}
	c.index.Compact()
	c.mapping.Clear()
	if err := c.chunks.Clear(); err != nil {
		slog.Warn("failed to delete some chunk files", slog.String("error", err.Error()))
	}

	chunks := c.splitter.Split(text)
	modules := c.splitter.ModuleNames(text)
	for _, ch := range chunks {
		// lines ahead of the first package line get their own state row
		if ch.Module == chunk.GlobalModule {
			modules = append([]string{chunk.GlobalModule}, modules...)
			break
		}
	}
	report.Modules = modules
	for _, m := range modules {
		if err := c.setState(ctx, m, store.StateResyncing, -1, ""); err != nil {
			return report, err
		}
	}

	added, embedErr := c.onboard(ctx, chunks)
	report.Added = added

	if embedErr == nil {
		knowledge, kerr := c.chunks.KnowledgeFiles()
		if kerr != nil {
			slog.Warn("failed to list knowledge units", slog.String("error", kerr.Error()))
		}
		n, kerr := c.registerKnowledge(ctx, knowledge)
		report.Added += n
		embedErr = kerr
	}

	if err := c.persist(ctx); err != nil {
		c.markAll(ctx, modules, store.StateStale, err)
		return report, err
	}
	if embedErr != nil {
		c.markAll(ctx, modules, store.StateStale, embedErr)
		report.Failed = modules
		return report, embedErr
	}

	counts := countByModule(chunks)
	for _, m := range modules {
		if err := c.setState(ctx, m, store.StateClean, counts[m], ""); err != nil {
			return report, err
		}
	}
	for _, st := range previous {
		if !slices.Contains(modules, st.Module) {
			if err := c.state.Delete(ctx, st.Module); err != nil {
				return report, stateError(err)
			}
		}
	}
	return report, nil
}

// SyncModules replaces the chunks of each named module with a fresh export.
// A fetch failure leaves that module stale and the rest continue; an
// embedding failure stops the run after persisting what was applied.
func (c *Coordinator) SyncModules(ctx context.Context, modules []string) (report *SyncReport, err error) {
	started := time.Now()
	report = &SyncReport{Kind: KindModules}
	defer func() { c.finish(ctx, report, started, err) }()

	modules = dedupe(modules)
	if len(modules) == 0 {
		return report, agenterrors.New(agenterrors.ErrCodeNoModules, "no modules to sync", nil)
	}
	for _, m := range modules {
		if m == source.All {
			return report, agenterrors.ValidationError("use a full sync to export every package", nil)
		}
		if m == chunk.GlobalModule {
			return report, agenterrors.ValidationError("lines outside any package only change with a full sync", nil).
				WithSuggestion("Run 'uciagent sync --full'")
		}
		if err := source.ValidateModule(m); err != nil {
			return report, err
		}
	}
	report.Modules = modules

	unlock, err := c.acquire(ctx)
	if err != nil {
		return report, err
	}
	defer unlock()

	var (
		fetchErrs []error
		clean     = make(map[string]int)
	)
	for i, m := range modules {
		if err := c.setState(ctx, m, store.StateResyncing, -1, ""); err != nil {
			return report, err
		}

		removed, err := c.unregisterModule(ctx, m)
		report.Removed += removed
		if err != nil {
			c.markAll(ctx, modules[i:], store.StateStale, err)
			report.Failed = append(report.Failed, modules[i:]...)
			return report, errors.Join(err, c.persist(ctx))
		}

		text, err := c.exporter.Export(ctx, m)
		if err != nil {
			slog.Warn("module export failed",
				slog.String("module", m),
				slog.String("error", err.Error()))
			_ = c.setState(ctx, m, store.StateStale, 0, err.Error())
			report.Failed = append(report.Failed, m)
			fetchErrs = append(fetchErrs, err)
			continue
		}
		if strings.TrimSpace(text) == "" {
			slog.Warn("module export is empty", slog.String("module", m))
			clean[m] = 0
			continue
		}
		if len(c.splitter.ModuleNames(text)) == 0 {
			text = "package " + m + "\n\n" + text
		}

		chunks := c.splitter.Split(text)
		added, err := c.onboard(ctx, chunks)
		report.Added += added
		if err != nil {
			c.markAll(ctx, modules[i:], store.StateStale, err)
			report.Failed = append(report.Failed, modules[i:]...)
			return report, errors.Join(err, c.persist(ctx))
		}
		clean[m] = len(chunks)
	}

	if err := c.persist(ctx); err != nil {
		for m := range clean {
			_ = c.setState(ctx, m, store.StateStale, -1, err.Error())
		}
		return report, errors.Join(append(fetchErrs, err)...)
	}
	for m, n := range clean {
		if err := c.setState(ctx, m, store.StateClean, n, ""); err != nil {
			return report, err
		}
	}
	return report, errors.Join(fetchErrs...)
}

// unregisterModule drops every chunk of module from the index, the mapping
// and the disk, in that order.
func (c *Coordinator) unregisterModule(ctx context.Context, module string) (int, error) {
	files, err := c.chunks.ModuleFiles(module)
	if err != nil {
		return 0, agenterrors.Wrap(agenterrors.ErrCodeFileNotFound, err)
	}

	ids := make([]uint64, 0, len(files))
	for _, f := range files {
		if id, ok := c.mapping.IDFor(f); ok {
			ids = append(ids, id)
		}
	}
	if err := c.index.Remove(ctx, ids); err != nil {
		return 0, agenterrors.New(agenterrors.ErrCodeIndexFailed, "failed to remove module vectors", err).
			WithDetail("module", module)
	}
	for _, f := range files {
		c.mapping.Remove(f)
		if err := c.chunks.Delete(f); err != nil {
			slog.Warn("failed to delete chunk file",
				slog.String("path", f),
				slog.String("error", err.Error()))
		}
	}

	if len(files) > 0 {
		slog.Debug("module unregistered",
			slog.String("module", module),
			slog.Int("files", len(files)),
			slog.Int("vectors", len(ids)))
	}
	return len(ids), nil
}

// onboard writes chunks, annotates them on the worker pool while embedding,
// and maps each new vector. The annotation join happens before returning.
func (c *Coordinator) onboard(ctx context.Context, chunks []*chunk.Chunk) (int, error) {
	if len(chunks) == 0 {
		return 0, nil
	}

	tasks := make([]annotate.Task, 0, len(chunks))
	paths := make([]string, 0, len(chunks))
	texts := make([]string, 0, len(chunks))
	for _, ch := range chunks {
		rel, err := c.chunks.WriteChunk(ch)
		if err != nil {
			return 0, agenterrors.New(agenterrors.ErrCodeFileWrite, "failed to write chunk", err)
		}
		tasks = append(tasks, annotate.Task{Path: rel, Chunk: ch})
		paths = append(paths, rel)
		texts = append(texts, ch.Text())
	}

	job := c.annotator.Start(ctx, tasks, c.chunks.WriteAnnotation)
	added, err := c.register(ctx, paths, texts)
	if werr := job.Wait(); werr != nil {
		slog.Warn("some annotations were not written", slog.String("error", werr.Error()))
	}
	return added, err
}

// register embeds texts in one batch and maps each vector to its path.
func (c *Coordinator) register(ctx context.Context, paths, texts []string) (int, error) {
	if len(texts) == 0 {
		return 0, nil
	}

	vecs, err := c.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		if agenterrors.GetCode(err) != "" {
			return 0, err
		}
		return 0, agenterrors.EmbeddingError("failed to embed chunks", err)
	}
	if len(vecs) != len(texts) {
		return 0, agenterrors.EmbeddingError(
			fmt.Sprintf("embedder returned %d vectors for %d texts", len(vecs), len(texts)), nil)
	}

	added := 0
	for i, vec := range vecs {
		if len(vec) == 0 {
			return added, agenterrors.EmbeddingError("embedder returned an empty vector", nil).
				WithDetail("path", paths[i])
		}
		if old, ok := c.mapping.IDFor(paths[i]); ok {
			if err := c.index.Remove(ctx, []uint64{old}); err != nil {
				return added, agenterrors.Wrap(agenterrors.ErrCodeIndexFailed, err)
			}
			c.mapping.Remove(paths[i])
		}
		id, err := c.index.Add(ctx, vec)
		if err != nil {
			return added, agenterrors.New(agenterrors.ErrCodeIndexFailed, "failed to add vector", err).
				WithDetail("path", paths[i])
		}
		if err := c.mapping.Put(paths[i], id); err != nil {
			return added, agenterrors.InternalError("mapping rejected a fresh id", err)
		}
		added++
	}
	return added, nil
}

// registerKnowledge re-embeds existing knowledge-unit files.
func (c *Coordinator) registerKnowledge(ctx context.Context, paths []string) (int, error) {
	var (
		keep  []string
		texts []string
	)
	for _, p := range paths {
		text, err := c.chunks.Read(p)
		if err != nil {
			slog.Warn("failed to read knowledge unit",
				slog.String("path", p),
				slog.String("error", err.Error()))
			continue
		}
		keep = append(keep, p)
		texts = append(texts, text)
	}
	return c.register(ctx, keep, texts)
}

// persist saves the index and then the mapping, retrying the pair. Both
// carry the same generation so that Open can tell when only one was written.
// It is not cancelled with ctx so that disk catches up with memory. The graph
// is compacted first once orphaned nodes outnumber live ones.
func (c *Coordinator) persist(ctx context.Context) error {
	c.compactIfBloated()

	ctx = context.WithoutCancel(ctx)
	c.index.SetGeneration(c.mapping.Generation() + 1)
	err := agenterrors.Retry(ctx, c.config.PersistRetry, func() error {
		if err := c.index.Save(c.indexPath); err != nil {
			return fmt.Errorf("save index: %w", err)
		}
		if err := c.mapping.Save(c.mappingPath); err != nil {
			return fmt.Errorf("save mapping: %w", err)
		}
		return nil
	})
	if err != nil {
		slog.Error("failed to persist index and mapping",
			slog.String("data_dir", c.config.DataDir),
			slog.String("error", err.Error()))
		return agenterrors.PersistenceError("index and mapping", err)
	}
	return nil
}

// compactMinOrphans keeps small indexes from being rebuilt on every persist.
const compactMinOrphans = 64

func (c *Coordinator) compactIfBloated() {
	st := c.index.Stats()
	if st.Orphans < compactMinOrphans || st.Orphans <= st.Live {
		return
	}
	removed := c.index.Compact()
	slog.Info("vector index compacted",
		slog.Int("orphans_removed", removed),
		slog.Int("live", st.Live))
}

// Compact rebuilds the vector graph without orphaned nodes and persists it.
func (c *Coordinator) Compact(ctx context.Context) (store.HNSWStats, int, error) {
	unlock, err := c.acquire(ctx)
	if err != nil {
		return store.HNSWStats{}, 0, err
	}
	defer unlock()

	removed := c.index.Compact()
	if removed > 0 {
		if err := c.persist(ctx); err != nil {
			return c.index.Stats(), removed, err
		}
	}
	slog.Info("vector index compacted", slog.Int("orphans_removed", removed))
	return c.index.Stats(), removed, nil
}

// MarkStale flags modules whose remote configuration is known to have changed.
// Modules already resyncing are left alone.
func (c *Coordinator) MarkStale(ctx context.Context, modules ...string) error {
	for _, m := range dedupe(modules) {
		if err := source.ValidateModule(m); err != nil {
			return err
		}
		st, err := c.state.Get(ctx, m)
		if err != nil {
			return stateError(err)
		}
		if st != nil && st.State != store.StateClean {
			continue
		}
		if err := c.setState(ctx, m, store.StateStale, -1, ""); err != nil {
			return err
		}
		slog.Info("module marked stale", slog.String("module", m))
	}
	c.updateGauges(ctx)
	return nil
}

// SyncStale syncs every stale module, plus any left resyncing by an
// interrupted run. A stale global module can only be rebuilt by a full sync.
func (c *Coordinator) SyncStale(ctx context.Context) (*SyncReport, error) {
	modules, err := c.pending(ctx)
	if err != nil {
		return nil, err
	}
	if len(modules) == 0 {
		return &SyncReport{Kind: KindModules}, nil
	}
	if slices.Contains(modules, chunk.GlobalModule) {
		slog.Info("global lines are stale, running full sync")
		return c.FullSync(ctx)
	}
	return c.SyncModules(ctx, modules)
}

// pending lists modules that are stale or were left resyncing.
func (c *Coordinator) pending(ctx context.Context) ([]string, error) {
	stale, err := c.state.InState(ctx, store.StateStale)
	if err != nil {
		return nil, stateError(err)
	}
	resyncing, err := c.state.InState(ctx, store.StateResyncing)
	if err != nil {
		return nil, stateError(err)
	}
	return dedupe(append(stale, resyncing...)), nil
}

// EnsureSynced runs a full sync when the data directory holds no chunks yet.
func (c *Coordinator) EnsureSynced(ctx context.Context) (bool, error) {
	files, err := c.chunks.ChunkFiles()
	if err != nil {
		return false, agenterrors.Wrap(agenterrors.ErrCodeFileNotFound, err)
	}
	if len(files) > 0 {
		return false, nil
	}
	slog.Info("no chunks found, running full sync")
	if _, err := c.FullSync(ctx); err != nil {
		return true, err
	}
	return true, nil
}

// Status describes the index and every known module.
type Status struct {
	DataDir   string
	Vectors   int
	Orphans   int
	Mapped    int
	NextID    uint64
	Knowledge int
	Modules   []*store.ModuleStatus
	Runs      []*store.SyncRun
	Embedder  embed.EmbedderInfo
}

// Status reports the current state without taking the sync lock.
func (c *Coordinator) Status(ctx context.Context) (*Status, error) {
	modules, err := c.state.List(ctx)
	if err != nil {
		return nil, stateError(err)
	}
	runs, err := c.state.Runs(ctx, 5)
	if err != nil {
		return nil, stateError(err)
	}
	knowledge, err := c.chunks.KnowledgeFiles()
	if err != nil {
		return nil, agenterrors.Wrap(agenterrors.ErrCodeFileNotFound, err)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return &Status{
		DataDir:   c.config.DataDir,
		Vectors:   c.index.Count(),
		Orphans:   c.index.Stats().Orphans,
		Mapped:    c.mapping.Len(),
		NextID:    c.index.NextID(),
		Knowledge: len(knowledge),
		Modules:   modules,
		Runs:      runs,
		Embedder: embed.EmbedderInfo{
			Model:      c.embedder.ModelName(),
			Dimensions: c.embedder.Dimensions(),
		},
	}, nil
}

// Check looks for inconsistencies and, when repair is set, fixes and persists them.
func (c *Coordinator) Check(ctx context.Context, repair bool) (*CheckResult, error) {
	if repair {
		started := time.Now()
		unlock, err := c.acquire(ctx)
		if err != nil {
			return nil, err
		}
		defer unlock()

		result, err := c.reconcile(ctx)
		report := &SyncReport{Kind: KindRepair}
		if result != nil {
			report.Removed = len(result.Inconsistencies)
		}
		c.finish(ctx, report, started, err)
		return result, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return NewConsistencyChecker(c.index, c.mapping, c.chunks).Check(ctx)
}

// Close releases the index and the state store.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return errors.Join(c.index.Close(), c.state.Close())
}

// setState writes a module status. chunks < 0 keeps the recorded count.
func (c *Coordinator) setState(ctx context.Context, module string, state store.ModuleState, chunks int, lastErr string) error {
	if chunks < 0 {
		chunks = 0
		if st, err := c.state.Get(ctx, module); err == nil && st != nil {
			chunks = st.Chunks
		}
	}
	if err := c.state.Put(ctx, store.ModuleStatus{
		Module:    module,
		State:     state,
		Chunks:    chunks,
		LastError: lastErr,
	}); err != nil {
		return stateError(err)
	}
	return nil
}

func (c *Coordinator) markAll(ctx context.Context, modules []string, state store.ModuleState, cause error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	for _, m := range modules {
		if err := c.setState(ctx, m, state, -1, msg); err != nil {
			slog.Warn("failed to record module state",
				slog.String("module", m),
				slog.String("error", err.Error()))
		}
	}
}

// finish records the run in history and metrics.
func (c *Coordinator) finish(ctx context.Context, report *SyncReport, started time.Time, err error) {
	report.Duration = time.Since(started)
	metrics.ObserveSync(report.Kind, started, report.Added, report.Removed, err)

	run := &store.SyncRun{
		Kind:       report.Kind,
		Modules:    report.Modules,
		StartedAt:  started,
		FinishedAt: time.Now(),
		Added:      report.Added,
		Removed:    report.Removed,
	}
	if err != nil {
		run.Error = err.Error()
	}
	if rerr := c.state.RecordRun(context.WithoutCancel(ctx), run); rerr != nil {
		slog.Warn("failed to record sync run", slog.String("error", rerr.Error()))
	}

	attrs := []any{
		slog.String("kind", report.Kind),
		slog.Int("modules", len(report.Modules)),
		slog.Int("added", report.Added),
		slog.Int("removed", report.Removed),
		slog.Duration("duration", report.Duration),
	}
	if err != nil {
		slog.Error("sync failed", append(attrs, agenterrors.LogAttrs(err)...)...)
	} else {
		slog.Info("sync complete", attrs...)
	}
	c.updateGauges(ctx)
}

func (c *Coordinator) updateGauges(ctx context.Context) {
	metrics.IndexedChunks.Set(float64(c.mapping.Len()))
	if stale, err := c.state.InState(context.WithoutCancel(ctx), store.StateStale); err == nil {
		metrics.StaleModules.Set(float64(len(stale)))
	}
}

func stateError(err error) error {
	return agenterrors.New(agenterrors.ErrCodeFileWrite, "module state store failed", err)
}

func countByModule(chunks []*chunk.Chunk) map[string]int {
	counts := make(map[string]int)
	for _, ch := range chunks {
		counts[ch.Module]++
	}
	return counts
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
