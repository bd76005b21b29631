package store

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/coder/hnsw"
	"github.com/google/renameio"
)

// HNSWIndex implements VectorIndex on coder/hnsw.
//
// Removal is lazy: the node stays in the graph and only leaves the live set,
// because deleting nodes from coder/hnsw can disconnect the graph. Searches
// oversample by the number of dead nodes and filter them out.
type HNSWIndex struct {
	mu     sync.RWMutex
	graph  *hnsw.Graph[uint64]
	config VectorIndexConfig

	live   map[uint64]struct{}
	nextID uint64
	// generation pairs a saved index with the mapping saved after it.
	generation uint64

	closed bool
}

// hnswMetadata is gob-encoded at the head of the index file, ahead of the
// exported graph.
type hnswMetadata struct {
	Live       []uint64
	NextID     uint64
	Generation uint64
	GraphNodes int
	Config     VectorIndexConfig
}

// NewHNSWIndex creates an empty index.
func NewHNSWIndex(cfg VectorIndexConfig) (*HNSWIndex, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive, got %d", cfg.Dimensions)
	}
	if cfg.Metric == "" {
		cfg.Metric = "cos"
	}
	if cfg.M == 0 {
		cfg.M = 16
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = 20
	}

	return &HNSWIndex{
		graph:  newGraph(cfg),
		config: cfg,
		live:   make(map[uint64]struct{}),
	}, nil
}

func newGraph(cfg VectorIndexConfig) *hnsw.Graph[uint64] {
	graph := hnsw.NewGraph[uint64]()
	switch cfg.Metric {
	case "l2":
		graph.Distance = hnsw.EuclideanDistance
	default:
		graph.Distance = hnsw.CosineDistance
	}
	graph.M = cfg.M
	graph.EfSearch = cfg.EfSearch
	graph.Ml = 0.25
	return graph
}

// Add implements VectorIndex.
func (s *HNSWIndex) Add(_ context.Context, vec []float32) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}
	if len(vec) != s.config.Dimensions {
		return 0, ErrDimensionMismatch{Expected: s.config.Dimensions, Got: len(vec)}
	}

	v := make([]float32, len(vec))
	copy(v, vec)
	if s.config.Metric == "cos" {
		normalizeVectorInPlace(v)
	}

	id := s.nextID
	s.nextID++
	s.graph.Add(hnsw.MakeNode(id, v))
	s.live[id] = struct{}{}
	return id, nil
}

// Remove implements VectorIndex.
func (s *HNSWIndex) Remove(_ context.Context, ids []uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	for _, id := range ids {
		delete(s.live, id)
	}
	return nil
}

// Search implements VectorIndex.
func (s *HNSWIndex) Search(_ context.Context, query []float32, k int) ([]*VectorResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	if len(query) != s.config.Dimensions {
		return nil, ErrDimensionMismatch{Expected: s.config.Dimensions, Got: len(query)}
	}
	if k <= 0 || len(s.live) == 0 {
		return []*VectorResult{}, nil
	}

	q := make([]float32, len(query))
	copy(q, query)
	if s.config.Metric == "cos" {
		normalizeVectorInPlace(q)
	}

	total := s.graph.Len()
	want := min(k+total-len(s.live), total)

	nodes := s.graph.Search(q, want)
	results := make([]*VectorResult, 0, k)
	for _, node := range nodes {
		if _, ok := s.live[node.Key]; !ok {
			continue
		}
		distance := s.graph.Distance(q, node.Value)
		results = append(results, &VectorResult{
			ID:       node.Key,
			Distance: distance,
			Score:    distanceToScore(distance, s.config.Metric),
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Distance < results[j].Distance
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Contains implements VectorIndex.
func (s *HNSWIndex) Contains(id uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.live[id]
	return ok && !s.closed
}

// IDs returns the live ids in ascending order.
func (s *HNSWIndex) IDs() []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil
	}
	ids := make([]uint64, 0, len(s.live))
	for id := range s.live {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Count returns the number of live vectors.
func (s *HNSWIndex) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0
	}
	return len(s.live)
}

// NextID implements VectorIndex.
func (s *HNSWIndex) NextID() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextID
}

// EnsureNextID implements VectorIndex.
func (s *HNSWIndex) EnsureNextID(n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > s.nextID {
		s.nextID = n
	}
}

// Generation returns the generation recorded by the last Save or Load.
func (s *HNSWIndex) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// SetGeneration sets the generation the next Save records.
func (s *HNSWIndex) SetGeneration(g uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation = g
}

// Calibrate is a no-op: an HNSW graph has no partitions to train.
func (s *HNSWIndex) Calibrate(context.Context, [][]float32) error {
	return nil
}

// HNSWStats reports live and dead node counts.
type HNSWStats struct {
	Live       int
	GraphNodes int
	// Orphans are lazily removed nodes still in the graph.
	Orphans int
	NextID  uint64
}

// Stats returns index statistics.
func (s *HNSWIndex) Stats() HNSWStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return HNSWStats{}
	}
	nodes := s.graph.Len()
	return HNSWStats{
		Live:       len(s.live),
		GraphNodes: nodes,
		Orphans:    nodes - len(s.live),
		NextID:     s.nextID,
	}
}

// Compact rebuilds the graph from live vectors only, dropping orphaned nodes.
// Ids and the counter are unchanged.
func (s *HNSWIndex) Compact() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0
	}
	removed := s.graph.Len() - len(s.live)
	if removed == 0 {
		return 0
	}

	ids := make([]uint64, 0, len(s.live))
	for id := range s.live {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	graph := newGraph(s.config)
	for _, id := range ids {
		if vec, ok := s.graph.Lookup(id); ok {
			graph.Add(hnsw.MakeNode(id, vec))
		} else {
			delete(s.live, id)
		}
	}
	s.graph = graph
	return removed
}

// Save writes the metadata followed by the exported graph to path as a
// single file, replaced atomically, so the live set and counter can never
// belong to a different graph than the one beside them.
func (s *HNSWIndex) Save(path string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	meta := hnswMetadata{
		Live:       make([]uint64, 0, len(s.live)),
		NextID:     s.nextID,
		Generation: s.generation,
		GraphNodes: s.graph.Len(),
		Config:     s.config,
	}
	for id := range s.live {
		meta.Live = append(meta.Live, id)
	}

	if err := atomicWrite(path, func(f *os.File) error {
		w := bufio.NewWriter(f)
		if err := gob.NewEncoder(w).Encode(meta); err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		if meta.GraphNodes > 0 {
			if err := s.graph.Export(w); err != nil {
				return fmt.Errorf("export graph: %w", err)
			}
		}
		return w.Flush()
	}); err != nil {
		return fmt.Errorf("failed to save index: %w", err)
	}
	return nil
}

// Load replaces the in-memory index with the one saved at path. The
// configured dimension must match the saved one. Live ids without a node in
// the graph are dropped, and the counter is raised past every live id.
func (s *HNSWIndex) Load(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open index file: %w", err)
	}
	defer file.Close()

	// gob reads exactly its own messages from an io.ByteReader, which
	// leaves the reader positioned at the graph.
	r := bufio.NewReader(file)
	meta, err := decodeMetadata(r)
	if err != nil {
		return err
	}
	if meta.Config.Dimensions != s.config.Dimensions {
		return ErrDimensionMismatch{Expected: s.config.Dimensions, Got: meta.Config.Dimensions}
	}

	graph := newGraph(meta.Config)
	if meta.GraphNodes > 0 {
		if err := graph.Import(r); err != nil {
			return fmt.Errorf("failed to import graph: %w", err)
		}
	}

	live := make(map[uint64]struct{}, len(meta.Live))
	next := meta.NextID
	var missing int
	for _, id := range meta.Live {
		next = max(next, id+1)
		if _, ok := graph.Lookup(id); !ok {
			missing++
			continue
		}
		live[id] = struct{}{}
	}
	if missing > 0 {
		slog.Warn("dropped live ids with no node in the graph",
			slog.String("path", path),
			slog.Int("count", missing))
	}

	s.graph = graph
	s.config = meta.Config
	s.nextID = next
	s.generation = meta.Generation
	s.live = live
	return nil
}

func decodeMetadata(r io.Reader) (hnswMetadata, error) {
	var meta hnswMetadata
	if err := gob.NewDecoder(r).Decode(&meta); err != nil {
		return meta, fmt.Errorf("decode index metadata: %w", err)
	}
	return meta, nil
}

// ReadIndexDimensions returns the dimension recorded in a saved index, or 0
// if none exists.
func ReadIndexDimensions(indexPath string) (int, error) {
	file, err := os.Open(indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open index file: %w", err)
	}
	defer file.Close()

	meta, err := decodeMetadata(bufio.NewReader(file))
	if err != nil {
		return 0, err
	}
	return meta.Config.Dimensions, nil
}

// Close releases the graph.
func (s *HNSWIndex) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.graph = nil
	return nil
}

var _ VectorIndex = (*HNSWIndex)(nil)

// atomicWrite writes through a renameio pending file so readers see either
// the old or the new content.
func atomicWrite(path string, write func(f *os.File) error) error {
	pf, err := renameio.TempFile("", path)
	if err != nil {
		return err
	}
	defer func() { _ = pf.Cleanup() }()

	if err := write(pf.File); err != nil {
		return err
	}
	return pf.CloseAtomicallyReplace()
}

func normalizeVectorInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}

// distanceToScore maps cosine distance [0,2] or L2 distance [0,inf) to [0,1].
func distanceToScore(distance float32, metric string) float32 {
	if metric == "l2" {
		return 1.0 / (1.0 + distance)
	}
	return 1.0 - distance/2.0
}
