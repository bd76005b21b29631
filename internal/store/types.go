// Package store holds everything uciagent persists: the HNSW vector index,
// the path/id mapping table, chunk and annotation files, per-module sync
// state, and the cross-process sync lock.
package store

import (
	"context"
	"errors"
	"fmt"
)

// On-disk layout under the data directory.
const (
	IndexFileName   = "vector_db.index"
	MappingFileName = "vector_mappings.json"
	ChunksDirName   = "chunks"
	AnnotationsDir  = "annotations"
	KnowledgeDir    = "knowledge"
	StateDBName     = "state.db"
	LockFileName    = ".sync.lock"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store is closed")

// VectorResult is a single nearest-neighbor hit.
type VectorResult struct {
	ID       uint64
	Distance float32
	// Score is a similarity in [0,1] derived from Distance.
	Score float32
}

// VectorIndexConfig configures the vector index.
type VectorIndexConfig struct {
	Dimensions int
	// Metric is "cos" or "l2".
	Metric   string
	M        int
	EfSearch int
}

// DefaultVectorIndexConfig returns defaults for the given dimension.
func DefaultVectorIndexConfig(dimensions int) VectorIndexConfig {
	return VectorIndexConfig{
		Dimensions: dimensions,
		Metric:     "cos",
		M:          32,
		EfSearch:   64,
	}
}

// VectorIndex stores vectors under ids it assigns itself. Ids come from a
// monotonic counter and are never handed out twice, even after removal.
type VectorIndex interface {
	// Add stores vec and returns its new id.
	Add(ctx context.Context, vec []float32) (uint64, error)

	// Remove drops ids from the live set. Unknown ids are ignored.
	Remove(ctx context.Context, ids []uint64) error

	// Search returns up to k live ids ordered by ascending distance.
	Search(ctx context.Context, query []float32, k int) ([]*VectorResult, error)

	Contains(id uint64) bool
	IDs() []uint64
	Count() int

	// NextID is the id the next Add will return.
	NextID() uint64
	// EnsureNextID raises the counter to at least n.
	EnsureNextID(n uint64)

	// Calibrate prepares a partitioned index from sample vectors.
	Calibrate(ctx context.Context, samples [][]float32) error

	Save(path string) error
	Load(path string) error
	Close() error
}

// ErrDimensionMismatch is returned when a vector has the wrong length.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Got)
}
