package index

import (
	"context"
	"log/slog"
	"path"
	"slices"
	"time"

	"github.com/RosMarinas/OpenWRT-AutoConfigure/internal/chunk"
	agenterrors "github.com/RosMarinas/OpenWRT-AutoConfigure/internal/errors"
	"github.com/RosMarinas/OpenWRT-AutoConfigure/internal/store"
)

// InconsistencyType categorizes detected issues.
type InconsistencyType int

const (
	// InconsistencyOrphanVector is a live id with no mapping entry.
	InconsistencyOrphanVector InconsistencyType = iota
	// InconsistencyDanglingMapping is a mapping entry whose id is not live.
	InconsistencyDanglingMapping
	// InconsistencyMissingFile is a mapping entry whose file is gone.
	InconsistencyMissingFile
	// InconsistencyUnmappedFile is a chunk or knowledge file with no mapping entry.
	InconsistencyUnmappedFile
)

// String returns a human-readable description of the inconsistency type.
func (t InconsistencyType) String() string {
	switch t {
	case InconsistencyOrphanVector:
		return "orphan_vector"
	case InconsistencyDanglingMapping:
		return "dangling_mapping"
	case InconsistencyMissingFile:
		return "missing_file"
	case InconsistencyUnmappedFile:
		return "unmapped_file"
	default:
		return "unknown"
	}
}

// Inconsistency represents a detected issue. ID or Path may be empty
// depending on the type.
type Inconsistency struct {
	Type    InconsistencyType
	ID      uint64
	Path    string
	Details string
}

// CheckResult contains the outcome of a consistency check.
type CheckResult struct {
	// Checked is the number of ids and files examined.
	Checked         int
	Inconsistencies []Inconsistency
	Duration        time.Duration
}

// Consistent reports whether no issues were found.
func (r *CheckResult) Consistent() bool { return len(r.Inconsistencies) == 0 }

// ConsistencyChecker cross-checks the vector index, the mapping table and
// the files in the chunk store.
type ConsistencyChecker struct {
	index   store.VectorIndex
	mapping *store.MappingTable
	chunks  *store.ChunkStore
}

// NewConsistencyChecker creates a checker over the given stores.
func NewConsistencyChecker(index store.VectorIndex, mapping *store.MappingTable, chunks *store.ChunkStore) *ConsistencyChecker {
	return &ConsistencyChecker{
		index:   index,
		mapping: mapping,
		chunks:  chunks,
	}
}

// Check scans all three stores. The caller must keep them from changing.
func (c *ConsistencyChecker) Check(ctx context.Context) (*CheckResult, error) {
	start := time.Now()
	var issues []Inconsistency

	if err := c.mapping.Verify(); err != nil {
		return nil, agenterrors.New(agenterrors.ErrCodeCorruptMapping, "mapping table is not a bijection", err)
	}

	ids := c.index.IDs()
	for _, id := range ids {
		if _, ok := c.mapping.PathFor(id); !ok {
			issues = append(issues, Inconsistency{
				Type:    InconsistencyOrphanVector,
				ID:      id,
				Details: "vector without mapping entry",
			})
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	paths := c.mapping.Paths()
	for _, p := range paths {
		id, _ := c.mapping.IDFor(p)
		switch {
		case !c.index.Contains(id):
			issues = append(issues, Inconsistency{
				Type:    InconsistencyDanglingMapping,
				ID:      id,
				Path:    p,
				Details: "mapping entry for an id the index does not hold",
			})
		case !c.chunks.Exists(p):
			issues = append(issues, Inconsistency{
				Type:    InconsistencyMissingFile,
				ID:      id,
				Path:    p,
				Details: "mapping entry for a file that no longer exists",
			})
		}
	}

	files, err := c.chunks.ChunkFiles()
	if err != nil {
		return nil, agenterrors.Wrap(agenterrors.ErrCodeFileNotFound, err)
	}
	knowledge, err := c.chunks.KnowledgeFiles()
	if err != nil {
		return nil, agenterrors.Wrap(agenterrors.ErrCodeFileNotFound, err)
	}
	files = append(files, knowledge...)
	for _, f := range files {
		if _, ok := c.mapping.IDFor(f); !ok {
			issues = append(issues, Inconsistency{
				Type:    InconsistencyUnmappedFile,
				Path:    f,
				Details: "file without mapping entry",
			})
		}
	}

	return &CheckResult{
		Checked:         len(ids) + len(paths) + len(files),
		Inconsistencies: issues,
		Duration:        time.Since(start),
	}, nil
}

// Repair fixes what can be fixed in place:
//   - orphan vectors are removed from the index
//   - dangling entries are dropped from the mapping
//   - entries for missing files lose both their vector and their mapping
//
// Unmapped files need a resync and are left to the caller.
func (c *ConsistencyChecker) Repair(ctx context.Context, issues []Inconsistency) error {
	var remove []uint64
	for _, issue := range issues {
		switch issue.Type {
		case InconsistencyOrphanVector:
			remove = append(remove, issue.ID)
		case InconsistencyDanglingMapping:
			c.mapping.Remove(issue.Path)
		case InconsistencyMissingFile:
			remove = append(remove, issue.ID)
			c.mapping.Remove(issue.Path)
		}
	}

	if len(remove) > 0 {
		if err := c.index.Remove(ctx, remove); err != nil {
			return agenterrors.New(agenterrors.ErrCodeIndexFailed, "failed to remove orphan vectors", err)
		}
		slog.Info("removed orphan vectors", slog.Int("count", len(remove)))
	}
	return nil
}

// QuickCheck only compares the number of live vectors with the number of
// mapping entries.
func (c *ConsistencyChecker) QuickCheck(_ context.Context) (bool, error) {
	vectors := c.index.Count()
	mapped := c.mapping.Len()
	if vectors != mapped {
		slog.Debug("index counts mismatch",
			slog.Int("vectors", vectors),
			slog.Int("mapped", mapped))
		return false, nil
	}
	return true, nil
}

// StaleModules returns the normalized modules whose chunk files are left
// unmapped or incomplete after Repair, sorted.
func StaleModules(issues []Inconsistency) []string {
	var out []string
	for _, issue := range issues {
		if issue.Type == InconsistencyOrphanVector || store.IsKnowledge(issue.Path) {
			continue
		}
		module, _, ok := chunk.ParseFileName(path.Base(issue.Path))
		if ok && !slices.Contains(out, module) {
			out = append(out, module)
		}
	}
	slices.Sort(out)
	return out
}

// UnmappedKnowledge returns the knowledge units that have no mapping entry
// after Repair.
func UnmappedKnowledge(issues []Inconsistency) []string {
	var out []string
	for _, issue := range issues {
		switch issue.Type {
		case InconsistencyDanglingMapping, InconsistencyUnmappedFile:
			if store.IsKnowledge(issue.Path) && !slices.Contains(out, issue.Path) {
				out = append(out, issue.Path)
			}
		}
	}
	return out
}
