package index

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsistencyChecker_CleanAfterSync(t *testing.T) {
	c := syncedCoordinator(t)
	checker := NewConsistencyChecker(c.index, c.mapping, c.chunks)

	result, err := checker.Check(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Consistent())
	assert.Positive(t, result.Checked)

	ok, err := checker.QuickCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConsistencyChecker_DetectsAndRepairs(t *testing.T) {
	// Given: an orphan vector, a dangling entry and a missing file
	c := syncedCoordinator(t)
	ctx := context.Background()

	orphan, err := c.index.Add(ctx, make32(testDimensions, 1))
	require.NoError(t, err)

	paths := c.mapping.Paths()
	require.GreaterOrEqual(t, len(paths), 2)
	danglingID, _ := c.mapping.IDFor(paths[0])
	require.NoError(t, c.index.Remove(ctx, []uint64{danglingID}))
	missingID, _ := c.mapping.IDFor(paths[1])
	require.NoError(t, c.chunks.Delete(paths[1]))

	checker := NewConsistencyChecker(c.index, c.mapping, c.chunks)
	ok, err := checker.QuickCheck(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "one extra vector and one dead entry cancel out in the counts")

	// When: checking
	result, err := checker.Check(ctx)
	require.NoError(t, err)

	// Then: each issue is reported with its type
	byType := make(map[InconsistencyType][]Inconsistency)
	for _, issue := range result.Inconsistencies {
		byType[issue.Type] = append(byType[issue.Type], issue)
	}
	require.Len(t, byType[InconsistencyOrphanVector], 1)
	assert.Equal(t, orphan, byType[InconsistencyOrphanVector][0].ID)
	require.Len(t, byType[InconsistencyDanglingMapping], 1)
	assert.Equal(t, paths[0], byType[InconsistencyDanglingMapping][0].Path)
	require.Len(t, byType[InconsistencyMissingFile], 1)
	assert.Equal(t, missingID, byType[InconsistencyMissingFile][0].ID)
	require.Len(t, byType[InconsistencyUnmappedFile], 0)

	// When: repairing
	require.NoError(t, checker.Repair(ctx, result.Inconsistencies))

	// Then: the index and mapping agree again, leaving one unmapped file
	assert.False(t, c.index.Contains(orphan))
	assert.False(t, c.index.Contains(missingID))
	_, mapped := c.mapping.IDFor(paths[0])
	assert.False(t, mapped)

	again, err := checker.Check(ctx)
	require.NoError(t, err)
	require.Len(t, again.Inconsistencies, 1)
	assert.Equal(t, InconsistencyUnmappedFile, again.Inconsistencies[0].Type)
	assert.Equal(t, paths[0], again.Inconsistencies[0].Path)
}

func TestStaleModules(t *testing.T) {
	issues := []Inconsistency{
		{Type: InconsistencyOrphanVector, ID: 4},
		{Type: InconsistencyUnmappedFile, Path: "chunks/wireless_part2.txt"},
		{Type: InconsistencyMissingFile, Path: "chunks/network_part1.txt"},
		{Type: InconsistencyDanglingMapping, Path: "chunks/network_part3.txt"},
		{Type: InconsistencyUnmappedFile, Path: "chunks/knowledge/knowledge_1a2b3c4d.txt"},
	}

	assert.Equal(t, []string{"network", "wireless"}, StaleModules(issues))
	assert.Equal(t, []string{"chunks/knowledge/knowledge_1a2b3c4d.txt"}, UnmappedKnowledge(issues))
}

func TestInconsistencyType_String(t *testing.T) {
	assert.Equal(t, "orphan_vector", InconsistencyOrphanVector.String())
	assert.Equal(t, "dangling_mapping", InconsistencyDanglingMapping.String())
	assert.Equal(t, "missing_file", InconsistencyMissingFile.String())
	assert.Equal(t, "unmapped_file", InconsistencyUnmappedFile.String())
	assert.Equal(t, "unknown", InconsistencyType(42).String())
}

func make32(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}
