package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMappingTable_PutAndLookup(t *testing.T) {
	m := NewMappingTable()

	require.NoError(t, m.Put("chunks/network_part1.txt", 3))
	require.NoError(t, m.Put("chunks/network_part1.txt", 3))

	id, ok := m.IDFor("chunks/network_part1.txt")
	assert.True(t, ok)
	assert.Equal(t, uint64(3), id)
	path, ok := m.PathFor(3)
	assert.True(t, ok)
	assert.Equal(t, "chunks/network_part1.txt", path)
	assert.Equal(t, 1, m.Len())
	assert.Equal(t, uint64(4), m.NextID())
	require.NoError(t, m.Verify())
}

func TestMappingTable_PutRejectsConflicts(t *testing.T) {
	// Given: one mapped pair
	m := NewMappingTable()
	require.NoError(t, m.Put("a.txt", 1))

	// When/Then: reusing either side for a different partner fails
	assert.ErrorIs(t, m.Put("a.txt", 2), ErrMappingConflict)
	assert.ErrorIs(t, m.Put("b.txt", 1), ErrMappingConflict)
	assert.Equal(t, 1, m.Len())
	require.NoError(t, m.Verify())
}

func TestMappingTable_RemoveBothDirections(t *testing.T) {
	m := NewMappingTable()
	require.NoError(t, m.Put("a.txt", 1))
	require.NoError(t, m.Put("b.txt", 2))

	id, ok := m.Remove("a.txt")
	assert.True(t, ok)
	assert.Equal(t, uint64(1), id)
	_, ok = m.PathFor(1)
	assert.False(t, ok)

	path, ok := m.RemoveID(2)
	assert.True(t, ok)
	assert.Equal(t, "b.txt", path)
	_, ok = m.IDFor("b.txt")
	assert.False(t, ok)

	_, ok = m.Remove("missing")
	assert.False(t, ok)
	_, ok = m.RemoveID(99)
	assert.False(t, ok)
	assert.Zero(t, m.Len())
}

func TestMappingTable_ClearKeepsCounter(t *testing.T) {
	m := NewMappingTable()
	require.NoError(t, m.Put("a.txt", 7))

	m.Clear()

	assert.Zero(t, m.Len())
	assert.Equal(t, uint64(8), m.NextID())
	m.EnsureNextID(3)
	assert.Equal(t, uint64(8), m.NextID())
}

func TestMappingTable_SaveLoadRoundTrip(t *testing.T) {
	// Given: a table saved twice
	path := filepath.Join(t.TempDir(), MappingFileName)
	m := NewMappingTable()
	require.NoError(t, m.Put("chunks/network_part1.txt", 0))
	require.NoError(t, m.Put("chunks/knowledge/knowledge_ab12cd34.txt", 5))
	require.NoError(t, m.Save(path))
	require.NoError(t, m.Save(path))

	// When: loading into a new table
	loaded := NewMappingTable()
	require.NoError(t, loaded.Load(path))

	// Then: entries, counter and generation survive
	assert.Equal(t, m.Paths(), loaded.Paths())
	assert.Equal(t, []uint64{0, 5}, loaded.IDs())
	assert.Equal(t, uint64(6), loaded.NextID())
	assert.Equal(t, uint64(2), loaded.Generation())
	require.NoError(t, loaded.Verify())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"file_to_id"`)
	assert.Contains(t, string(data), `"id_to_file"`)
	assert.Contains(t, string(data), `"5": "chunks/knowledge/knowledge_ab12cd34.txt"`)
}

func TestMappingTable_LoadRepairsDisagreement(t *testing.T) {
	// Given: a document whose directions disagree and where two paths share id 0
	path := filepath.Join(t.TempDir(), MappingFileName)
	doc := `{
  "file_to_id": {"a.txt": 0, "b.txt": 0, "c.txt": 2},
  "id_to_file": {"0": "a.txt", "2": "zzz.txt", "9": "ghost.txt"},
  "next_id": 1
}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	// When: loading
	m := NewMappingTable()
	require.NoError(t, m.Load(path))

	// Then: file_to_id wins, the shared id is dropped, and the table is an inverse
	assert.Equal(t, []string{"c.txt"}, m.Paths())
	assert.Equal(t, []uint64{2}, m.IDs())
	assert.Equal(t, uint64(3), m.NextID())
	require.NoError(t, m.Verify())
}

func TestMappingTable_LoadErrors(t *testing.T) {
	m := NewMappingTable()
	err := m.Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0o644))
	assert.ErrorContains(t, m.Load(bad), "failed to parse mapping")
}
