package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/google/renameio"
)

// ErrMappingConflict is returned when a Put would break the one-to-one
// correspondence between paths and ids.
var ErrMappingConflict = errors.New("mapping conflict")

// MappingTable is the bidirectional path <-> vector id table. The two
// directions are always exact inverses.
type MappingTable struct {
	mu       sync.RWMutex
	pathToID map[string]uint64
	idToPath map[uint64]string

	// nextID mirrors the index counter so ids stay unique even if the
	// index metadata is lost.
	nextID     uint64
	generation uint64
}

// mappingDocument is the persisted JSON form. Ids are object keys, hence strings.
type mappingDocument struct {
	FileToID   map[string]uint64 `json:"file_to_id"`
	IDToFile   map[string]string `json:"id_to_file"`
	NextID     uint64            `json:"next_id"`
	Generation uint64            `json:"generation"`
}

// NewMappingTable returns an empty table.
func NewMappingTable() *MappingTable {
	return &MappingTable{
		pathToID: make(map[string]uint64),
		idToPath: make(map[uint64]string),
	}
}

// Put records path <-> id. Re-putting an identical pair is a no-op.
func (m *MappingTable) Put(path string, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.pathToID[path]; ok && existing != id {
		return fmt.Errorf("%w: %s already mapped to %d", ErrMappingConflict, path, existing)
	}
	if existing, ok := m.idToPath[id]; ok && existing != path {
		return fmt.Errorf("%w: id %d already mapped to %s", ErrMappingConflict, id, existing)
	}

	m.pathToID[path] = id
	m.idToPath[id] = path
	if id >= m.nextID {
		m.nextID = id + 1
	}
	return nil
}

// Remove deletes path and its id from both directions.
func (m *MappingTable) Remove(path string) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.pathToID[path]
	if !ok {
		return 0, false
	}
	delete(m.pathToID, path)
	delete(m.idToPath, id)
	return id, true
}

// RemoveID deletes id and its path from both directions.
func (m *MappingTable) RemoveID(id uint64) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	path, ok := m.idToPath[id]
	if !ok {
		return "", false
	}
	delete(m.idToPath, id)
	delete(m.pathToID, path)
	return path, true
}

// IDFor returns the id mapped to path.
func (m *MappingTable) IDFor(path string) (uint64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.pathToID[path]
	return id, ok
}

// PathFor returns the path mapped to id.
func (m *MappingTable) PathFor(id uint64) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	path, ok := m.idToPath[id]
	return path, ok
}

// Len returns the number of entries.
func (m *MappingTable) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pathToID)
}

// Paths returns every mapped path, sorted.
func (m *MappingTable) Paths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	paths := make([]string, 0, len(m.pathToID))
	for p := range m.pathToID {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// IDs returns every mapped id, sorted.
func (m *MappingTable) IDs() []uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]uint64, 0, len(m.idToPath))
	for id := range m.idToPath {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Clear removes every entry. The id counter is kept.
func (m *MappingTable) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pathToID = make(map[string]uint64)
	m.idToPath = make(map[uint64]string)
}

// NextID returns the lowest id never recorded in this table.
func (m *MappingTable) NextID() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nextID
}

// EnsureNextID raises the counter to at least n.
func (m *MappingTable) EnsureNextID(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > m.nextID {
		m.nextID = n
	}
}

// Generation counts successful saves.
func (m *MappingTable) Generation() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generation
}

// Verify checks that both directions are exact inverses.
func (m *MappingTable) Verify() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.pathToID) != len(m.idToPath) {
		return fmt.Errorf("mapping size mismatch: %d paths, %d ids", len(m.pathToID), len(m.idToPath))
	}
	for path, id := range m.pathToID {
		if back, ok := m.idToPath[id]; !ok || back != path {
			return fmt.Errorf("mapping not inverse: %s -> %d -> %q", path, id, back)
		}
	}
	return nil
}

// Save writes the table as JSON, atomically replacing path.
func (m *MappingTable) Save(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc := mappingDocument{
		FileToID:   make(map[string]uint64, len(m.pathToID)),
		IDToFile:   make(map[string]string, len(m.idToPath)),
		NextID:     m.nextID,
		Generation: m.generation + 1,
	}
	for p, id := range m.pathToID {
		doc.FileToID[p] = id
	}
	for id, p := range m.idToPath {
		doc.IDToFile[strconv.FormatUint(id, 10)] = p
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal mapping: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write mapping: %w", err)
	}

	m.generation = doc.Generation
	return nil
}

// Load replaces the table with the document at path. file_to_id is
// authoritative; id_to_file entries that disagree with it are dropped.
func (m *MappingTable) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var doc mappingDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse mapping %s: %w", path, err)
	}

	pathToID := make(map[string]uint64, len(doc.FileToID))
	idToPath := make(map[uint64]string, len(doc.FileToID))
	next := doc.NextID
	dropped := 0

	for p, id := range doc.FileToID {
		if other, dup := idToPath[id]; dup {
			// two paths claim one id; keep neither
			delete(pathToID, other)
			dropped += 2
			continue
		}
		pathToID[p] = id
		idToPath[id] = p
		if id >= next {
			next = id + 1
		}
	}
	for key, p := range doc.IDToFile {
		id, err := strconv.ParseUint(key, 10, 64)
		if err != nil || idToPath[id] != p {
			dropped++
		}
	}
	// ids that lost both claimants must not linger in idToPath
	for id, p := range idToPath {
		if got, ok := pathToID[p]; !ok || got != id {
			delete(idToPath, id)
		}
	}

	if dropped > 0 {
		slog.Warn("mapping entries disagreed and were dropped",
			slog.String("path", path),
			slog.Int("dropped", dropped))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.pathToID = pathToID
	m.idToPath = idToPath
	m.nextID = next
	m.generation = doc.Generation
	return nil
}
