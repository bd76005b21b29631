package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/renameio"

	"github.com/RosMarinas/OpenWRT-AutoConfigure/internal/chunk"
)

// KnowledgePrefix names knowledge-unit files inside the knowledge directory.
const KnowledgePrefix = "knowledge_"

// ChunkStore manages chunk, annotation and knowledge-unit files under a data
// directory. All paths it returns are slash-separated and relative to that
// directory, e.g. "chunks/network_part2.txt".
type ChunkStore struct {
	root string
}

// NewChunkStore creates the directory layout under root.
func NewChunkStore(root string) (*ChunkStore, error) {
	for _, dir := range []string{
		filepath.Join(root, ChunksDirName),
		filepath.Join(root, ChunksDirName, KnowledgeDir),
		filepath.Join(root, AnnotationsDir),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return &ChunkStore{root: root}, nil
}

// Root returns the data directory.
func (s *ChunkStore) Root() string { return s.root }

// Abs converts a store-relative path to an absolute one.
func (s *ChunkStore) Abs(rel string) string {
	return filepath.Join(s.root, filepath.FromSlash(rel))
}

func chunkRel(name string) string {
	return ChunksDirName + "/" + name
}

func knowledgeRel(name string) string {
	return ChunksDirName + "/" + KnowledgeDir + "/" + name
}

// AnnotationRel returns the annotation path paired with a chunk or knowledge path.
func AnnotationRel(rel string) string {
	return AnnotationsDir + "/" + filepath.Base(filepath.FromSlash(rel))
}

// IsKnowledge reports whether rel names a knowledge unit.
func IsKnowledge(rel string) bool {
	return strings.HasPrefix(rel, ChunksDirName+"/"+KnowledgeDir+"/")
}

// ModuleFiles returns the chunk paths of one module ordered by sequence.
func (s *ChunkStore) ModuleFiles(module string) ([]string, error) {
	pattern := chunk.ModuleFilePattern(module)
	entries, err := os.ReadDir(filepath.Join(s.root, ChunksDirName))
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}

	type seqFile struct {
		name string
		seq  int
	}
	var files []seqFile
	for _, e := range entries {
		if e.IsDir() || !pattern.MatchString(e.Name()) {
			continue
		}
		_, seq, _ := chunk.ParseFileName(e.Name())
		files = append(files, seqFile{name: e.Name(), seq: seq})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].seq < files[j].seq })

	out := make([]string, len(files))
	for i, f := range files {
		out[i] = chunkRel(f.name)
	}
	return out, nil
}

// ChunkFiles returns every module chunk path, excluding knowledge units.
func (s *ChunkStore) ChunkFiles() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, ChunksDirName))
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}

	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, _, ok := chunk.ParseFileName(e.Name()); ok {
			out = append(out, chunkRel(e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

// Modules returns the normalized module names that have chunk files.
func (s *ChunkStore) Modules() ([]string, error) {
	files, err := s.ChunkFiles()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var modules []string
	for _, f := range files {
		module, _, _ := chunk.ParseFileName(filepath.Base(f))
		if !seen[module] {
			seen[module] = true
			modules = append(modules, module)
		}
	}
	sort.Strings(modules)
	return modules, nil
}

// NextSeq returns one past the highest sequence number on disk for module.
func (s *ChunkStore) NextSeq(module string) (int, error) {
	files, err := s.ModuleFiles(module)
	if err != nil {
		return 0, err
	}
	if len(files) == 0 {
		return 1, nil
	}
	_, seq, _ := chunk.ParseFileName(filepath.Base(files[len(files)-1]))
	return seq + 1, nil
}

// WriteChunk assigns c the next sequence number for its module, writes it,
// and returns its relative path.
func (s *ChunkStore) WriteChunk(c *chunk.Chunk) (string, error) {
	seq, err := s.NextSeq(c.Module)
	if err != nil {
		return "", err
	}
	c.Seq = seq

	rel := chunkRel(c.FileName())
	if err := renameio.WriteFile(s.Abs(rel), []byte(c.Text()), 0o644); err != nil {
		return "", fmt.Errorf("failed to write chunk %s: %w", rel, err)
	}
	return rel, nil
}

// WriteAnnotation stores the annotation for the chunk or knowledge unit at rel.
func (s *ChunkStore) WriteAnnotation(rel, text string) error {
	path := s.Abs(AnnotationRel(rel))
	if err := renameio.WriteFile(path, []byte(text), 0o644); err != nil {
		return fmt.Errorf("failed to write annotation for %s: %w", rel, err)
	}
	return nil
}

// Read returns the content of a stored file.
func (s *ChunkStore) Read(rel string) (string, error) {
	data, err := os.ReadFile(s.Abs(rel))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ReadAnnotation returns the annotation paired with rel.
func (s *ChunkStore) ReadAnnotation(rel string) (string, error) {
	return s.Read(AnnotationRel(rel))
}

// Exists reports whether rel is a regular file.
func (s *ChunkStore) Exists(rel string) bool {
	info, err := os.Stat(s.Abs(rel))
	return err == nil && !info.IsDir()
}

// Delete removes the file at rel and its annotation. Missing files are ignored.
func (s *ChunkStore) Delete(rel string) error {
	var errs []error
	for _, p := range []string{s.Abs(rel), s.Abs(AnnotationRel(rel))} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Clear deletes every module chunk and its annotation. Knowledge units stay.
func (s *ChunkStore) Clear() error {
	files, err := s.ChunkFiles()
	if err != nil {
		return err
	}
	var errs []error
	for _, f := range files {
		if err := s.Delete(f); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WriteKnowledge writes a knowledge unit and returns its relative path.
// An existing unit with the same id is replaced.
func (s *ChunkStore) WriteKnowledge(id, text string) (string, error) {
	rel := knowledgeRel(KnowledgePrefix + id + ".txt")
	if err := renameio.WriteFile(s.Abs(rel), []byte(text), 0o644); err != nil {
		return "", fmt.Errorf("failed to write knowledge unit %s: %w", rel, err)
	}
	return rel, nil
}

// KnowledgeFiles returns every knowledge-unit path, sorted.
func (s *ChunkStore) KnowledgeFiles() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, ChunksDirName, KnowledgeDir))
	if err != nil {
		return nil, fmt.Errorf("failed to list knowledge units: %w", err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), KnowledgePrefix) && strings.HasSuffix(e.Name(), ".txt") {
			out = append(out, knowledgeRel(e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}
