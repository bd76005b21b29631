package chunk

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// Splitter cuts exported UCI text into per-module chunks. A package line
// always starts a new module; inside a module, oversize buffers are cut
// after the config section header nearest the end of the buffer.
type Splitter struct {
	modulePattern *regexp.Regexp
	unitPattern   *regexp.Regexp
	maxChunkSize  int
	overlap       int
}

// Options configures a Splitter. Zero values take the package defaults.
type Options struct {
	ModulePattern string
	UnitPattern   string
	MaxChunkSize  int
	Overlap       int
}

// NewSplitter compiles the boundary patterns. The module pattern's first
// capture group must yield the module name.
func NewSplitter(opts Options) (*Splitter, error) {
	if opts.ModulePattern == "" {
		opts.ModulePattern = DefaultModulePattern
	}
	if opts.UnitPattern == "" {
		opts.UnitPattern = DefaultUnitPattern
	}
	if opts.MaxChunkSize <= 0 {
		opts.MaxChunkSize = DefaultMaxChunkSize
	}
	if opts.Overlap < 0 {
		return nil, fmt.Errorf("overlap must be non-negative, got %d", opts.Overlap)
	}

	modulePattern, err := regexp.Compile(opts.ModulePattern)
	if err != nil {
		return nil, fmt.Errorf("invalid module pattern: %w", err)
	}
	if modulePattern.NumSubexp() < 1 {
		return nil, fmt.Errorf("module pattern %q has no capture group", opts.ModulePattern)
	}
	unitPattern, err := regexp.Compile(opts.UnitPattern)
	if err != nil {
		return nil, fmt.Errorf("invalid unit pattern: %w", err)
	}

	return &Splitter{
		modulePattern: modulePattern,
		unitPattern:   unitPattern,
		maxChunkSize:  opts.MaxChunkSize,
		overlap:       opts.Overlap,
	}, nil
}

// MaxChunkSize returns the configured byte budget.
func (s *Splitter) MaxChunkSize() int { return s.maxChunkSize }

// Split returns the chunks of text in input order. Seq is left unset.
func (s *Splitter) Split(text string) []*Chunk {
	st := &splitState{Splitter: s, module: GlobalModule, start: 1}

	for i, line := range strings.SplitAfter(text, "\n") {
		if line == "" {
			continue
		}
		lineNo := i + 1
		bare := strings.TrimRight(line, "\r\n")

		if m := s.modulePattern.FindStringSubmatch(bare); m != nil {
			if len(st.buf) > st.carried {
				st.emit(st.buf, st.carried)
			}
			st.module = m[1]
			st.reset(nil, lineNo)
			st.lastHash = ""
		}

		for st.size+len(line) > s.maxChunkSize && len(st.buf) > st.carried {
			st.cut()
		}

		if len(st.buf) == 0 {
			st.start = lineNo
		}
		st.buf = append(st.buf, line)
		st.size += len(line)
	}

	if len(st.buf) > st.carried {
		st.emit(st.buf, st.carried)
	}
	return st.out
}

// ModuleNames returns the distinct module names declared in text, in order.
func (s *Splitter) ModuleNames(text string) []string {
	seen := make(map[string]bool)
	var names []string
	for _, line := range strings.Split(text, "\n") {
		if m := s.modulePattern.FindStringSubmatch(strings.TrimRight(line, "\r")); m != nil && !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}

type splitState struct {
	*Splitter
	module string
	buf    []string
	size   int
	// carried is the number of leading buf lines repeated from the last chunk.
	carried  int
	start    int
	lastHash string
	out      []*Chunk
}

// cut flushes part of an oversize buffer. A split point must have at least
// one uncarried line ahead of it, which guarantees progress and keeps a
// section header from being flushed on its own only to be repeated as the
// next chunk's overlap.
func (st *splitState) cut() {
	boundary := -1
	for j := len(st.buf) - 1; j > st.carried; j-- {
		if st.unitPattern.MatchString(strings.TrimRight(st.buf[j], "\r\n")) {
			boundary = j
			break
		}
	}

	if boundary < 0 {
		st.emit(st.buf, st.carried)
		st.reset(nil, st.start+len(st.buf))
		return
	}

	head := st.buf[:boundary+1]
	tail := st.buf[boundary+1:]
	st.emit(head, st.carried)

	keep := min(st.overlap, len(head))
	carry := head[len(head)-keep:]
	next := make([]string, 0, len(carry)+len(tail))
	next = append(next, carry...)
	next = append(next, tail...)

	st.reset(next, st.start+len(head)-keep)
	st.carried = keep
}

func (st *splitState) reset(buf []string, start int) {
	st.buf = buf
	st.size = 0
	for _, l := range buf {
		st.size += len(l)
	}
	st.carried = 0
	st.start = start
}

func (st *splitState) emit(lines []string, overlap int) {
	body := strings.Join(lines, "")
	if strings.TrimSpace(body) == "" {
		return
	}

	sum := md5.Sum([]byte(body))
	hash := hex.EncodeToString(sum[:])
	if hash == st.lastHash {
		return
	}
	st.lastHash = hash

	st.out = append(st.out, &Chunk{
		Module:       st.module,
		Body:         body,
		Hash:         hash,
		OverlapLines: overlap,
		StartLine:    st.start,
		EndLine:      st.start + len(lines) - 1,
	})
}
