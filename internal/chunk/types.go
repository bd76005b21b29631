package chunk

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Chunking defaults, sized for the 1024-dimension embedding models used on
// OpenWRT configuration dumps.
const (
	DefaultMaxChunkSize  = 500
	DefaultOverlap       = 20
	DefaultModulePattern = `^package\s+(\S+)`
	DefaultUnitPattern   = `^config\s+(\S+)(\s+'?([^'\s]+)'?)?`

	// GlobalModule owns any lines that appear before the first package line.
	GlobalModule = "global"
)

// Chunk is a bounded slice of one module's exported configuration.
type Chunk struct {
	Module string
	// Seq is assigned when the chunk is written; zero until then.
	Seq int
	// Body is the raw configuration text, newline terminated.
	Body string
	// Hash is the MD5 hex digest of Body.
	Hash string
	// OverlapLines counts the leading lines of Body repeated from the previous chunk.
	OverlapLines int
	// StartLine and EndLine are 1-indexed, inclusive positions in the split input.
	StartLine int
	EndLine   int
}

// Text returns the stored form: parent-package header followed by the body.
func (c *Chunk) Text() string {
	return Header(c.Module) + c.Body
}

// FileName returns the chunk's storage name. Seq must be set.
func (c *Chunk) FileName() string {
	return FileName(c.Module, c.Seq)
}

// Header is the line prepended to every chunk file.
func Header(module string) string {
	return "# Parent Package: " + module + "\n\n"
}

// StripHeader removes the parent-package header from stored chunk text.
func StripHeader(text string) string {
	if !strings.HasPrefix(text, "# Parent Package: ") {
		return text
	}
	if i := strings.Index(text, "\n\n"); i >= 0 {
		return text[i+2:]
	}
	return text
}

var unsafeModuleChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// NormalizeModule maps a module name to the form used in file names.
// Dots and any other separator become underscores.
func NormalizeModule(module string) string {
	if module == "" {
		return GlobalModule
	}
	return unsafeModuleChars.ReplaceAllString(module, "_")
}

// FileName returns "<module>_part<seq>.txt" for a normalized module.
func FileName(module string, seq int) string {
	return fmt.Sprintf("%s_part%d.txt", NormalizeModule(module), seq)
}

var fileNamePattern = regexp.MustCompile(`^(.+)_part(\d+)\.txt$`)

// ParseFileName splits a chunk file name into normalized module and sequence.
func ParseFileName(name string) (module string, seq int, ok bool) {
	m := fileNamePattern.FindStringSubmatch(name)
	if m == nil {
		return "", 0, false
	}
	seq, err := strconv.Atoi(m[2])
	if err != nil || seq <= 0 {
		return "", 0, false
	}
	return m[1], seq, true
}

// ModuleFilePattern matches exactly the chunk files of one module, so that
// "wireless" never claims "wireless_ext_part1.txt".
func ModuleFilePattern(module string) *regexp.Regexp {
	return regexp.MustCompile(`^` + regexp.QuoteMeta(NormalizeModule(module)) + `_part(\d+)\.txt$`)
}
