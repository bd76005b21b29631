package source

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	agenterrors "github.com/RosMarinas/OpenWRT-AutoConfigure/internal/errors"
)

// DirExporter serves exports from a directory holding one file per package,
// named after the package, as written by `uci export <pkg> > <dir>/<pkg>`.
type DirExporter struct {
	dir string
}

// NewDirExporter returns an exporter reading from dir.
func NewDirExporter(dir string) *DirExporter {
	return &DirExporter{dir: dir}
}

// Dir returns the export directory.
func (d *DirExporter) Dir() string { return d.dir }

// Modules lists the packages present in the directory, sorted.
func (d *DirExporter) Modules() ([]string, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, agenterrors.SourceError(All, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") || !validModule.MatchString(e.Name()) {
			continue
		}
		out = append(out, e.Name())
	}
	sort.Strings(out)
	return out, nil
}

// Export implements Exporter.
func (d *DirExporter) Export(ctx context.Context, module string) (string, error) {
	if err := ValidateModule(module); err != nil {
		return "", err
	}
	if module != All {
		return d.read(module)
	}

	modules, err := d.Modules()
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, m := range modules {
		if err := ctx.Err(); err != nil {
			return "", agenterrors.SourceError(All, err)
		}
		text, err := d.read(m)
		if err != nil {
			return "", err
		}
		b.WriteString(text)
		if text != "" && !strings.HasSuffix(text, "\n") {
			b.WriteByte('\n')
		}
	}
	return b.String(), nil
}

// read returns one package export, adding the package line when the file
// holds only sections.
func (d *DirExporter) read(module string) (string, error) {
	data, err := os.ReadFile(filepath.Join(d.dir, module))
	if errors.Is(err, fs.ErrNotExist) {
		slog.Debug("package not present in export directory", slog.String("module", module))
		return "", nil
	}
	if err != nil {
		return "", agenterrors.SourceError(module, err)
	}

	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	if strings.TrimSpace(text) == "" {
		return "", nil
	}
	if !hasPackageLine(text) {
		text = fmt.Sprintf("package %s\n\n%s", module, text)
	}
	return text, nil
}

func hasPackageLine(text string) bool {
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		return strings.HasPrefix(trimmed, "package ")
	}
	return false
}
