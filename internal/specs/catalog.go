package specs

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

var specFile = regexp.MustCompile(`(?i)\.(spec|test)\.[tj]sx?$`)

const previewLen = 180

// SpecFile is one discovered spec with a short preview of its first lines.
type SpecFile struct {
	Path    string
	Preview string
}

// IsSpecFile reports whether name looks like a spec or test file.
func IsSpecFile(name string) bool {
	return specFile.MatchString(name)
}

// Catalog lists spec files under root, sorted by path. A missing root yields
// an empty catalog.
func Catalog(root string) ([]SpecFile, error) {
	var out []SpecFile
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root && os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() {
			if d.Name() == "node_modules" {
				return filepath.SkipDir
			}
			return nil
		}
		if IsSpecFile(d.Name()) {
			out = append(out, SpecFile{Path: path, Preview: preview(path)})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func preview(path string) string {
	f, err := os.Open(path) //nolint:gosec // G304: catalog of a resolved spec dir
	if err != nil {
		return ""
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	var lines []string
	for len(lines) < 2 && sc.Scan() {
		lines = append(lines, sc.Text())
	}
	p := strings.Join(lines, " ")
	if r := []rune(p); len(r) > previewLen {
		p = string(r[:previewLen])
	}
	return p
}

// FormatCatalog renders a catalog as runner log lines.
func FormatCatalog(label string, files []SpecFile) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[runner] %s specs (%d)\n", label, len(files))
	for _, f := range files {
		fmt.Fprintf(&b, " - %s\n     preview: %s\n", f.Path, f.Preview)
	}
	return b.String()
}
