package pipeline

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/ajitpratap0/flatetl/pkg/errors"
)

// Discover returns the files in dir whose names match pattern,
// sorted by name. A missing directory is an error; an empty one is not.
func Discover(dir, pattern string) ([]string, error) {
	if pattern == "" {
		pattern = "*.csv"
	}
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid input pattern").
			WithDetail("pattern", pattern)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "input directory not readable").
			WithDetail("dir", dir)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if ok, _ := filepath.Match(pattern, entry.Name()); ok {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}
