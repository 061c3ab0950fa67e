package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
)

// resolve returns the absolute paths of the config files at path. direct is
// true for the path the user named, which is taken whatever its extension.
// Files found by descending into directories must end in .yml or .yaml.
func resolve(path string, direct bool) ([]string, error) {
	i, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if !i.IsDir() {
		ext := filepath.Ext(path)
		if !direct && ext != ".yaml" && ext != ".yml" {
			return nil, nil
		}
		ap, err := filepath.Abs(path)
		if err != nil {
			return nil, err
		}
		return []string{ap}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("problem while reading directory %s: %w", path, err)
	}

	var files []string
	for _, e := range entries {
		f, err := resolve(filepath.Join(path, e.Name()), false)
		if err != nil {
			return nil, err
		}
		files = append(files, f...)
	}

	slices.Sort(files)
	return files, nil
}
