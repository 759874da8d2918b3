// Package confkit holds the config plumbing shared by the binaries: section
// files referenced from the main YAML, path resolution relative to it, and
// one-shot dotenv loading.
package confkit

import (
	"os"
	"path/filepath"
)

// ResolvePath expands environment variables in file and, when the result is
// relative, anchors it at base. Section files are written relative to the
// main config so a deployment can move the etc/ directory as one unit.
func ResolvePath(base, file string) string {
	file = os.ExpandEnv(file)
	if filepath.IsAbs(file) {
		return file
	}
	return filepath.Join(base, file)
}

// BaseDir returns the directory holding the main config file.
func BaseDir(mainPath string) string {
	return filepath.Dir(mainPath)
}

// Section is a config subtree kept in its own file. Only the file name is
// read from the main YAML; Value is filled by Hydrate.
type Section[T any] struct {
	File  string `json:",optional"`
	Value *T     `json:"-"`
}

// Hydrate resolves File against base and runs loader on it. A section with no
// File stays empty, which callers treat as the feature being disabled. After
// a successful load, File holds the resolved absolute path.
func (s *Section[T]) Hydrate(base string, loader func(string) (*T, error)) error {
	if s.File == "" {
		return nil
	}
	path := ResolvePath(base, s.File)
	v, err := loader(path)
	if err != nil {
		return err
	}
	s.File, s.Value = path, v
	return nil
}
