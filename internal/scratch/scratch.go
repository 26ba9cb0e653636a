// Package scratch provides request-scoped temporary directories.
package scratch

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Dir is a uniquely named directory owned by a single request. Release removes
// it together with everything written below it.
type Dir struct {
	path string

	once sync.Once
	err  error
}

// Acquire creates a new directory below root. An empty root means the system
// temporary directory. The prefix becomes part of the directory name.
func Acquire(root, prefix string) (*Dir, error) {
	if root == "" {
		root = os.TempDir()
	}
	path, err := os.MkdirTemp(root, "nsfw-"+prefix+"-")
	if err != nil {
		return nil, fmt.Errorf("create scratch directory: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		_ = os.RemoveAll(path)
		return nil, fmt.Errorf("resolve scratch directory: %w", err)
	}
	return &Dir{path: abs}, nil
}

// Path returns the absolute directory path.
func (d *Dir) Path() string {
	return d.path
}

// Release deletes the directory recursively. Only the first call does any
// work; later calls return the same result.
func (d *Dir) Release() error {
	d.once.Do(func() {
		if err := os.RemoveAll(d.path); err != nil {
			d.err = fmt.Errorf("remove scratch directory: %w", err)
		}
	})
	return d.err
}
