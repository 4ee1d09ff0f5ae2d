package journal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Archive stores raw frames for later inspection
type Archive interface {
	// Save writes a frame and returns the name it was stored under
	Save(filename string, data []byte) (string, error)

	// Get reads a stored frame
	Get(name string) ([]byte, error)

	// List returns stored frame names in lexical order
	List() ([]string, error)

	// Delete removes a stored frame
	Delete(name string) error
}

// LocalArchive keeps frames in a directory on the local filesystem
type LocalArchive struct {
	basePath string
}

// NewLocalArchive creates the archive directory if needed
func NewLocalArchive(basePath string) (*LocalArchive, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("creating archive directory: %w", err)
	}
	return &LocalArchive{basePath: basePath}, nil
}

// path confines name to the archive directory
func (l *LocalArchive) path(name string) (string, error) {
	base := filepath.Base(filepath.Clean(name))
	if base == "." || base == string(filepath.Separator) || base == ".." {
		return "", fmt.Errorf("invalid frame name: %q", name)
	}
	return filepath.Join(l.basePath, base), nil
}

// Save writes a frame to the archive
func (l *LocalArchive) Save(filename string, data []byte) (string, error) {
	p, err := l.path(filename)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(p, data, 0644); err != nil {
		return "", fmt.Errorf("writing file: %w", err)
	}
	return filepath.Base(p), nil
}

// Get reads a frame from the archive
func (l *LocalArchive) Get(name string) ([]byte, error) {
	p, err := l.path(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return data, nil
}

// List returns the archived frame names
func (l *LocalArchive) List() ([]string, error) {
	dirEntries, err := os.ReadDir(l.basePath)
	if err != nil {
		return nil, fmt.Errorf("reading archive directory: %w", err)
	}
	names := make([]string, 0, len(dirEntries))
	for _, e := range dirEntries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes a frame from the archive
func (l *LocalArchive) Delete(name string) error {
	p, err := l.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		return fmt.Errorf("deleting file: %w", err)
	}
	return nil
}
