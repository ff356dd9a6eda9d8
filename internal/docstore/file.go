package docstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

var nameRx = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]*$`)

// FileBackend keeps each document as <dir>/<name>.json.
type FileBackend struct {
	dir  string
	mode os.FileMode
}

func NewFileBackend(dir string) *FileBackend {
	return &FileBackend{dir: dir, mode: 0o600}
}

func (f *FileBackend) Dir() string { return f.dir }

func (f *FileBackend) Path(name string) string {
	return filepath.Join(f.dir, name+".json")
}

func (f *FileBackend) Load(_ context.Context, name string) ([]byte, error) {
	if !nameRx.MatchString(name) {
		return nil, fmt.Errorf("invalid document name %q", name)
	}
	raw, err := os.ReadFile(f.Path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotExist
	}
	return raw, err
}

func (f *FileBackend) Save(_ context.Context, name string, body []byte) error {
	if !nameRx.MatchString(name) {
		return fmt.Errorf("invalid document name %q", name)
	}
	return WriteFileAtomic(f.Path(name), body, f.mode)
}

// WriteFileAtomic writes to a sibling temp file and renames it over path.
func WriteFileAtomic(path string, body []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if _, err := tmp.Write(body); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}
