// Package filestore implements the storage backend type: exchanges happen
// by dropping and picking up files in a shared directory tree, the way
// SFTP-mounted partner mailboxes work.
package filestore

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// Store abstracts the directory tree a storage backend exchanges files
// through. Paths are relative to the backend's configured root.
type Store interface {
	// List returns the file names directly under dir, sorted.
	List(ctx context.Context, dir string) ([]string, error)

	// Read returns the content of dir/name, fs.ErrNotExist when absent.
	Read(ctx context.Context, dir, name string) ([]byte, error)

	// Write stores content at dir/name, creating dir as needed.
	Write(ctx context.Context, dir, name string, content []byte) error

	// Move relocates name from one dir to another.
	Move(ctx context.Context, fromDir, toDir, name string) error
}

// LocalStore is a Store on the local filesystem.
type LocalStore struct {
	root string
}

// NewLocalStore returns a store rooted at the given directory.
func NewLocalStore(root string) *LocalStore {
	return &LocalStore{root: root}
}

func (s *LocalStore) List(ctx context.Context, dir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

func (s *LocalStore) Read(ctx context.Context, dir, name string) ([]byte, error) {
	return os.ReadFile(filepath.Join(s.root, dir, name))
}

func (s *LocalStore) Write(ctx context.Context, dir, name string, content []byte) error {
	full := filepath.Join(s.root, dir)
	if err := os.MkdirAll(full, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(full, name), content, 0o644)
}

func (s *LocalStore) Move(ctx context.Context, fromDir, toDir, name string) error {
	if err := os.MkdirAll(filepath.Join(s.root, toDir), 0o755); err != nil {
		return err
	}
	return os.Rename(
		filepath.Join(s.root, fromDir, name),
		filepath.Join(s.root, toDir, name),
	)
}

// IsNotExist reports whether err is a missing-file error from a Store.
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

var _ Store = (*LocalStore)(nil)
