package blobstore

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore serves objects from a directory on the local file system.
// Object names are file names relative to the root; subdirectories are not
// listed.
type LocalStore struct {
	root string
}

var _ Store = (*LocalStore)(nil)

// NewLocalStore creates a LocalStore rooted at the given directory.
func NewLocalStore(root string) *LocalStore {
	return &LocalStore{root: root}
}

// Open opens a file for reading.
func (s *LocalStore) Open(_ context.Context, name string) (Blob, error) {
	f, err := os.Open(filepath.Join(s.root, name))
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &localBlob{File: f, size: st.Size()}, nil
}

// List returns the root's regular files whose names start with prefix, in
// name order.
func (s *LocalStore) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	var infos []ObjectInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		st, err := entry.Info()
		if err != nil {
			// Deleted between the directory read and the stat.
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		infos = append(infos, ObjectInfo{Name: entry.Name(), Size: st.Size(), ModTime: st.ModTime()})
	}
	return infos, nil
}

// localBlob pins the size observed at open time so readers see a consistent
// upper bound even while a writer is appending.
type localBlob struct {
	*os.File
	size int64
}

func (b *localBlob) Size() int64 { return b.size }
