// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gomlx/samediff/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Store holds named checkpoint blobs.
type Store interface {
	// Put stores data under name, replacing any previous value.
	Put(ctx context.Context, name string, data []byte) error

	// Get returns the data stored under name, or an error wrapping ErrNotFound.
	Get(ctx context.Context, name string) ([]byte, error)

	// List returns the sorted names stored.
	List(ctx context.Context) ([]string, error)

	// Delete removes name. Deleting a missing name is not an error.
	Delete(ctx context.Context, name string) error
}

// ErrNotFound is returned when a checkpoint doesn't exist.
var ErrNotFound = errors.New("checkpoint not found")

var (
	// DirPermMode is the default directory creation permission (before umask) used.
	DirPermMode = os.FileMode(0770)

	// FilePermMode is the permission of the checkpoint files written by DirStore.
	FilePermMode = os.FileMode(0660)
)

// DirStore is a Store in a local directory: one file per name.
type DirStore struct {
	dir string
}

var _ Store = (*DirStore)(nil)

// NewDirStore creates a DirStore in dir, creating the directory if needed. A leading "~" in dir is
// replaced by the home directory.
func NewDirStore(dir string) (*DirStore, error) {
	dir, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	if err = os.MkdirAll(dir, DirPermMode); err != nil {
		return nil, errors.Wrapf(err, "failed to create checkpoints directory %q", dir)
	}
	return &DirStore{dir: dir}, nil
}

// Dir returns the directory of the store.
func (s *DirStore) Dir() string { return s.dir }

func (s *DirStore) path(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return "", errors.Errorf("invalid checkpoint name %q", name)
	}
	return filepath.Join(s.dir, name), nil
}

// Put implements Store. The file is written atomically.
func (s *DirStore) Put(ctx context.Context, name string, data []byte) error {
	path, err := s.path(name)
	if err != nil {
		return err
	}
	if err = fsutil.WriteFileAtomic(path, data, FilePermMode); err != nil {
		return err
	}
	klog.FromContext(ctx).V(1).Info("wrote checkpoint", "path", path, "bytes", len(data))
	return nil
}

// Get implements Store.
func (s *DirStore) Get(_ context.Context, name string) ([]byte, error) {
	path, err := s.path(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, errors.Wrapf(ErrNotFound, "%q in %q", name, s.dir)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read checkpoint %q", path)
	}
	return data, nil
}

// List implements Store. Temporary files of writes in progress are not listed.
func (s *DirStore) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list checkpoints in %q", s.dir)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		names = append(names, entry.Name())
	}
	slices.Sort(names)
	return names, nil
}

// Delete implements Store.
func (s *DirStore) Delete(_ context.Context, name string) error {
	path, err := s.path(name)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.Wrapf(err, "failed to remove checkpoint %q", path)
	}
	return nil
}
