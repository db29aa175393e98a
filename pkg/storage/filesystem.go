// Copyright 2025 Alexander Alten (novatechflow), NovaTechflow (novatechflow.com).
// This project is supported and financed by Scalytics, Inc. (www.scalytics.io).
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/exp/mmap"
)

const partialSuffix = ".partial"

// FilesystemStore keeps objects as files below a root directory. Writers
// stream into a partial file that is renamed on Seal; reads go through a
// memory map.
type FilesystemStore struct {
	root string
}

// NewFilesystemStore creates the root directory if needed.
func NewFilesystemStore(root string) (*FilesystemStore, error) {
	if root == "" {
		return nil, errors.New("filesystem root required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create root %s: %w", root, err)
	}
	return &FilesystemStore{root: root}, nil
}

func (s *FilesystemStore) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if filepath.IsAbs(clean) || clean == "." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || clean == ".." {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(s.root, clean), nil
}

func (s *FilesystemStore) EnsureBucket(ctx context.Context) error {
	return os.MkdirAll(s.root, 0o755)
}

func (s *FilesystemStore) NewWriter(ctx context.Context, key string) (BlobWriter, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create dir for %s: %w", key, err)
	}
	f, err := os.OpenFile(path+partialSuffix, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	return &fileWriter{key: key, path: path, f: f}, nil
}

func (s *FilesystemStore) PutObject(ctx context.Context, key string, body []byte) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", key, err)
	}
	tmp := path + partialSuffix
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	return nil
}

func (s *FilesystemStore) ReadRange(ctx context.Context, key string, rng *ByteRange) ([]byte, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return nil, err
	}
	if info.Size() == 0 {
		return sliceRange(key, nil, rng)
	}
	r, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", key, err)
	}
	defer r.Close()

	start, end := int64(0), int64(r.Len())-1
	if rng != nil {
		start = rng.Start
		if rng.End < end {
			end = rng.End
		}
		if start < 0 {
			start = 0
		}
		if start > end {
			return nil, fmt.Errorf("object %s range %d-%d invalid", key, rng.Start, rng.End)
		}
	}
	buf := make([]byte, end-start+1)
	if _, err := r.ReadAt(buf, start); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return buf, nil
}

func (s *FilesystemStore) HeadObject(ctx context.Context, key string) (BlobObject, error) {
	path, err := s.path(key)
	if err != nil {
		return BlobObject{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return BlobObject{}, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return BlobObject{}, err
	}
	return BlobObject{Key: key, Size: info.Size()}, nil
}

func (s *FilesystemStore) DeleteObject(ctx context.Context, key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *FilesystemStore) ListObjects(ctx context.Context, prefix string) ([]BlobObject, error) {
	out := make([]BlobObject, 0)
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(path, partialSuffix) {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, BlobObject{Key: key, Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

type fileWriter struct {
	key      string
	path     string
	f        *os.File
	lastPart int32
	done     bool
}

func (w *fileWriter) WritePart(ctx context.Context, partID int32, body io.Reader, size int64) error {
	if w.done {
		return ErrWriterClosed
	}
	if partID <= w.lastPart {
		return fmt.Errorf("object %s part %d after part %d", w.key, partID, w.lastPart)
	}
	n, err := io.CopyN(w.f, body, size)
	if err != nil {
		return fmt.Errorf("write part %d of %s (%d/%d bytes): %w", partID, w.key, n, size, err)
	}
	w.lastPart = partID
	return nil
}

func (w *fileWriter) Seal(ctx context.Context) error {
	if w.done {
		return ErrWriterClosed
	}
	w.done = true
	if err := w.f.Sync(); err != nil {
		_ = w.f.Close()
		return fmt.Errorf("sync %s: %w", w.key, err)
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", w.key, err)
	}
	if err := os.Rename(w.path+partialSuffix, w.path); err != nil {
		return fmt.Errorf("publish %s: %w", w.key, err)
	}
	return nil
}

func (w *fileWriter) Abort(ctx context.Context) error {
	if w.done {
		return nil
	}
	w.done = true
	_ = w.f.Close()
	if err := os.Remove(w.path + partialSuffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove partial %s: %w", w.key, err)
	}
	return nil
}
