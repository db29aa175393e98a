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
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-memory BlobStore for development/testing.
type MemoryStore struct {
	mu          sync.Mutex
	objects     map[string][]byte
	pending     int
	bucketReady bool
}

// NewMemoryStore initializes the in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string][]byte),
	}
}

func (m *MemoryStore) EnsureBucket(ctx context.Context) error {
	m.mu.Lock()
	m.bucketReady = true
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) NewWriter(ctx context.Context, key string) (BlobWriter, error) {
	m.mu.Lock()
	m.pending++
	m.mu.Unlock()
	return &memoryWriter{store: m, key: key}, nil
}

// PendingUploads returns the number of writers neither sealed nor aborted.
func (m *MemoryStore) PendingUploads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending
}

func (m *MemoryStore) PutObject(ctx context.Context, key string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), body...)
	return nil
}

func (m *MemoryStore) ReadRange(ctx context.Context, key string, rng *ByteRange) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	return sliceRange(key, data, rng)
}

func (m *MemoryStore) HeadObject(ctx context.Context, key string) (BlobObject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return BlobObject{}, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	return BlobObject{Key: key, Size: int64(len(data))}, nil
}

func (m *MemoryStore) DeleteObject(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *MemoryStore) ListObjects(ctx context.Context, prefix string) ([]BlobObject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]BlobObject, 0)
	for key, data := range m.objects {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		out = append(out, BlobObject{
			Key:  key,
			Size: int64(len(data)),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

type memoryWriter struct {
	store    *MemoryStore
	key      string
	buf      bytes.Buffer
	lastPart int32
	done     bool
}

func (w *memoryWriter) WritePart(ctx context.Context, partID int32, body io.Reader, size int64) error {
	if w.done {
		return ErrWriterClosed
	}
	if partID <= w.lastPart {
		return fmt.Errorf("object %s part %d after part %d", w.key, partID, w.lastPart)
	}
	data, err := readPart(body, size)
	if err != nil {
		return err
	}
	w.buf.Write(data)
	w.lastPart = partID
	return nil
}

func (w *memoryWriter) Seal(ctx context.Context) error {
	if w.done {
		return ErrWriterClosed
	}
	w.done = true
	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	w.store.objects[w.key] = append([]byte(nil), w.buf.Bytes()...)
	w.store.pending--
	return nil
}

func (w *memoryWriter) Abort(ctx context.Context) error {
	if w.done {
		return nil
	}
	w.done = true
	w.store.mu.Lock()
	w.store.pending--
	w.store.mu.Unlock()
	return nil
}
