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
	"io"
	"time"

	"golang.org/x/sync/semaphore"
)

// Operation names reported to ObservedConfig.OnOperation.
const (
	OpNewWriter    = "new_writer"
	OpWritePart    = "write_part"
	OpSeal         = "seal"
	OpAbort        = "abort"
	OpPutObject    = "put_object"
	OpReadRange    = "read_range"
	OpHeadObject   = "head_object"
	OpDeleteObject = "delete_object"
	OpListObjects  = "list_objects"
)

// ObservedConfig configures NewObservedStore.
type ObservedConfig struct {
	// MaxConcurrent bounds in-flight storage calls; 0 means unbounded.
	MaxConcurrent int64
	// OnOperation receives every call's latency and error.
	OnOperation func(op string, latency time.Duration, err error)
}

type observedStore struct {
	next BlobStore
	sem  *semaphore.Weighted
	onOp func(string, time.Duration, error)
}

// NewObservedStore wraps next so every call is timed and gated by a semaphore.
func NewObservedStore(next BlobStore, cfg ObservedConfig) BlobStore {
	s := &observedStore{next: next, onOp: cfg.OnOperation}
	if cfg.MaxConcurrent > 0 {
		s.sem = semaphore.NewWeighted(cfg.MaxConcurrent)
	}
	return s
}

// acquire blocks until a token is available or ctx is cancelled.
func (s *observedStore) acquire(ctx context.Context) error {
	if s.sem == nil {
		return nil
	}
	return s.sem.Acquire(ctx, 1)
}

func (s *observedStore) release() {
	if s.sem != nil {
		s.sem.Release(1)
	}
}

func (s *observedStore) observe(ctx context.Context, op string, fn func() error) error {
	if err := s.acquire(ctx); err != nil {
		s.record(op, 0, err)
		return err
	}
	defer s.release()
	start := time.Now()
	err := fn()
	s.record(op, time.Since(start), err)
	return err
}

func (s *observedStore) record(op string, d time.Duration, err error) {
	if s.onOp != nil {
		s.onOp(op, d, err)
	}
}

func (s *observedStore) NewWriter(ctx context.Context, key string) (BlobWriter, error) {
	var w BlobWriter
	err := s.observe(ctx, OpNewWriter, func() error {
		var err error
		w, err = s.next.NewWriter(ctx, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &observedWriter{store: s, next: w}, nil
}

func (s *observedStore) PutObject(ctx context.Context, key string, body []byte) error {
	return s.observe(ctx, OpPutObject, func() error {
		return s.next.PutObject(ctx, key, body)
	})
}

func (s *observedStore) ReadRange(ctx context.Context, key string, rng *ByteRange) ([]byte, error) {
	var data []byte
	err := s.observe(ctx, OpReadRange, func() error {
		var err error
		data, err = s.next.ReadRange(ctx, key, rng)
		return err
	})
	return data, err
}

func (s *observedStore) HeadObject(ctx context.Context, key string) (BlobObject, error) {
	var obj BlobObject
	err := s.observe(ctx, OpHeadObject, func() error {
		var err error
		obj, err = s.next.HeadObject(ctx, key)
		return err
	})
	return obj, err
}

func (s *observedStore) DeleteObject(ctx context.Context, key string) error {
	return s.observe(ctx, OpDeleteObject, func() error {
		return s.next.DeleteObject(ctx, key)
	})
}

func (s *observedStore) ListObjects(ctx context.Context, prefix string) ([]BlobObject, error) {
	var objs []BlobObject
	err := s.observe(ctx, OpListObjects, func() error {
		var err error
		objs, err = s.next.ListObjects(ctx, prefix)
		return err
	})
	return objs, err
}

func (s *observedStore) EnsureBucket(ctx context.Context) error {
	return s.next.EnsureBucket(ctx)
}

type observedWriter struct {
	store *observedStore
	next  BlobWriter
}

func (w *observedWriter) WritePart(ctx context.Context, partID int32, body io.Reader, size int64) error {
	return w.store.observe(ctx, OpWritePart, func() error {
		return w.next.WritePart(ctx, partID, body, size)
	})
}

func (w *observedWriter) Seal(ctx context.Context) error {
	return w.store.observe(ctx, OpSeal, func() error {
		return w.next.Seal(ctx)
	})
}

// Abort is not gated by the semaphore.
func (w *observedWriter) Abort(ctx context.Context) error {
	start := time.Now()
	err := w.next.Abort(ctx)
	w.store.record(OpAbort, time.Since(start), err)
	return err
}
