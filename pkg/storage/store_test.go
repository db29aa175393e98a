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
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// exerciseStore runs the same write/read/delete sequence against any backend.
func exerciseStore(t *testing.T, store BlobStore) {
	t.Helper()
	ctx := context.Background()
	if err := store.EnsureBucket(ctx); err != nil {
		t.Fatalf("EnsureBucket: %v", err)
	}

	w, err := store.NewWriter(ctx, "ledgers/seg-1")
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.WritePart(ctx, 1, strings.NewReader("hello "), 6); err != nil {
		t.Fatalf("WritePart 1: %v", err)
	}
	if _, err := store.ReadRange(ctx, "ledgers/seg-1", nil); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("object visible before seal: %v", err)
	}
	if err := w.WritePart(ctx, 2, strings.NewReader("world!!"), 5); err != nil {
		t.Fatalf("WritePart 2: %v", err)
	}
	if err := w.WritePart(ctx, 2, strings.NewReader("x"), 1); err == nil {
		t.Fatalf("expected duplicate part id to fail")
	}
	if err := w.Seal(ctx); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if err := w.WritePart(ctx, 3, strings.NewReader("x"), 1); !errors.Is(err, ErrWriterClosed) {
		t.Fatalf("expected ErrWriterClosed, got %v", err)
	}

	data, err := store.ReadRange(ctx, "ledgers/seg-1", nil)
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	if string(data) != "hello world" {
		t.Fatalf("unexpected object %q", data)
	}
	part, err := store.ReadRange(ctx, "ledgers/seg-1", &ByteRange{Start: 6, End: 100})
	if err != nil {
		t.Fatalf("ReadRange ranged: %v", err)
	}
	if string(part) != "world" {
		t.Fatalf("unexpected range %q", part)
	}
	if _, err := store.ReadRange(ctx, "ledgers/seg-1", &ByteRange{Start: 50, End: 60}); err == nil {
		t.Fatalf("expected out of bounds range to fail")
	}

	if err := store.PutObject(ctx, "ledgers/seg-1-index", []byte("idx")); err != nil {
		t.Fatalf("PutObject: %v", err)
	}
	obj, err := store.HeadObject(ctx, "ledgers/seg-1")
	if err != nil || obj.Size != 11 {
		t.Fatalf("HeadObject: %+v %v", obj, err)
	}
	objs, err := store.ListObjects(ctx, "ledgers/")
	if err != nil {
		t.Fatalf("ListObjects: %v", err)
	}
	if len(objs) != 2 || objs[0].Key != "ledgers/seg-1" || objs[1].Key != "ledgers/seg-1-index" {
		t.Fatalf("unexpected listing %#v", objs)
	}

	aborted, err := store.NewWriter(ctx, "ledgers/seg-2")
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := aborted.WritePart(ctx, 1, bytes.NewReader([]byte("zzz")), 3); err != nil {
		t.Fatalf("WritePart: %v", err)
	}
	if err := aborted.Abort(ctx); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if _, err := store.HeadObject(ctx, "ledgers/seg-2"); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("aborted object should not exist: %v", err)
	}

	if err := store.DeleteObject(ctx, "ledgers/seg-1"); err != nil {
		t.Fatalf("DeleteObject: %v", err)
	}
	if err := store.DeleteObject(ctx, "ledgers/seg-1"); err != nil {
		t.Fatalf("DeleteObject twice: %v", err)
	}
	if _, err := store.ReadRange(ctx, "ledgers/seg-1", nil); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound after delete, got %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	exerciseStore(t, store)
	if store.PendingUploads() != 0 {
		t.Fatalf("expected no pending uploads, got %d", store.PendingUploads())
	}
}

func TestFilesystemStore(t *testing.T) {
	store, err := NewFilesystemStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFilesystemStore: %v", err)
	}
	exerciseStore(t, store)
}

func TestFilesystemStoreRejectsEscapingKeys(t *testing.T) {
	store, err := NewFilesystemStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFilesystemStore: %v", err)
	}
	if err := store.PutObject(context.Background(), "../outside", []byte("x")); err == nil {
		t.Fatalf("expected escaping key to be rejected")
	}
}

func TestDualStoreFallsBackToPrimary(t *testing.T) {
	ctx := context.Background()
	primary := NewMemoryStore()
	replica := NewMemoryStore()
	store := NewDualStore(primary, replica)

	if err := store.PutObject(ctx, "a", []byte("primary")); err != nil {
		t.Fatalf("PutObject: %v", err)
	}
	data, err := store.ReadRange(ctx, "a", nil)
	if err != nil || string(data) != "primary" {
		t.Fatalf("expected fallback read, got %q %v", data, err)
	}
	if err := replica.PutObject(ctx, "a", []byte("replica")); err != nil {
		t.Fatalf("PutObject replica: %v", err)
	}
	data, err = store.ReadRange(ctx, "a", nil)
	if err != nil || string(data) != "replica" {
		t.Fatalf("expected replica read, got %q %v", data, err)
	}
	if _, err := replica.HeadObject(ctx, "b"); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("replica should be untouched by writes: %v", err)
	}
}

func TestObservedStoreReportsOperations(t *testing.T) {
	var (
		mu  sync.Mutex
		ops []string
	)
	store := NewObservedStore(NewMemoryStore(), ObservedConfig{
		MaxConcurrent: 2,
		OnOperation: func(op string, latency time.Duration, err error) {
			mu.Lock()
			ops = append(ops, op)
			mu.Unlock()
		},
	})
	ctx := context.Background()
	w, err := store.NewWriter(ctx, "k")
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.WritePart(ctx, 1, strings.NewReader("abc"), 3); err != nil {
		t.Fatalf("WritePart: %v", err)
	}
	if err := w.Seal(ctx); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := store.ReadRange(ctx, "missing", nil); err == nil {
		t.Fatalf("expected missing object error")
	}
	want := []string{OpNewWriter, OpWritePart, OpSeal, OpReadRange}
	if len(ops) != len(want) {
		t.Fatalf("ops = %v, want %v", ops, want)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Fatalf("ops = %v, want %v", ops, want)
		}
	}
}

type blockingStore struct {
	*MemoryStore
	inflight atomic.Int32
	peak     atomic.Int32
	release  chan struct{}
}

func (b *blockingStore) PutObject(ctx context.Context, key string, body []byte) error {
	n := b.inflight.Add(1)
	for {
		p := b.peak.Load()
		if n <= p || b.peak.CompareAndSwap(p, n) {
			break
		}
	}
	<-b.release
	b.inflight.Add(-1)
	return b.MemoryStore.PutObject(ctx, key, body)
}

func TestObservedStoreBoundsConcurrency(t *testing.T) {
	inner := &blockingStore{MemoryStore: NewMemoryStore(), release: make(chan struct{})}
	store := NewObservedStore(inner, ObservedConfig{MaxConcurrent: 2})

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.PutObject(context.Background(), "k", []byte("v"))
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(inner.release)
	wg.Wait()
	if got := inner.peak.Load(); got > 2 {
		t.Fatalf("expected at most 2 concurrent calls, saw %d", got)
	}
}
