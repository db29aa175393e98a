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

package offload

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/novatechflow/tieredlog/pkg/cache"
	"github.com/novatechflow/tieredlog/pkg/index"
	"github.com/novatechflow/tieredlog/pkg/metadata"
	"github.com/novatechflow/tieredlog/pkg/storage"
)

func newTestOffloader(t *testing.T, store storage.BlobStore, blocks *cache.BlockCache) *BlobOffloader {
	t.Helper()
	o, err := NewBlobOffloader(BlobOffloaderConfig{
		Store:     store,
		Driver:    "memory",
		KeyPrefix: "/offload/",
		Session:   testSessionConfig(),
		Cache:     blocks,
		Logger:    quietLogger(),
	})
	if err != nil {
		t.Fatalf("new offloader: %v", err)
	}
	t.Cleanup(func() { _ = o.Close() })
	return o
}

// segmentRecord describes a resolved session the way the pipeline stores it.
func segmentRecord(t *testing.T, s *Session) metadata.Segment {
	t.Helper()
	res, err := awaitResult(t, s)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	return metadata.Segment{
		UID:            s.Segment().UID().String(),
		BeginLedger:    res.BeginLedger,
		BeginEntry:     res.BeginEntry,
		EndLedger:      res.EndLedger,
		EndEntry:       res.EndEntry,
		Ledgers:        s.Ledgers(),
		Complete:       true,
		DriverName:     s.Segment().DriverName(),
		DriverMetadata: s.Segment().DriverMetadata(),
		DataBytes:      s.DataBytes(),
	}
}

type readOnlyOffloader struct{}

func (readOnlyOffloader) DriverName() string                { return "read-only" }
func (readOnlyOffloader) DriverMetadata() map[string]string { return nil }
func (readOnlyOffloader) Close() error                      { return nil }

func (readOnlyOffloader) ReadOffloaded(context.Context, int64, []metadata.Segment) (*ReadHandle, error) {
	return nil, ErrNoSegments
}

func (readOnlyOffloader) DeleteOffloaded(context.Context, uuid.UUID, map[string]string) error {
	return nil
}

func TestAsStreaming(t *testing.T) {
	if _, err := AsStreaming(readOnlyOffloader{}); !errors.Is(err, ErrStreamingUnsupported) {
		t.Fatalf("expected unsupported error, got %v", err)
	}
	o := newTestOffloader(t, storage.NewMemoryStore(), nil)
	s, err := AsStreaming(o)
	if err != nil || s != StreamingOffloader(o) {
		t.Fatalf("blob offloader should stream: %v", err)
	}
}

func TestObjectKeys(t *testing.T) {
	uid := uuid.MustParse("6f1c1f3e-9d7a-4c55-8a43-0d6f4b1f2a10")
	if got := DataKey("/a/b/", uid); got != "a/b/"+uid.String() {
		t.Fatalf("unexpected data key %q", got)
	}
	if got := DataKey("", uid); got != uid.String() {
		t.Fatalf("unexpected data key without prefix %q", got)
	}
	if got := IndexKey("a", uid); got != "a/"+uid.String()+"-index" {
		t.Fatalf("unexpected index key %q", got)
	}
}

func TestBlobOffloaderReadBack(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	blocks := cache.NewBlockCache(1 << 20)
	o := newTestOffloader(t, store, blocks)

	uid := uuid.New()
	s, err := o.StreamingOffload(ctx, uid, 1, 0, map[string]string{"tenant": "t1"})
	if err != nil {
		t.Fatalf("streaming offload: %v", err)
	}
	if !strings.HasPrefix(s.DataKey(), "offload/") {
		t.Fatalf("data key ignores the prefix: %s", s.DataKey())
	}
	offerRange(t, s, 1, 0, 6)
	s.Complete()
	record := segmentRecord(t, s)
	md := record.DriverMetadata
	if md[MetadataKeyDriver] != "memory" || md[MetadataKeyPrefix] != "/offload/" || md["tenant"] != "t1" {
		t.Fatalf("unexpected driver metadata %v", md)
	}

	h, err := o.ReadOffloaded(ctx, 1, []metadata.Segment{record})
	if err != nil {
		t.Fatalf("read offloaded: %v", err)
	}
	if h.LedgerID() != 1 || h.LastEntryID() != 6 || h.Length() != 70 {
		t.Fatalf("unexpected handle %d %d %d", h.LedgerID(), h.LastEntryID(), h.Length())
	}
	if meta := h.Metadata(); meta.LastEntryID != 6 || meta.Length != 70 {
		t.Fatalf("unexpected metadata %+v", meta)
	}
	if segs := h.Segments(); len(segs) != 1 || segs[0] != uid.String() {
		t.Fatalf("unexpected segments %v", segs)
	}
	entries, err := h.Read(ctx, 2, 5)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(entries))
	}
	for i, e := range entries {
		id := int64(2 + i)
		if e.EntryID() != id || !bytes.Equal(e.Data(), testPayload(1, id)) {
			t.Fatalf("entry %d: %s %q", i, e.Position(), e.Data())
		}
	}
	if blocks.Size() == 0 {
		t.Fatalf("blocks were not cached")
	}
	payload, err := h.ReadEntry(ctx, 6)
	if err != nil || !bytes.Equal(payload, testPayload(1, 6)) {
		t.Fatalf("read entry 6: %q %v", payload, err)
	}
	if _, err := h.Read(ctx, 5, 7); !errors.Is(err, index.ErrEntryOutOfRange) {
		t.Fatalf("expected out of range, got %v", err)
	}
	if _, err := h.Read(ctx, 4, 3); err == nil {
		t.Fatalf("inverted range accepted")
	}

	if _, err := o.ReadOffloaded(ctx, 9, []metadata.Segment{record}); !errors.Is(err, ErrNoSegments) {
		t.Fatalf("expected no segments for ledger 9, got %v", err)
	}
	pending := record
	pending.Complete = false
	if _, err := o.ReadOffloaded(ctx, 1, []metadata.Segment{pending}); !errors.Is(err, ErrNoSegments) {
		t.Fatalf("incomplete segment was read: %v", err)
	}

	if err := o.DeleteOffloaded(ctx, uid, md); err != nil {
		t.Fatalf("delete: %v", err)
	}
	for _, key := range []string{s.DataKey(), s.IndexKey()} {
		if _, err := store.HeadObject(ctx, key); !errors.Is(err, storage.ErrObjectNotFound) {
			t.Fatalf("%s survived delete: %v", key, err)
		}
	}
	if blocks.Size() != 0 {
		t.Fatalf("cache still holds deleted blocks")
	}
	if err := o.DeleteOffloaded(ctx, uid, md); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if _, err := o.ReadOffloaded(ctx, 1, []metadata.Segment{record}); !errors.Is(err, storage.ErrObjectNotFound) {
		t.Fatalf("expected missing index, got %v", err)
	}
}

func TestBlobOffloaderSupersedesLiveSession(t *testing.T) {
	ctx := context.Background()
	o := newTestOffloader(t, storage.NewMemoryStore(), nil)
	uid := uuid.New()
	first, err := o.StreamingOffload(ctx, uid, 1, 0, nil)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	offerRange(t, first, 1, 0, 1)
	second, err := o.StreamingOffload(ctx, uid, 1, 0, nil)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if _, err := awaitResult(t, first); !errors.Is(err, ErrSessionAborted) {
		t.Fatalf("first session not aborted: %v", err)
	}
	offerRange(t, second, 1, 0, 0)
	second.Complete()
	if _, err := awaitResult(t, second); err != nil {
		t.Fatalf("second result: %v", err)
	}
}

func TestBlobOffloaderSessionOptions(t *testing.T) {
	o := newTestOffloader(t, storage.NewMemoryStore(), nil)
	s, err := o.StreamingOffload(context.Background(), uuid.New(), 1, 0, nil,
		WithMaxSegmentSize(20),
		WithMaxSegmentLedgers(2),
		WithMetadataSource(staticMetadata{}),
	)
	if err != nil {
		t.Fatalf("streaming offload: %v", err)
	}
	if s.cfg.MaxSegmentSize != 20 || s.cfg.MaxSegmentLedgers != 2 || s.cfg.MetadataSource == nil {
		t.Fatalf("options not applied: %+v", s.cfg)
	}
	if o.cfg.Session.MaxSegmentSize == 20 {
		t.Fatalf("options leaked into the offloader config")
	}
	offerRange(t, s, 1, 0, 1)
	if _, err := awaitResult(t, s); err != nil || s.CloseReason() != ReasonSize {
		t.Fatalf("expected size close: %v %q", err, s.CloseReason())
	}
}

func TestBlobOffloaderClose(t *testing.T) {
	ctx := context.Background()
	o := newTestOffloader(t, storage.NewMemoryStore(), nil)
	s, err := o.StreamingOffload(ctx, uuid.New(), 1, 0, nil)
	if err != nil {
		t.Fatalf("streaming offload: %v", err)
	}
	offerRange(t, s, 1, 0, 0)
	if err := o.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := awaitResult(t, s); !errors.Is(err, ErrSessionAborted) {
		t.Fatalf("live session not aborted: %v", err)
	}
	if _, err := o.StreamingOffload(ctx, uuid.New(), 1, 0, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
	if _, err := o.ReadOffloaded(ctx, 1, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
	if err := o.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestNewBlobOffloaderRequiresStore(t *testing.T) {
	if _, err := NewBlobOffloader(BlobOffloaderConfig{}); err == nil {
		t.Fatalf("expected error without a store")
	}
}
