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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/novatechflow/tieredlog/pkg/cache"
	"github.com/novatechflow/tieredlog/pkg/index"
	"github.com/novatechflow/tieredlog/pkg/metadata"
	"github.com/novatechflow/tieredlog/pkg/metrics"
	"github.com/novatechflow/tieredlog/pkg/storage"
)

type readConfig struct {
	store       storage.BlobStore
	cache       *cache.BlockCache
	logger      *slog.Logger
	concurrency int
	keyPrefix   string
}

// segmentRange is the part of one ledger held by one segment.
type segmentRange struct {
	uid     string
	dataKey string
	idx     *index.Index
	first   int64
	last    int64
	meta    index.LedgerMetadata
}

// ReadHandle reads the offloaded entries of one ledger. The ledger may be
// spread over several segments; each entry id is served by the latest
// segment whose range holds it.
type ReadHandle struct {
	ledgerID int64
	store    storage.BlobStore
	cache    *cache.BlockCache
	ranges   []segmentRange
	last     int64
	length   int64
}

func openReadHandle(ctx context.Context, cfg readConfig, ledgerID int64, segments []metadata.Segment) (*ReadHandle, error) {
	var candidates []metadata.Segment
	for _, seg := range segments {
		if seg.Complete && seg.Covers(ledgerID) {
			candidates = append(candidates, seg)
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w %d", ErrNoSegments, ledgerID)
	}

	loaded := make([]*segmentRange, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.concurrency)
	for i, seg := range candidates {
		g.Go(func() error {
			r, err := loadSegmentRange(gctx, cfg, ledgerID, seg)
			if err != nil {
				return fmt.Errorf("segment %s: %w", seg.UID, err)
			}
			loaded[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		cfg.logger.Warn("load offload index failed", "ledger", ledgerID, "error", err)
		return nil, err
	}

	h := &ReadHandle{
		ledgerID: ledgerID,
		store:    cfg.store,
		cache:    cfg.cache,
		last:     -1,
	}
	for _, r := range loaded {
		if r == nil {
			continue
		}
		h.ranges = append(h.ranges, *r)
		if r.last > h.last {
			h.last = r.last
		}
		h.length += r.meta.Length
	}
	if len(h.ranges) == 0 {
		return nil, fmt.Errorf("%w %d", ErrNoSegments, ledgerID)
	}
	sort.SliceStable(h.ranges, func(i, j int) bool {
		return h.ranges[i].first < h.ranges[j].first
	})
	return h, nil
}

// loadSegmentRange fetches and parses the index of seg. It returns nil when
// the index has no blocks for ledgerID.
func loadSegmentRange(ctx context.Context, cfg readConfig, ledgerID int64, seg metadata.Segment) (*segmentRange, error) {
	uid, err := uuid.Parse(seg.UID)
	if err != nil {
		return nil, fmt.Errorf("parse uid: %w", err)
	}
	prefix := cfg.keyPrefix
	if p, ok := seg.DriverMetadata[MetadataKeyPrefix]; ok {
		prefix = p
	}
	raw, err := cfg.store.ReadRange(ctx, IndexKey(prefix, uid), nil)
	if err != nil {
		return nil, err
	}
	idx, err := index.FromBytes(raw)
	if err != nil {
		return nil, err
	}
	meta, err := idx.LedgerMetadata(ledgerID)
	if errors.Is(err, index.ErrLedgerNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	entries, err := idx.Entries(ledgerID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &segmentRange{
		uid:     seg.UID,
		dataKey: DataKey(prefix, uid),
		idx:     idx,
		first:   entries[0].EntryID,
		last:    meta.LastEntryID,
		meta:    meta,
	}, nil
}

// LedgerID returns the ledger this handle reads.
func (h *ReadHandle) LedgerID() int64 { return h.ledgerID }

// LastEntryID returns the highest offloaded entry id of the ledger.
func (h *ReadHandle) LastEntryID() int64 { return h.last }

// Length returns the offloaded payload bytes of the ledger.
func (h *ReadHandle) Length() int64 { return h.length }

// Metadata returns the ledger metadata recorded by the latest segment.
func (h *ReadHandle) Metadata() index.LedgerMetadata {
	meta := h.ranges[len(h.ranges)-1].meta.Clone()
	meta.LastEntryID = h.last
	meta.Length = h.length
	return meta
}

// Segments returns the uids of the segments backing this handle, in entry order.
func (h *ReadHandle) Segments() []string {
	out := make([]string, len(h.ranges))
	for i, r := range h.ranges {
		out[i] = r.uid
	}
	return out
}

func (h *ReadHandle) rangeFor(entryID int64) (*segmentRange, bool) {
	for i := len(h.ranges) - 1; i >= 0; i-- {
		r := &h.ranges[i]
		if entryID >= r.first && entryID <= r.last {
			return r, true
		}
	}
	return nil, false
}

// ReadEntry returns the payload of one entry.
func (h *ReadHandle) ReadEntry(ctx context.Context, entryID int64) ([]byte, error) {
	entries, err := h.Read(ctx, entryID, entryID)
	if err != nil {
		return nil, err
	}
	return entries[0].Data(), nil
}

// Read returns entries first..last inclusive, in order.
func (h *ReadHandle) Read(ctx context.Context, first, last int64) ([]*Entry, error) {
	if last < first {
		return nil, fmt.Errorf("invalid entry range %d..%d", first, last)
	}
	lowest := h.ranges[0].first
	if first < lowest || last > h.last {
		bad := last
		if first < lowest {
			bad = first
		}
		return nil, &index.EntryOutOfRangeError{
			LedgerID:     h.ledgerID,
			EntryID:      bad,
			FirstEntryID: lowest,
			LastEntryID:  h.last,
		}
	}
	out := make([]*Entry, 0, last-first+1)
	next := first
	for next <= last {
		r, ok := h.rangeFor(next)
		if !ok {
			return nil, fmt.Errorf("%w: ledger %d entry %d", ErrEntryNotFound, h.ledgerID, next)
		}
		bp, err := r.idx.Lookup(h.ledgerID, next)
		if err != nil {
			return nil, err
		}
		block, err := h.loadBlock(ctx, r.dataKey, bp.Offset)
		if err != nil {
			return nil, fmt.Errorf("segment %s block at %d: %w", r.uid, bp.Offset, err)
		}
		progressed := false
		for _, f := range block.Frames {
			if f.EntryID != next || next > last {
				continue
			}
			out = append(out, NewEntry(h.ledgerID, f.EntryID, append([]byte(nil), f.Payload...)))
			next++
			progressed = true
		}
		if !progressed {
			return nil, fmt.Errorf("%w: ledger %d entry %d in segment %s", ErrEntryNotFound, h.ledgerID, next, r.uid)
		}
	}
	metrics.ReadEntriesTotal.Add(float64(len(out)))
	return out, nil
}

// loadBlock reads the block starting at offset of key, through the cache if any.
func (h *ReadHandle) loadBlock(ctx context.Context, key string, offset int64) (*DataBlock, error) {
	load := func() ([]byte, error) {
		raw, err := h.store.ReadRange(ctx, key, &storage.ByteRange{Start: offset, End: offset + BlockHeaderSize - 1})
		if err != nil {
			return nil, err
		}
		hdr, err := ParseBlockHeader(raw)
		if err != nil {
			return nil, err
		}
		return h.store.ReadRange(ctx, key, &storage.ByteRange{Start: offset, End: offset + hdr.BlockLength - 1})
	}
	var (
		data []byte
		err  error
	)
	if h.cache == nil {
		data, err = load()
	} else {
		var hit bool
		data, hit, err = h.cache.GetOrLoad(key, offset, load)
		if hit {
			metrics.BlockCacheTotal.WithLabelValues("hit").Inc()
		} else {
			metrics.BlockCacheTotal.WithLabelValues("miss").Inc()
		}
	}
	if err != nil {
		return nil, err
	}
	return DecodeBlock(data)
}
