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

package metadata

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	// ErrSegmentNotFound indicates no record exists for the requested segment uid.
	ErrSegmentNotFound = errors.New("segment not found")
	// ErrInvalidSegment is returned when a record is missing its uid or range.
	ErrInvalidSegment = errors.New("invalid segment record")
)

// Segment records one offloaded segment: where it starts, where it ends,
// and which driver wrote it.
type Segment struct {
	UID            string            `json:"uid"`
	BeginLedger    int64             `json:"begin_ledger"`
	BeginEntry     int64             `json:"begin_entry"`
	EndLedger      int64             `json:"end_ledger"`
	EndEntry       int64             `json:"end_entry"`
	Ledgers        []int64           `json:"ledgers,omitempty"`
	Complete       bool              `json:"complete"`
	DriverName     string            `json:"driver_name"`
	DriverMetadata map[string]string `json:"driver_metadata,omitempty"`
	AssignedAt     time.Time         `json:"assigned_at"`
	OffloadedAt    time.Time         `json:"offloaded_at,omitempty"`
	DataBytes      int64             `json:"data_bytes"`
}

// Covers reports whether the segment holds entries of ledgerID.
func (s Segment) Covers(ledgerID int64) bool {
	if len(s.Ledgers) > 0 {
		for _, id := range s.Ledgers {
			if id == ledgerID {
				return true
			}
		}
		return false
	}
	return ledgerID >= s.BeginLedger && ledgerID <= s.EndLedger
}

// Validate checks that the record can be stored.
func (s Segment) Validate() error {
	if s.UID == "" {
		return errors.Join(ErrInvalidSegment, errors.New("uid required"))
	}
	if s.Complete {
		if s.EndLedger < s.BeginLedger || (s.EndLedger == s.BeginLedger && s.EndEntry < s.BeginEntry) {
			return errors.Join(ErrInvalidSegment, errors.New("end precedes begin"))
		}
	}
	return nil
}

func (s Segment) clone() Segment {
	out := s
	if s.Ledgers != nil {
		out.Ledgers = append([]int64(nil), s.Ledgers...)
	}
	if s.DriverMetadata != nil {
		out.DriverMetadata = make(map[string]string, len(s.DriverMetadata))
		for k, v := range s.DriverMetadata {
			out.DriverMetadata[k] = v
		}
	}
	return out
}

func (s Segment) ledgerIDs() []int64 {
	if len(s.Ledgers) > 0 {
		return s.Ledgers
	}
	ids := make([]int64, 0, s.EndLedger-s.BeginLedger+1)
	for id := s.BeginLedger; id <= s.EndLedger; id++ {
		ids = append(ids, id)
	}
	return ids
}

// OffloadContext lists the segments holding a ledger's offloaded entries,
// ordered by begin position.
type OffloadContext struct {
	LedgerID int64     `json:"ledger_id"`
	Segments []Segment `json:"segments"`
}

func sortSegments(segs []Segment) {
	sort.Slice(segs, func(i, j int) bool {
		if segs[i].BeginLedger != segs[j].BeginLedger {
			return segs[i].BeginLedger < segs[j].BeginLedger
		}
		if segs[i].BeginEntry != segs[j].BeginEntry {
			return segs[i].BeginEntry < segs[j].BeginEntry
		}
		return segs[i].UID < segs[j].UID
	})
}

// Store persists segment records and answers which segments hold a ledger.
type Store interface {
	// PutSegment creates or replaces the record for seg.UID.
	PutSegment(ctx context.Context, seg Segment) error
	// GetSegment returns ErrSegmentNotFound when uid is unknown.
	GetSegment(ctx context.Context, uid string) (Segment, error)
	// LedgerContext returns the complete segments covering ledgerID.
	LedgerContext(ctx context.Context, ledgerID int64) (OffloadContext, error)
	// ListSegments returns every record ordered by begin position.
	ListSegments(ctx context.Context) ([]Segment, error)
	DeleteSegment(ctx context.Context, uid string) error
	Close() error
}

// InMemoryStore is a Store used by tests and single process deployments.
type InMemoryStore struct {
	mu       sync.RWMutex
	segments map[string]Segment
}

// NewInMemoryStore returns an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{segments: make(map[string]Segment)}
}

// PutSegment implements Store.PutSegment.
func (s *InMemoryStore) PutSegment(ctx context.Context, seg Segment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := seg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.segments[seg.UID] = seg.clone()
	s.mu.Unlock()
	return nil
}

// GetSegment implements Store.GetSegment.
func (s *InMemoryStore) GetSegment(ctx context.Context, uid string) (Segment, error) {
	if err := ctx.Err(); err != nil {
		return Segment{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	seg, ok := s.segments[uid]
	if !ok {
		return Segment{}, ErrSegmentNotFound
	}
	return seg.clone(), nil
}

// LedgerContext implements Store.LedgerContext.
func (s *InMemoryStore) LedgerContext(ctx context.Context, ledgerID int64) (OffloadContext, error) {
	if err := ctx.Err(); err != nil {
		return OffloadContext{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := OffloadContext{LedgerID: ledgerID}
	for _, seg := range s.segments {
		if seg.Complete && seg.Covers(ledgerID) {
			out.Segments = append(out.Segments, seg.clone())
		}
	}
	sortSegments(out.Segments)
	return out, nil
}

// ListSegments implements Store.ListSegments.
func (s *InMemoryStore) ListSegments(ctx context.Context) ([]Segment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Segment, 0, len(s.segments))
	for _, seg := range s.segments {
		out = append(out, seg.clone())
	}
	sortSegments(out)
	return out, nil
}

// DeleteSegment implements Store.DeleteSegment. Unknown uids are ignored.
func (s *InMemoryStore) DeleteSegment(ctx context.Context, uid string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.segments, uid)
	s.mu.Unlock()
	return nil
}

// Close implements Store.Close.
func (s *InMemoryStore) Close() error { return nil }
