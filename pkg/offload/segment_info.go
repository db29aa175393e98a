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
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// OffloadResult is the boundary of a closed segment.
type OffloadResult struct {
	BeginLedger int64
	BeginEntry  int64
	EndLedger   int64
	EndEntry    int64
}

func (r OffloadResult) Begin() Position { return Position{r.BeginLedger, r.BeginEntry} }
func (r OffloadResult) End() Position   { return Position{r.EndLedger, r.EndEntry} }

// segmentState is published whole; a nil end means the segment is still open.
type segmentState struct {
	end      *Position
	closedAt time.Time
}

var openState = &segmentState{}

// SegmentInfo describes one offload attempt. The end boundary is written once
// by Close and read by everyone else through an atomic snapshot.
type SegmentInfo struct {
	uid            uuid.UUID
	begin          Position
	beganAt        time.Time
	driverName     string
	driverMetadata map[string]string

	state atomic.Pointer[segmentState]
}

// NewSegmentInfo opens a segment starting at (beginLedger, beginEntry).
func NewSegmentInfo(uid uuid.UUID, beginLedger, beginEntry int64, driverName string, driverMetadata map[string]string) *SegmentInfo {
	md := make(map[string]string, len(driverMetadata))
	for k, v := range driverMetadata {
		md[k] = v
	}
	s := &SegmentInfo{
		uid:            uid,
		begin:          Position{LedgerID: beginLedger, EntryID: beginEntry},
		beganAt:        time.Now(),
		driverName:     driverName,
		driverMetadata: md,
	}
	s.state.Store(openState)
	return s
}

func (s *SegmentInfo) UID() uuid.UUID     { return s.uid }
func (s *SegmentInfo) Begin() Position    { return s.begin }
func (s *SegmentInfo) BeganAt() time.Time { return s.beganAt }
func (s *SegmentInfo) DriverName() string { return s.driverName }

// DriverMetadata returns a copy of the driver metadata.
func (s *SegmentInfo) DriverMetadata() map[string]string {
	out := make(map[string]string, len(s.driverMetadata))
	for k, v := range s.driverMetadata {
		out[k] = v
	}
	return out
}

// Close publishes the end boundary. Closing twice is a programming error and panics.
func (s *SegmentInfo) Close(endLedger, endEntry int64) {
	end := Position{LedgerID: endLedger, EntryID: endEntry}
	next := &segmentState{end: &end, closedAt: time.Now()}
	if !s.state.CompareAndSwap(openState, next) {
		panic(fmt.Sprintf("offload: segment %s closed twice", s.uid))
	}
}

// IsClosed reports whether Close has been called.
func (s *SegmentInfo) IsClosed() bool {
	return s.state.Load().end != nil
}

// End returns the end boundary and whether it is valid yet.
func (s *SegmentInfo) End() (Position, bool) {
	st := s.state.Load()
	if st.end == nil {
		return Position{}, false
	}
	return *st.end, true
}

// ClosedAt returns when the segment was closed, or the zero time.
func (s *SegmentInfo) ClosedAt() time.Time {
	return s.state.Load().closedAt
}

// Result returns the segment boundary, or ErrSegmentOpen before Close.
func (s *SegmentInfo) Result() (OffloadResult, error) {
	st := s.state.Load()
	if st.end == nil {
		return OffloadResult{}, ErrSegmentOpen
	}
	return OffloadResult{
		BeginLedger: s.begin.LedgerID,
		BeginEntry:  s.begin.EntryID,
		EndLedger:   st.end.LedgerID,
		EndEntry:    st.end.EntryID,
	}, nil
}

func (s *SegmentInfo) String() string {
	if end, ok := s.End(); ok {
		return fmt.Sprintf("segment %s [%s, %s] closed", s.uid, s.begin, end)
	}
	return fmt.Sprintf("segment %s [%s, ...) open", s.uid, s.begin)
}
