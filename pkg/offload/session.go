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
	"sync"
	"time"

	"github.com/novatechflow/tieredlog/pkg/index"
	"github.com/novatechflow/tieredlog/pkg/metrics"
	"github.com/novatechflow/tieredlog/pkg/storage"
)

// OfferResult is the admission decision for one offered entry.
type OfferResult int

const (
	OfferSuccess OfferResult = iota
	OfferBufferFull
	OfferSegmentClosed
	OfferNotConsecutive
	// OfferEntryTooLarge rejects an entry whose frame exceeds the largest data block.
	OfferEntryTooLarge
)

func (r OfferResult) String() string {
	switch r {
	case OfferSuccess:
		return "success"
	case OfferBufferFull:
		return "buffer_full"
	case OfferSegmentClosed:
		return "segment_closed"
	case OfferNotConsecutive:
		return "not_consecutive"
	case OfferEntryTooLarge:
		return "entry_too_large"
	default:
		return fmt.Sprintf("offer_result(%d)", int(r))
	}
}

// SessionState is the lifecycle stage of a Session.
type SessionState int

const (
	// StateOpen accepts entries.
	StateOpen SessionState = iota
	// StateClosing rejects entries and drains the queue to storage.
	StateClosing
	// StateClosed is terminal; the result is available.
	StateClosed
	// StateFailed is terminal; the result was rejected.
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Close reasons, in the order they are evaluated.
const (
	ReasonSize     = "size"
	ReasonLedger   = "ledger"
	ReasonTime     = "time"
	ReasonComplete = "complete"
)

// MetadataSource supplies ledger metadata recorded in a segment's index.
// LastEntryID and Length are always replaced by the segment's own extent.
type MetadataSource interface {
	LedgerMetadata(ctx context.Context, ledgerID int64) (index.LedgerMetadata, error)
}

// SessionConfig bounds a segment and tunes the drainer.
type SessionConfig struct {
	// MaxSegmentSize closes the segment once this many payload bytes were accepted.
	MaxSegmentSize int64
	// MaxSegmentDuration closes a non-empty segment this long after it began. 0 disables it.
	MaxSegmentDuration time.Duration
	MaxBlockSize       int64
	// MinBlockSize pads every block but the last one of a segment. 0 writes exact sizes.
	MinBlockSize int64
	PollInterval time.Duration
	// MaxSegmentLedgers limits how many ledgers one segment may span. 0 means unlimited.
	MaxSegmentLedgers int
	MetadataSource    MetadataSource
	Logger            *slog.Logger
}

const (
	DefaultMaxSegmentSize     int64 = 1 << 30
	DefaultMaxSegmentDuration       = 10 * time.Minute
	DefaultMaxBlockSize       int64 = 64 << 20
	DefaultMinBlockSize       int64 = 5 << 20
	DefaultPollInterval             = 100 * time.Millisecond
)

func (c SessionConfig) withDefaults() SessionConfig {
	if c.MaxSegmentSize <= 0 {
		c.MaxSegmentSize = DefaultMaxSegmentSize
	}
	if c.MaxBlockSize <= 0 {
		c.MaxBlockSize = DefaultMaxBlockSize
	}
	if c.MaxBlockSize <= BlockHeaderSize+FrameHeaderSize {
		c.MaxBlockSize = BlockHeaderSize + FrameHeaderSize + 1
	}
	if c.MaxBlockSize > maxBlockLength {
		c.MaxBlockSize = maxBlockLength
	}
	if c.MinBlockSize < 0 {
		c.MinBlockSize = 0
	}
	if c.MinBlockSize > c.MaxBlockSize {
		c.MinBlockSize = c.MaxBlockSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

type ledgerExtent struct {
	first int64
	last  int64
	bytes int64
}

// Session admits entries for one segment and streams them to a data object
// as a sequence of blocks, one multipart part per block. A background drainer
// owns all dequeues, block writes and the final seal; the producer only
// enqueues.
type Session struct {
	cfg      SessionConfig
	store    storage.BlobStore
	writer   storage.BlobWriter
	segment  *SegmentInfo
	dataKey  string
	indexKey string
	logger   *slog.Logger
	queue    *EntryQueue

	mu           sync.Mutex
	state        SessionState
	reason       string
	lastOffered  Position
	accepted     bool
	ledgers      int
	segmentBytes int64

	wake    chan struct{}
	cancel  context.CancelFunc
	drained chan struct{}
	done    chan struct{}
	result  OffloadResult
	err     error

	// drainer owned
	builder *index.Builder
	partID  int32
	offset  int64
	sealed  bool
	order   []int64
	extents map[int64]*ledgerExtent
}

// openSession starts a writer for dataKey and the drainer goroutine. The
// session outlives ctx only through Abort; ctx bounds the writer creation.
func openSession(ctx context.Context, cfg SessionConfig, store storage.BlobStore, segment *SegmentInfo, dataKey, indexKey string) (*Session, error) {
	cfg = cfg.withDefaults()
	writer, err := store.NewWriter(ctx, dataKey)
	if err != nil {
		return nil, fmt.Errorf("open data object %s: %w", dataKey, err)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:         cfg,
		store:       store,
		writer:      writer,
		segment:     segment,
		dataKey:     dataKey,
		indexKey:    indexKey,
		logger:      cfg.Logger.With("uid", segment.UID().String()),
		queue:       NewEntryQueue(),
		lastOffered: segment.Begin(),
		wake:        make(chan struct{}, 1),
		cancel:      cancel,
		drained:     make(chan struct{}),
		done:        make(chan struct{}),
		builder:     index.NewBuilder(),
		extents:     make(map[int64]*ledgerExtent),
	}
	metrics.SessionsActive.Inc()
	s.logger.Debug("offload session opened", "begin", segment.Begin().String(), "data_key", dataKey)
	go s.run(runCtx)
	return s, nil
}

// Segment returns the segment this session writes.
func (s *Session) Segment() *SegmentInfo { return s.segment }

// DataKey returns the object key of the data object.
func (s *Session) DataKey() string { return s.dataKey }

// IndexKey returns the object key of the index object.
func (s *Session) IndexKey() string { return s.indexKey }

// Ledgers returns the ledgers written to the data object in order. It waits for Done.
func (s *Session) Ledgers() []int64 {
	<-s.done
	return append([]int64(nil), s.order...)
}

// DataBytes returns the length of the data object. It waits for Done.
func (s *Session) DataBytes() int64 {
	<-s.done
	return s.offset
}

// State returns the current lifecycle stage.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CloseReason returns why the session stopped accepting entries, or "" while open.
func (s *Session) CloseReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// CanOffer is an advisory check that an entry of size bytes would be admitted.
// OfferEntry makes the authoritative decision.
func (s *Session) CanOffer(size int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen {
		return false
	}
	if BlockHeaderSize+FrameHeaderSize+int64(size) > maxBlockLength {
		return false
	}
	if queued := s.queue.Bytes(); queued > 0 && queued+int64(size) > s.cfg.MaxSegmentSize {
		return false
	}
	if s.cfg.MaxSegmentDuration > 0 && time.Since(s.segment.BeganAt()) >= s.cfg.MaxSegmentDuration {
		return false
	}
	return true
}

// OfferEntry admits entry into the segment. On OfferSuccess the session holds
// its own reference; the caller keeps and must release its reference in every case.
func (s *Session) OfferEntry(entry *Entry) OfferResult {
	s.mu.Lock()
	res := s.offerLocked(entry)
	s.mu.Unlock()
	metrics.OfferTotal.WithLabelValues(res.String()).Inc()
	if res == OfferSuccess {
		metrics.OfferedBytesTotal.Add(float64(entry.Length()))
	}
	return res
}

func (s *Session) offerLocked(entry *Entry) OfferResult {
	if s.state != StateOpen {
		return OfferSegmentClosed
	}
	size := int64(entry.Length())
	if BlockHeaderSize+FrameHeaderSize+size > maxBlockLength {
		return OfferEntryTooLarge
	}
	if queued := s.queue.Bytes(); queued > 0 && queued+size > s.cfg.MaxSegmentSize {
		return OfferBufferFull
	}
	pos := entry.Position()
	if s.accepted {
		if !pos.Follows(s.lastOffered) {
			return OfferNotConsecutive
		}
	} else if pos != s.segment.Begin() && !(pos.LedgerID > s.segment.Begin().LedgerID && pos.EntryID == 0) {
		return OfferNotConsecutive
	}
	newLedger := !s.accepted || pos.LedgerID != s.lastOffered.LedgerID
	if newLedger && s.cfg.MaxSegmentLedgers > 0 && s.ledgers >= s.cfg.MaxSegmentLedgers {
		s.startClosingLocked(ReasonLedger)
		return OfferSegmentClosed
	}

	s.queue.Push(entry.Retain())
	s.lastOffered = pos
	s.accepted = true
	if newLedger {
		s.ledgers++
	}
	s.segmentBytes += size
	if s.segmentBytes >= s.cfg.MaxSegmentSize {
		s.startClosingLocked(ReasonSize)
	}
	s.signal()
	return OfferSuccess
}

// LastOffered returns the last accepted position, or the segment begin if
// nothing was accepted yet.
func (s *Session) LastOffered() Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastOffered
}

// Complete signals that upstream has no more entries for this segment.
// It is a no-op unless the session is open.
func (s *Session) Complete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateOpen {
		s.startClosingLocked(ReasonComplete)
	}
}

// Abort stops the session, releases every queued entry and rejects the
// result with ErrSessionAborted. It blocks until the drainer has exited and
// has no effect on a session that already resolved.
func (s *Session) Abort() {
	s.cancel()
	<-s.drained
}

// Done is closed once the result is resolved or rejected.
func (s *Session) Done() <-chan struct{} { return s.done }

// Result waits for the session to resolve. It returns ctx.Err() if ctx ends first.
func (s *Session) Result(ctx context.Context) (OffloadResult, error) {
	select {
	case <-s.done:
		return s.result, s.err
	case <-ctx.Done():
		return OffloadResult{}, ctx.Err()
	}
}

func (s *Session) startClosingLocked(reason string) {
	if s.state != StateOpen {
		return
	}
	s.state = StateClosing
	s.reason = reason
	s.logger.Debug("offload segment closing", "reason", reason, "last_offered", s.lastOffered.String())
	s.signal()
}

func (s *Session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// checkAge closes a non-empty segment that outlived MaxSegmentDuration.
func (s *Session) checkAge() {
	if s.cfg.MaxSegmentDuration <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateOpen && s.accepted && time.Since(s.segment.BeganAt()) >= s.cfg.MaxSegmentDuration {
		s.startClosingLocked(ReasonTime)
	}
}

func (s *Session) run(ctx context.Context) {
	defer close(s.drained)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.fail(ErrSessionAborted)
			return
		case <-s.wake:
		case <-ticker.C:
		}
		s.checkAge()
		closing := s.State() == StateClosing
		if err := s.flush(ctx, closing); err != nil {
			if ctx.Err() != nil {
				err = ErrSessionAborted
			}
			s.fail(err)
			return
		}
		if closing {
			if err := s.finish(ctx); err != nil {
				if ctx.Err() != nil {
					err = ErrSessionAborted
				}
				s.fail(err)
			}
			return
		}
	}
}

// flush writes every block that is ready. While open a block is ready once
// its ledger run fills a maximum block or ends at a ledger change; while
// closing everything queued is written.
func (s *Session) flush(ctx context.Context, closing bool) error {
	maxFrames := s.cfg.MaxBlockSize - BlockHeaderSize
	for {
		run, ok := s.queue.peekRun(maxFrames)
		if !ok {
			return nil
		}
		if !closing && !run.full && !run.boundary {
			return nil
		}
		size := BlockHeaderSize + run.frameBytes
		if run.count == 0 {
			// a single entry larger than a block gets a block of its own
			size = BlockHeaderSize + FrameHeaderSize + int64(s.queue.Peek().Length())
		}
		last := closing && !run.full && !run.boundary
		if !last && size < s.cfg.MinBlockSize {
			size = s.cfg.MinBlockSize
		}
		if run.count > 0 && size > s.cfg.MaxBlockSize {
			size = s.cfg.MaxBlockSize
		}
		if err := s.writeBlock(ctx, size, run.first); err != nil {
			return err
		}
	}
}

func (s *Session) writeBlock(ctx context.Context, size int64, first Position) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.partID++
	stream := NewBlockStream(size, s.queue, s.segment, first.LedgerID, first.EntryID)
	err := s.writer.WritePart(ctx, s.partID, stream, size)
	stream.Close()
	if err != nil {
		return fmt.Errorf("write part %d of %s: %w", s.partID, s.dataKey, err)
	}
	last, ok := stream.LastEntry()
	if !ok {
		return fmt.Errorf("part %d of %s: block for %s holds no entries", s.partID, s.dataKey, first)
	}
	ext, seen := s.extents[first.LedgerID]
	if !seen {
		ext = &ledgerExtent{first: first.EntryID}
		s.extents[first.LedgerID] = ext
		s.order = append(s.order, first.LedgerID)
	}
	ext.last = last.EntryID
	ext.bytes += stream.PayloadBytes()

	s.builder.AddBlock(first.LedgerID, first.EntryID, s.partID, s.offset)
	s.offset += size
	metrics.BlocksWrittenTotal.Inc()
	return nil
}

// finish seals the data object, persists the index and closes the segment.
func (s *Session) finish(ctx context.Context) error {
	s.mu.Lock()
	accepted, last, reason := s.accepted, s.lastOffered, s.reason
	s.mu.Unlock()
	if !accepted {
		return ErrSegmentEmpty
	}
	if err := s.writer.Seal(ctx); err != nil {
		return fmt.Errorf("seal %s: %w", s.dataKey, err)
	}
	s.sealed = true
	for _, ledgerID := range s.order {
		meta, err := s.ledgerMetadata(ctx, ledgerID)
		if err != nil {
			s.cleanup()
			return err
		}
		s.builder.AddLedgerMeta(ledgerID, meta)
	}
	idx, err := s.builder.
		WithDataObjectLength(s.offset).
		WithDataBlockHeaderLength(BlockHeaderSize).
		Build()
	if err != nil {
		s.cleanup()
		return fmt.Errorf("build index for %s: %w", s.dataKey, err)
	}
	body, err := idx.Bytes()
	if err != nil {
		s.cleanup()
		return fmt.Errorf("encode index for %s: %w", s.dataKey, err)
	}
	if err := s.store.PutObject(ctx, s.indexKey, body); err != nil {
		s.cleanup()
		return fmt.Errorf("put index %s: %w", s.indexKey, err)
	}
	if err := ctx.Err(); err != nil {
		s.cleanup()
		return err
	}

	s.segment.Close(last.LedgerID, last.EntryID)
	result, err := s.segment.Result()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.state = StateClosed
	s.result = result
	s.mu.Unlock()
	metrics.SessionsActive.Dec()
	metrics.SegmentsTotal.WithLabelValues(reason).Inc()
	metrics.SegmentBytes.Observe(float64(s.offset))
	s.logger.Info("offload segment closed",
		"begin", result.Begin().String(),
		"end", result.End().String(),
		"reason", reason,
		"bytes", s.offset,
		"parts", s.partID,
		"ledgers", len(s.order),
	)
	close(s.done)
	return nil
}

func (s *Session) ledgerMetadata(ctx context.Context, ledgerID int64) (index.LedgerMetadata, error) {
	ext := s.extents[ledgerID]
	meta := index.LedgerMetadata{LedgerID: ledgerID, CreatedAt: s.segment.BeganAt()}
	if s.cfg.MetadataSource != nil {
		src, err := s.cfg.MetadataSource.LedgerMetadata(ctx, ledgerID)
		if err != nil {
			return index.LedgerMetadata{}, fmt.Errorf("ledger %d metadata: %w", ledgerID, err)
		}
		meta = src
		meta.LedgerID = ledgerID
	}
	meta.LastEntryID = ext.last
	meta.Length = ext.bytes
	return meta, nil
}

// cleanup removes objects written by a session that will not resolve.
func (s *Session) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, key := range []string{s.dataKey, s.indexKey} {
		if err := s.store.DeleteObject(ctx, key); err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
			s.logger.Warn("offload cleanup failed", "key", key, "error", err)
		}
	}
}

// fail rejects the result, releases queued entries and abandons the upload.
func (s *Session) fail(err error) {
	s.mu.Lock()
	s.state = StateFailed
	s.err = err
	s.mu.Unlock()
	for _, e := range s.queue.Drain() {
		e.Release()
	}
	if !s.sealed {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if abortErr := s.writer.Abort(ctx); abortErr != nil {
			s.logger.Warn("abort data upload failed", "key", s.dataKey, "error", abortErr)
		}
		cancel()
	}
	metrics.SessionsActive.Dec()
	label := "failed"
	switch {
	case errors.Is(err, ErrSessionAborted):
		label = "aborted"
		s.logger.Info("offload session aborted")
	case errors.Is(err, ErrSegmentEmpty):
		label = "empty"
		s.logger.Debug("offload session completed without entries")
	default:
		s.logger.Error("offload session failed", "error", err)
	}
	metrics.SegmentsTotal.WithLabelValues(label).Inc()
	close(s.done)
}
