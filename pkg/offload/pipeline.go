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

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/novatechflow/tieredlog/pkg/metadata"
)

// PipelineConfig configures NewPipeline.
type PipelineConfig struct {
	Offloader StreamingOffloader
	// Store receives one record per segment. Required.
	Store          metadata.Store
	DriverMetadata map[string]string
	Options        []SessionOption
	// OnSegment is called after a segment record was stored.
	OnSegment func(metadata.Segment)
	Logger    *slog.Logger
	// NewUID defaults to uuid.New.
	NewUID func() uuid.UUID
}

// Pipeline feeds a gap free entry stream into consecutive sessions. It opens
// a session at the first entry, rolls to a new session whenever the current
// one stops accepting entries, and records every finished segment in the
// metadata store.
type Pipeline struct {
	cfg    PipelineConfig
	logger *slog.Logger

	mu       sync.Mutex
	current  *Session
	sessions []*Session
	closed   bool
	last     Position
	started  bool

	finalizers errgroup.Group
}

// NewPipeline validates cfg.
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Offloader == nil {
		return nil, errors.New("pipeline: offloader required")
	}
	if cfg.Store == nil {
		return nil, errors.New("pipeline: metadata store required")
	}
	if cfg.NewUID == nil {
		cfg.NewUID = uuid.New
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{cfg: cfg, logger: logger}, nil
}

// Append offers entry to the current session, rolling over to a new one
// when needed. The caller keeps its own reference to entry.
func (p *Pipeline) Append(ctx context.Context, entry *Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	pos := entry.Position()
	if p.started && !pos.Follows(p.last) {
		return fmt.Errorf("%w: %s after %s", ErrNotConsecutive, pos, p.last)
	}
	for attempt := 0; attempt < 3; attempt++ {
		if p.current == nil {
			if err := p.openLocked(ctx, pos); err != nil {
				return err
			}
		}
		switch res := p.current.OfferEntry(entry); res {
		case OfferSuccess:
			p.last = pos
			p.started = true
			return nil
		case OfferNotConsecutive:
			return fmt.Errorf("%w: %s after %s", ErrNotConsecutive, pos, p.current.LastOffered())
		case OfferEntryTooLarge:
			return fmt.Errorf("%w: %s has %d bytes", ErrEntryTooLarge, pos, entry.Length())
		case OfferBufferFull:
			p.current.Complete()
			p.current = nil
		case OfferSegmentClosed:
			sess := p.current
			p.current = nil
			if sess.State() == StateFailed {
				_, err := sess.Result(ctx)
				p.started = false
				return fmt.Errorf("offload segment %s failed: %w", sess.Segment().UID(), err)
			}
		}
	}
	return fmt.Errorf("entry %s rejected by a fresh session", pos)
}

func (p *Pipeline) openLocked(ctx context.Context, begin Position) error {
	uid := p.cfg.NewUID()
	sess, err := p.cfg.Offloader.StreamingOffload(ctx, uid, begin.LedgerID, begin.EntryID, p.cfg.DriverMetadata, p.cfg.Options...)
	if err != nil {
		return fmt.Errorf("open offload session at %s: %w", begin, err)
	}
	seg := sess.Segment()
	pending := metadata.Segment{
		UID:            uid.String(),
		BeginLedger:    begin.LedgerID,
		BeginEntry:     begin.EntryID,
		EndLedger:      begin.LedgerID,
		EndEntry:       begin.EntryID,
		DriverName:     seg.DriverName(),
		DriverMetadata: seg.DriverMetadata(),
		AssignedAt:     seg.BeganAt(),
	}
	if err := p.cfg.Store.PutSegment(ctx, pending); err != nil {
		sess.Abort()
		return fmt.Errorf("record segment %s: %w", uid, err)
	}
	p.current = sess
	live := p.sessions[:0]
	for _, other := range p.sessions {
		select {
		case <-other.Done():
		default:
			live = append(live, other)
		}
	}
	p.sessions = append(live, sess)
	p.logger.Debug("offload segment opened", "uid", uid.String(), "begin", begin.String())
	p.finalizers.Go(func() error { return p.finalize(sess) })
	return nil
}

// finalize waits for sess and records its outcome.
func (p *Pipeline) finalize(sess *Session) error {
	res, err := sess.Result(context.Background())
	uid := sess.Segment().UID().String()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err != nil {
		if delErr := p.cfg.Store.DeleteSegment(ctx, uid); delErr != nil {
			p.logger.Warn("drop segment record failed", "uid", uid, "error", delErr)
		}
		if errors.Is(err, ErrSegmentEmpty) || errors.Is(err, ErrSessionAborted) {
			return nil
		}
		return fmt.Errorf("segment %s: %w", uid, err)
	}
	seg := sess.Segment()
	record := metadata.Segment{
		UID:            uid,
		BeginLedger:    res.BeginLedger,
		BeginEntry:     res.BeginEntry,
		EndLedger:      res.EndLedger,
		EndEntry:       res.EndEntry,
		Ledgers:        sess.Ledgers(),
		Complete:       true,
		DriverName:     seg.DriverName(),
		DriverMetadata: seg.DriverMetadata(),
		AssignedAt:     seg.BeganAt(),
		OffloadedAt:    seg.ClosedAt(),
		DataBytes:      sess.DataBytes(),
	}
	if err := p.cfg.Store.PutSegment(ctx, record); err != nil {
		return fmt.Errorf("record segment %s: %w", uid, err)
	}
	if p.cfg.OnSegment != nil {
		p.cfg.OnSegment(record)
	}
	return nil
}

// Close completes the current session and waits for every segment to be
// recorded. If ctx ends first all unfinished sessions are aborted.
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	cur := p.current
	p.current = nil
	sessions := p.sessions
	p.mu.Unlock()

	if cur != nil {
		cur.Complete()
	}
	done := make(chan error, 1)
	go func() { done <- p.finalizers.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		for _, sess := range sessions {
			sess.Abort()
		}
		<-done
		return ctx.Err()
	}
}
