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
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/novatechflow/tieredlog/pkg/cache"
	"github.com/novatechflow/tieredlog/pkg/metadata"
	"github.com/novatechflow/tieredlog/pkg/storage"
)

// Driver metadata keys written into every segment.
const (
	MetadataKeyDriver = "driver"
	MetadataKeyBucket = "bucket"
	MetadataKeyPrefix = "prefix"
)

// LedgerOffloader is the capability every offload driver provides.
type LedgerOffloader interface {
	DriverName() string
	DriverMetadata() map[string]string
	// ReadOffloaded opens ledgerID from the complete segments among segments.
	ReadOffloaded(ctx context.Context, ledgerID int64, segments []metadata.Segment) (*ReadHandle, error)
	// DeleteOffloaded removes the data and index objects of one segment.
	DeleteOffloaded(ctx context.Context, uid uuid.UUID, driverMetadata map[string]string) error
	Close() error
}

// StreamingOffloader is implemented by drivers that accept entries while
// the source ledger is still being written.
type StreamingOffloader interface {
	LedgerOffloader
	StreamingOffload(ctx context.Context, uid uuid.UUID, beginLedger, beginEntry int64, driverMetadata map[string]string, opts ...SessionOption) (*Session, error)
}

// AsStreaming returns the streaming capability of o, or ErrStreamingUnsupported.
func AsStreaming(o LedgerOffloader) (StreamingOffloader, error) {
	if s, ok := o.(StreamingOffloader); ok {
		return s, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrStreamingUnsupported, o.DriverName())
}

// SessionOption adjusts the configuration of a single session.
type SessionOption func(*SessionConfig)

// WithMetadataSource sets where ledger metadata for the index comes from.
func WithMetadataSource(src MetadataSource) SessionOption {
	return func(c *SessionConfig) { c.MetadataSource = src }
}

// WithMaxSegmentLedgers limits how many ledgers the segment may span.
func WithMaxSegmentLedgers(n int) SessionOption {
	return func(c *SessionConfig) { c.MaxSegmentLedgers = n }
}

// WithMaxSegmentSize overrides the segment size limit.
func WithMaxSegmentSize(n int64) SessionOption {
	return func(c *SessionConfig) { c.MaxSegmentSize = n }
}

// DataKey returns the data object key of segment uid.
func DataKey(prefix string, uid uuid.UUID) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return uid.String()
	}
	return prefix + "/" + uid.String()
}

// IndexKey returns the index object key of segment uid.
func IndexKey(prefix string, uid uuid.UUID) string {
	return DataKey(prefix, uid) + "-index"
}

// BlobOffloaderConfig configures NewBlobOffloader.
type BlobOffloaderConfig struct {
	Store storage.BlobStore
	// Driver names the backend, e.g. "aws-s3", "filesystem" or "memory".
	Driver    string
	Bucket    string
	KeyPrefix string
	Session   SessionConfig
	// Cache holds data blocks fetched by readers. Nil disables caching.
	Cache *cache.BlockCache
	// ReadConcurrency bounds parallel index loads in ReadOffloaded.
	ReadConcurrency int
	Logger          *slog.Logger
}

// BlobOffloader offloads segments to a BlobStore and reads them back.
type BlobOffloader struct {
	cfg    BlobOffloaderConfig
	logger *slog.Logger

	mu       sync.Mutex
	closed   bool
	sessions map[uuid.UUID]*Session
}

// NewBlobOffloader validates cfg and returns a streaming capable offloader.
func NewBlobOffloader(cfg BlobOffloaderConfig) (*BlobOffloader, error) {
	if cfg.Store == nil {
		return nil, errors.New("offloader: blob store required")
	}
	if cfg.Driver == "" {
		cfg.Driver = "blob"
	}
	if cfg.ReadConcurrency <= 0 {
		cfg.ReadConcurrency = 4
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Session.Logger == nil {
		cfg.Session.Logger = logger
	}
	return &BlobOffloader{
		cfg:      cfg,
		logger:   logger.With("driver", cfg.Driver),
		sessions: make(map[uuid.UUID]*Session),
	}, nil
}

func (o *BlobOffloader) DriverName() string { return o.cfg.Driver }

// DriverMetadata describes where this offloader writes objects.
func (o *BlobOffloader) DriverMetadata() map[string]string {
	md := map[string]string{
		MetadataKeyDriver: o.cfg.Driver,
		MetadataKeyPrefix: o.cfg.KeyPrefix,
	}
	if o.cfg.Bucket != "" {
		md[MetadataKeyBucket] = o.cfg.Bucket
	}
	return md
}

// StreamingOffload opens a session for segment uid starting at
// (beginLedger, beginEntry). A live session with the same uid is aborted first.
func (o *BlobOffloader) StreamingOffload(ctx context.Context, uid uuid.UUID, beginLedger, beginEntry int64, driverMetadata map[string]string, opts ...SessionOption) (*Session, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrClosed
	}
	prev := o.sessions[uid]
	o.mu.Unlock()
	if prev != nil {
		o.logger.Warn("superseding live offload session", "uid", uid.String())
		prev.Abort()
	}

	md := o.DriverMetadata()
	for k, v := range driverMetadata {
		md[k] = v
	}
	cfg := o.cfg.Session
	for _, opt := range opts {
		opt(&cfg)
	}
	segment := NewSegmentInfo(uid, beginLedger, beginEntry, o.cfg.Driver, md)
	sess, err := openSession(ctx, cfg, o.cfg.Store, segment, DataKey(o.cfg.KeyPrefix, uid), IndexKey(o.cfg.KeyPrefix, uid))
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		sess.Abort()
		return nil, ErrClosed
	}
	o.sessions[uid] = sess
	o.mu.Unlock()
	go func() {
		<-sess.Done()
		o.mu.Lock()
		if o.sessions[uid] == sess {
			delete(o.sessions, uid)
		}
		o.mu.Unlock()
	}()
	return sess, nil
}

// ReadOffloaded implements LedgerOffloader.
func (o *BlobOffloader) ReadOffloaded(ctx context.Context, ledgerID int64, segments []metadata.Segment) (*ReadHandle, error) {
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	return openReadHandle(ctx, readConfig{
		store:       o.cfg.Store,
		cache:       o.cfg.Cache,
		logger:      o.logger,
		concurrency: o.cfg.ReadConcurrency,
		keyPrefix:   o.cfg.KeyPrefix,
	}, ledgerID, segments)
}

// DeleteOffloaded implements LedgerOffloader. Missing objects are not an error.
func (o *BlobOffloader) DeleteOffloaded(ctx context.Context, uid uuid.UUID, driverMetadata map[string]string) error {
	prefix := o.cfg.KeyPrefix
	if p, ok := driverMetadata[MetadataKeyPrefix]; ok {
		prefix = p
	}
	dataKey := DataKey(prefix, uid)
	var errs []error
	for _, key := range []string{dataKey, IndexKey(prefix, uid)} {
		if err := o.cfg.Store.DeleteObject(ctx, key); err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
			errs = append(errs, fmt.Errorf("delete %s: %w", key, err))
		}
	}
	if o.cfg.Cache != nil {
		o.cfg.Cache.Invalidate(dataKey)
	}
	return errors.Join(errs...)
}

// Close aborts live sessions and rejects new ones.
func (o *BlobOffloader) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	live := make([]*Session, 0, len(o.sessions))
	for _, s := range o.sessions {
		live = append(live, s)
	}
	o.mu.Unlock()
	for _, s := range live {
		s.Abort()
	}
	return nil
}
