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

package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/novatechflow/tieredlog/pkg/index"
	"github.com/novatechflow/tieredlog/pkg/metrics"
	"github.com/novatechflow/tieredlog/pkg/offload"
)

// Custom metadata keys recorded for every ledger cut from a partition.
const (
	MetaTopic       = "kafka.topic"
	MetaPartition   = "kafka.partition"
	MetaFirstOffset = "kafka.first_offset"
	MetaLastOffset  = "kafka.last_offset"
)

// retainedLedgers bounds how many ledgers LedgerMetadata can answer for.
const retainedLedgers = 1024

// Fetcher is the part of *kgo.Client a KafkaSource polls.
type Fetcher interface {
	PollFetches(ctx context.Context) kgo.Fetches
}

// Appender receives the entry stream. *offload.Pipeline implements it.
type Appender interface {
	Append(ctx context.Context, entry *offload.Entry) error
}

// KafkaConfig selects the partition to consume and how it is cut into ledgers.
type KafkaConfig struct {
	Brokers   []string
	Topic     string
	Partition int32
	ClientID  string
	// StartOffset is the first offset to consume; negative starts at the log start.
	StartOffset int64
	// EntriesPerLedger closes a ledger after this many records.
	EntriesPerLedger int64
	FirstLedgerID    int64
	Logger           *slog.Logger
}

// NewKafkaClient builds a franz-go client consuming exactly cfg's partition.
func NewKafkaClient(cfg KafkaConfig) (*kgo.Client, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka topic required")
	}
	offset := kgo.NewOffset().AtStart()
	if cfg.StartOffset >= 0 {
		offset = kgo.NewOffset().At(cfg.StartOffset)
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{
			cfg.Topic: {cfg.Partition: offset},
		}),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return client, nil
}

type ledgerOffsets struct {
	first int64
	last  int64
	at    time.Time
}

// KafkaSource turns the records of one partition into a gap free entry
// stream: every EntriesPerLedger records start a new ledger.
type KafkaSource struct {
	cfg     KafkaConfig
	fetcher Fetcher
	out     Appender
	logger  *slog.Logger

	mu      sync.Mutex
	next    offload.Position
	ledgers map[int64]*ledgerOffsets
	order   []int64
}

// NewKafkaSource validates cfg. The fetcher is usually a client from NewKafkaClient.
func NewKafkaSource(cfg KafkaConfig, fetcher Fetcher, out Appender) (*KafkaSource, error) {
	if fetcher == nil || out == nil {
		return nil, errors.New("kafka source: fetcher and appender required")
	}
	if cfg.EntriesPerLedger <= 0 {
		return nil, fmt.Errorf("kafka source: entries per ledger must be positive, got %d", cfg.EntriesPerLedger)
	}
	if cfg.FirstLedgerID <= 0 {
		cfg.FirstLedgerID = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaSource{
		cfg:     cfg,
		fetcher: fetcher,
		out:     out,
		logger:  logger.With("topic", cfg.Topic, "partition", cfg.Partition),
		next:    offload.Position{LedgerID: cfg.FirstLedgerID},
		ledgers: make(map[int64]*ledgerOffsets),
	}, nil
}

// Next returns the position the next record will get.
func (s *KafkaSource) Next() offload.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Run polls until ctx ends or the client is closed. It returns the first
// error the appender reports.
func (s *KafkaSource) Run(ctx context.Context) error {
	for {
		fetches := s.fetcher.PollFetches(ctx)
		if ctx.Err() != nil || fetches.IsClientClosed() {
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			s.logger.Warn("kafka fetch error", "error", err)
		})
		iter := fetches.RecordIter()
		for !iter.Done() {
			if err := s.append(ctx, iter.Next()); err != nil {
				return err
			}
		}
	}
}

func (s *KafkaSource) append(ctx context.Context, rec *kgo.Record) error {
	pos := s.Next()
	entry := offload.NewEntry(pos.LedgerID, pos.EntryID, rec.Value)
	err := s.out.Append(ctx, entry)
	entry.Release()
	if err != nil {
		return fmt.Errorf("append offset %d as %s: %w", rec.Offset, pos, err)
	}
	metrics.SourceRecordsTotal.WithLabelValues(rec.Topic).Inc()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.track(pos.LedgerID, rec.Offset)
	if pos.EntryID+1 >= s.cfg.EntriesPerLedger {
		s.logger.Debug("ledger rolled", "ledger", pos.LedgerID, "last_offset", rec.Offset)
		s.next = offload.Position{LedgerID: pos.LedgerID + 1}
	} else {
		s.next = offload.Position{LedgerID: pos.LedgerID, EntryID: pos.EntryID + 1}
	}
	return nil
}

// track records offset under ledgerID. s.mu must be held.
func (s *KafkaSource) track(ledgerID, offset int64) {
	if l, ok := s.ledgers[ledgerID]; ok {
		l.last = offset
		return
	}
	s.ledgers[ledgerID] = &ledgerOffsets{first: offset, last: offset, at: time.Now()}
	s.order = append(s.order, ledgerID)
	if len(s.order) > retainedLedgers {
		delete(s.ledgers, s.order[0])
		s.order = s.order[1:]
	}
}

// LedgerMetadata implements offload.MetadataSource with the Kafka offsets
// a ledger was cut from.
func (s *KafkaSource) LedgerMetadata(_ context.Context, ledgerID int64) (index.LedgerMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.ledgers[ledgerID]
	if !ok {
		return index.LedgerMetadata{}, fmt.Errorf("ledger %d not produced by %s/%d", ledgerID, s.cfg.Topic, s.cfg.Partition)
	}
	return index.LedgerMetadata{
		LedgerID:        ledgerID,
		EnsembleSize:    1,
		WriteQuorumSize: 1,
		AckQuorumSize:   1,
		DigestType:      "NONE",
		Closed:          ledgerID < s.next.LedgerID,
		CreatedAt:       l.at,
		Custom: map[string][]byte{
			MetaTopic:       []byte(s.cfg.Topic),
			MetaPartition:   []byte(strconv.Itoa(int(s.cfg.Partition))),
			MetaFirstOffset: []byte(strconv.FormatInt(l.first, 10)),
			MetaLastOffset:  []byte(strconv.FormatInt(l.last, 10)),
		},
	}, nil
}
