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
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdStoreConfig defines how we connect to etcd for segment records.
type EtcdStoreConfig struct {
	Endpoints   []string
	Username    string
	Password    string
	DialTimeout time.Duration
	// KeyPrefix defaults to DefaultKeyPrefix.
	KeyPrefix string
}

// EtcdStore keeps segment records in etcd with one secondary key per
// covered ledger.
type EtcdStore struct {
	client *clientv3.Client
	prefix string
}

// NewEtcdStore initializes a store backed by etcd.
func NewEtcdStore(cfg EtcdStoreConfig) (*EtcdStore, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("etcd endpoints required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connect etcd: %w", err)
	}
	return &EtcdStore{client: cli, prefix: cfg.KeyPrefix}, nil
}

// PutSegment writes the record and its ledger keys in one transaction,
// dropping ledger keys of a previous version of the record.
func (s *EtcdStore) PutSegment(ctx context.Context, seg Segment) error {
	payload, err := EncodeSegment(seg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var ops []clientv3.Op
	prev, err := s.getSegment(ctx, seg.UID)
	switch {
	case err == nil:
		for _, id := range prev.ledgerIDs() {
			ops = append(ops, clientv3.OpDelete(LedgerSegmentKey(s.prefix, id, seg.UID)))
		}
	case errors.Is(err, ErrSegmentNotFound):
	default:
		return err
	}
	ops = append(ops, clientv3.OpPut(SegmentKey(s.prefix, seg.UID), string(payload)))
	for _, id := range seg.ledgerIDs() {
		ops = append(ops, clientv3.OpPut(LedgerSegmentKey(s.prefix, id, seg.UID), seg.UID))
	}
	_, err = s.client.Txn(ctx).Then(ops...).Commit()
	return err
}

// GetSegment implements Store.GetSegment.
func (s *EtcdStore) GetSegment(ctx context.Context, uid string) (Segment, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return s.getSegment(ctx, uid)
}

func (s *EtcdStore) getSegment(ctx context.Context, uid string) (Segment, error) {
	resp, err := s.client.Get(ctx, SegmentKey(s.prefix, uid))
	if err != nil {
		return Segment{}, err
	}
	if len(resp.Kvs) == 0 {
		return Segment{}, ErrSegmentNotFound
	}
	return DecodeSegment(resp.Kvs[0].Value)
}

// LedgerContext implements Store.LedgerContext.
func (s *EtcdStore) LedgerContext(ctx context.Context, ledgerID int64) (OffloadContext, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	resp, err := s.client.Get(ctx, LedgerPrefix(s.prefix, ledgerID), clientv3.WithPrefix())
	if err != nil {
		return OffloadContext{}, err
	}
	out := OffloadContext{LedgerID: ledgerID}
	for _, kv := range resp.Kvs {
		seg, err := s.getSegment(ctx, string(kv.Value))
		if errors.Is(err, ErrSegmentNotFound) {
			continue
		}
		if err != nil {
			return OffloadContext{}, err
		}
		if seg.Complete {
			out.Segments = append(out.Segments, seg)
		}
	}
	sortSegments(out.Segments)
	return out, nil
}

// ListSegments implements Store.ListSegments.
func (s *EtcdStore) ListSegments(ctx context.Context) ([]Segment, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	resp, err := s.client.Get(ctx, SegmentsPrefix(s.prefix), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	out := make([]Segment, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		seg, err := DecodeSegment(kv.Value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", kv.Key, err)
		}
		out = append(out, seg)
	}
	sortSegments(out)
	return out, nil
}

// DeleteSegment removes the record and its ledger keys.
func (s *EtcdStore) DeleteSegment(ctx context.Context, uid string) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	seg, err := s.getSegment(ctx, uid)
	if errors.Is(err, ErrSegmentNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	ops := []clientv3.Op{clientv3.OpDelete(SegmentKey(s.prefix, uid))}
	for _, id := range seg.ledgerIDs() {
		ops = append(ops, clientv3.OpDelete(LedgerSegmentKey(s.prefix, id, uid)))
	}
	_, err = s.client.Txn(ctx).Then(ops...).Commit()
	return err
}

// Close releases the etcd client.
func (s *EtcdStore) Close() error {
	return s.client.Close()
}
