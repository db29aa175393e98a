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

	"github.com/cockroachdb/pebble"
)

// PebbleStore keeps segment records in a local pebble database using the
// same key layout as EtcdStore.
type PebbleStore struct {
	db     *pebble.DB
	prefix string
}

// OpenPebbleStore opens or creates the database in dir.
func OpenPebbleStore(dir string) (*PebbleStore, error) {
	if dir == "" {
		return nil, errors.New("pebble dir required")
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	return &PebbleStore{db: db, prefix: DefaultKeyPrefix}, nil
}

// PutSegment implements Store.PutSegment.
func (s *PebbleStore) PutSegment(ctx context.Context, seg Segment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := EncodeSegment(seg)
	if err != nil {
		return err
	}
	b := s.db.NewBatch()
	defer b.Close()
	prev, err := s.getSegment(seg.UID)
	switch {
	case err == nil:
		for _, id := range prev.ledgerIDs() {
			if err := b.Delete([]byte(LedgerSegmentKey(s.prefix, id, seg.UID)), nil); err != nil {
				return err
			}
		}
	case errors.Is(err, ErrSegmentNotFound):
	default:
		return err
	}
	if err := b.Set([]byte(SegmentKey(s.prefix, seg.UID)), payload, nil); err != nil {
		return err
	}
	for _, id := range seg.ledgerIDs() {
		if err := b.Set([]byte(LedgerSegmentKey(s.prefix, id, seg.UID)), []byte(seg.UID), nil); err != nil {
			return err
		}
	}
	return b.Commit(pebble.Sync)
}

// GetSegment implements Store.GetSegment.
func (s *PebbleStore) GetSegment(ctx context.Context, uid string) (Segment, error) {
	if err := ctx.Err(); err != nil {
		return Segment{}, err
	}
	return s.getSegment(uid)
}

func (s *PebbleStore) getSegment(uid string) (Segment, error) {
	val, closer, err := s.db.Get([]byte(SegmentKey(s.prefix, uid)))
	if errors.Is(err, pebble.ErrNotFound) {
		return Segment{}, ErrSegmentNotFound
	}
	if err != nil {
		return Segment{}, err
	}
	defer closer.Close()
	return DecodeSegment(val)
}

// scan calls fn with every value stored under prefix.
func (s *PebbleStore) scan(prefix string, fn func(key, value []byte) error) error {
	lo := []byte(prefix)
	hi := append([]byte(prefix[:len(prefix)-1]), prefix[len(prefix)-1]+1)
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return err
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		if err := fn(it.Key(), it.Value()); err != nil {
			return err
		}
	}
	return it.Error()
}

// LedgerContext implements Store.LedgerContext.
func (s *PebbleStore) LedgerContext(ctx context.Context, ledgerID int64) (OffloadContext, error) {
	if err := ctx.Err(); err != nil {
		return OffloadContext{}, err
	}
	var uids []string
	err := s.scan(LedgerPrefix(s.prefix, ledgerID), func(_, value []byte) error {
		uids = append(uids, string(value))
		return nil
	})
	if err != nil {
		return OffloadContext{}, err
	}
	out := OffloadContext{LedgerID: ledgerID}
	for _, uid := range uids {
		seg, err := s.getSegment(uid)
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
func (s *PebbleStore) ListSegments(ctx context.Context) ([]Segment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Segment
	err := s.scan(SegmentsPrefix(s.prefix), func(key, value []byte) error {
		seg, err := DecodeSegment(value)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		out = append(out, seg)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortSegments(out)
	return out, nil
}

// DeleteSegment implements Store.DeleteSegment.
func (s *PebbleStore) DeleteSegment(ctx context.Context, uid string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	seg, err := s.getSegment(uid)
	if errors.Is(err, ErrSegmentNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete([]byte(SegmentKey(s.prefix, uid)), nil); err != nil {
		return err
	}
	for _, id := range seg.ledgerIDs() {
		if err := b.Delete([]byte(LedgerSegmentKey(s.prefix, id, uid)), nil); err != nil {
			return err
		}
	}
	return b.Commit(pebble.Sync)
}

// Close flushes and closes the database.
func (s *PebbleStore) Close() error {
	return s.db.Close()
}
