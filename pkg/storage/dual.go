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

package storage

import (
	"context"
)

// dualStore writes to the primary bucket and serves reads from a replica,
// falling back to the primary when the replica misses or fails.
type dualStore struct {
	write BlobStore
	read  BlobStore
}

// NewDualStore pairs a primary store with a read replica.
func NewDualStore(writeStore, readStore BlobStore) BlobStore {
	return &dualStore{
		write: writeStore,
		read:  readStore,
	}
}

func (d *dualStore) NewWriter(ctx context.Context, key string) (BlobWriter, error) {
	return d.write.NewWriter(ctx, key)
}

func (d *dualStore) PutObject(ctx context.Context, key string, body []byte) error {
	return d.write.PutObject(ctx, key, body)
}

func (d *dualStore) ReadRange(ctx context.Context, key string, rng *ByteRange) ([]byte, error) {
	data, err := d.read.ReadRange(ctx, key, rng)
	if err == nil {
		return data, nil
	}
	return d.write.ReadRange(ctx, key, rng)
}

func (d *dualStore) HeadObject(ctx context.Context, key string) (BlobObject, error) {
	obj, err := d.read.HeadObject(ctx, key)
	if err == nil {
		return obj, nil
	}
	return d.write.HeadObject(ctx, key)
}

// DeleteObject deletes from the primary only; replication owns the replica.
func (d *dualStore) DeleteObject(ctx context.Context, key string) error {
	return d.write.DeleteObject(ctx, key)
}

func (d *dualStore) ListObjects(ctx context.Context, prefix string) ([]BlobObject, error) {
	return d.write.ListObjects(ctx, prefix)
}

func (d *dualStore) EnsureBucket(ctx context.Context) error {
	return d.write.EnsureBucket(ctx)
}
