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

package cache

import (
	"container/list"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// BlockCache is an LRU of data block bytes keyed by object key
// and block offset, bounded by total bytes.
type BlockCache struct {
	mu       sync.Mutex
	capacity int
	size     int
	ll       *list.List
	items    map[string]*list.Element

	loads singleflight.Group
}

type cacheEntry struct {
	key  string
	data []byte
}

// NewBlockCache creates a cache with capacity in bytes.
func NewBlockCache(capacityBytes int) *BlockCache {
	if capacityBytes <= 0 {
		capacityBytes = 1
	}
	return &BlockCache{
		capacity: capacityBytes,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
	}
}

func makeKey(object string, offset int64) string {
	return fmt.Sprintf("%s@%d", object, offset)
}

// Get returns cached block bytes if present. The slice must not be modified.
func (c *BlockCache) Get(object string, offset int64) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[makeKey(object, offset)]; ok {
		c.ll.MoveToFront(elem)
		return elem.Value.(*cacheEntry).data, true
	}
	return nil, false
}

// Set adds or replaces a block. Blocks larger than the capacity are not cached.
func (c *BlockCache) Set(object string, offset int64, data []byte) {
	if len(data) > c.capacity {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	key := makeKey(object, offset)
	if elem, ok := c.items[key]; ok {
		entry := elem.Value.(*cacheEntry)
		c.size -= len(entry.data)
		entry.data = append([]byte(nil), data...)
		c.size += len(entry.data)
		c.ll.MoveToFront(elem)
		c.evictIfNeeded()
		return
	}
	entry := &cacheEntry{
		key:  key,
		data: append([]byte(nil), data...),
	}
	c.items[key] = c.ll.PushFront(entry)
	c.size += len(entry.data)
	c.evictIfNeeded()
}

// GetOrLoad returns the cached block or calls load once for all concurrent
// callers asking for the same block. hit reports whether the cache served it.
func (c *BlockCache) GetOrLoad(object string, offset int64, load func() ([]byte, error)) (data []byte, hit bool, err error) {
	if data, ok := c.Get(object, offset); ok {
		return data, true, nil
	}
	v, err, _ := c.loads.Do(makeKey(object, offset), func() (interface{}, error) {
		if data, ok := c.Get(object, offset); ok {
			return data, nil
		}
		data, err := load()
		if err != nil {
			return nil, err
		}
		c.Set(object, offset, data)
		return data, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.([]byte), false, nil
}

// Invalidate drops every block of object.
func (c *BlockCache) Invalidate(object string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := object + "@"
	for key, elem := range c.items {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			c.ll.Remove(elem)
			c.size -= len(elem.Value.(*cacheEntry).data)
			delete(c.items, key)
		}
	}
}

// Size returns the cached byte count.
func (c *BlockCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

func (c *BlockCache) evictIfNeeded() {
	for c.size > c.capacity && c.ll.Len() > 0 {
		elem := c.ll.Back()
		entry := elem.Value.(*cacheEntry)
		delete(c.items, entry.key)
		c.ll.Remove(elem)
		c.size -= len(entry.data)
	}
}
