// Copyright 2021 The gg Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

package packfile

import (
	"container/list"
	"log/slog"
	"sync"
)

// deltaBaseKey identifies a reconstructed delta base by the pack it came
// from and the byte offset of its header within that pack.
type deltaBaseKey struct {
	pack   *PackFile
	offset int64
}

type deltaBaseEntry struct {
	key     deltaBaseKey
	typ     byte
	payload []byte
}

// deltaBaseCache is an LRU cache of reconstructed delta base object bytes,
// bounded by total byte size rather than entry count, matching the spec's
// "default 10 MiB" delta base cache. It is safe for concurrent use.
type deltaBaseCache struct {
	mu       sync.Mutex
	limit    int64
	size     int64
	ll       *list.List // front = most recently used
	elements map[deltaBaseKey]*list.Element
}

func newDeltaBaseCache(limit int64) *deltaBaseCache {
	return &deltaBaseCache{
		limit:    limit,
		ll:       list.New(),
		elements: make(map[deltaBaseKey]*list.Element),
	}
}

func (c *deltaBaseCache) get(key deltaBaseKey) (typ byte, payload []byte, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, found := c.elements[key]
	if !found {
		return 0, nil, false
	}
	c.ll.MoveToFront(elem)
	entry := elem.Value.(*deltaBaseEntry)
	return entry.typ, entry.payload, true
}

// add inserts payload into the cache, evicting least-recently-used entries
// until the cache is back under its byte limit. Entries larger than the
// limit on their own are not cached.
func (c *deltaBaseCache) add(key deltaBaseKey, typ byte, payload []byte) {
	if int64(len(payload)) > c.limit {
		slog.Debug("packfile: delta base too large to cache", "size", len(payload), "limit", c.limit)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, found := c.elements[key]; found {
		c.ll.MoveToFront(elem)
		old := elem.Value.(*deltaBaseEntry)
		c.size += int64(len(payload)) - int64(len(old.payload))
		old.payload = payload
		old.typ = typ
		c.evict()
		return
	}
	entry := &deltaBaseEntry{key: key, typ: typ, payload: payload}
	elem := c.ll.PushFront(entry)
	c.elements[key] = elem
	c.size += int64(len(payload))
	c.evict()
}

func (c *deltaBaseCache) evict() {
	for c.size > c.limit {
		back := c.ll.Back()
		if back == nil {
			return
		}
		entry := back.Value.(*deltaBaseEntry)
		c.ll.Remove(back)
		delete(c.elements, entry.key)
		c.size -= int64(len(entry.payload))
	}
}
