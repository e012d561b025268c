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

package repocache

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultExpireAfter is how long an entry with a zero use count lingers
// before a background sweep evicts it, matching spec.md §4.8's default.
const DefaultExpireAfter = time.Hour

// entry is one cached value plus its reference count and last-closed
// timestamp, used by the background eviction sweep.
type entry[V any] struct {
	value    V
	useCount atomic.Int32

	mu         sync.Mutex
	lastClosed time.Time
}

// Cache is a process-wide Key→V map with reference-count semantics: Open
// increments a shared entry's use count (opening it on first reference),
// Close decrements it, and entries that reach zero use are evicted by a
// background sweep once they've sat idle past expireAfter.
//
// Concurrent Open calls for the same not-yet-cached key collapse into a
// single call to open, via a singleflight.Group — "a single monitor per
// key for the open-or-create race," per spec.md §5.
type Cache[V any] struct {
	open        func(gitDir string) (V, error)
	closeValue  func(V) error
	expireAfter time.Duration

	mu      sync.Mutex
	entries map[Key]*entry[V]
	group   singleflight.Group

	stop chan struct{}
	once sync.Once
}

// NewCache returns a Cache that opens values with open and, when an entry
// is evicted, releases them with closeValue (which may be nil if V needs
// no explicit teardown). expireAfter <= 0 selects DefaultExpireAfter.
// NewCache starts a background goroutine; call Stop to release it.
func NewCache[V any](open func(gitDir string) (V, error), closeValue func(V) error, expireAfter time.Duration) *Cache[V] {
	if expireAfter <= 0 {
		expireAfter = DefaultExpireAfter
	}
	c := &Cache[V]{
		open:        open,
		closeValue:  closeValue,
		expireAfter: expireAfter,
		entries:     make(map[Key]*entry[V]),
		stop:        make(chan struct{}),
	}
	go c.evictLoop()
	return c
}

// Open returns the cached value for key, opening it if this is the first
// reference, and increments its use count. The caller must call Close
// exactly once per successful Open.
func (c *Cache[V]) Open(key Key) (V, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.mu.Unlock()
		e.useCount.Add(1)
		return e.value, nil
	}
	c.mu.Unlock()

	result, err, _ := c.group.Do(string(key), func() (interface{}, error) {
		c.mu.Lock()
		if e, ok := c.entries[key]; ok {
			c.mu.Unlock()
			return e, nil
		}
		c.mu.Unlock()

		val, err := c.open(string(key))
		if err != nil {
			return nil, err
		}
		e := &entry[V]{value: val}
		c.mu.Lock()
		c.entries[key] = e
		c.mu.Unlock()
		return e, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	e := result.(*entry[V])
	e.useCount.Add(1)
	return e.value, nil
}

// Close decrements key's use count. Once it reaches zero the entry becomes
// eligible for eviction after expireAfter of continued idleness; Close
// itself never closes the value synchronously.
func (c *Cache[V]) Close(key Key) {
	c.mu.Lock()
	e, ok := c.entries[key]
	c.mu.Unlock()
	if !ok {
		return
	}
	if e.useCount.Add(-1) <= 0 {
		e.mu.Lock()
		e.lastClosed = time.Now()
		e.mu.Unlock()
	}
}

// Len reports the number of entries currently cached, used and unused.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache[V]) evictLoop() {
	t := time.NewTicker(c.expireAfter / 4)
	defer t.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-t.C:
			c.evictExpired(time.Now())
		}
	}
}

func (c *Cache[V]) evictExpired(now time.Time) {
	c.mu.Lock()
	var toClose []V
	for key, e := range c.entries {
		if e.useCount.Load() > 0 {
			continue
		}
		e.mu.Lock()
		expired := !e.lastClosed.IsZero() && now.Sub(e.lastClosed) >= c.expireAfter
		e.mu.Unlock()
		if expired {
			delete(c.entries, key)
			toClose = append(toClose, e.value)
		}
	}
	c.mu.Unlock()

	if c.closeValue != nil {
		for _, v := range toClose {
			c.closeValue(v)
		}
	}
}

// Stop halts the background eviction goroutine. It does not close any
// cached values. Stop is safe to call more than once.
func (c *Cache[V]) Stop() {
	c.once.Do(func() {
		close(c.stop)
	})
}
