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
	"fmt"
	"hash/maphash"
	"os"
	"sync"
	"sync/atomic"

	"github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"
)

// WindowCacheConfig holds the tunables for a WindowCache, sourced from the
// core.packedGit* and core.deltaBaseCacheLimit configuration keys.
type WindowCacheConfig struct {
	// PackedGitLimit is the soft cap, in bytes, on total resident window
	// memory across all packs sharing the cache.
	PackedGitLimit int64
	// PackedGitWindowSize is the window granularity. It must be a power of
	// two no smaller than 4096.
	PackedGitWindowSize int64
	// PackedGitOpenFiles is the soft cap on concurrently open pack file
	// descriptors.
	PackedGitOpenFiles int
	// PackedGitMMAP selects mmap (true) or pread into a heap buffer (false)
	// when a window is loaded.
	PackedGitMMAP bool
	// DeltaBaseCacheLimit is the byte cap for the delta base cache that
	// pairs with this WindowCache.
	DeltaBaseCacheLimit int64
}

// DefaultWindowCacheConfig returns the configuration Git itself defaults to
// when core.packedGit* keys are unset.
func DefaultWindowCacheConfig() WindowCacheConfig {
	return WindowCacheConfig{
		PackedGitLimit:      256 << 20,
		PackedGitWindowSize: 32 << 20,
		PackedGitOpenFiles:  64,
		PackedGitMMAP:       false,
		DeltaBaseCacheLimit: 10 << 20,
	}
}

// windowKey identifies a loaded window by the pack it belongs to and the
// aligned byte offset within that pack.
type windowKey struct {
	pack  *PackFile
	start int64
}

// Window is an immutable, shared view of PackedGitWindowSize bytes (or
// fewer, at the tail of a pack) of a pack's contents.
type Window struct {
	key  windowKey
	data []byte  // heap-backed contents, valid when mm == nil
	mm   mmap.MMap // mmap-backed contents, valid when non-nil

	refs int32 // live pins; protected by the owning stripe's mutex
}

// bytes returns the window's contents, regardless of backing store.
func (w *Window) bytes() []byte {
	if w.mm != nil {
		return w.mm
	}
	return w.data
}

// WindowCache amortises disk and mmap latency across readers sharing a set
// of pack files, per spec.md §4.4. The zero value is not usable; construct
// with NewWindowCache.
type WindowCache struct {
	cfg WindowCacheConfig

	lockCount int
	stripes   []windowStripe
	hashSeed  maphash.Seed

	openBytes atomic.Int64
	openFiles atomic.Int64

	deltaBaseOnce sync.Once
	deltaBases    *deltaBaseCache
}

// deltaBaseCache returns the delta base cache paired with this WindowCache,
// constructing it lazily from cfg.DeltaBaseCacheLimit on first use.
func (c *WindowCache) deltaBaseCache() *deltaBaseCache {
	c.deltaBaseOnce.Do(func() {
		c.deltaBases = newDeltaBaseCache(c.cfg.DeltaBaseCacheLimit)
	})
	return c.deltaBases
}

type windowStripe struct {
	mu      sync.Mutex
	buckets map[windowKey]*list.Element
	ll      *list.List
}

// listEntry is the payload of each stripe's LRU list element. A single
// shared list.List per stripe keeps eviction local to that stripe's lock,
// per spec.md §4.4's "localises contention to new loads on the same window".
type listEntry struct {
	window *Window
}

// NewWindowCache constructs a WindowCache from cfg, clamping PackedGitOpenFiles
// to at least 32 stripe locks as required by spec.md §4.4.
func NewWindowCache(cfg WindowCacheConfig) *WindowCache {
	lockCount := cfg.PackedGitOpenFiles
	if lockCount < 32 {
		lockCount = 32
	}
	c := &WindowCache{
		cfg:       cfg,
		lockCount: lockCount,
		stripes:   make([]windowStripe, lockCount),
		hashSeed:  maphash.MakeSeed(),
	}
	for i := range c.stripes {
		c.stripes[i].buckets = make(map[windowKey]*list.Element)
	}
	return c
}

func (c *WindowCache) stripeFor(key windowKey) *windowStripe {
	var h maphash.Hash
	h.SetSeed(c.hashSeed)
	fmt.Fprintf(&h, "%p:%d", key.pack, key.start)
	return &c.stripes[h.Sum64()%uint64(c.lockCount)]
}

// get returns the window covering offset in pack, loading it if necessary.
// The returned window has been pinned (refs incremented); callers must call
// unpin when done.
func (c *WindowCache) get(pack *PackFile, offset int64) (*Window, error) {
	windowSize := c.cfg.PackedGitWindowSize
	start := offset &^ (windowSize - 1)
	key := windowKey{pack: pack, start: start}
	stripe := c.stripeFor(key)

	stripe.mu.Lock()
	defer stripe.mu.Unlock()

	if elem, ok := stripe.buckets[key]; ok {
		c.lruList(stripe).MoveToFront(elem)
		entry := elem.Value.(*listEntry)
		entry.window.refs++
		return entry.window, nil
	}

	w, err := c.load(pack, start)
	if err != nil {
		return nil, err
	}
	w.refs = 1
	entry := &listEntry{window: w}
	elem := c.lruList(stripe).PushFront(entry)
	stripe.buckets[key] = elem
	c.openBytes.Add(int64(len(w.bytes())))
	c.evictUntilUnderLimits(stripe)
	return w, nil
}

// unpin releases a reference obtained from get.
func (c *WindowCache) unpin(w *Window) {
	stripe := c.stripeFor(w.key)
	stripe.mu.Lock()
	defer stripe.mu.Unlock()
	if w.refs > 0 {
		w.refs--
	}
}

func (c *WindowCache) lruList(s *windowStripe) *list.List {
	// Lazily attach a list to the stripe on first use; guarded by the
	// stripe's own lock, which callers already hold.
	if s.ll == nil {
		s.ll = list.New()
	}
	return s.ll
}

func (c *WindowCache) load(pack *PackFile, start int64) (*Window, error) {
	windowSize := c.cfg.PackedGitWindowSize
	length := windowSize
	if remaining := pack.size - start; remaining < length {
		length = remaining
	}
	if length <= 0 {
		return nil, fmt.Errorf("packfile: window at %d is past end of pack", start)
	}

	if pack.openWindows.Add(1) == 1 {
		f, err := os.Open(pack.path)
		if err != nil {
			pack.openWindows.Add(-1)
			return nil, fmt.Errorf("packfile: open %s: %w", pack.path, err)
		}
		pack.fileMu.Lock()
		pack.file = f
		pack.fileMu.Unlock()
		c.openFiles.Add(1)
	}

	w := &Window{key: windowKey{pack: pack, start: start}}
	if c.cfg.PackedGitMMAP {
		pack.fileMu.Lock()
		f := pack.file
		pack.fileMu.Unlock()
		m, err := mmap.MapRegion(f, int(length), mmap.RDONLY, 0, start)
		if err != nil {
			return nil, fmt.Errorf("packfile: mmap %s at %d: %w", pack.path, start, err)
		}
		w.mm = m
	} else {
		buf := make([]byte, length)
		pack.fileMu.Lock()
		fd := pack.file.Fd()
		pack.fileMu.Unlock()
		if _, err := unix.Pread(int(fd), buf, start); err != nil {
			return nil, fmt.Errorf("packfile: pread %s at %d: %w", pack.path, start, err)
		}
		w.data = buf
	}
	return w, nil
}

// evictUntilUnderLimits evicts least-recently-used, unpinned windows from
// stripe's list until the aggregate counters are back under the configured
// limits. Only entries in the stripe the caller already holds are
// considered, matching spec.md §4.4's per-stripe eviction sweep.
func (c *WindowCache) evictUntilUnderLimits(stripe *windowStripe) {
	ll := stripe.ll
	if ll == nil {
		return
	}
	for c.openFiles.Load() > int64(c.cfg.PackedGitOpenFiles) || c.openBytes.Load() > c.cfg.PackedGitLimit {
		elem := ll.Back()
		var evicted bool
		for elem != nil {
			entry := elem.Value.(*listEntry)
			if entry.window.refs == 0 {
				ll.Remove(elem)
				delete(stripe.buckets, entry.window.key)
				c.openBytes.Add(-int64(len(entry.window.bytes())))
				if entry.window.mm != nil {
					entry.window.mm.Unmap()
				}
				c.closeIfUnused(entry.window.key.pack)
				evicted = true
				break
			}
			elem = elem.Prev()
		}
		if !evicted {
			return
		}
	}
}

func (c *WindowCache) closeIfUnused(pack *PackFile) {
	if pack.openWindows.Add(-1) == 0 {
		pack.fileMu.Lock()
		if pack.file != nil {
			pack.file.Close()
			pack.file = nil
		}
		pack.fileMu.Unlock()
		c.openFiles.Add(-1)
	}
}
