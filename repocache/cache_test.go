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
	"testing"
	"time"
)

func TestCacheOpenCloseReuse(t *testing.T) {
	var opens atomic.Int32
	c := NewCache(func(key string) (int, error) {
		return int(opens.Add(1)), nil
	}, nil, time.Hour)
	defer c.Stop()

	key := NewKey("/repo/a")
	v1, err := c.Open(key)
	if err != nil {
		t.Fatal(err)
	}
	v2, err := c.Open(key)
	if err != nil {
		t.Fatal(err)
	}
	if v1 != v2 {
		t.Errorf("second Open returned a different value: %d vs %d", v1, v2)
	}
	if opens.Load() != 1 {
		t.Errorf("opens = %d; want 1 (second Open should reuse the cached entry)", opens.Load())
	}

	c.Close(key)
	c.Close(key)
	if opens.Load() != 1 {
		t.Errorf("opens after Close = %d; want 1", opens.Load())
	}
}

func TestCacheConcurrentOpenCollapses(t *testing.T) {
	var opens atomic.Int32
	block := make(chan struct{})
	c := NewCache(func(key string) (int, error) {
		<-block
		return int(opens.Add(1)), nil
	}, nil, time.Hour)
	defer c.Stop()

	key := NewKey("/repo/b")
	const n = 8
	var wg sync.WaitGroup
	results := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.Open(key)
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = v
		}(i)
	}
	close(block)
	wg.Wait()

	if got := opens.Load(); got != 1 {
		t.Errorf("opens = %d; want 1 (concurrent Opens for the same key should collapse)", got)
	}
	for i, v := range results {
		if v != 1 {
			t.Errorf("results[%d] = %d; want 1", i, v)
		}
	}
	if got := c.Len(); got != 1 {
		t.Errorf("Len() = %d; want 1", got)
	}
	for i := 0; i < n; i++ {
		c.Close(key)
	}
}

func TestCacheEvictsAfterExpiry(t *testing.T) {
	c := NewCache(func(key string) (int, error) {
		return 1, nil
	}, nil, time.Hour)
	defer c.Stop()

	key := NewKey("/repo/c")
	if _, err := c.Open(key); err != nil {
		t.Fatal(err)
	}
	c.Close(key)
	if got := c.Len(); got != 1 {
		t.Fatalf("Len() before sweep = %d; want 1", got)
	}
	c.evictExpired(time.Now().Add(2 * time.Hour))
	if got := c.Len(); got != 0 {
		t.Errorf("Len() after sweep = %d; want 0", got)
	}
}

func TestCacheKeepsInUseEntries(t *testing.T) {
	c := NewCache(func(key string) (int, error) {
		return 1, nil
	}, nil, time.Hour)
	defer c.Stop()

	key := NewKey("/repo/d")
	if _, err := c.Open(key); err != nil {
		t.Fatal(err)
	}
	// Never closed: use count stays above zero, so the sweep must not
	// evict it no matter how far in the future it runs.
	c.evictExpired(time.Now().Add(24 * time.Hour))
	if got := c.Len(); got != 1 {
		t.Errorf("Len() = %d; want 1 (in-use entry must survive the sweep)", got)
	}
}

func TestFileKey(t *testing.T) {
	dir := t.TempDir()
	if _, err := FileKey(dir); err == nil {
		t.Errorf("FileKey(%s) succeeded for a directory with no .git; want error", dir)
	}
}
