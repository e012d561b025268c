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

package githash

import (
	"math/rand"
	"testing"
)

type mapEntry struct {
	id  SHA1
	tag int
}

func (e mapEntry) ObjectID() SHA1 { return e.id }

func TestObjectIDMapBasic(t *testing.T) {
	m := NewObjectIDMap[mapEntry]()
	var id1, id2 SHA1
	id1[0] = 0xaa
	id2[0] = 0xbb

	if _, ok := m.Get(id1); ok {
		t.Fatalf("Get(id1) on empty map found an entry")
	}

	got, added := m.AddIfAbsent(mapEntry{id: id1, tag: 1})
	if !added || got.tag != 1 {
		t.Fatalf("AddIfAbsent(id1, 1) = %+v, %v; want {id1 1}, true", got, added)
	}
	got, added = m.AddIfAbsent(mapEntry{id: id1, tag: 2})
	if added || got.tag != 1 {
		t.Fatalf("AddIfAbsent(id1, 2) = %+v, %v; want {id1 1}, false", got, added)
	}

	m.Add(mapEntry{id: id2, tag: 3})
	if got, ok := m.Get(id2); !ok || got.tag != 3 {
		t.Fatalf("Get(id2) = %+v, %v; want {id2 3}, true", got, ok)
	}
	if m.Len() != 2 {
		t.Errorf("Len() = %d; want 2", m.Len())
	}

	m.Add(mapEntry{id: id1, tag: 99})
	if got, ok := m.Get(id1); !ok || got.tag != 99 {
		t.Errorf("Get(id1) after overwrite = %+v, %v; want {id1 99}, true", got, ok)
	}
	if m.Len() != 2 {
		t.Errorf("Len() after overwrite = %d; want 2", m.Len())
	}
}

// TestObjectIDMapManyEntries exercises segment growth with 10,000 random
// ids, matching spec.md's end-to-end scenario E4: every present id must be
// found, every absent id must not, and iteration must yield exactly the
// entries added.
func TestObjectIDMapManyEntries(t *testing.T) {
	const n = 10000
	rng := rand.New(rand.NewSource(1))
	ids := make([]SHA1, n)
	seen := make(map[SHA1]bool, n)
	m := NewObjectIDMap[mapEntry]()
	for i := 0; i < n; i++ {
		var id SHA1
		for {
			rng.Read(id[:])
			if !seen[id] {
				break
			}
		}
		seen[id] = true
		ids[i] = id
		m.Add(mapEntry{id: id, tag: i})
	}

	for i, id := range ids {
		got, ok := m.Get(id)
		if !ok {
			t.Fatalf("Get(ids[%d]) not found", i)
		}
		if got.tag != i {
			t.Errorf("Get(ids[%d]).tag = %d; want %d", i, got.tag, i)
		}
	}

	for i := 0; i < 1000; i++ {
		var absent SHA1
		rng.Read(absent[:])
		if seen[absent] {
			continue
		}
		if _, ok := m.Get(absent); ok {
			t.Errorf("Get(absent id) found an entry; want none")
		}
	}

	if got := m.Len(); got != n {
		t.Errorf("Len() = %d; want %d", got, n)
	}
	count := 0
	rangeSeen := make(map[SHA1]bool, n)
	m.Range(func(e mapEntry) bool {
		count++
		if rangeSeen[e.id] {
			t.Errorf("Range visited id %x twice", e.id)
		}
		rangeSeen[e.id] = true
		return true
	})
	if count != n {
		t.Errorf("Range visited %d entries; want %d", count, n)
	}
}
