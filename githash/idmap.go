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
	"encoding/binary"
	"sync"
)

// An ObjectIDEntry is a value that can be stored in an ObjectIDMap: it knows
// its own object id.
type ObjectIDEntry interface {
	ObjectID() SHA1
}

const (
	idMapSegmentBits = 11
	idMapSegmentSize = 1 << idMapSegmentBits // 2048, per spec.md's segment size
	idMapMaxLoad     = 0.75
)

type idMapSlot[V ObjectIDEntry] struct {
	used bool
	val  V
}

// idMapSegment is a fixed-capacity open-addressed bucket array. Growing an
// ObjectIDMap never resizes a segment in place; grow doubles the directory
// and reinserts every existing entry into fresh segments, so one growth step
// costs time proportional to the whole map, not to one segment.
type idMapSegment[V ObjectIDEntry] struct {
	slots [idMapSegmentSize]idMapSlot[V]
	n     int
}

// idMapProbe returns the starting slot for id within a segment; collisions
// are resolved by linear probing from that slot.
func idMapProbe(id SHA1) int {
	h := binary.BigEndian.Uint32(id[4:8]) ^ binary.BigEndian.Uint32(id[8:12])
	return int(h % idMapSegmentSize)
}

func (s *idMapSegment[V]) find(id SHA1) (int, bool) {
	start := idMapProbe(id)
	for i := 0; i < idMapSegmentSize; i++ {
		pos := (start + i) % idMapSegmentSize
		slot := &s.slots[pos]
		if !slot.used {
			return pos, false
		}
		if slot.val.ObjectID() == id {
			return pos, true
		}
	}
	return -1, false
}

// insert stores v at the first free slot on its probe sequence. It assumes
// the segment is not already full and that v's id is not already present.
func (s *idMapSegment[V]) insert(v V) {
	start := idMapProbe(v.ObjectID())
	for i := 0; i < idMapSegmentSize; i++ {
		pos := (start + i) % idMapSegmentSize
		if !s.slots[pos].used {
			s.slots[pos] = idMapSlot[V]{used: true, val: v}
			s.n++
			return
		}
	}
}

// w1 returns the first 32-bit word of id, the natural hash key per
// spec.md §3 ("word w1 is the natural hash key").
func w1(id SHA1) uint32 {
	return binary.BigEndian.Uint32(id[:4])
}

// ObjectIDMap is a hash map keyed by SHA1 object id, specialized the way
// spec.md §4.1 describes: a directory of fixed-size segments, indexed by
// the low bits of w1 (w1 & mask). When an insert finds its segment at the
// load limit, the directory doubles and every entry is rehashed into new
// segments. It is safe for concurrent use.
type ObjectIDMap[V ObjectIDEntry] struct {
	mu   sync.Mutex
	dir  []*idMapSegment[V]
	mask uint32
	size int
}

// NewObjectIDMap returns an empty map with a single segment.
func NewObjectIDMap[V ObjectIDEntry]() *ObjectIDMap[V] {
	return &ObjectIDMap[V]{
		dir:  []*idMapSegment[V]{{}},
		mask: 0,
	}
}

func (m *ObjectIDMap[V]) segmentFor(id SHA1) *idMapSegment[V] {
	idx := w1(id) & m.mask
	return m.dir[idx]
}

// Get returns the stored entry for id, if any.
func (m *ObjectIDMap[V]) Get(id SHA1) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seg := m.segmentFor(id)
	if pos, found := seg.find(id); found {
		return seg.slots[pos].val, true
	}
	var zero V
	return zero, false
}

// Add stores v, overwriting any existing entry with the same id.
func (m *ObjectIDMap[V]) Add(v V) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(v, true)
}

// AddIfAbsent stores v unless an entry with the same id already exists, in
// which case the existing entry is returned unchanged. The boolean result
// reports whether v was the one stored.
func (m *ObjectIDMap[V]) AddIfAbsent(v V) (actual V, added bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := v.ObjectID()
	seg := m.segmentFor(id)
	if pos, found := seg.find(id); found {
		return seg.slots[pos].val, false
	}
	m.put(v, false)
	return v, true
}

// put is the shared insertion path for Add and AddIfAbsent, called with
// mu held. overwrite controls whether an existing entry with the same id
// is replaced.
func (m *ObjectIDMap[V]) put(v V, overwrite bool) {
	id := v.ObjectID()
	for {
		seg := m.segmentFor(id)
		if pos, found := seg.find(id); found {
			if overwrite {
				seg.slots[pos].val = v
			}
			return
		}
		if float64(seg.n) < idMapMaxLoad*idMapSegmentSize {
			seg.insert(v)
			m.size++
			return
		}
		m.grow()
	}
}

// grow doubles the directory (or starts it at 2 segments) and redistributes
// every existing entry into fresh segments. Called with mu held.
func (m *ObjectIDMap[V]) grow() {
	newLen := len(m.dir) * 2
	if newLen < 2 {
		newLen = 2
	}
	newDir := make([]*idMapSegment[V], newLen)
	for i := range newDir {
		newDir[i] = &idMapSegment[V]{}
	}
	oldDir := m.dir
	m.dir = newDir
	m.mask = uint32(newLen - 1)
	for _, seg := range oldDir {
		for i := range seg.slots {
			if seg.slots[i].used {
				v := seg.slots[i].val
				m.segmentFor(v.ObjectID()).insert(v)
			}
		}
	}
}

// Len returns the number of entries in the map.
func (m *ObjectIDMap[V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.size
}

// Range calls f for every entry in the map, in unspecified order. It stops
// early if f returns false. Range must not be called from inside f.
func (m *ObjectIDMap[V]) Range(f func(V) bool) {
	m.mu.Lock()
	dir := m.dir
	m.mu.Unlock()
	for _, seg := range dir {
		for i := range seg.slots {
			if seg.slots[i].used {
				if !f(seg.slots[i].val) {
					return
				}
			}
		}
	}
}
