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
	"bufio"
	"bytes"
	"crypto/sha1"
	"fmt"
	"hash/crc32"
	"io"
	"sort"

	"scm.example.com/git/objdb/githash"
	"scm.example.com/git/objdb/object"
)

// BuildIndex derives an Index for a pack that was deposited into
// objects/pack/ without a companion .idx file, reading it with a Reader and
// resolving any delta chains it contains. The pack must be self-contained:
// every OffsetDelta or RefDelta object's base must also be present in the
// same pack, which holds for any pack Git itself ever writes to disk (thin
// packs are only a wire-transfer format and are completed before storage).
// ra and size together give random access to the same bytes the sequential
// scan reads, needed to compute each object's CRC32 and the trailing
// packfile checksum.
func BuildIndex(ra io.ReaderAt, size int64) (*Index, error) {
	sec := io.NewSectionReader(ra, 0, size)
	pr := NewReader(bufio.NewReader(sec))

	type rawObject struct {
		typ        ObjectType
		baseOffset int64
		baseObject githash.SHA1
		data       []byte // compressed-object payload after inflation
	}
	objects := make(map[int64]*rawObject)
	var offsets []int64
	for {
		hdr, err := pr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("packfile: build index: %w", err)
		}
		data, err := io.ReadAll(pr)
		if err != nil {
			return nil, fmt.Errorf("packfile: build index: object at %d: %w", hdr.Offset, err)
		}
		objects[hdr.Offset] = &rawObject{typ: hdr.Type, baseOffset: hdr.BaseOffset, baseObject: hdr.BaseObject, data: data}
		offsets = append(offsets, hdr.Offset)
	}

	resolved := make(map[int64][]byte, len(offsets))
	types := make(map[int64]ObjectType, len(offsets))
	offsetToID := make(map[int64]githash.SHA1, len(offsets))
	idToOffset := make(map[githash.SHA1]int64, len(offsets))

	// offsets is already increasing, since Reader walks the pack forward;
	// a pack always writes a base before anything that deltas against it,
	// so one forward pass resolves every delta.
	for _, off := range offsets {
		obj := objects[off]
		var payload []byte
		var typ ObjectType
		switch obj.typ {
		case Commit, Tree, Blob, Tag:
			payload, typ = obj.data, obj.typ
		case OffsetDelta, RefDelta:
			baseOffset := obj.baseOffset
			if obj.typ == RefDelta {
				bo, ok := idToOffset[obj.baseObject]
				if !ok {
					return nil, fmt.Errorf("packfile: build index: ref-delta at %d: base %v not found in pack", off, obj.baseObject)
				}
				baseOffset = bo
			}
			basePayload, ok := resolved[baseOffset]
			if !ok {
				return nil, fmt.Errorf("packfile: build index: delta at %d: base at %d not yet resolved", off, baseOffset)
			}
			dr := NewDeltaReader(bytes.NewReader(basePayload), bufio.NewReader(bytes.NewReader(obj.data)))
			n, err := dr.Size()
			if err != nil {
				return nil, fmt.Errorf("packfile: build index: delta at %d: %w", off, err)
			}
			payload = make([]byte, n)
			if _, err := io.ReadFull(dr, payload); err != nil {
				return nil, fmt.Errorf("packfile: build index: delta at %d: %w: %v", off, ErrCorruptObject, err)
			}
			typ = types[baseOffset]
		default:
			return nil, fmt.Errorf("packfile: build index: object at %d: %w: unknown type %v", off, ErrCorruptObject, obj.typ)
		}
		resolved[off] = payload
		types[off] = typ

		objType, ok := nonDeltaType(typ)
		if !ok {
			return nil, fmt.Errorf("packfile: build index: object at %d: %w: unresolved type", off, ErrCorruptObject)
		}
		id := sha1Sum(objType, payload)
		offsetToID[off] = id
		idToOffset[id] = off
	}

	idx := &Index{
		ObjectIDs:       make([]githash.SHA1, len(offsets)),
		Offsets:         append([]int64(nil), offsets...),
		PackedChecksums: make([]uint32, len(offsets)),
	}
	for i, off := range offsets {
		idx.ObjectIDs[i] = offsetToID[off]
		checksum, err := crc32Span(ra, size, offsets, i)
		if err != nil {
			return nil, fmt.Errorf("packfile: build index: %w", err)
		}
		idx.PackedChecksums[i] = checksum
	}
	if _, err := ra.ReadAt(idx.PackfileSHA1[:], size-githash.SHA1Size); err != nil {
		return nil, fmt.Errorf("packfile: build index: read trailer: %w", err)
	}
	// EncodeV2 and the fan-out table both require ascending object-ID order;
	// the scan above built these slices in on-disk (offset) order.
	sort.Sort(idx)
	return idx, nil
}

// crc32Span computes the CRC32 of the on-disk (compressed) bytes for the
// object whose header starts at offsets[i], which runs up to the start of
// the next object or, for the last object, up to the trailing checksum.
func crc32Span(ra io.ReaderAt, size int64, offsets []int64, i int) (uint32, error) {
	start := offsets[i]
	end := size - githash.SHA1Size
	if i+1 < len(offsets) {
		end = offsets[i+1]
	}
	span := make([]byte, end-start)
	if _, err := ra.ReadAt(span, start); err != nil {
		return 0, fmt.Errorf("read object span at %d: %w", start, err)
	}
	return crc32.ChecksumIEEE(span), nil
}

func sha1Sum(typ object.Type, payload []byte) githash.SHA1 {
	h := sha1.New()
	h.Write(object.AppendPrefix(nil, typ, int64(len(payload))))
	h.Write(payload)
	var sum githash.SHA1
	h.Sum(sum[:0])
	return sum
}
