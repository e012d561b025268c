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
	"fmt"
	"io"
)

// DeltaReconstructor walks a chain of OffsetDelta/RefDelta objects back to a
// whole object and replays the deltas forward, producing the final payload.
// It consults and populates a shared deltaBaseCache so that sibling deltas
// against the same base don't each re-walk the chain.
type DeltaReconstructor struct {
	pack   *PackFile
	cursor *WindowCursor
	base   *deltaBaseCache
}

// reconstruct resolves the object at offset to its whole (non-delta) type
// and payload.
func (r *DeltaReconstructor) reconstruct(offset int64) (ObjectType, []byte, error) {
	return r.resolve(offset, make(map[int64]struct{}))
}

// resolve is reconstruct's recursive step. visited records every offset
// already on the current walk's path; revisiting one means the pack encodes
// a delta cycle, which is corrupt by construction since a base must always
// appear before its dependents.
func (r *DeltaReconstructor) resolve(offset int64, visited map[int64]struct{}) (ObjectType, []byte, error) {
	key := deltaBaseKey{pack: r.pack, offset: offset}
	if typ, payload, ok := r.base.get(key); ok {
		return ObjectType(typ), payload, nil
	}
	if _, seen := visited[offset]; seen {
		return 0, nil, fmt.Errorf("packfile: delta chain at %d: %w: cycle detected", offset, ErrCorruptObject)
	}
	visited[offset] = struct{}{}

	hdr, payloadOffset, err := r.cursor.Header(r.pack, offset)
	if err != nil {
		return 0, nil, err
	}

	switch hdr.Type {
	case Commit, Tree, Blob, Tag:
		payload, err := r.cursor.Inflate(r.pack, payloadOffset, hdr.Size)
		if err != nil {
			return 0, nil, err
		}
		r.base.add(key, byte(hdr.Type), payload)
		return hdr.Type, payload, nil

	case OffsetDelta, RefDelta:
		var baseOffset int64
		if hdr.Type == OffsetDelta {
			baseOffset = hdr.BaseOffset
		} else {
			off, ok := r.pack.idx.Offset(hdr.BaseObject)
			if !ok {
				return 0, nil, fmt.Errorf("packfile: ref-delta base %v at %d: %w", hdr.BaseObject, offset, ErrMissingObject)
			}
			baseOffset = off
		}
		baseType, basePayload, err := r.resolve(baseOffset, visited)
		if err != nil {
			return 0, nil, err
		}

		deltaBytes, err := r.cursor.Inflate(r.pack, payloadOffset, hdr.Size)
		if err != nil {
			return 0, nil, err
		}
		dr := NewDeltaReader(bytes.NewReader(basePayload), bufio.NewReader(bytes.NewReader(deltaBytes)))
		size, err := dr.Size()
		if err != nil {
			return 0, nil, fmt.Errorf("packfile: apply delta at %d: %w", offset, err)
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(dr, payload); err != nil {
			return 0, nil, fmt.Errorf("packfile: apply delta at %d: %w: %v", offset, ErrCorruptObject, err)
		}
		r.base.add(key, byte(baseType), payload)
		return baseType, payload, nil

	default:
		return 0, nil, fmt.Errorf("packfile: object at %d: %w: unknown type %v", offset, ErrCorruptObject, hdr.Type)
	}
}
