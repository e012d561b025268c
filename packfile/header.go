// Copyright 2020 The gg Authors
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
	"fmt"
	"io"
)

// ReadHeader parses a single object header at the given byte offset from r,
// leaving r positioned at the start of the object's zlib-compressed payload.
// offset is recorded in the returned Header and used to resolve OffsetDelta
// base references; it does not cause a seek.
func ReadHeader(offset int64, r ByteReader) (*Header, error) {
	return readObjectHeader(offset, r)
}

func readObjectHeader(offset int64, r ByteReader) (*Header, error) {
	hdr := &Header{Offset: offset}
	var err error
	hdr.Type, hdr.Size, err = readLengthType(r)
	if err != nil {
		return nil, fmt.Errorf("packfile: read object header at %d: %w", offset, err)
	}
	switch hdr.Type {
	case OffsetDelta:
		off, err := readOffset(r)
		if err != nil {
			return nil, fmt.Errorf("packfile: read object header at %d: %w", offset, err)
		}
		hdr.BaseOffset = offset + off
	case RefDelta:
		if _, err := io.ReadFull(r, hdr.BaseObject[:]); err != nil {
			return nil, fmt.Errorf("packfile: read object header at %d: read ref-delta base: %w", offset, err)
		}
	}
	return hdr, nil
}
