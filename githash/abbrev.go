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
	"encoding/hex"
	"fmt"
)

// An AbbreviatedObjectId is a prefix of a SHA1, as found in short revision
// names like "a1b2c3d" or in abbreviated patch headers. It carries a nibble
// count n in [2, 40]; only the top n*4 bits of the underlying hash are
// significant.
type AbbreviatedObjectId struct {
	hash    SHA1
	nibbles int
}

// ParseAbbreviatedSHA1 parses a hex string of length between 2 and 40 as an
// abbreviated object id. Odd-length input is padded with a trailing zero
// nibble that PrefixCompare and Full both know to ignore.
func ParseAbbreviatedSHA1(s string) (AbbreviatedObjectId, error) {
	if len(s) < 2 || len(s) > SHA1Size*2 {
		return AbbreviatedObjectId{}, fmt.Errorf("parse abbreviated git hash %q: length out of range [2, %d]", s, SHA1Size*2)
	}
	padded := s
	if len(padded)%2 != 0 {
		padded += "0"
	}
	raw, err := hex.DecodeString(padded)
	if err != nil {
		return AbbreviatedObjectId{}, fmt.Errorf("parse abbreviated git hash %q: %w", s, err)
	}
	var h SHA1
	copy(h[:], raw)
	return AbbreviatedObjectId{hash: h, nibbles: len(s)}, nil
}

// IsHexID reports whether s is a syntactically valid (possibly abbreviated)
// hex object id: 4 to 40 hex digits. Git itself also accepts shorter
// prefixes down to 4 characters when disambiguating against a repository;
// the bare syntax check here mirrors that floor.
func IsHexID(s string) bool {
	if len(s) < 4 || len(s) > SHA1Size*2 {
		return false
	}
	for _, c := range s {
		switch {
		case '0' <= c && c <= '9', 'a' <= c && c <= 'f', 'A' <= c && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// Nibbles returns the number of significant hex digits a carries.
func (a AbbreviatedObjectId) Nibbles() int {
	return a.nibbles
}

// String returns the abbreviation's significant hex digits, lowercased.
func (a AbbreviatedObjectId) String() string {
	full := hex.EncodeToString(a.hash[:])
	return full[:a.nibbles]
}

// Full reports the abbreviation's underlying full hash and whether the
// abbreviation was actually unambiguous (all 40 nibbles present).
func (a AbbreviatedObjectId) Full() (SHA1, bool) {
	return a.hash, a.nibbles == SHA1Size*2
}

// PrefixCompare reports whether id's leading a.Nibbles() hex digits match a.
// Comparison is done nibble by nibble so an odd nibble count only checks the
// high nibble of the final compared byte.
func (a AbbreviatedObjectId) PrefixCompare(id SHA1) bool {
	fullBytes := a.nibbles / 2
	for i := 0; i < fullBytes; i++ {
		if a.hash[i] != id[i] {
			return false
		}
	}
	if a.nibbles%2 == 1 {
		if a.hash[fullBytes]&0xf0 != id[fullBytes]&0xf0 {
			return false
		}
	}
	return true
}
