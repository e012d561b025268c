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

package objectdb

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"scm.example.com/git/objdb/githash"
	"scm.example.com/git/objdb/packfile"
)

// CachedDirectory wraps a Directory with a snapshot of every loose object
// id present at construction time, held in a githash.ObjectIDMap for O(1)
// membership tests. It does not observe loose objects written after
// construction; callers that need to see fresher loose writes should use
// the wrapped Directory directly or rebuild the cache.
type CachedDirectory struct {
	dir   *Directory
	loose *githash.ObjectIDMap[githash.SHA1]
}

var _ Backend = (*CachedDirectory)(nil)

// NewCachedDirectory walks dir's loose object fan-out tree once, recording
// every id found, and returns a backend that answers loose-object
// membership queries without touching the filesystem.
func NewCachedDirectory(dir *Directory) (*CachedDirectory, error) {
	loose := githash.NewObjectIDMap[githash.SHA1]()
	entries, err := os.ReadDir(dir.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &CachedDirectory{dir: dir, loose: loose}, nil
		}
		return nil, err
	}
	for _, prefixEnt := range entries {
		name := prefixEnt.Name()
		if !prefixEnt.IsDir() || len(name) != 2 || !isHexByte(name) {
			continue
		}
		subEntries, err := os.ReadDir(filepath.Join(dir.path, name))
		if err != nil {
			continue
		}
		for _, sub := range subEntries {
			if sub.IsDir() || len(sub.Name()) != githash.SHA1Size*2-2 {
				continue
			}
			id, err := githash.ParseSHA1(name + sub.Name())
			if err != nil {
				continue
			}
			loose.Add(id)
		}
	}
	return &CachedDirectory{dir: dir, loose: loose}, nil
}

func isHexByte(s string) bool {
	_, err := hex.DecodeString(s)
	return err == nil
}

// HasObject reports whether id was loose at construction time or is
// currently found in one of the wrapped Directory's packs.
func (c *CachedDirectory) HasObject(id githash.SHA1) bool {
	if _, ok := c.loose.Get(id); ok {
		return true
	}
	_, ok := c.dir.findPack(id)
	return ok
}

// Open returns a loader for id, consulting the cached loose snapshot
// before falling back to the wrapped Directory's packs.
func (c *CachedDirectory) Open(id githash.SHA1, cur *packfile.WindowCursor) (packfile.ObjectLoader, error) {
	if _, ok := c.loose.Get(id); ok {
		if l, err := c.dir.openLoose(id); err == nil {
			return l, nil
		}
	}
	if pack, ok := c.dir.findPack(id); ok {
		return pack.Open(id, cur)
	}
	return nil, fmt.Errorf("objectdb: %v: %w", id, ErrMissingObject)
}

// OpenAll delegates to the wrapped Directory, since enumerating every copy
// of an object always needs a live pack scan regardless of the loose
// snapshot.
func (c *CachedDirectory) OpenAll(id githash.SHA1) ([]packfile.ObjectLoader, error) {
	return c.dir.OpenAll(id)
}
