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
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"scm.example.com/git/objdb/githash"
	"scm.example.com/git/objdb/packfile"
)

// Alternates returns the directory's alternate object databases, reading
// and resolving objects/info/alternates on first use. The result is an
// immutable snapshot; files written to info/alternates afterward are not
// observed, matching the teacher's "lazily loaded, immutable" contract for
// this kind of derived state.
func (d *Directory) Alternates() []*Directory {
	d.alternatesOnce.Do(func() {
		d.alternates, d.alternatesErr = d.loadAlternates()
	})
	return d.alternates
}

func (d *Directory) loadAlternates() ([]*Directory, error) {
	f, err := os.Open(filepath.Join(d.path, "info", "alternates"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("objectdb: read alternates: %w", err)
	}
	defer f.Close()

	var dirs []*Directory
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		p := line
		if !filepath.IsAbs(p) {
			p = filepath.Join(d.path, p)
		}
		alt, err := Open(p, d.cache, d.level)
		if err != nil {
			// An alternate that can't be opened (dangling reference,
			// permissions) is skipped rather than failing the whole
			// directory, the same way packfile scanning skips a bad pack.
			continue
		}
		dirs = append(dirs, alt)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("objectdb: read alternates: %w", err)
	}
	return dirs, nil
}

// canonicalPath resolves symlinks and cleans p, giving the identity used to
// break alternate cycles per spec.md §9's "path canonicalisation as the
// node identity" note. If resolution fails (e.g. the path no longer
// exists), the cleaned input path is used as a best-effort identity.
func canonicalPath(p string) string {
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		return filepath.Clean(resolved)
	}
	return filepath.Clean(p)
}

// alternateView performs a single top-level lookup across a Directory and
// its transitive alternates, tracking visited directory identities so a
// cycle (A references B, B references A) terminates instead of recursing
// forever.
type alternateView struct {
	visited map[string]bool
}

func newAlternateView() *alternateView {
	return &alternateView{visited: make(map[string]bool)}
}

// enter reports whether dir has already been visited on this lookup,
// marking it visited as a side effect.
func (v *alternateView) enter(dir *Directory) bool {
	key := canonicalPath(dir.Path())
	if v.visited[key] {
		return true
	}
	v.visited[key] = true
	return false
}

func (v *alternateView) hasObject(dir *Directory, id githash.SHA1) bool {
	if v.enter(dir) {
		return false
	}
	if dir.HasObject(id) {
		return true
	}
	for _, alt := range dir.Alternates() {
		if v.hasObject(alt, id) {
			return true
		}
	}
	return false
}

func (v *alternateView) open(dir *Directory, id githash.SHA1, cur *packfile.WindowCursor) (packfile.ObjectLoader, error) {
	if v.enter(dir) {
		return nil, fmt.Errorf("objectdb: %v: %w", id, ErrMissingObject)
	}
	if l, err := dir.Open(id, cur); err == nil {
		return l, nil
	}
	for _, alt := range dir.Alternates() {
		if l, err := v.open(alt, id, cur); err == nil {
			return l, nil
		}
	}
	return nil, fmt.Errorf("objectdb: %v: %w", id, ErrMissingObject)
}

func (v *alternateView) openAll(dir *Directory, id githash.SHA1, out *[]packfile.ObjectLoader) {
	if v.enter(dir) {
		return
	}
	if loaders, err := dir.OpenAll(id); err == nil {
		*out = append(*out, loaders...)
	}
	for _, alt := range dir.Alternates() {
		v.openAll(alt, id, out)
	}
}

// Composed is the full view of a primary Directory plus its transitive
// alternates, implementing Backend over the whole DAG with cycle
// protection. Use it instead of Directory directly whenever alternates
// should be consulted.
type Composed struct {
	root *Directory
}

var _ Backend = (*Composed)(nil)
var _ Backend = (*Directory)(nil)

// NewComposed wraps root so lookups also search its alternates.
func NewComposed(root *Directory) *Composed {
	return &Composed{root: root}
}

func (c *Composed) HasObject(id githash.SHA1) bool {
	return newAlternateView().hasObject(c.root, id)
}

func (c *Composed) Open(id githash.SHA1, cur *packfile.WindowCursor) (packfile.ObjectLoader, error) {
	return newAlternateView().open(c.root, id, cur)
}

func (c *Composed) OpenAll(id githash.SHA1) ([]packfile.ObjectLoader, error) {
	var out []packfile.ObjectLoader
	newAlternateView().openAll(c.root, id, &out)
	if len(out) == 0 {
		return nil, fmt.Errorf("objectdb: %v: %w", id, ErrMissingObject)
	}
	return out, nil
}
