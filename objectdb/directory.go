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
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	natomic "github.com/natefinch/atomic"

	"scm.example.com/git/objdb/githash"
	"scm.example.com/git/objdb/object"
	"scm.example.com/git/objdb/packfile"
)

// Directory is a single Git objects directory: loose objects plus zero or
// more pack files, optionally extended by a chain of alternates read from
// objects/info/alternates.
type Directory struct {
	path  string
	cache *packfile.WindowCache
	level int

	packs atomic.Pointer[packListSnapshot]

	alternatesOnce sync.Once
	alternates     []*Directory
	alternatesErr  error
}

// packListSnapshot is the immutable view of a directory's pack set at one
// point in time, per spec.md §4.7's "(lastModifiedTime, packs[])" state.
type packListSnapshot struct {
	modTime time.Time
	packs   []*packfile.PackFile
}

// Open opens the objects directory rooted at path (typically
// "<gitdir>/objects"), performing an initial pack scan. cache is shared
// across every Directory that should pool window memory together; level
// is the zlib level used when this directory writes new loose objects.
func Open(path string, cache *packfile.WindowCache, level int) (*Directory, error) {
	d := &Directory{path: path, cache: cache, level: level}
	snap, err := d.scanPacks(time.Time{})
	if err != nil {
		return nil, fmt.Errorf("objectdb: open %s: %w", path, err)
	}
	d.packs.Store(snap)
	return d, nil
}

// Path returns the directory's filesystem path.
func (d *Directory) Path() string {
	return d.path
}

func (d *Directory) loosePath(id githash.SHA1) string {
	return filepath.Join(d.path, hex.EncodeToString(id[:1]), hex.EncodeToString(id[1:]))
}

func (d *Directory) hasLoose(id githash.SHA1) bool {
	_, err := os.Stat(d.loosePath(id))
	return err == nil
}

func (d *Directory) openLoose(id githash.SHA1) (packfile.ObjectLoader, error) {
	f, err := os.Open(d.loosePath(id))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	prefix, payload, err := packfile.ReadLooseObject(f)
	if err != nil {
		return nil, fmt.Errorf("objectdb: open loose object %v: %w", id, err)
	}
	return looseLoader{prefix: prefix, payload: payload}, nil
}

// looseLoader adapts an already-inflated loose object to packfile.ObjectLoader.
type looseLoader struct {
	prefix  object.Prefix
	payload []byte
}

func (l looseLoader) Type() object.Type { return l.prefix.Type }
func (l looseLoader) Size() int64       { return l.prefix.Size }
func (l looseLoader) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(l.payload)
	return int64(n), err
}

// WriteLoose writes payload as a loose object of type typ into this
// directory, per spec.md §4.6, and returns its computed id.
func (d *Directory) WriteLoose(typ object.Type, payload []byte) (githash.SHA1, error) {
	return packfile.WriteLooseObject(d.path, typ, payload, d.level)
}

// packDir returns the directory holding this database's .pack/.idx files.
func (d *Directory) packDir() string {
	return filepath.Join(d.path, "pack")
}

// scanPacks lists packDir() and opens every pack in it, returning a fresh
// immutable snapshot; since only becomes the snapshot's modTime when
// packDir() does not exist. Packs that fail to open (for
// instance, an idx/pack pair mid-write) are skipped rather than failing
// the whole scan, matching spec.md §7's "PackInvalid is sticky, not fatal
// to the database."
func (d *Directory) scanPacks(since time.Time) (*packListSnapshot, error) {
	entries, err := os.ReadDir(d.packDir())
	if err != nil {
		if os.IsNotExist(err) {
			return &packListSnapshot{modTime: since}, nil
		}
		return nil, err
	}
	var modTime time.Time
	var packs []*packfile.PackFile
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".pack") {
			continue
		}
		info, err := ent.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(modTime) {
			modTime = info.ModTime()
		}
		base := strings.TrimSuffix(ent.Name(), ".pack")
		packPath := filepath.Join(d.packDir(), ent.Name())
		idxPath := filepath.Join(d.packDir(), base+".idx")

		idx, err := d.readOrBuildIndex(idxPath, packPath)
		if err != nil {
			slog.Debug("objectdb: skipping pack with unreadable index", "path", packPath, "err", err)
			continue
		}
		pack, err := packfile.Open(packPath, idx, d.cache)
		if err != nil {
			slog.Debug("objectdb: skipping pack that failed to open", "path", packPath, "err", err)
			continue
		}
		packs = append(packs, pack)
	}
	return &packListSnapshot{modTime: modTime, packs: packs}, nil
}

// readOrBuildIndex reads idxPath if present; otherwise it's a pack that was
// deposited without a companion index (for instance, by a bulk import tool
// that only writes .pack files), so it builds one with packfile.BuildIndex
// and persists it next to the pack, the same way `git index-pack` would.
func (d *Directory) readOrBuildIndex(idxPath, packPath string) (*packfile.Index, error) {
	if idxFile, err := os.Open(idxPath); err == nil {
		defer idxFile.Close()
		return packfile.ReadIndex(idxFile)
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	slog.Debug("objectdb: building missing index for pack", "path", packPath)
	f, err := os.Open(packPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	idx, err := packfile.BuildIndex(f, info.Size())
	if err != nil {
		return nil, fmt.Errorf("build index for %s: %w", packPath, err)
	}
	if err := d.writeIndexFile(idxPath, idx); err != nil {
		// The pack is still usable from the in-memory idx even if we
		// couldn't persist it; only log, don't fail the scan.
		slog.Debug("objectdb: failed to persist built index", "path", idxPath, "err", err)
	}
	return idx, nil
}

func (d *Directory) writeIndexFile(idxPath string, idx *packfile.Index) error {
	buf := new(bytes.Buffer)
	if err := idx.EncodeV2(buf); err != nil {
		return err
	}
	return natomic.WriteFile(idxPath, buf)
}

func findInSnapshot(snap *packListSnapshot, id githash.SHA1) (*packfile.PackFile, bool) {
	for _, pack := range snap.packs {
		if pack.HasObject(id) {
			return pack, true
		}
	}
	return nil, false
}

// findPack locates the pack containing id, rescanning objects/pack once
// (the "tryAgain" bound from spec.md §9 Open Question (a)) if the current
// snapshot doesn't have it and the directory's mtime has moved on.
func (d *Directory) findPack(id githash.SHA1) (*packfile.PackFile, bool) {
	snap := d.packs.Load()
	if pack, ok := findInSnapshot(snap, id); ok {
		return pack, true
	}
	info, err := os.Stat(d.packDir())
	if err != nil || !info.ModTime().After(snap.modTime) {
		return nil, false
	}
	slog.Debug("objectdb: rescanning pack directory", "dir", d.path, "id", id)
	fresh, err := d.scanPacks(snap.modTime)
	if err != nil {
		return nil, false
	}
	d.packs.CompareAndSwap(snap, fresh)
	return findInSnapshot(fresh, id)
}

func (d *Directory) packSnapshot() []*packfile.PackFile {
	return d.packs.Load().packs
}

// HasObject reports whether id is present as a loose object or in any
// pack of this directory, without consulting alternates.
func (d *Directory) HasObject(id githash.SHA1) bool {
	if d.hasLoose(id) {
		return true
	}
	_, ok := d.findPack(id)
	return ok
}

// Open returns a loader for id, trying loose storage before packs.
func (d *Directory) Open(id githash.SHA1, cur *packfile.WindowCursor) (packfile.ObjectLoader, error) {
	if d.hasLoose(id) {
		l, err := d.openLoose(id)
		if err == nil {
			return l, nil
		}
	}
	if pack, ok := d.findPack(id); ok {
		return pack.Open(id, cur)
	}
	return nil, fmt.Errorf("objectdb: %v: %w", id, ErrMissingObject)
}

// OpenAll enumerates every copy of id in this directory: the loose copy, if
// there is one, followed by one loader for each of this directory's own
// packs that holds id. Alternates are not searched.
func (d *Directory) OpenAll(id githash.SHA1) ([]packfile.ObjectLoader, error) {
	var loaders []packfile.ObjectLoader
	if d.hasLoose(id) {
		if l, err := d.openLoose(id); err == nil {
			loaders = append(loaders, l)
		}
	}
	cur := packfile.NewWindowCursor(d.cache)
	defer cur.Close()
	for _, pack := range d.packSnapshot() {
		if !pack.HasObject(id) {
			continue
		}
		l, err := pack.Open(id, cur)
		if err != nil {
			continue
		}
		loaders = append(loaders, l)
	}
	if len(loaders) == 0 {
		return nil, fmt.Errorf("objectdb: %v: %w", id, ErrMissingObject)
	}
	return loaders, nil
}
