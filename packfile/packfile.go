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
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"scm.example.com/git/objdb/githash"
	"scm.example.com/git/objdb/object"
)

// Sentinel errors describing the ways a pack or an object within it can be
// rejected. Callers should use errors.Is against these, not type assertions.
var (
	// ErrCorruptObject indicates a structural violation of the on-disk
	// object or delta format.
	ErrCorruptObject = errors.New("packfile: corrupt object")
	// ErrMissingObject indicates the requested id was not found.
	ErrMissingObject = errors.New("packfile: object not found")
	// ErrIncorrectObjectType indicates a caller-supplied type hint did not
	// match the object's actual type.
	ErrIncorrectObjectType = errors.New("packfile: incorrect object type")
	// ErrPackInvalid indicates the pack failed validation once already and
	// is permanently rejected until the process reopens it.
	ErrPackInvalid = errors.New("packfile: pack marked invalid")
	// ErrPackMismatch indicates the pack and its index disagree (header
	// object count or trailer checksum).
	ErrPackMismatch = errors.New("packfile: pack/index mismatch")
	// ErrUnsupportedFormat indicates an unrecognized pack or index version.
	ErrUnsupportedFormat = errors.New("packfile: unsupported format")
)

// PackFile is a random-access view of a single .pack file plus its parsed
// .idx, per spec.md §4.3. The zero value is not usable; construct with Open.
type PackFile struct {
	path  string
	idx   *Index
	cache *WindowCache
	size  int64

	invalid uint32 // atomic bool; once set, all future opens fail fast

	fileMu      sync.Mutex
	file        *os.File
	openWindows atomic.Int32
}

// Open validates and registers path (and its already-parsed idx) with
// cache, performing the header and trailer checks from spec.md §4.3. It
// does not eagerly map any window.
func Open(path string, idx *Index, cache *WindowCache) (*PackFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("packfile: open %s: %w", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("packfile: stat %s: %w", path, err)
	}

	var hdr [12]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		return nil, fmt.Errorf("packfile: read header of %s: %w", path, err)
	}
	if string(hdr[:4]) != "PACK" {
		return nil, fmt.Errorf("packfile: %s: %w: bad magic", path, ErrUnsupportedFormat)
	}
	version := beUint32(hdr[4:8])
	if version != 2 && version != 3 {
		return nil, fmt.Errorf("packfile: %s: %w: version %d", path, ErrUnsupportedFormat, version)
	}
	count := beUint32(hdr[8:12])
	if int(count) != idx.Len() {
		return nil, fmt.Errorf("packfile: %s: %w: header count %d != index count %d", path, ErrPackMismatch, count, idx.Len())
	}

	if info.Size() < 12+githash.SHA1Size {
		return nil, fmt.Errorf("packfile: %s: %w: file too short", path, ErrPackMismatch)
	}
	var trailer githash.SHA1
	if _, err := f.ReadAt(trailer[:], info.Size()-githash.SHA1Size); err != nil {
		return nil, fmt.Errorf("packfile: read trailer of %s: %w", path, err)
	}
	if trailer != idx.PackfileSHA1 {
		return nil, fmt.Errorf("packfile: %s: %w: trailer checksum", path, ErrPackMismatch)
	}

	return &PackFile{
		path:  path,
		idx:   idx,
		cache: cache,
		size:  info.Size(),
	}, nil
}

// Index returns the pack's parsed index.
func (p *PackFile) Index() *Index { return p.idx }

// Path returns the filesystem path the pack was opened from.
func (p *PackFile) Path() string { return p.path }

func (p *PackFile) markInvalid() {
	atomic.CompareAndSwapUint32(&p.invalid, 0, 1)
}

func (p *PackFile) checkValid() error {
	if atomic.LoadUint32(&p.invalid) != 0 {
		return fmt.Errorf("%s: %w", p.path, ErrPackInvalid)
	}
	return nil
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// HasObject reports whether id is present in this pack's index. It reports
// false for every id once the pack has been marked invalid, so lookups that
// go through HasObject skip the pack from then on.
func (p *PackFile) HasObject(id githash.SHA1) bool {
	if p.checkValid() != nil {
		return false
	}
	_, ok := p.idx.Offset(id)
	return ok
}

// ObjectLoader exposes a resolved pack object: its type, uncompressed size,
// and contents.
type ObjectLoader interface {
	Type() object.Type
	Size() int64
	WriteTo(w io.Writer) (int64, error)
}

type wholeLoader struct {
	typ  object.Type
	data []byte
}

func (l *wholeLoader) Type() object.Type { return l.typ }
func (l *wholeLoader) Size() int64       { return int64(len(l.data)) }
func (l *wholeLoader) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(l.data)
	return int64(n), err
}

// Open resolves id within the pack, reconstructing any delta chain, and
// returns a Loader for its contents. It reports ErrMissingObject if id is
// not in this pack's index.
func (p *PackFile) Open(id githash.SHA1, cur *WindowCursor) (ObjectLoader, error) {
	offset, ok := p.idx.Offset(id)
	if !ok {
		return nil, fmt.Errorf("packfile: %v: %w", id, ErrMissingObject)
	}
	return p.OpenAtOffset(offset, cur)
}

// OpenAtOffset resolves the object whose header begins at offset, following
// any delta chain to a whole object.
func (p *PackFile) OpenAtOffset(offset int64, cur *WindowCursor) (ObjectLoader, error) {
	if err := p.checkValid(); err != nil {
		return nil, err
	}
	recon := &DeltaReconstructor{pack: p, cursor: cur, base: p.cache.deltaBaseCache()}
	typ, payload, err := recon.reconstruct(offset)
	if err != nil {
		p.markInvalid()
		return nil, err
	}
	objType, ok := nonDeltaType(typ)
	if !ok {
		p.markInvalid()
		return nil, fmt.Errorf("packfile: %s: %w: unresolved delta type at %d", p.path, ErrCorruptObject, offset)
	}
	return &wholeLoader{typ: objType, data: payload}, nil
}

// CopyRawTo streams the compressed on-disk representation of id verbatim to
// out, verifying CRC32 when the index carries one and falling back to an
// inflate-to-end-of-stream check otherwise.
func (p *PackFile) CopyRawTo(out io.Writer, id githash.SHA1) error {
	if err := p.checkValid(); err != nil {
		return err
	}
	offset, ok := p.idx.Offset(id)
	if !ok {
		return fmt.Errorf("packfile: %v: %w", id, ErrMissingObject)
	}
	nextOffset := p.size - githash.SHA1Size
	if next, ok := p.nextObjectOffset(offset); ok {
		nextOffset = next
	}

	cur := NewWindowCursor(p.cache)
	defer cur.Close()

	wantCRC, haveCRC := p.idx.FindCRC32(id)
	var crcWriter io.Writer = out
	hasher := crc32.NewIEEE()
	if haveCRC {
		crcWriter = io.MultiWriter(out, hasher)
	}
	n := nextOffset - offset
	if err := cur.Copy(p, offset, crcWriter, n); err != nil {
		p.markInvalid()
		return err
	}
	if haveCRC {
		if hasher.Sum32() != wantCRC {
			p.markInvalid()
			return fmt.Errorf("packfile: %v: %w: crc32 mismatch", id, ErrCorruptObject)
		}
		return nil
	}

	// v1 indexes carry no CRC32, so fall back to a full inflate-and-discard
	// pass over the object to catch a truncated or corrupt zlib stream that
	// a verbatim byte copy would otherwise pass through silently.
	verifyCur := NewWindowCursor(p.cache)
	defer verifyCur.Close()
	_, payloadOffset, err := verifyCur.Header(p, offset)
	if err != nil {
		p.markInvalid()
		return err
	}
	if err := verifyCur.InflateVerify(p, payloadOffset); err != nil {
		p.markInvalid()
		return err
	}
	return nil
}

// nextObjectOffset returns the offset of the object immediately following
// the one at offset, according to the index's offset ordering.
func (p *PackFile) nextObjectOffset(offset int64) (int64, bool) {
	p.idx.buildOffsetIndex()
	order := p.idx.offsetOrder
	for i, oi := range order {
		if p.idx.Offsets[oi] == offset {
			if i+1 < len(order) {
				return p.idx.Offsets[order[i+1]], true
			}
			return 0, false
		}
	}
	return 0, false
}

func nonDeltaType(t ObjectType) (object.Type, bool) {
	switch t {
	case Commit:
		return object.TypeCommit, true
	case Tree:
		return object.TypeTree, true
	case Blob:
		return object.TypeBlob, true
	case Tag:
		return object.TypeTag, true
	default:
		return "", false
	}
}
