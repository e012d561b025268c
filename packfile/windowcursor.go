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
	"compress/zlib"
	"fmt"
	"io"
)

// WindowCursor sequences reads across a WindowCache's windows for a single
// logical walk through one or more packs, per spec.md §4.5. It pins at most
// one window at a time, releasing the previous one as soon as a read crosses
// into the next, and is not safe for concurrent use.
type WindowCursor struct {
	cache *WindowCache
	pack  *PackFile
	win   *Window
}

// NewWindowCursor returns a cursor drawing windows from cache.
func NewWindowCursor(cache *WindowCache) *WindowCursor {
	return &WindowCursor{cache: cache}
}

// Close releases any window the cursor is currently pinning.
func (cur *WindowCursor) Close() error {
	cur.release()
	return nil
}

func (cur *WindowCursor) release() {
	if cur.win != nil {
		cur.cache.unpin(cur.win)
		cur.win = nil
		cur.pack = nil
	}
}

// readAt copies as many bytes as are available in the currently mapped
// window into p, pinning a new window from the cache if pos falls outside
// the one the cursor currently holds.
func (cur *WindowCursor) readAt(pack *PackFile, pos int64, p []byte) (int, error) {
	if pos >= pack.size {
		return 0, io.EOF
	}
	if cur.pack != pack || cur.win == nil || pos < cur.win.key.start || pos >= cur.win.key.start+int64(len(cur.win.bytes())) {
		cur.release()
		w, err := cur.cache.get(pack, pos)
		if err != nil {
			return 0, err
		}
		cur.pack = pack
		cur.win = w
	}
	data := cur.win.bytes()
	off := pos - cur.win.key.start
	n := copy(p, data[off:])
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// cursorReader adapts a window-by-window cursor to the ByteReader interface
// used by readLengthType, readOffset, and compress/zlib, advancing a single
// logical position as bytes are consumed.
type cursorReader struct {
	cur  *WindowCursor
	pack *PackFile
	pos  int64
}

func (r *cursorReader) Read(p []byte) (int, error) {
	n, err := r.cur.readAt(r.pack, r.pos, p)
	r.pos += int64(n)
	return n, err
}

func (r *cursorReader) ReadByte() (byte, error) {
	var b [1]byte
	n, err := r.Read(b[:])
	if n == 0 {
		if err == nil {
			err = io.EOF
		}
		return 0, err
	}
	return b[0], nil
}

// Header reads the object header at offset within pack and reports the
// position immediately following it, where the zlib payload begins.
func (cur *WindowCursor) Header(pack *PackFile, offset int64) (hdr *Header, payloadOffset int64, err error) {
	r := &cursorReader{cur: cur, pack: pack, pos: offset}
	hdr, err = readObjectHeader(offset, r)
	if err != nil {
		return nil, 0, err
	}
	return hdr, r.pos, nil
}

// Inflate decompresses the zlib stream beginning at payloadOffset and
// returns exactly size bytes of uncompressed payload. size must come from a
// Header read at the same offset; a short or long inflate is reported as
// ErrCorruptObject.
func (cur *WindowCursor) Inflate(pack *PackFile, payloadOffset, size int64) ([]byte, error) {
	r := &cursorReader{cur: cur, pack: pack, pos: payloadOffset}
	zr, err := zlib.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("packfile: inflate at %d: %w", payloadOffset, err)
	}
	defer zr.Close()
	buf := make([]byte, size)
	if _, err := io.ReadFull(zr, buf); err != nil {
		return nil, fmt.Errorf("packfile: inflate at %d: %w: %v", payloadOffset, ErrCorruptObject, err)
	}
	var extra [1]byte
	if n, _ := zr.Read(extra[:]); n > 0 {
		return nil, fmt.Errorf("packfile: inflate at %d: %w: more data than header size %d", payloadOffset, ErrCorruptObject, size)
	}
	return buf, nil
}

// InflateVerify inflates the zlib stream at payloadOffset through to its
// end, discarding the decompressed bytes, and reports a short or malformed
// stream as ErrCorruptObject. CopyRawTo uses it to validate objects coming
// from a v1 pack index, which carries no per-object CRC32 to check the raw
// bytes against directly: running the stream to completion catches
// truncation and corruption that copying the bytes verbatim would not.
func (cur *WindowCursor) InflateVerify(pack *PackFile, payloadOffset int64) error {
	r := &cursorReader{cur: cur, pack: pack, pos: payloadOffset}
	zr, err := zlib.NewReader(r)
	if err != nil {
		return fmt.Errorf("packfile: inflate verify at %d: %w: %v", payloadOffset, ErrCorruptObject, err)
	}
	defer zr.Close()
	if _, err := io.Copy(io.Discard, zr); err != nil {
		return fmt.Errorf("packfile: inflate verify at %d: %w: %v", payloadOffset, ErrCorruptObject, err)
	}
	return nil
}

// Copy streams n raw, uninterpreted bytes starting at offset within pack to
// w. It is used to serve CopyRawTo without inflating the object.
func (cur *WindowCursor) Copy(pack *PackFile, offset int64, w io.Writer, n int64) error {
	r := &cursorReader{cur: cur, pack: pack, pos: offset}
	if _, err := io.CopyN(w, r, n); err != nil {
		return fmt.Errorf("packfile: copy %d bytes at %d: %w", n, offset, err)
	}
	return nil
}
