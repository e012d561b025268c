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
	"compress/zlib"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	natomic "github.com/natefinch/atomic"

	"scm.example.com/git/objdb/githash"
	"scm.example.com/git/objdb/object"
)

// ReadLooseObject parses the full compressed bytes of a loose object file
// from r, in either of Git's two on-disk encodings, per spec.md §4.6. It
// returns the object's declared type/size and its inflated payload.
func ReadLooseObject(r io.Reader) (object.Prefix, []byte, error) {
	br := bufio.NewReader(r)
	first, err := br.Peek(2)
	if err != nil && err != io.EOF {
		return object.Prefix{}, nil, fmt.Errorf("packfile: read loose object: %w", err)
	}
	if len(first) == 2 && first[0] == 0x78 && (uint16(first[0])<<8|uint16(first[1]))%31 == 0 {
		return readLegacyLooseObject(br)
	}
	return readModernLooseObject(br)
}

func readLegacyLooseObject(br *bufio.Reader) (object.Prefix, []byte, error) {
	zr, err := zlib.NewReader(br)
	if err != nil {
		return object.Prefix{}, nil, fmt.Errorf("packfile: read loose object: %w: %v", ErrCorruptObject, err)
	}
	defer zr.Close()

	const maxHeader = 64
	var hdr []byte
	var b [1]byte
	for len(hdr) < maxHeader {
		if _, err := io.ReadFull(zr, b[:]); err != nil {
			return object.Prefix{}, nil, fmt.Errorf("packfile: read loose object: %w: truncated header", ErrCorruptObject)
		}
		if b[0] == 0 {
			break
		}
		hdr = append(hdr, b[0])
	}
	sp := bytes.IndexByte(hdr, ' ')
	if sp < 0 {
		return object.Prefix{}, nil, fmt.Errorf("packfile: read loose object: %w: malformed header", ErrCorruptObject)
	}
	typ := object.Type(hdr[:sp])
	size, err := strconv.ParseInt(string(hdr[sp+1:]), 10, 64)
	if err != nil || size < 0 || !typ.IsValid() {
		return object.Prefix{}, nil, fmt.Errorf("packfile: read loose object: %w: malformed header", ErrCorruptObject)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(zr, payload); err != nil {
		return object.Prefix{}, nil, fmt.Errorf("packfile: read loose object: %w: %v", ErrCorruptObject, err)
	}
	var extra [1]byte
	if n, _ := zr.Read(extra[:]); n > 0 {
		return object.Prefix{}, nil, fmt.Errorf("packfile: read loose object: %w: more data than declared size", ErrCorruptObject)
	}
	return object.Prefix{Type: typ, Size: size}, payload, nil
}

func readModernLooseObject(br *bufio.Reader) (object.Prefix, []byte, error) {
	rawType, size, err := readLengthType(br)
	if err != nil {
		return object.Prefix{}, nil, fmt.Errorf("packfile: read loose object: %w: %v", ErrCorruptObject, err)
	}
	typ, ok := nonDeltaType(rawType)
	if !ok {
		return object.Prefix{}, nil, fmt.Errorf("packfile: read loose object: %w: invalid type", ErrCorruptObject)
	}
	zr, err := zlib.NewReader(br)
	if err != nil {
		return object.Prefix{}, nil, fmt.Errorf("packfile: read loose object: %w: %v", ErrCorruptObject, err)
	}
	defer zr.Close()
	payload := make([]byte, size)
	if _, err := io.ReadFull(zr, payload); err != nil {
		return object.Prefix{}, nil, fmt.Errorf("packfile: read loose object: %w: %v", ErrCorruptObject, err)
	}
	var extra [1]byte
	if n, _ := zr.Read(extra[:]); n > 0 {
		return object.Prefix{}, nil, fmt.Errorf("packfile: read loose object: %w: more data than declared size", ErrCorruptObject)
	}
	return object.Prefix{Type: typ, Size: size}, payload, nil
}

// WriteLooseObject compresses payload as a legacy-format loose object
// ("<type> <size>\0<payload>" inflated under a single zlib stream, the
// encoding every Git implementation can still read) at the given zlib
// level, and atomically installs it under dir's fan-out layout. If an
// object with the computed id already exists, the new bytes are discarded
// and the existing id is returned, matching spec.md §4.6's idempotency
// rule.
func WriteLooseObject(dir string, typ object.Type, payload []byte, level int) (githash.SHA1, error) {
	if !typ.IsValid() {
		return githash.SHA1{}, fmt.Errorf("packfile: write loose object: invalid type %q", typ)
	}
	prefix := object.AppendPrefix(nil, typ, int64(len(payload)))

	h := sha1.New()
	h.Write(prefix)
	h.Write(payload)
	var id githash.SHA1
	h.Sum(id[:0])

	dst := looseObjectPath(dir, id)
	if _, err := os.Stat(dst); err == nil {
		return id, nil
	}

	buf := new(bytes.Buffer)
	zw, err := zlib.NewWriterLevel(buf, level)
	if err != nil {
		return githash.SHA1{}, fmt.Errorf("packfile: write loose object %v: %w", id, err)
	}
	if _, err := zw.Write(prefix); err != nil {
		return githash.SHA1{}, fmt.Errorf("packfile: write loose object %v: %w", id, err)
	}
	if _, err := zw.Write(payload); err != nil {
		return githash.SHA1{}, fmt.Errorf("packfile: write loose object %v: %w", id, err)
	}
	if err := zw.Close(); err != nil {
		return githash.SHA1{}, fmt.Errorf("packfile: write loose object %v: %w", id, err)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o777); err != nil {
		return githash.SHA1{}, fmt.Errorf("packfile: write loose object %v: %w", id, err)
	}
	if err := natomic.WriteFile(dst, buf); err != nil {
		if _, statErr := os.Stat(dst); statErr == nil {
			return id, nil
		}
		return githash.SHA1{}, fmt.Errorf("packfile: write loose object %v: %w", id, err)
	}
	return id, nil
}

func looseObjectPath(dir string, id githash.SHA1) string {
	return filepath.Join(dir, hex.EncodeToString(id[:1]), hex.EncodeToString(id[1:]))
}
