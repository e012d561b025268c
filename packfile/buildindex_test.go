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
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"scm.example.com/git/objdb/githash"
	"scm.example.com/git/objdb/object"
)

func TestBuildIndex(t *testing.T) {
	const baseContent = "Hello, World!\n"
	const finalContent = "Hello, foo\n"
	delta := []byte{
		byte(len(baseContent)), // original size
		0x0b,                   // output size
		0b10010000,             // copy from base object
		0x07,                   // size1
		0x04,                   // add new data
		'f', 'o', 'o', '\n',
	}
	data, headers := buildPack(t, []objSpec{
		{typ: Blob, data: []byte(baseContent)},
		{typ: OffsetDelta, data: delta, baseRef: 0},
	})

	baseID, err := object.BlobSum(strings.NewReader(baseContent), int64(len(baseContent)))
	if err != nil {
		t.Fatal(err)
	}
	finalID, err := object.BlobSum(strings.NewReader(finalContent), int64(len(finalContent)))
	if err != nil {
		t.Fatal(err)
	}

	idx, err := BuildIndex(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatal("BuildIndex:", err)
	}
	if len(idx.ObjectIDs) != 2 {
		t.Fatalf("len(idx.ObjectIDs) = %d; want 2", len(idx.ObjectIDs))
	}
	gotOffsets := make(map[githash.SHA1]int64)
	for i, id := range idx.ObjectIDs {
		gotOffsets[id] = idx.Offsets[i]
	}
	if off, ok := gotOffsets[baseID]; !ok || off != headers[0].Offset {
		t.Errorf("offset for base object = %d, %t; want %d, true", off, ok, headers[0].Offset)
	}
	if off, ok := gotOffsets[finalID]; !ok || off != headers[1].Offset {
		t.Errorf("offset for delta object = %d, %t; want %d, true", off, ok, headers[1].Offset)
	}
	if idx.PackfileSHA1 != *(*githash.SHA1)(data[len(data)-githash.SHA1Size:]) {
		t.Error("PackfileSHA1 does not match the pack's trailing checksum")
	}

	// The built index must be directly usable by PackFile.Open.
	pack, err := openBuiltIndex(t, data, idx)
	if err != nil {
		t.Fatal(err)
	}
	cur := NewWindowCursor(pack.cache)
	defer cur.Close()
	loader, err := pack.Open(finalID, cur)
	if err != nil {
		t.Fatal("Open(finalID):", err)
	}
	got := new(bytes.Buffer)
	if _, err := loader.WriteTo(got); err != nil {
		t.Fatal(err)
	}
	if got.String() != finalContent {
		t.Errorf("content = %q; want %q", got.String(), finalContent)
	}
}

func openBuiltIndex(t *testing.T, data []byte, idx *Index) (*PackFile, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pack")
	if err := os.WriteFile(path, data, 0o666); err != nil {
		return nil, err
	}
	return Open(path, idx, NewWindowCache(DefaultWindowCacheConfig()))
}
