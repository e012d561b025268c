// Copyright 2021 The gg Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//		 https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

package packfile_test

import (
	"bufio"
	"bytes"
	"compress/zlib"
	"fmt"
	"io"

	"scm.example.com/git/objdb/packfile"
)

// onePack holds a minimal, hand-assembled version 2 packfile containing a
// single blob, "Hello, World!\n", at byte offset 12. It exists so the
// examples below can demonstrate random access without depending on a
// fixture file on disk.
var onePack = append([]byte{
	'P', 'A', 'C', 'K',
	0, 0, 0, 2, // version
	0, 0, 0, 1, // object count
	0x3e, // OBJ_BLOB, size 14 (fits in the low nibble, no continuation byte)
}, []byte{
	120, 156, 243, 72, 205, 201, 201, 215, 81, 8, 207, 47, 202, 73, 81, 228, 2, 0, 36, 18, 4, 116,
}...)

// This example uses ReadHeader to perform random access in a packfile.
func ExampleReadHeader() {
	// Seek to a specific offset. You can get this from an index or a
	// previous sequential read.
	const offset = 12
	r := bufio.NewReader(bytes.NewReader(onePack[offset:]))

	// Read the object header.
	hdr, err := packfile.ReadHeader(offset, r)
	if err != nil {
		// handle error
	}
	fmt.Println(hdr.Type)

	// The object is zlib-compressed immediately after the header.
	zreader, err := zlib.NewReader(r)
	if err != nil {
		// handle error
	}
	if _, err := io.Copy(io.Discard, zreader); err != nil {
		// handle error
	}

	// Output:
	// OBJ_BLOB
}

// This example walks every object in a packfile sequentially with Reader,
// which is how an index is rebuilt from a freshly received pack.
func ExampleReader() {
	r := packfile.NewReader(bufio.NewReader(bytes.NewReader(onePack)))
	for {
		hdr, err := r.Next()
		if err != nil {
			break
		}
		data, err := io.ReadAll(r)
		if err != nil {
			// handle error
		}
		fmt.Printf("%v %d\n", hdr.Type, len(data))
	}

	// Output:
	// OBJ_BLOB 14
}
