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

// Package objectdb composes loose and packed Git object storage into a
// primary-plus-alternates object database, as described by
// objects/info/alternates.
package objectdb

import (
	"errors"

	"scm.example.com/git/objdb/githash"
	"scm.example.com/git/objdb/packfile"
)

var (
	// ErrMissingObject is returned when no source in a database (loose,
	// pack, or alternate) contains the requested id.
	ErrMissingObject = packfile.ErrMissingObject
	// ErrUnsupportedFormat is returned for an unreadable pack/idx version
	// or a non-zero core.repositoryFormatVersion.
	ErrUnsupportedFormat = packfile.ErrUnsupportedFormat
	// ErrAmbiguous is returned when an abbreviated id resolves to more
	// than one full id.
	ErrAmbiguous = errors.New("objectdb: ambiguous abbreviated object id")
)

// Backend is the capability set shared by every kind of object database
// this package exposes: a single directory, a cache-backed directory, or
// the composed view of a directory and its alternates.
type Backend interface {
	// HasObject reports whether id is present anywhere in the backend.
	HasObject(id githash.SHA1) bool
	// Open returns a loader for id, trying loose storage first and then
	// packs, so a just-written unpacked object is found immediately.
	Open(id githash.SHA1, cur *packfile.WindowCursor) (packfile.ObjectLoader, error)
	// OpenAll enumerates every copy of id the backend can find, local and
	// alternate packs alike; used by repack-style tooling that needs to
	// see every instance of an object, not just the first hit.
	OpenAll(id githash.SHA1) ([]packfile.ObjectLoader, error)
}
