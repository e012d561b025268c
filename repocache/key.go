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

// Package repocache provides a process-wide, reference-counted cache for
// expensive-to-open repository handles, keyed by git directory.
package repocache

import (
	"fmt"
	"os"
	"path/filepath"
)

// A Key identifies a cached entry by the canonicalized absolute path of a
// git directory. Two Keys are equal exactly when they name the same git
// directory, modulo symlinks and relative-path spelling.
type Key string

// NewKey canonicalizes gitDir (resolving symlinks where possible) into a
// Key naming it.
func NewKey(gitDir string) Key {
	if resolved, err := filepath.EvalSymlinks(gitDir); err == nil {
		gitDir = resolved
	}
	abs, err := filepath.Abs(gitDir)
	if err != nil {
		abs = filepath.Clean(gitDir)
	}
	return Key(abs)
}

// FileKey resolves path to a git directory under any of the three layouts
// Git itself recognizes: path is the git directory itself, path is a
// working tree containing path/.git, or path names a working tree with a
// bare sibling at path.git. A candidate counts as a git directory when it
// holds an objects directory and a HEAD file.
func FileKey(path string) (Key, error) {
	candidates := []string{
		path,
		filepath.Join(path, ".git"),
		path + ".git",
	}
	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err != nil || !info.IsDir() {
			continue
		}
		if objInfo, err := os.Stat(filepath.Join(candidate, "objects")); err != nil || !objInfo.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(candidate, "HEAD")); err != nil {
			continue
		}
		return NewKey(candidate), nil
	}
	return "", fmt.Errorf("repocache: no git directory found at %s, %s, or %s", candidates[0], candidates[1], candidates[2])
}
