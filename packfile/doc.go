// Copyright 2020 The gg Authors
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

/*
Package packfile reads the on-disk packfile and loose-object formats this
storage engine serves objects from. A packfile holds many objects
concatenated together, each either whole or "deltified" — stored as a patch
against another object in the same pack — indexed by a separate .idx file
mapping object id to byte offset. This package only ever reads: there is no
wire-transfer or repack/GC path here, just PackFile/WindowCursor for
random-access lookups, Reader for a sequential walk, and BuildIndex for
deriving an .idx when a pack arrives without one. The format is described in
https://git-scm.com/docs/pack-format.
*/
package packfile
