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
	"compress/zlib"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-git/gcfg"

	"scm.example.com/git/objdb/packfile"
)

// Config holds the handful of core.* settings the object storage engine
// consults, per spec.md §6.
type Config struct {
	PackedGitLimit          int64
	PackedGitWindowSize     int64
	PackedGitOpenFiles      int
	PackedGitMMAP           bool
	DeltaBaseCacheLimit     int64
	Compression             int
	RepositoryFormatVersion int
}

// DefaultConfig matches packfile.DefaultWindowCacheConfig's defaults, so a
// repository with no explicit core.* settings behaves identically whether
// or not LoadConfig found a config file.
func DefaultConfig() *Config {
	wc := packfile.DefaultWindowCacheConfig()
	return &Config{
		PackedGitLimit:      wc.PackedGitLimit,
		PackedGitWindowSize: wc.PackedGitWindowSize,
		PackedGitOpenFiles:  wc.PackedGitOpenFiles,
		PackedGitMMAP:       wc.PackedGitMMAP,
		DeltaBaseCacheLimit: wc.DeltaBaseCacheLimit,
		Compression:         zlib.DefaultCompression,
	}
}

// gitConfigFile is the subset of the Git config INI grammar this package
// reads, parsed with gcfg the same way the rest of the reference pack
// parses Git-style config files.
type gitConfigFile struct {
	Core struct {
		PackedGitLimit          string
		PackedGitWindowSize     string
		PackedGitOpenFiles      string
		PackedGitMMAP           string
		DeltaBaseCacheLimit     string
		Compression             string
		RepositoryFormatVersion string
	}
}

// LoadConfig parses <gitDir>/config and returns the core.* settings this
// package understands, falling back to DefaultConfig for any key that's
// absent. A non-zero core.repositoryFormatVersion is rejected with
// ErrUnsupportedFormat, per spec.md §6/§7.
func LoadConfig(gitDir string) (*Config, error) {
	cfg := DefaultConfig()
	var raw gitConfigFile
	path := filepath.Join(gitDir, "config")
	if err := gcfg.ReadFileInto(&raw, path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("objectdb: load config %s: %w", path, err)
	}

	if v := raw.Core.PackedGitLimit; v != "" {
		n, err := parseByteQuantity(v)
		if err != nil {
			return nil, fmt.Errorf("objectdb: core.packedGitLimit: %w", err)
		}
		cfg.PackedGitLimit = n
	}
	if v := raw.Core.PackedGitWindowSize; v != "" {
		n, err := parseByteQuantity(v)
		if err != nil {
			return nil, fmt.Errorf("objectdb: core.packedGitWindowSize: %w", err)
		}
		cfg.PackedGitWindowSize = n
	}
	if v := raw.Core.PackedGitOpenFiles; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("objectdb: core.packedGitOpenFiles: %w", err)
		}
		cfg.PackedGitOpenFiles = n
	}
	if v := raw.Core.PackedGitMMAP; v != "" {
		b, ok := parseConfigBool(v)
		if !ok {
			return nil, fmt.Errorf("objectdb: core.packedGitMMAP: cannot parse %q as a bool", v)
		}
		cfg.PackedGitMMAP = b
	}
	if v := raw.Core.DeltaBaseCacheLimit; v != "" {
		n, err := parseByteQuantity(v)
		if err != nil {
			return nil, fmt.Errorf("objectdb: core.deltaBaseCacheLimit: %w", err)
		}
		cfg.DeltaBaseCacheLimit = n
	}
	if v := raw.Core.Compression; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("objectdb: core.compression: %w", err)
		}
		cfg.Compression = n
	}
	if v := raw.Core.RepositoryFormatVersion; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("objectdb: core.repositoryFormatVersion: %w", err)
		}
		cfg.RepositoryFormatVersion = n
	}
	if cfg.RepositoryFormatVersion != 0 {
		return nil, fmt.Errorf("objectdb: %w: core.repositoryFormatVersion=%d", ErrUnsupportedFormat, cfg.RepositoryFormatVersion)
	}
	return cfg, nil
}

// WindowCacheConfig translates a loaded Config into the shape
// packfile.NewWindowCache expects.
func (cfg *Config) WindowCacheConfig() packfile.WindowCacheConfig {
	return packfile.WindowCacheConfig{
		PackedGitLimit:      cfg.PackedGitLimit,
		PackedGitWindowSize: cfg.PackedGitWindowSize,
		PackedGitOpenFiles:  cfg.PackedGitOpenFiles,
		PackedGitMMAP:       cfg.PackedGitMMAP,
		DeltaBaseCacheLimit: cfg.DeltaBaseCacheLimit,
	}
}

// parseByteQuantity parses a Git-style byte quantity: a decimal integer
// with an optional k/m/g (case-insensitive) unit suffix.
func parseByteQuantity(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty byte quantity")
	}
	mult := int64(1)
	switch s[len(s)-1] {
	case 'k', 'K':
		mult = 1 << 10
		s = s[:len(s)-1]
	case 'm', 'M':
		mult = 1 << 20
		s = s[:len(s)-1]
	case 'g', 'G':
		mult = 1 << 30
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse byte quantity %q: %w", s, err)
	}
	return n * mult, nil
}

// parseConfigBool mirrors Git's boolean config parsing: true/yes/on/1 and
// false/no/off/0, case-insensitive; an empty value means true (a bare
// "key" line with no "= value").
func parseConfigBool(s string) (value, ok bool) {
	if s == "" {
		return true, true
	}
	switch strings.ToLower(s) {
	case "true", "yes", "on", "1":
		return true, true
	case "false", "no", "off", "0":
		return false, true
	default:
		return false, false
	}
}
