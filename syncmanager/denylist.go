/*
Copyright 2025 Graft Authors
SPDX-License-Identifier: Apache-2.0
*/

package syncmanager

import (
	"path"
	"strings"

	"github.com/graftdev/graft/contentreader"
)

// Denylist names template paths that are never replayed onto a target.
// Version-control internals and dependency directories have no business in
// a sync commit, and files like README or an environment file are exactly
// the ones a target customizes after cloning, so overwriting them would
// destroy target-side work the engine cannot detect.
type Denylist struct {
	dirs  map[string]struct{}
	files map[string]struct{}
}

// DefaultDenylist returns the standard rules: version-control internals,
// dependency directories, environment files, README and LICENSE variants.
func DefaultDenylist() *Denylist {
	d := &Denylist{
		dirs:  map[string]struct{}{},
		files: map[string]struct{}{},
	}
	d.ExtendDirs(".git", "node_modules", "vendor")
	d.ExtendFiles("README", "README.md", "LICENSE", "LICENSE.md")
	return d
}

// ExtendDirs denies every path containing one of the given directory names
// as a segment.
func (d *Denylist) ExtendDirs(names ...string) {
	for _, n := range names {
		d.dirs[n] = struct{}{}
	}
}

// ExtendFiles denies every path whose base name equals one of the given
// names.
func (d *Denylist) ExtendFiles(names ...string) {
	for _, n := range names {
		d.files[n] = struct{}{}
	}
}

// Denied reports whether a path is excluded from sync.
func (d *Denylist) Denied(p string) bool {
	base := path.Base(p)
	if _, ok := d.files[base]; ok {
		return true
	}
	// Environment files in any directory, including suffixed variants like
	// .env.production.
	if base == ".env" || strings.HasPrefix(base, ".env.") {
		return true
	}
	for _, segment := range strings.Split(p, "/") {
		if _, ok := d.dirs[segment]; ok {
			return true
		}
	}
	return false
}

// Filter returns the files that survive the denylist, preserving order.
func (d *Denylist) Filter(files []contentreader.File) []contentreader.File {
	kept := make([]contentreader.File, 0, len(files))
	for _, f := range files {
		if d.Denied(f.Path) {
			continue
		}
		kept = append(kept, f)
	}
	return kept
}
