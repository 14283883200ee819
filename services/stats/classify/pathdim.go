// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package classify

import (
	"path/filepath"
	"strings"
)

// PathDims are the ownership labels derived from a file's location.
type PathDims struct {
	// DirGroup is "a/b" for tests/a/b/..., "a" for tests/a/file.py.
	DirGroup string `json:"dir_group"`

	// OwnerTop is the first directory under the tests root.
	OwnerTop string `json:"owner_top"`

	// OwnerSubdir is the first two path parts, or the first if alone.
	OwnerSubdir string `json:"owner_subdir"`
}

// unknownDims is returned for anything outside the root.
var unknownDims = PathDims{DirGroup: Unknown, OwnerTop: Unknown, OwnerSubdir: Unknown}

// DerivePath labels filePath by its position under testsRoot.
//
// Description:
//
//	Both paths are made absolute and cleaned, then filePath is taken
//	relative to testsRoot. The parts counted include the file name, so a
//	file directly under the root has one part and its DirGroup is Unknown.
//	A path outside the root, or one that cannot be resolved, yields Unknown
//	for every label; this function never fails.
//
// Inputs:
//   - filePath: Path of the test file.
//   - testsRoot: Root of the test tree.
//
// Outputs:
//   - PathDims: The three labels.
func DerivePath(filePath, testsRoot string) PathDims {
	parts, ok := relativeParts(filePath, testsRoot)
	if !ok || len(parts) == 0 {
		return unknownDims
	}

	dims := PathDims{OwnerTop: parts[0], OwnerSubdir: parts[0], DirGroup: Unknown}
	if len(parts) >= 2 {
		dims.OwnerSubdir = parts[0] + "/" + parts[1]
		dims.DirGroup = parts[0]
	}
	if len(parts) >= 3 {
		dims.DirGroup = parts[0] + "/" + parts[1]
	}
	return dims
}

// relativeParts splits filePath relative to root into its components.
func relativeParts(filePath, root string) ([]string, bool) {
	if filePath == "" || root == "" {
		return nil, false
	}
	absFile, err := filepath.Abs(filePath)
	if err != nil {
		return nil, false
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, false
	}
	rel, err := filepath.Rel(absRoot, absFile)
	if err != nil {
		return nil, false
	}
	rel = filepath.ToSlash(rel)
	if rel == "." {
		return nil, true
	}
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return nil, false
	}
	return strings.Split(rel, "/"), true
}
