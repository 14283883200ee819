// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scanner discovers Python files under a test tree and reads them
// in parallel.
package scanner

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"
)

// Source is one discovered file and its content.
type Source struct {
	// Path is the absolute file path.
	Path string

	// Content is the file content, with invalid UTF-8 bytes removed.
	Content []byte

	// Repaired is true when invalid UTF-8 had to be dropped.
	Repaired bool
}

// Options configures Collect.
type Options struct {
	// Workers bounds concurrent reads. Non-positive means GOMAXPROCS.
	Workers int

	// Extension is the file suffix collected. Empty means ".py".
	Extension string
}

// Collect returns every matching file under root, sorted by path.
//
// Description:
//
//	Walks root recursively and collects files with the extension, skipping
//	any file or directory whose name starts with a dot. Files are read
//	concurrently. Content that is not valid UTF-8 is repaired by dropping the
//	invalid bytes rather than rejected. A read failure aborts the collection.
//
// Inputs:
//   - ctx: Context for cancellation.
//   - root: Directory to scan. Must exist.
//   - opts: Worker count and extension.
//
// Outputs:
//   - []Source: Collected files sorted by Path. Empty, not nil, for no files.
//   - error: Non-nil if root cannot be walked or a file cannot be read.
func Collect(ctx context.Context, root string, opts Options) ([]Source, error) {
	paths, err := Discover(ctx, root, opts.Extension)
	if err != nil {
		return nil, err
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	sources := make([]Source, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, path := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			src, err := readSource(path)
			if err != nil {
				return err
			}
			sources[i] = src
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("collecting sources under %s: %w", root, err)
	}

	slog.Debug("sources collected",
		slog.String("root", root),
		slog.Int("files", len(sources)),
	)
	return sources, nil
}

// Discover returns the sorted absolute paths of matching files under root.
func Discover(ctx context.Context, root, ext string) ([]string, error) {
	if ext == "" {
		ext = ".py"
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", root, err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("tests root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("tests root %s is not a directory", absRoot)
	}

	paths := make([]string, 0)
	err = filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path != absRoot && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ext) {
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", absRoot, err)
	}
	sort.Strings(paths)
	return paths, nil
}

func readSource(path string) (Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Source{}, fmt.Errorf("reading %s: %w", path, err)
	}
	if utf8.Valid(data) {
		return Source{Path: path, Content: data}, nil
	}
	slog.Warn("dropping invalid UTF-8 bytes", slog.String("file", path))
	return Source{Path: path, Content: []byte(strings.ToValidUTF8(string(data), "")), Repaired: true}, nil
}
