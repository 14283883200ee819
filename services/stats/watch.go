// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stats

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"
)

const (
	// DefaultDebounce is how long the tree must be quiet before a rescan.
	DefaultDebounce = 500 * time.Millisecond

	// DefaultMinRescanInterval bounds how often rescans may start.
	DefaultMinRescanInterval = 5 * time.Second
)

// WatchOptions configures a Watcher.
type WatchOptions struct {
	// Debounce is the quiet period after the last change. Zero means
	// DefaultDebounce.
	Debounce time.Duration

	// MinInterval is the minimum time between rescans. Zero means
	// DefaultMinRescanInterval.
	MinInterval time.Duration

	// OnReport, if set, is called after each successful rescan, after the
	// holder has been updated.
	OnReport func(ctx context.Context, result *RunResult)
}

// Watcher rescans the test tree when Python files change and publishes each
// new report to a ReportHolder.
//
// Description:
//
//	Every directory under the tests root is watched; directories created
//	later are added as they appear. Changes to .py files are debounced, and
//	rescans are rate limited so a burst of saves yields one run. A failed
//	rescan leaves the previous report in place.
type Watcher struct {
	svc     *Service
	holder  *ReportHolder
	logger  *slog.Logger
	opts    WatchOptions
	limiter *rate.Limiter
}

// NewWatcher creates a Watcher.
func NewWatcher(svc *Service, holder *ReportHolder, logger *slog.Logger, opts WatchOptions) (*Watcher, error) {
	if svc == nil {
		return nil, fmt.Errorf("service must not be nil")
	}
	if holder == nil {
		return nil, fmt.Errorf("holder must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.MinInterval <= 0 {
		opts.MinInterval = DefaultMinRescanInterval
	}
	return &Watcher{
		svc:     svc,
		holder:  holder,
		logger:  logger,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Every(opts.MinInterval), 1),
	}, nil
}

// Run watches until ctx is canceled. It returns nil on cancellation.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer fw.Close()

	root := w.svc.TestsRoot()
	dirs := make(map[string]struct{})
	if err := addTree(fw, root, dirs); err != nil {
		return err
	}
	w.logger.Info("watching test tree",
		slog.String("root", root),
		slog.Duration("debounce", w.opts.Debounce),
	)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() && !isHidden(event.Name) {
					if err := addTree(fw, event.Name, dirs); err != nil {
						w.logger.Warn("watching new directory", slog.String("dir", event.Name), slog.Any("error", err))
					}
					timer.Reset(w.opts.Debounce)
					continue
				}
			}
			if dirGone(event, dirs) {
				w.logger.Debug("directory moved or removed", slog.String("dir", event.Name))
				timer.Reset(w.opts.Debounce)
				continue
			}
			if relevant(event) {
				w.logger.Debug("change detected", slog.String("file", event.Name), slog.String("op", event.Op.String()))
				timer.Reset(w.opts.Debounce)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", slog.Any("error", err))

		case <-timer.C:
			if err := w.rescan(ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.logger.Warn("rescan failed, keeping previous report", slog.Any("error", err))
			}
		}
	}
}

func (w *Watcher) rescan(ctx context.Context) error {
	if err := w.limiter.Wait(ctx); err != nil {
		watchRescansTotal.WithLabelValues(runStatusCanceled).Inc()
		return err
	}
	result, err := w.svc.Run(ctx)
	if err != nil {
		status := runStatusError
		if errors.Is(err, context.Canceled) {
			status = runStatusCanceled
		}
		watchRescansTotal.WithLabelValues(status).Inc()
		return err
	}
	watchRescansTotal.WithLabelValues(runStatusOK).Inc()

	w.holder.Store(result.Report, result.BuiltAt, "")
	if w.opts.OnReport != nil {
		w.opts.OnReport(ctx, result)
	}
	return nil
}

// relevant reports whether an event can change the report.
func relevant(event fsnotify.Event) bool {
	if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
		return false
	}
	return strings.HasSuffix(event.Name, ".py") && !isHidden(event.Name)
}

// dirGone reports whether event renames or removes a watched directory, and
// forgets that directory and everything below it.
func dirGone(event fsnotify.Event, dirs map[string]struct{}) bool {
	if !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
		return false
	}
	if _, ok := dirs[event.Name]; !ok {
		return false
	}
	prefix := event.Name + string(filepath.Separator)
	for dir := range dirs {
		if dir == event.Name || strings.HasPrefix(dir, prefix) {
			delete(dirs, dir)
		}
	}
	return true
}

func isHidden(path string) bool {
	return strings.HasPrefix(filepath.Base(path), ".")
}

// addTree watches dir and every non-hidden directory below it, recording
// each one in dirs.
func addTree(fw *fsnotify.Watcher, dir string, dirs map[string]struct{}) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && isHidden(path) {
			return filepath.SkipDir
		}
		if err := fw.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}
		dirs[path] = struct{}{}
		return nil
	})
}
