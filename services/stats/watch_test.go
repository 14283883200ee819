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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
)

func TestNewWatcher_Validation(t *testing.T) {
	svc := newTestService(t, t.TempDir())
	if _, err := NewWatcher(nil, NewReportHolder(), testLogger(), WatchOptions{}); err == nil {
		t.Error("expected error for nil service")
	}
	if _, err := NewWatcher(svc, nil, testLogger(), WatchOptions{}); err == nil {
		t.Error("expected error for nil holder")
	}
	w, err := NewWatcher(svc, NewReportHolder(), testLogger(), WatchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if w.opts.Debounce != DefaultDebounce || w.opts.MinInterval != DefaultMinRescanInterval {
		t.Errorf("defaults not applied: %+v", w.opts)
	}
}

func TestRelevant(t *testing.T) {
	tests := []struct {
		event fsnotify.Event
		want  bool
	}{
		{fsnotify.Event{Name: "/t/st/test_a.py", Op: fsnotify.Write}, true},
		{fsnotify.Event{Name: "/t/st/test_a.py", Op: fsnotify.Remove}, true},
		{fsnotify.Event{Name: "/t/st/test_a.py", Op: fsnotify.Chmod}, false},
		{fsnotify.Event{Name: "/t/st/notes.md", Op: fsnotify.Write}, false},
		{fsnotify.Event{Name: "/t/st/.test_a.py", Op: fsnotify.Create}, false},
	}
	for _, tt := range tests {
		if got := relevant(tt.event); got != tt.want {
			t.Errorf("relevant(%v) = %v, want %v", tt.event, got, tt.want)
		}
	}
}

func TestDirGone(t *testing.T) {
	dirs := map[string]struct{}{
		"/t":          {},
		"/t/st":       {},
		"/t/st/nn":    {},
		"/t/st/nn/a":  {},
		"/t/st/nnext": {},
	}

	if dirGone(fsnotify.Event{Name: "/t/st/nn", Op: fsnotify.Write}, dirs) {
		t.Error("write on a directory is not a removal")
	}
	if dirGone(fsnotify.Event{Name: "/t/st/notes", Op: fsnotify.Rename}, dirs) {
		t.Error("rename of an unwatched path must be ignored")
	}
	if !dirGone(fsnotify.Event{Name: "/t/st/nn", Op: fsnotify.Rename}, dirs) {
		t.Fatal("rename of a watched directory must trigger a rescan")
	}
	for _, gone := range []string{"/t/st/nn", "/t/st/nn/a"} {
		if _, ok := dirs[gone]; ok {
			t.Errorf("%s still tracked", gone)
		}
	}
	if _, ok := dirs["/t/st/nnext"]; !ok {
		t.Error("sibling with a shared prefix was dropped")
	}
	if !dirGone(fsnotify.Event{Name: "/t/st/nnext", Op: fsnotify.Remove}, dirs) {
		t.Error("remove of a watched directory must trigger a rescan")
	}
}

func TestWatcher_RescansOnChange(t *testing.T) {
	root := t.TempDir()
	writeTestFile(t, root, "st/ops/test_ops.py", opsSource)

	svc := newTestService(t, root)
	holder := NewReportHolder()
	reports := make(chan *RunResult, 4)

	w, err := NewWatcher(svc, holder, testLogger(), WatchOptions{
		Debounce:    20 * time.Millisecond,
		MinInterval: 10 * time.Millisecond,
		OnReport: func(_ context.Context, r *RunResult) {
			reports <- r
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the watcher time to register the tree before writing.
	time.Sleep(100 * time.Millisecond)
	writeTestFile(t, root, "st/nn/test_nn.py", nnSource)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case r := <-reports:
			if len(r.Report.Cases) == 3 {
				snap, err := holder.Load()
				if err != nil {
					t.Fatalf("holder not updated: %v", err)
				}
				if len(snap.Report.Cases) != 3 {
					t.Errorf("holder cases = %d, want 3", len(snap.Report.Cases))
				}
				return
			}
		case <-deadline:
			t.Fatal("no rescan observed after file change")
		}
	}
}

func TestWatcher_RescansWhenDirectoryMovesOut(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	writeTestFile(t, root, "st/ops/test_ops.py", opsSource)
	writeTestFile(t, root, "st/nn/test_nn.py", nnSource)

	svc := newTestService(t, root)
	holder := NewReportHolder()
	reports := make(chan *RunResult, 4)

	w, err := NewWatcher(svc, holder, testLogger(), WatchOptions{
		Debounce:    20 * time.Millisecond,
		MinInterval: 10 * time.Millisecond,
		OnReport: func(_ context.Context, r *RunResult) {
			reports <- r
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	time.Sleep(100 * time.Millisecond)
	if err := os.Rename(filepath.Join(root, "st", "nn"), filepath.Join(outside, "nn")); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case r := <-reports:
			if len(r.Report.Cases) == 2 {
				return
			}
		case <-deadline:
			t.Fatal("no rescan observed after moving a directory out of the tree")
		}
	}
}
