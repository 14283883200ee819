// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ast extracts pytest test declarations from Python source files.
//
// It parses each file with tree-sitter, resolves pytest marker decorators
// (including module-level aliases and pytestmark lists) and emits one
// TestRecord per test function. Extraction is purely syntactic: nothing is
// imported or executed.
package ast

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// DefaultMaxFileSize is the largest source file the extractor accepts (10MB).
	DefaultMaxFileSize int64 = 10 * 1024 * 1024

	// WarnFileSize triggers a warning log for unusually large test files (1MB).
	WarnFileSize = 1024 * 1024

	// DefaultTestPrefix is the name prefix pytest collects as a test.
	DefaultTestPrefix = "test_"

	// DefaultMarkerNamespace is the dotted prefix of marker decorators.
	DefaultMarkerNamespace = "pytest.mark"

	// DefaultDecoratorNamespace is the dotted prefix of decorators recorded
	// in TestRecord.PytestDecorators.
	DefaultDecoratorNamespace = "pytest"

	// DefaultLevelPattern matches execution tier markers such as level0.
	DefaultLevelPattern = `^level\d+$`

	// ModuleMarkListName is the assignment target pytest reads module and
	// class marks from.
	ModuleMarkListName = "pytestmark"

	// MaxWalkDepth bounds recursive walks over expression trees.
	MaxWalkDepth = 256
)

var (
	// ErrFileTooLarge is returned when the content exceeds the size limit.
	ErrFileTooLarge = errors.New("file too large")

	// ErrInvalidContent is returned when the content is not valid UTF-8.
	ErrInvalidContent = errors.New("invalid content")

	// ErrSyntax is returned when the source does not parse as Python.
	ErrSyntax = errors.New("syntax error")
)

// ParseError reports a file that could not be turned into test records.
//
// Callers decide whether to skip the file; the extractor never drops a file
// silently.
type ParseError struct {
	// FilePath is the file that failed.
	FilePath string

	// Line is the 1-based line of the first error node, or 0 if unknown.
	Line int

	// Err is the underlying cause (ErrSyntax, ErrFileTooLarge, ...).
	Err error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse %s:%d: %v", e.FilePath, e.Line, e.Err)
	}
	return fmt.Sprintf("parse %s: %v", e.FilePath, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// TestRecord describes one discovered test function.
//
// Records are created once per (file, function) pair and are never shared
// across files.
type TestRecord struct {
	// FilePath identifies the source file.
	FilePath string `json:"file_path"`

	// NodeName is "function" or "Class.method". Unique within a file.
	NodeName string `json:"node_name"`

	// Level is the marker matching the level pattern, or "" when none does.
	Level string `json:"level,omitempty"`

	// LevelAmbiguous is true when more than one marker matched the level
	// pattern and Level holds the lexicographically smallest of them.
	LevelAmbiguous bool `json:"level_ambiguous,omitempty"`

	// Markers are lowercase marker names, deduplicated and sorted.
	Markers []string `json:"markers"`

	// PytestDecorators are dotted decorator names in declaration order,
	// class decorators first. Duplicates are kept.
	PytestDecorators []string `json:"pytest_decorators"`

	// AssertCount counts assert statements and assert*-named calls.
	AssertCount int `json:"assert_count"`

	// HasDocstring is true if the body starts with a string literal.
	HasDocstring bool `json:"has_docstring"`

	// HasParametrize is true if the parametrize marker is present.
	HasParametrize bool `json:"has_parametrize"`

	// Line is the 1-based line of the def statement.
	Line int `json:"line"`
}

// HasMarker reports whether the record carries the marker, ignoring case.
func (r *TestRecord) HasMarker(name string) bool {
	for _, m := range r.Markers {
		if strings.EqualFold(m, name) {
			return true
		}
	}
	return false
}
