// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ast

import (
	"context"
	"reflect"
	"testing"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// parseModule parses src and returns its root node. The tree is closed when
// the test ends.
func parseModule(t *testing.T, src string) *sitter.Node {
	t.Helper()
	parser := sitter.NewParser()
	parser.SetLanguage(python.GetLanguage())
	tree, err := parser.ParseCtx(context.Background(), nil, []byte(src))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	t.Cleanup(tree.Close)
	return tree.RootNode()
}

// firstDecoratorExpr returns the expression of the first decorator in src.
func firstDecoratorExpr(t *testing.T, root *sitter.Node) *sitter.Node {
	t.Helper()
	for _, stmt := range namedChildren(root) {
		if stmt.Type() != "decorated_definition" {
			continue
		}
		for _, child := range namedChildren(stmt) {
			if child.Type() == "decorator" {
				return decoratorExpr(child)
			}
		}
	}
	t.Fatal("no decorator found")
	return nil
}

func TestDottedName(t *testing.T) {
	tests := []struct {
		name   string
		source string
		want   string
		wantOK bool
	}{
		{"attribute", "@pytest.mark.level0\ndef f(): pass\n", "pytest.mark.level0", true},
		{"call", "@pytest.mark.skipif(True, reason='x')\ndef f(): pass\n", "pytest.mark.skipif", true},
		{"identifier", "@lvl0\ndef f(): pass\n", "lvl0", true},
		{"identifier call", "@lvl0()\ndef f(): pass\n", "lvl0", true},
		{"subscript object keeps attribute", "@marks[0].slow\ndef f(): pass\n", "slow", true},
		{"subscript", "@marks[0]\ndef f(): pass\n", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := parseModule(t, tt.source)
			got, ok := dottedName(firstDecoratorExpr(t, root), []byte(tt.source))
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if got != tt.want {
				t.Errorf("dottedName = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBuildAliasMap(t *testing.T) {
	src := `import pytest

lvl0 = pytest.mark.level0
skip_win = pytest.mark.skipif(True, reason="windows")
not_marker = pytest.fixture
chained = lvl0
a = b = pytest.mark.slow
typed: object = pytest.mark.typed
`
	root := parseModule(t, src)
	got := buildAliasMap(root, []byte(src), newNamespaces(DefaultMarkerNamespace, DefaultDecoratorNamespace))

	want := aliasMap{
		"lvl0":     "pytest.mark.level0",
		"skip_win": "pytest.mark.skipif",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("alias map = %v, want %v", got, want)
	}
}

func TestAliasMap_Canonical(t *testing.T) {
	m := aliasMap{"lvl0": "pytest.mark.level0"}

	tests := []struct {
		in, want string
	}{
		{"lvl0", "pytest.mark.level0"},
		{"lvl0.with_args", "pytest.mark.level0.with_args"},
		{"pytest.mark.slow", "pytest.mark.slow"},
		{"other", "other"},
	}
	for _, tt := range tests {
		if got := m.canonical(tt.in); got != tt.want {
			t.Errorf("canonical(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMarkerResolver_AliasIsOneLevelDeep(t *testing.T) {
	src := `import pytest
x = pytest.mark.level0
y = x

@x
def test_direct(): pass

@y
def test_indirect(): pass
`
	root := parseModule(t, src)
	r := newMarkerResolver(root, []byte(src), newNamespaces(DefaultMarkerNamespace, DefaultDecoratorNamespace))

	var got []string
	for _, stmt := range namedChildren(root) {
		_, decorators := unwrapDefinition(stmt)
		if decorators == nil {
			continue
		}
		got = append(got, mergeMarks(r.decoratorMarks(decorators))...)
	}

	if want := []string{"level0"}; !reflect.DeepEqual(got, want) {
		t.Errorf("resolved marks = %v, want %v", got, want)
	}
}

func TestMarkerResolver_MarkList(t *testing.T) {
	tests := []struct {
		name   string
		source string
		want   []string
	}{
		{
			name:   "list",
			source: "pytestmark = [pytest.mark.level0, pytest.mark.Slow]\n",
			want:   []string{"level0", "slow"},
		},
		{
			name:   "tuple",
			source: "pytestmark = (pytest.mark.level1, pytest.mark.gpu)\n",
			want:   []string{"gpu", "level1"},
		},
		{
			name:   "bare tuple",
			source: "pytestmark = pytest.mark.level1, pytest.mark.cpu\n",
			want:   []string{"cpu", "level1"},
		},
		{
			name:   "single",
			source: "pytestmark = pytest.mark.skipif(True, reason='x')\n",
			want:   []string{"skipif"},
		},
		{
			name:   "through alias",
			source: "lvl = pytest.mark.level2\npytestmark = [lvl, 42]\n",
			want:   []string{"level2"},
		},
		{
			name:   "other target ignored",
			source: "marks = [pytest.mark.level0]\n",
			want:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := parseModule(t, tt.source)
			r := newMarkerResolver(root, []byte(tt.source), newNamespaces(DefaultMarkerNamespace, DefaultDecoratorNamespace))
			got := r.markList(root)
			if tt.want == nil {
				if len(got) != 0 {
					t.Errorf("markList = %v, want empty", got)
				}
				return
			}
			if !reflect.DeepEqual(mergeMarks(got), tt.want) {
				t.Errorf("markList = %v, want %v", mergeMarks(got), tt.want)
			}
		})
	}
}

func TestMergeMarks_DoesNotMutateInputs(t *testing.T) {
	a := []string{"skip", "level0"}
	b := []string{"level0", "gpu"}

	got := mergeMarks(a, b, nil)

	if want := []string{"gpu", "level0", "skip"}; !reflect.DeepEqual(got, want) {
		t.Errorf("mergeMarks = %v, want %v", got, want)
	}
	if !reflect.DeepEqual(a, []string{"skip", "level0"}) || !reflect.DeepEqual(b, []string{"level0", "gpu"}) {
		t.Error("mergeMarks modified its inputs")
	}
}
