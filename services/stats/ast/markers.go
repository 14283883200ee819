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
	"sort"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// exprKind is the small set of expression shapes a decorator can take.
type exprKind int

const (
	exprOther exprKind = iota
	exprCall
	exprAttribute
	exprIdentifier
	exprParenthesized
)

// classifyExpr maps a tree-sitter node onto an exprKind.
func classifyExpr(n *sitter.Node) exprKind {
	if n == nil {
		return exprOther
	}
	switch n.Type() {
	case "call":
		return exprCall
	case "attribute":
		return exprAttribute
	case "identifier":
		return exprIdentifier
	case "parenthesized_expression":
		return exprParenthesized
	default:
		return exprOther
	}
}

// dottedName returns the dot-joined path of a call or attribute chain.
//
// Calls are unwrapped to their callee, so pytest.mark.skipif(x, reason="")
// yields "pytest.mark.skipif". An attribute whose object has no dotted form
// (x[0].attr) yields just the attribute name. Anything else is not
// resolvable and returns false.
func dottedName(n *sitter.Node, src []byte) (string, bool) {
	return dottedNameDepth(n, src, 0)
}

func dottedNameDepth(n *sitter.Node, src []byte, depth int) (string, bool) {
	if depth > MaxWalkDepth {
		return "", false
	}
	switch classifyExpr(n) {
	case exprCall:
		return dottedNameDepth(n.ChildByFieldName("function"), src, depth+1)
	case exprAttribute:
		attr := n.ChildByFieldName("attribute")
		if attr == nil {
			return "", false
		}
		name := attr.Content(src)
		base, ok := dottedNameDepth(n.ChildByFieldName("object"), src, depth+1)
		if !ok {
			return name, true
		}
		return base + "." + name, true
	case exprIdentifier:
		return n.Content(src), true
	case exprParenthesized:
		return dottedNameDepth(firstNamedChild(n), src, depth+1)
	default:
		return "", false
	}
}

// namespaces holds the dotted prefixes that identify markers and recorded
// decorators. Both end with a dot.
type namespaces struct {
	marker    string
	decorator string
}

func newNamespaces(marker, decorator string) namespaces {
	return namespaces{
		marker:    strings.TrimSuffix(marker, ".") + ".",
		decorator: strings.TrimSuffix(decorator, ".") + ".",
	}
}

// aliasMap maps a module-level name to the canonical marker it was assigned.
//
// Built once per file before any test is visited and never mutated after.
type aliasMap map[string]string

// buildAliasMap scans module-level assignments of the form
//
//	name = pytest.mark.level0
//	name = pytest.mark.skipif(cond, reason="...")
//
// Only single identifier targets count, and the right-hand side is not itself
// resolved through other aliases: indirection is exactly one level deep.
func buildAliasMap(root *sitter.Node, src []byte, ns namespaces) aliasMap {
	aliases := make(aliasMap)
	for _, stmt := range namedChildren(root) {
		targets, value, ok := assignmentParts(stmt)
		if !ok || len(targets) != 1 || targets[0].Type() != "identifier" {
			continue
		}
		dn, ok := dottedName(value, src)
		if !ok || !strings.HasPrefix(dn, ns.marker) {
			continue
		}
		aliases[targets[0].Content(src)] = dn
	}
	return aliases
}

// canonical substitutes an alias for the whole dotted name, or for its root
// identifier when the name continues past the alias.
func (m aliasMap) canonical(dotted string) string {
	if v, ok := m[dotted]; ok {
		return v
	}
	if root, rest, found := strings.Cut(dotted, "."); found {
		if v, ok := m[root]; ok {
			return v + "." + rest
		}
	}
	return dotted
}

// markerResolver resolves decorator and marker-list expressions of one file.
type markerResolver struct {
	src     []byte
	aliases aliasMap
	ns      namespaces
}

func newMarkerResolver(root *sitter.Node, src []byte, ns namespaces) *markerResolver {
	return &markerResolver{
		src:     src,
		aliases: buildAliasMap(root, src, ns),
		ns:      ns,
	}
}

// resolve returns the alias-substituted dotted name of expr.
func (r *markerResolver) resolve(expr *sitter.Node) (string, bool) {
	dn, ok := dottedName(expr, r.src)
	if !ok || dn == "" {
		return "", false
	}
	return r.aliases.canonical(dn), true
}

// marker returns the lowercase marker name expr denotes, if it is a marker.
func (r *markerResolver) marker(expr *sitter.Node) (string, bool) {
	dn, ok := r.resolve(expr)
	if !ok || !strings.HasPrefix(dn, r.ns.marker) {
		return "", false
	}
	name := strings.TrimPrefix(dn, r.ns.marker)
	if name == "" {
		return "", false
	}
	return strings.ToLower(name), true
}

// decorator returns the dotted name of expr if it lives under the decorator
// namespace.
func (r *markerResolver) decorator(expr *sitter.Node) (string, bool) {
	dn, ok := r.resolve(expr)
	if !ok || !strings.HasPrefix(dn, r.ns.decorator) {
		return "", false
	}
	return dn, true
}

// decoratorMarks returns the marker names carried by a decorator list.
func (r *markerResolver) decoratorMarks(decorators []*sitter.Node) []string {
	var out []string
	for _, dec := range decorators {
		if name, ok := r.marker(decoratorExpr(dec)); ok {
			out = append(out, name)
		}
	}
	return out
}

// decoratorNames returns the recorded decorator names in declaration order.
func (r *markerResolver) decoratorNames(decorators []*sitter.Node) []string {
	var out []string
	for _, dec := range decorators {
		if name, ok := r.decorator(decoratorExpr(dec)); ok {
			out = append(out, name)
		}
	}
	return out
}

// markList collects the markers assigned to pytestmark in a statement
// sequence (a module body or a class body).
//
// The value may be a list, a tuple, a bare tuple or a single expression.
func (r *markerResolver) markList(scope *sitter.Node) []string {
	var out []string
	for _, stmt := range namedChildren(scope) {
		targets, value, ok := assignmentParts(stmt)
		if !ok || !hasIdentifierTarget(targets, ModuleMarkListName, r.src) {
			continue
		}
		switch value.Type() {
		case "list", "tuple", "expression_list":
			for _, elt := range namedChildren(value) {
				if name, ok := r.marker(elt); ok {
					out = append(out, name)
				}
			}
		default:
			if name, ok := r.marker(value); ok {
				out = append(out, name)
			}
		}
	}
	return out
}

// mergeMarks returns the sorted union of the given marker sets without
// modifying any of them.
func mergeMarks(sets ...[]string) []string {
	seen := make(map[string]struct{})
	for _, set := range sets {
		for _, m := range set {
			seen[m] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// assignmentParts unpacks `a = b = value` from an expression statement.
//
// Annotated assignments and augmented assignments are not reported.
func assignmentParts(stmt *sitter.Node) ([]*sitter.Node, *sitter.Node, bool) {
	if stmt == nil || stmt.Type() != "expression_statement" {
		return nil, nil, false
	}
	assign := firstNamedChild(stmt)
	if assign == nil || assign.Type() != "assignment" {
		return nil, nil, false
	}
	var targets []*sitter.Node
	for assign != nil && assign.Type() == "assignment" {
		if assign.ChildByFieldName("type") != nil {
			return nil, nil, false
		}
		left := assign.ChildByFieldName("left")
		right := assign.ChildByFieldName("right")
		if left == nil || right == nil {
			return nil, nil, false
		}
		targets = append(targets, left)
		assign = right
		if right.Type() != "assignment" {
			return targets, right, true
		}
	}
	return nil, nil, false
}

func hasIdentifierTarget(targets []*sitter.Node, name string, src []byte) bool {
	for _, t := range targets {
		if t.Type() == "identifier" && t.Content(src) == name {
			return true
		}
	}
	return false
}

// decoratorExpr returns the expression after '@' in a decorator node.
func decoratorExpr(dec *sitter.Node) *sitter.Node {
	if dec == nil || dec.Type() != "decorator" {
		return nil
	}
	return firstNamedChild(dec)
}

// namedChildren returns the named, non-comment children of n.
func namedChildren(n *sitter.Node) []*sitter.Node {
	if n == nil {
		return nil
	}
	count := int(n.NamedChildCount())
	out := make([]*sitter.Node, 0, count)
	for i := 0; i < count; i++ {
		child := n.NamedChild(i)
		if child == nil || child.Type() == "comment" {
			continue
		}
		out = append(out, child)
	}
	return out
}

func firstNamedChild(n *sitter.Node) *sitter.Node {
	children := namedChildren(n)
	if len(children) == 0 {
		return nil
	}
	return children[0]
}
