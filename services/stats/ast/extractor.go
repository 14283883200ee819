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
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ExtractorOption configures an Extractor instance.
type ExtractorOption func(*Extractor)

// WithMaxFileSize sets the maximum file size the extractor will accept.
//
// Parameters:
//   - bytes: Maximum file size in bytes. Non-positive values are ignored.
func WithMaxFileSize(bytes int64) ExtractorOption {
	return func(e *Extractor) {
		if bytes > 0 {
			e.maxFileSize = bytes
		}
	}
}

// WithTestPrefix sets the function name prefix that marks a test.
func WithTestPrefix(prefix string) ExtractorOption {
	return func(e *Extractor) {
		if prefix != "" {
			e.testPrefix = prefix
		}
	}
}

// WithNamespaces sets the dotted prefixes of marker decorators
// ("pytest.mark") and of recorded decorators ("pytest").
func WithNamespaces(marker, decorator string) ExtractorOption {
	return func(e *Extractor) {
		if marker != "" && decorator != "" {
			e.ns = newNamespaces(marker, decorator)
		}
	}
}

// Extractor turns one Python test file into TestRecords.
//
// Description:
//
//	Extractor parses the file with tree-sitter, builds the file's alias map
//	and module marks, then emits a record for every test-shaped function at
//	module level and every test-shaped method of a module-level class.
//	Extraction is a pure function of the source and the level pattern.
//
// Thread Safety:
//
//	Extractor instances are safe for concurrent use. Each Extract call
//	creates its own tree-sitter parser.
//
// Example:
//
//	ex, err := NewExtractor(regexp.MustCompile(`^level\d+$`))
//	records, err := ex.Extract(ctx, src, "tests/st/test_ops.py")
type Extractor struct {
	levelPattern *regexp.Regexp
	maxFileSize  int64
	testPrefix   string
	ns           namespaces
}

// NewExtractor creates an Extractor for the given level pattern.
//
// Inputs:
//   - levelPattern: Pattern a marker must match, from its first character,
//     to be a level. Must not be nil.
//   - opts: Optional configuration.
//
// Outputs:
//   - *Extractor: Configured extractor.
//   - error: Non-nil if levelPattern is nil.
func NewExtractor(levelPattern *regexp.Regexp, opts ...ExtractorOption) (*Extractor, error) {
	if levelPattern == nil {
		return nil, fmt.Errorf("level pattern must not be nil")
	}
	e := &Extractor{
		levelPattern: levelPattern,
		maxFileSize:  DefaultMaxFileSize,
		testPrefix:   DefaultTestPrefix,
		ns:           newNamespaces(DefaultMarkerNamespace, DefaultDecoratorNamespace),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Extract returns the test records of one file in declaration order.
//
// Description:
//
//	Any failure to obtain a syntax tree is returned as a *ParseError wrapping
//	ErrFileTooLarge, ErrInvalidContent or ErrSyntax. Unrecognized decorators
//	are not errors; they simply contribute no markers.
//
// Inputs:
//   - ctx: Context for cancellation. Checked before and after parsing.
//   - content: Raw Python source.
//   - filePath: Identifier of the file, copied into every record.
//
// Outputs:
//   - []TestRecord: Records in declaration order. Empty for files without tests.
//   - error: *ParseError or a context error.
//
// Thread Safety: Safe for concurrent use.
func (e *Extractor) Extract(ctx context.Context, content []byte, filePath string) (records []TestRecord, err error) {
	ctx, span := startExtractSpan(ctx, filePath, len(content))
	defer span.End()

	start := time.Now()
	defer func() {
		recordParseMetrics(time.Since(start), len(records), err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, statusFor(err))
		}
	}()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("extract canceled before start: %w", err)
	}

	if int64(len(content)) > e.maxFileSize {
		return nil, &ParseError{
			FilePath: filePath,
			Err:      fmt.Errorf("%w: size %d exceeds limit %d", ErrFileTooLarge, len(content), e.maxFileSize),
		}
	}
	if len(content) > WarnFileSize {
		slog.Warn("parsing large test file",
			slog.String("file", filePath),
			slog.Int("size_bytes", len(content)))
	}
	if !utf8.Valid(content) {
		return nil, &ParseError{
			FilePath: filePath,
			Err:      fmt.Errorf("%w: content is not valid UTF-8", ErrInvalidContent),
		}
	}

	parser := sitter.NewParser()
	parser.SetLanguage(python.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("tree-sitter parse %s: %w", filePath, err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root == nil {
		return nil, &ParseError{FilePath: filePath, Err: fmt.Errorf("%w: empty syntax tree", ErrSyntax)}
	}
	if root.HasError() {
		return nil, &ParseError{FilePath: filePath, Line: firstErrorLine(root), Err: ErrSyntax}
	}
	if line := legacySyntaxLine(root); line > 0 {
		return nil, &ParseError{
			FilePath: filePath,
			Line:     line,
			Err:      fmt.Errorf("%w: Python 2 statement", ErrSyntax),
		}
	}

	fx := &fileExtraction{
		extractor: e,
		filePath:  filePath,
		src:       content,
		resolver:  newMarkerResolver(root, content, e.ns),
	}
	records = fx.run(root)

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("extract canceled after parse: %w", err)
	}

	span.SetAttributes(attribute.Int("tests", len(records)))
	return records, nil
}

// fileExtraction carries the per-file state of one Extract call.
type fileExtraction struct {
	extractor *Extractor
	filePath  string
	src       []byte
	resolver  *markerResolver
	records   []TestRecord
}

func (fx *fileExtraction) run(root *sitter.Node) []TestRecord {
	moduleMarks := mergeMarks(fx.resolver.markList(root))
	fx.records = make([]TestRecord, 0)

	for _, stmt := range namedChildren(root) {
		def, decorators := unwrapDefinition(stmt)
		if def == nil {
			continue
		}
		switch def.Type() {
		case "function_definition":
			name := fx.defName(def)
			if fx.isTestName(name) {
				fx.record(def, decorators, name, moduleMarks, nil)
			}
		case "class_definition":
			fx.class(def, decorators, moduleMarks)
		}
	}
	return fx.records
}

// class emits records for the test methods of a module-level class.
func (fx *fileExtraction) class(def *sitter.Node, decorators []*sitter.Node, moduleMarks []string) {
	className := fx.defName(def)
	if className == "" {
		return
	}
	body := def.ChildByFieldName("body")

	classMarks := mergeMarks(
		moduleMarks,
		fx.resolver.decoratorMarks(decorators),
		fx.resolver.markList(body),
	)
	classDecorators := fx.resolver.decoratorNames(decorators)

	for _, stmt := range namedChildren(body) {
		method, methodDecorators := unwrapDefinition(stmt)
		if method == nil || method.Type() != "function_definition" {
			continue
		}
		name := fx.defName(method)
		if !fx.isTestName(name) {
			continue
		}
		fx.record(method, methodDecorators, className+"."+name, classMarks, classDecorators)
	}
}

// record builds one TestRecord from a function definition.
func (fx *fileExtraction) record(def *sitter.Node, decorators []*sitter.Node, nodeName string, inheritedMarks, inheritedDecorators []string) {
	markers := mergeMarks(inheritedMarks, fx.resolver.decoratorMarks(decorators))

	pytestDecorators := make([]string, 0, len(inheritedDecorators)+len(decorators))
	pytestDecorators = append(pytestDecorators, inheritedDecorators...)
	pytestDecorators = append(pytestDecorators, fx.resolver.decoratorNames(decorators)...)

	level, ambiguous := fx.extractor.pickLevel(markers)
	if ambiguous {
		ambiguousLevelsTotal.Inc()
		slog.Debug("several level markers on one test",
			slog.String("file", fx.filePath),
			slog.String("test", nodeName),
			slog.String("picked", level),
		)
	}

	rec := TestRecord{
		FilePath:         fx.filePath,
		NodeName:         nodeName,
		Level:            level,
		LevelAmbiguous:   ambiguous,
		Markers:          markers,
		PytestDecorators: pytestDecorators,
		AssertCount:      countAsserts(def, fx.src),
		HasDocstring:     hasDocstring(def, fx.src),
		Line:             int(def.StartPoint().Row) + 1,
	}
	rec.HasParametrize = rec.HasMarker("parametrize")
	fx.records = append(fx.records, rec)
}

func (fx *fileExtraction) defName(def *sitter.Node) string {
	name := def.ChildByFieldName("name")
	if name == nil {
		return ""
	}
	return name.Content(fx.src)
}

func (fx *fileExtraction) isTestName(name string) bool {
	return name != "" && strings.HasPrefix(name, fx.extractor.testPrefix)
}

// pickLevel returns the level marker of a sorted marker set.
//
// When several markers match, the lexicographically smallest is returned
// together with ambiguous=true.
func (e *Extractor) pickLevel(markers []string) (level string, ambiguous bool) {
	matches := 0
	for _, m := range markers {
		if !matchesFromStart(e.levelPattern, m) {
			continue
		}
		if matches == 0 {
			level = m
		}
		matches++
	}
	return level, matches > 1
}

// matchesFromStart reports whether re matches s at position 0.
func matchesFromStart(re *regexp.Regexp, s string) bool {
	loc := re.FindStringIndex(s)
	return loc != nil && loc[0] == 0
}

// unwrapDefinition returns the definition of a statement and the decorator
// nodes attached to it. Non-definitions return nil.
func unwrapDefinition(stmt *sitter.Node) (*sitter.Node, []*sitter.Node) {
	switch stmt.Type() {
	case "function_definition", "class_definition":
		return stmt, nil
	case "decorated_definition":
		var decorators []*sitter.Node
		for _, child := range namedChildren(stmt) {
			if child.Type() == "decorator" {
				decorators = append(decorators, child)
			}
		}
		def := stmt.ChildByFieldName("definition")
		if def == nil {
			return nil, nil
		}
		return def, decorators
	default:
		return nil, nil
	}
}

// countAsserts counts assert statements and calls whose callee name starts
// with "assert" (case-insensitive) anywhere inside def, nested defs included.
func countAsserts(def *sitter.Node, src []byte) int {
	count := 0
	stack := []*sitter.Node{def}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == nil {
			continue
		}

		switch n.Type() {
		case "assert_statement":
			count++
		case "call":
			if name := calleeName(n.ChildByFieldName("function"), src); strings.HasPrefix(strings.ToLower(name), "assert") {
				count++
			}
		}

		for i := int(n.NamedChildCount()) - 1; i >= 0; i-- {
			stack = append(stack, n.NamedChild(i))
		}
	}
	return count
}

// calleeName returns the simple name of a callee: the identifier itself or
// the last attribute segment.
func calleeName(fn *sitter.Node, src []byte) string {
	switch classifyExpr(fn) {
	case exprIdentifier:
		return fn.Content(src)
	case exprAttribute:
		if attr := fn.ChildByFieldName("attribute"); attr != nil {
			return attr.Content(src)
		}
	}
	return ""
}

// hasDocstring reports whether the first statement of the body is a plain
// string literal. Comments are not statements.
func hasDocstring(def *sitter.Node, src []byte) bool {
	first := firstNamedChild(def.ChildByFieldName("body"))
	if first == nil || first.Type() != "expression_statement" {
		return false
	}
	exprs := namedChildren(first)
	if len(exprs) != 1 {
		return false
	}
	expr := exprs[0]
	for expr.Type() == "parenthesized_expression" {
		inner := namedChildren(expr)
		if len(inner) != 1 {
			return false
		}
		expr = inner[0]
	}
	return isPlainString(expr, src)
}

// isPlainString reports whether n is a str literal: not an f-string, not a
// bytes literal. Implicit concatenations of plain strings qualify.
func isPlainString(n *sitter.Node, src []byte) bool {
	switch n.Type() {
	case "string":
		text := n.Content(src)
		quote := strings.IndexAny(text, `'"`)
		if quote < 0 {
			return false
		}
		return !strings.ContainsAny(strings.ToLower(text[:quote]), "bf")
	case "concatenated_string":
		parts := namedChildren(n)
		if len(parts) == 0 {
			return false
		}
		for _, part := range parts {
			if !isPlainString(part, src) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// firstErrorLine returns the 1-based line of the first ERROR or MISSING node.
// legacySyntaxLine returns the 1-based line of the first construct the
// grammar accepts but Python 3 rejects, or 0 if there is none.
func legacySyntaxLine(root *sitter.Node) int {
	stack := []*sitter.Node{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == nil {
			continue
		}
		switch n.Type() {
		case "print_statement", "exec_statement":
			return int(n.StartPoint().Row) + 1
		case "except_clause":
			// except E, name:
			for i := 0; i < int(n.ChildCount()); i++ {
				if c := n.Child(i); c != nil && c.Type() == "," {
					return int(n.StartPoint().Row) + 1
				}
			}
		}
		for i := int(n.NamedChildCount()) - 1; i >= 0; i-- {
			stack = append(stack, n.NamedChild(i))
		}
	}
	return 0
}

func firstErrorLine(root *sitter.Node) int {
	stack := []*sitter.Node{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == nil {
			continue
		}
		if n.Type() == "ERROR" || n.IsMissing() {
			return int(n.StartPoint().Row) + 1
		}
		if !n.HasError() {
			continue
		}
		for i := int(n.ChildCount()) - 1; i >= 0; i-- {
			stack = append(stack, n.Child(i))
		}
	}
	return 0
}
