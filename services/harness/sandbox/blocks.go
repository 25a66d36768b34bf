// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sandbox extracts fenced code blocks from model output and
// executes Python blocks in a worker subprocess.
//
// The worker keeps one namespace per session, so functions defined in
// one block can be called from later blocks and from Go through the
// Call RPC. A block that raises is reported as a structured error and
// never propagates as a Go error.
package sandbox

import (
	"context"
	"regexp"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// fencePattern matches ```lang ... ``` fenced blocks. Only python and
// json fences are honored downstream.
var fencePattern = regexp.MustCompile("(?s)```([a-zA-Z0-9_+-]*)[ \t]*\n(.*?)```")

// Block is one fenced code block pulled out of markdown.
type Block struct {
	// Code is the fence body.
	Code string `json:"code"`

	// Language is the fence label, lowercased.
	Language string `json:"language"`

	// Unsafe marks Python blocks whose top level holds expressions
	// beyond definitions, assignments, imports, and one trailing
	// expression. Unsafe blocks still execute; the flag is advisory.
	Unsafe bool `json:"unsafe"`
}

// ExtractBlocks pulls python and json fenced blocks out of markdown,
// in document order.
func ExtractBlocks(markdown string) []Block {
	var blocks []Block
	for _, m := range fencePattern.FindAllStringSubmatch(markdown, -1) {
		lang := strings.ToLower(strings.TrimSpace(m[1]))
		if lang != "python" && lang != "json" {
			continue
		}
		b := Block{Code: m[2], Language: lang}
		if lang == "python" {
			b.Unsafe = classifyUnsafe(b.Code)
		}
		blocks = append(blocks, b)
	}
	return blocks
}

// PythonBlocks returns only the python blocks of the markdown.
func PythonBlocks(markdown string) []Block {
	var out []Block
	for _, b := range ExtractBlocks(markdown) {
		if b.Language == "python" {
			out = append(out, b)
		}
	}
	return out
}

// definitionNodes are top-level node types that bind names without
// side effects at module scope.
var definitionNodes = map[string]bool{
	"function_definition":     true,
	"class_definition":        true,
	"decorated_definition":    true,
	"import_statement":        true,
	"import_from_statement":   true,
	"future_import_statement": true,
	"comment":                 true,
}

// classifyUnsafe reports whether a block's top level contains bare
// expressions beyond at most one trailing one. Assignments count as
// definitions. Unparseable code is unsafe.
func classifyUnsafe(code string) bool {
	p := sitter.NewParser()
	p.SetLanguage(python.GetLanguage())
	tree, err := p.ParseCtx(context.Background(), nil, []byte(code))
	if err != nil {
		return true
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		return true
	}

	n := int(root.NamedChildCount())
	for i := 0; i < n; i++ {
		child := root.NamedChild(i)
		typ := child.Type()
		if definitionNodes[typ] {
			continue
		}
		if typ == "expression_statement" {
			if isAssignment(child) {
				continue
			}
			if i == n-1 {
				continue // one trailing expression is allowed
			}
			return true
		}
		// Loops, with, try, etc. at top level.
		return true
	}
	return false
}

// isAssignment reports whether an expression_statement is a (possibly
// chained or augmented) assignment.
func isAssignment(node *sitter.Node) bool {
	for i := 0; i < int(node.NamedChildCount()); i++ {
		typ := node.NamedChild(i).Type()
		if typ != "assignment" && typ != "augmented_assignment" {
			return false
		}
	}
	return node.NamedChildCount() > 0
}
