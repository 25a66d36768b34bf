// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package parse

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"

	"github.com/AleutianAI/gauntlet/services/harness/chat"
)

// ParsePythonic parses a Pythonic tool-call list such as
//
//	[get_weather(city="Dallas", country="USA"), get_time(tz="CST")]
//
// A single bare call and string elements that themselves contain a call
// are accepted too. Keyword arguments must be literals; bare
// identifiers (city=Barcelona) are accepted as strings. Each call gets
// a fresh unique id.
func ParsePythonic(text string) ([]chat.ToolCall, error) {
	src := []byte(strings.TrimSpace(text))
	if len(src) == 0 {
		return nil, fmt.Errorf("empty pythonic call text")
	}

	p := sitter.NewParser()
	p.SetLanguage(python.GetLanguage())
	tree, err := p.ParseCtx(context.Background(), nil, src)
	if err != nil {
		return nil, fmt.Errorf("parse pythonic calls: %w", err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		return nil, fmt.Errorf("pythonic call text is not valid Python: %q", text)
	}

	// The module must hold exactly one expression statement.
	var expr *sitter.Node
	for i := 0; i < int(root.NamedChildCount()); i++ {
		child := root.NamedChild(i)
		if child.Type() == "comment" {
			continue
		}
		if child.Type() != "expression_statement" || expr != nil {
			return nil, fmt.Errorf("pythonic call text must be a single expression, got %s", child.Type())
		}
		expr = child
	}
	if expr == nil || expr.NamedChildCount() == 0 {
		return nil, fmt.Errorf("no expression in pythonic call text")
	}

	return callsFromExpr(expr.NamedChild(0), src)
}

// callsFromExpr accepts a call node, a list/tuple of call nodes, or a
// string node whose content is itself a call list.
func callsFromExpr(node *sitter.Node, src []byte) ([]chat.ToolCall, error) {
	switch node.Type() {
	case "call":
		call, err := toolCallFromNode(node, src)
		if err != nil {
			return nil, err
		}
		return []chat.ToolCall{call}, nil

	case "list", "tuple":
		var calls []chat.ToolCall
		for i := 0; i < int(node.NamedChildCount()); i++ {
			elem := node.NamedChild(i)
			switch elem.Type() {
			case "call":
				call, err := toolCallFromNode(elem, src)
				if err != nil {
					return nil, err
				}
				calls = append(calls, call)
			case "string":
				inner, err := unquotePython(elem.Content(src))
				if err != nil {
					return nil, err
				}
				nested, err := ParsePythonic(inner)
				if err != nil {
					return nil, err
				}
				calls = append(calls, nested...)
			default:
				return nil, fmt.Errorf("list element %d is %s, want call", i, elem.Type())
			}
		}
		if len(calls) == 0 {
			return nil, fmt.Errorf("empty call list")
		}
		return calls, nil

	case "string":
		inner, err := unquotePython(node.Content(src))
		if err != nil {
			return nil, err
		}
		return ParsePythonic(inner)

	default:
		return nil, fmt.Errorf("expected call list, got %s", node.Type())
	}
}

// toolCallFromNode converts one Python call node into a chat.ToolCall.
func toolCallFromNode(node *sitter.Node, src []byte) (chat.ToolCall, error) {
	fn := node.ChildByFieldName("function")
	if fn == nil || fn.Type() != "identifier" {
		return chat.ToolCall{}, fmt.Errorf("tool call function must be a bare name")
	}
	name := fn.Content(src)

	args := make(map[string]any)
	argList := node.ChildByFieldName("arguments")
	if argList != nil {
		for i := 0; i < int(argList.NamedChildCount()); i++ {
			arg := argList.NamedChild(i)
			if arg.Type() == "comment" {
				continue
			}
			if arg.Type() != "keyword_argument" {
				return chat.ToolCall{}, fmt.Errorf("tool %s: positional arguments are not supported", name)
			}
			key := arg.ChildByFieldName("name").Content(src)
			value, err := literalValue(arg.ChildByFieldName("value"), src)
			if err != nil {
				return chat.ToolCall{}, fmt.Errorf("tool %s, argument %s: %w", name, key, err)
			}
			args[key] = value
		}
	}

	raw, err := json.Marshal(args)
	if err != nil {
		return chat.ToolCall{}, err
	}
	return chat.ToolCall{
		ID:       newCallID(),
		Type:     "function",
		Function: chat.FunctionCall{Name: name, Arguments: string(raw)},
	}, nil
}

// literalValue evaluates a restricted Python literal. This is the
// literal_eval subset: strings, numbers, booleans, None, lists,
// tuples, dicts. Bare identifiers evaluate to their own text so that
// city=Barcelona round-trips as the string "Barcelona".
func literalValue(node *sitter.Node, src []byte) (any, error) {
	if node == nil {
		return nil, fmt.Errorf("missing value")
	}
	switch node.Type() {
	case "string":
		return unquotePython(node.Content(src))

	case "concatenated_string":
		var sb strings.Builder
		for i := 0; i < int(node.NamedChildCount()); i++ {
			part, err := unquotePython(node.NamedChild(i).Content(src))
			if err != nil {
				return nil, err
			}
			sb.WriteString(part)
		}
		return sb.String(), nil

	case "integer":
		text := strings.ReplaceAll(node.Content(src), "_", "")
		n, err := strconv.ParseInt(text, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("bad integer %q", node.Content(src))
		}
		return n, nil

	case "float":
		f, err := strconv.ParseFloat(strings.ReplaceAll(node.Content(src), "_", ""), 64)
		if err != nil {
			return nil, fmt.Errorf("bad float %q", node.Content(src))
		}
		return f, nil

	case "unary_operator":
		text := node.Content(src)
		if n, err := strconv.ParseInt(strings.ReplaceAll(text, "_", ""), 0, 64); err == nil {
			return n, nil
		}
		if f, err := strconv.ParseFloat(strings.ReplaceAll(text, "_", ""), 64); err == nil {
			return f, nil
		}
		return nil, fmt.Errorf("bad numeric literal %q", text)

	case "true":
		return true, nil

	case "false":
		return false, nil

	case "none":
		return nil, nil

	case "identifier":
		return node.Content(src), nil

	case "list", "tuple", "set":
		out := make([]any, 0, node.NamedChildCount())
		for i := 0; i < int(node.NamedChildCount()); i++ {
			v, err := literalValue(node.NamedChild(i), src)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil

	case "dictionary":
		out := make(map[string]any)
		for i := 0; i < int(node.NamedChildCount()); i++ {
			pair := node.NamedChild(i)
			if pair.Type() != "pair" {
				return nil, fmt.Errorf("unsupported dictionary entry %s", pair.Type())
			}
			k, err := literalValue(pair.ChildByFieldName("key"), src)
			if err != nil {
				return nil, err
			}
			key, ok := k.(string)
			if !ok {
				key = fmt.Sprintf("%v", k)
			}
			v, err := literalValue(pair.ChildByFieldName("value"), src)
			if err != nil {
				return nil, err
			}
			out[key] = v
		}
		return out, nil

	default:
		return nil, fmt.Errorf("unsupported literal %s", node.Type())
	}
}

// unquotePython strips Python string quoting and resolves the common
// escape sequences. Prefixes (r, b, f, u) are dropped; raw strings
// keep their backslashes.
func unquotePython(s string) (string, error) {
	raw := false
	for len(s) > 0 {
		c := s[0]
		if c == 'r' || c == 'R' {
			raw = true
			s = s[1:]
			continue
		}
		if c == 'b' || c == 'B' || c == 'f' || c == 'F' || c == 'u' || c == 'U' {
			s = s[1:]
			continue
		}
		break
	}
	for _, q := range []string{`"""`, `'''`, `"`, `'`} {
		if strings.HasPrefix(s, q) && strings.HasSuffix(s, q) && len(s) >= 2*len(q) {
			s = s[len(q) : len(s)-len(q)]
			if raw {
				return s, nil
			}
			return unescapePython(s), nil
		}
	}
	return "", fmt.Errorf("malformed Python string literal")
}

func unescapePython(s string) string {
	if !strings.ContainsRune(s, '\\') {
		return s
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 == len(s) {
			sb.WriteByte(s[i])
			continue
		}
		i++
		switch s[i] {
		case 'n':
			sb.WriteByte('\n')
		case 't':
			sb.WriteByte('\t')
		case 'r':
			sb.WriteByte('\r')
		case '\\', '\'', '"':
			sb.WriteByte(s[i])
		default:
			sb.WriteByte('\\')
			sb.WriteByte(s[i])
		}
	}
	return sb.String()
}
