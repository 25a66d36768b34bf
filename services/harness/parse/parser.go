// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package parse converts free-form model output into a structured
// assistant message: content, reasoning, and tool calls.
//
// Several model dialects are recognized: the gpt-oss analysis /
// assistantfinal channel, Mistral bracket-tag blocks, <think> blocks,
// <tool_calls> wrappers, Pythonic call lists, JSON call objects, and
// <answer> blocks. Per-line parse failures leave the line as content;
// a detected block that yields zero valid calls fails hard so the
// caller can retry the model.
package parse

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/AleutianAI/gauntlet/services/harness/chat"
)

var (
	thinkPattern    = regexp.MustCompile(`(?s)<think>(.*?)</think>`)
	toolsPattern    = regexp.MustCompile(`(?s)<tool_calls?>(.*?)</tool_calls?>`)
	answerPattern   = regexp.MustCompile(`(?s)<answer>(.*?)</answer>`)
	nameBraceName   = regexp.MustCompile(`^([A-Za-z_]\w*)\s*\{`)
	mistralMarkers  = []string{"TOOL_CALLS", "ASSISTANT_TASKS", "ACTIONS"}
	assistantFinal  = "assistantfinal"
	analysisChannel = "analysis"
)

// newCallID returns a fresh unique tool-call id.
func newCallID() string {
	return "call-" + uuid.NewString()[:8]
}

// Parser converts raw model output to a canonical assistant message.
//
// Model selects dialect fast paths; ToolNames lets the line-wise
// fallback recognize bare calls of registered tools.
//
// Thread Safety: Parser is immutable after construction and safe for
// concurrent use.
type Parser struct {
	Model     string
	ToolNames []string
}

// NewParser creates a parser for the given model and tool names.
func NewParser(model string, toolNames []string) *Parser {
	return &Parser{Model: model, ToolNames: toolNames}
}

// Parse converts raw model output to a canonical assistant message.
//
// Description:
//
//	Dialects are applied in a fixed order: model-specific fast paths
//	(gpt-oss channels, Mistral bracket tags), <think> extraction,
//	<tool_calls> blocks, line-wise Pythonic/JSON fallback, and the
//	<answer> block. Content is null when the message is pure tool
//	calls or reasoning.
//
// Outputs:
//
//	*chat.Message - The canonical assistant message. Never nil on
//	  success.
//	error - Non-nil when a detected structure is malformed (caller
//	  retries).
func (p *Parser) Parse(text string) (*chat.Message, error) {
	msg := &chat.Message{Role: chat.RoleAssistant}

	// Model-specific fast paths. These return immediately when they
	// match, per the dialect's own framing rules.
	if strings.Contains(p.Model, "gpt-oss") {
		if reasoning, final, ok := splitHarmonyChannels(text); ok {
			msg.ReasoningContent = reasoning
			msg.SetText(final)
			return msg, nil
		}
	}
	if marker := findMistralMarker(text); marker != "" {
		calls, content, err := parseMistralBlock(text, marker)
		if err != nil {
			return nil, err
		}
		msg.ToolCalls = calls
		finishContent(msg, content)
		return msg, nil
	}

	// <think> block: first match becomes reasoning content.
	if m := thinkPattern.FindStringSubmatchIndex(text); m != nil {
		msg.ReasoningContent = strings.TrimSpace(text[m[2]:m[3]])
		text = text[:m[0]] + text[m[1]:]
	}

	// <tool_calls> wrappers.
	rest, calls, err := p.extractToolBlocks(text)
	if err != nil {
		return nil, err
	}
	text = rest
	msg.ToolCalls = append(msg.ToolCalls, calls...)

	// Line-wise fallback over whatever is left.
	text, calls = p.scanLines(text)
	msg.ToolCalls = append(msg.ToolCalls, calls...)

	// <answer> block wins as the sole content.
	if m := answerPattern.FindStringSubmatch(text); m != nil {
		text = m[1]
	}

	finishContent(msg, text)
	return msg, nil
}

// finishContent trims and attaches content, nulling it when the
// message already carries tool calls or reasoning and nothing is left.
func finishContent(msg *chat.Message, text string) {
	text = strings.TrimSpace(text)
	if text == "" && (len(msg.ToolCalls) > 0 || msg.ReasoningContent != "") {
		msg.Content = nil
		return
	}
	msg.SetText(text)
}

// splitHarmonyChannels splits gpt-oss "analysis ... assistantfinal ..."
// output into reasoning and final content.
func splitHarmonyChannels(text string) (reasoning, final string, ok bool) {
	idx := strings.Index(text, assistantFinal)
	if idx < 0 {
		return "", "", false
	}
	head := text[:idx]
	final = strings.TrimSpace(text[idx+len(assistantFinal):])

	head = strings.TrimSpace(head)
	head = strings.TrimPrefix(head, analysisChannel)
	head = strings.TrimPrefix(head, ":")
	return strings.TrimSpace(head), final, true
}

// findMistralMarker returns the first Mistral bracket marker present.
func findMistralMarker(text string) string {
	for _, marker := range mistralMarkers {
		if strings.Contains(text, "["+marker+"]") {
			return marker
		}
	}
	return ""
}

// parseMistralBlock extracts calls from a [TOOL_CALLS]-style block,
// enclosed ([/TOOL_CALLS]) or unclosed (to end of string). The block
// body is either JSON calls or repeated name{json} entries. A block
// that yields no valid calls is a hard error.
func parseMistralBlock(text, marker string) ([]chat.ToolCall, string, error) {
	open := "[" + marker + "]"
	closing := "[/" + marker + "]"

	start := strings.Index(text, open)
	inner := text[start+len(open):]
	content := text[:start]
	if end := strings.Index(inner, closing); end >= 0 {
		content += inner[end+len(closing):]
		inner = inner[:end]
	}
	inner = strings.TrimSpace(inner)

	if calls, err := ParseJSONCalls(inner); err == nil {
		return calls, content, nil
	}
	calls, err := parseNameBraceCalls(inner)
	if err != nil {
		return nil, "", fmt.Errorf("malformed %s block: %w", open, err)
	}
	return calls, content, nil
}

// parseNameBraceCalls parses repeated name{json} entries. The braces
// are matched by depth so nested argument objects survive.
func parseNameBraceCalls(text string) ([]chat.ToolCall, error) {
	var calls []chat.ToolCall
	rest := strings.TrimSpace(text)
	for rest != "" {
		m := nameBraceName.FindStringSubmatch(rest)
		if m == nil {
			return nil, fmt.Errorf("expected name{arguments} at %q", rest)
		}
		body := rest[len(m[0])-1:] // from the opening brace
		end := matchBraces(body)
		if end < 0 {
			return nil, fmt.Errorf("unbalanced braces at %q", rest)
		}
		call, err := (&jsonCall{Name: m[1], Arguments: []byte(body[:end])}).toToolCall()
		if err != nil {
			return nil, err
		}
		calls = append(calls, call)
		rest = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(rest[len(m[0])-1+end:]), ","))
	}
	if len(calls) == 0 {
		return nil, fmt.Errorf("no calls in block")
	}
	return calls, nil
}

// matchBraces returns the index just past the brace matching body[0],
// or -1. JSON string escapes are honored.
func matchBraces(body string) int {
	depth := 0
	inString := false
	for i := 0; i < len(body); i++ {
		c := body[i]
		if inString {
			switch c {
			case '\\':
				i++
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return -1
}

// extractToolBlocks pulls <tool_calls> wrappers out of the text. Each
// line inside a block is tried first as a Pythonic call list, then as
// JSON calls. A block with zero valid calls fails hard.
func (p *Parser) extractToolBlocks(text string) (string, []chat.ToolCall, error) {
	matches := toolsPattern.FindAllStringSubmatchIndex(text, -1)
	if matches == nil {
		return text, nil, nil
	}
	var calls []chat.ToolCall
	var sb strings.Builder
	prev := 0
	for _, m := range matches {
		sb.WriteString(text[prev:m[0]])
		prev = m[1]

		inner := text[m[2]:m[3]]
		blockCalls := p.callsFromBlockBody(inner)
		if len(blockCalls) == 0 {
			return "", nil, fmt.Errorf("tool_calls block yielded no valid calls: %q", strings.TrimSpace(inner))
		}
		calls = append(calls, blockCalls...)
	}
	sb.WriteString(text[prev:])
	return sb.String(), calls, nil
}

func (p *Parser) callsFromBlockBody(body string) []chat.ToolCall {
	var calls []chat.ToolCall
	// Whole-body JSON first: multi-line JSON lists are common.
	if batch, err := ParseJSONCalls(body); err == nil {
		return batch
	}
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if batch, err := ParsePythonic(line); err == nil {
			calls = append(calls, batch...)
			continue
		}
		if batch, err := ParseJSONCalls(line); err == nil {
			calls = append(calls, batch...)
		}
	}
	return calls
}

// scanLines is the line-wise fallback: lines that look like Pythonic
// or JSON tool calls are consumed; parse failures leave the line as
// content.
func (p *Parser) scanLines(text string) (string, []chat.ToolCall) {
	var calls []chat.ToolCall
	var kept []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "[") || p.startsWithToolName(trimmed) {
			if batch, err := ParsePythonic(trimmed); err == nil && p.allKnown(batch) {
				calls = append(calls, batch...)
				continue
			}
		}
		if strings.HasPrefix(trimmed, "{") || p.mentionsToolName(trimmed) {
			if batch, err := ParseJSONCalls(trimmed); err == nil && p.allKnown(batch) {
				calls = append(calls, batch...)
				continue
			}
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n"), calls
}

func (p *Parser) startsWithToolName(line string) bool {
	for _, name := range p.ToolNames {
		if strings.HasPrefix(line, name+"(") {
			return true
		}
	}
	return false
}

func (p *Parser) mentionsToolName(line string) bool {
	for _, name := range p.ToolNames {
		if strings.Contains(line, name) {
			return true
		}
	}
	return false
}

// allKnown reports whether every parsed call names a registered tool.
// With no registry configured, any name passes; with one, unknown
// names push the line back into content.
func (p *Parser) allKnown(calls []chat.ToolCall) bool {
	if len(p.ToolNames) == 0 {
		return true
	}
	for _, call := range calls {
		found := false
		for _, name := range p.ToolNames {
			if call.Function.Name == name {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Render serializes a canonical message back to text: reasoning in a
// <think> block, tool calls in a <tool_calls> block of JSON objects,
// then content. Parsing the result yields an equal message modulo
// fresh tool-call ids.
func Render(msg *chat.Message) string {
	var sb strings.Builder
	if msg.ReasoningContent != "" {
		sb.WriteString("<think>")
		sb.WriteString(msg.ReasoningContent)
		sb.WriteString("</think>\n")
	}
	if len(msg.ToolCalls) > 0 {
		sb.WriteString("<tool_calls>\n")
		for _, call := range msg.ToolCalls {
			args := call.Function.Arguments
			if args == "" {
				args = "{}"
			}
			sb.WriteString(fmt.Sprintf(`{"name": %q, "arguments": %s}`, call.Function.Name, args))
			sb.WriteString("\n")
		}
		sb.WriteString("</tool_calls>\n")
	}
	sb.WriteString(msg.Text())
	return sb.String()
}
