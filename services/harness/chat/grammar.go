// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chat

import (
	"encoding/json"
	"fmt"
	"sort"
)

// GrammarKind discriminates the grammar union.
type GrammarKind string

const (
	// GrammarTag is a named enum tag such as "yes/no".
	GrammarTag GrammarKind = "tag"

	// GrammarChoices is an explicit choice list.
	GrammarChoices GrammarKind = "choices"

	// GrammarSchema is a raw JSON Schema constraint.
	GrammarSchema GrammarKind = "schema"
)

// Known grammar tags and the choice sets they expand to.
var grammarTags = map[string][]string{
	"yes/no":         {"yes", "no"},
	"yes/no/unknown": {"yes", "no", "unknown"},
	"pos/neg":        {"pos", "neg"},
	"mcq4":           {"A", "B", "C", "D"},
}

// Grammar constrains model output. Exactly one of Tag, Choices, or
// Schema is set depending on Kind. Backends resolve it to their own
// representation at send time (guided_choice / guided_json for vLLM,
// strict response_format for OpenAI).
type Grammar struct {
	Kind    GrammarKind     `json:"kind"`
	Tag     string          `json:"tag,omitempty"`
	Choices []string        `json:"choices,omitempty"`
	Schema  json.RawMessage `json:"schema,omitempty"`
}

// TagGrammar builds a grammar from a named tag.
//
// Outputs:
//   - *Grammar: The grammar.
//   - error: Non-nil if the tag is not known.
func TagGrammar(tag string) (*Grammar, error) {
	if _, ok := grammarTags[tag]; !ok {
		return nil, fmt.Errorf("unknown grammar tag %q", tag)
	}
	return &Grammar{Kind: GrammarTag, Tag: tag}, nil
}

// ChoiceGrammar builds a grammar from an explicit choice list.
func ChoiceGrammar(choices []string) *Grammar {
	return &Grammar{Kind: GrammarChoices, Choices: choices}
}

// SchemaGrammar builds a grammar from a raw JSON Schema.
func SchemaGrammar(schema json.RawMessage) *Grammar {
	return &Grammar{Kind: GrammarSchema, Schema: schema}
}

// ChoiceSet returns the concrete choice list for tag and choice
// grammars, nil for schema grammars.
func (g *Grammar) ChoiceSet() []string {
	switch g.Kind {
	case GrammarTag:
		return grammarTags[g.Tag]
	case GrammarChoices:
		return g.Choices
	default:
		return nil
	}
}

// StrictSchema rewrites a JSON Schema for OpenAI strict mode.
//
// Description:
//
//	OpenAI structured outputs reject minimum/maximum/minItems/maxItems
//	and require additionalProperties:false with every property listed
//	in required. The rewrite is applied recursively so nested object
//	and array schemas are normalized too. The input is not mutated.
//
// Inputs:
//   - schema: The raw JSON Schema.
//
// Outputs:
//   - json.RawMessage: The rewritten schema.
//   - error: Non-nil if the schema is not a JSON object.
func StrictSchema(schema json.RawMessage) (json.RawMessage, error) {
	var node map[string]any
	if err := json.Unmarshal(schema, &node); err != nil {
		return nil, fmt.Errorf("grammar schema is not an object: %w", err)
	}
	strictify(node)
	out, err := json.Marshal(node)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func strictify(node map[string]any) {
	for _, k := range []string{"minimum", "maximum", "minItems", "maxItems"} {
		delete(node, k)
	}
	if props, ok := node["properties"].(map[string]any); ok {
		node["additionalProperties"] = false
		names := make([]string, 0, len(props))
		for name, sub := range props {
			names = append(names, name)
			if m, ok := sub.(map[string]any); ok {
				strictify(m)
			}
		}
		// Sorted so the rewrite is deterministic across runs.
		sort.Strings(names)
		required := make([]any, len(names))
		for i, n := range names {
			required[i] = n
		}
		node["required"] = required
	}
	if items, ok := node["items"].(map[string]any); ok {
		strictify(items)
	}
	if defs, ok := node["$defs"].(map[string]any); ok {
		for _, sub := range defs {
			if m, ok := sub.(map[string]any); ok {
				strictify(m)
			}
		}
	}
}
