// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package template provides parameterized prompt templates identified by
// the SHA-256 of their raw text.
//
// The hash is the machine identity: checkpoints and caches compare hashes,
// not names, so cosmetic renames never invalidate state while any textual
// edit does.
package template

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// placeholderPattern matches {name} placeholders, case-sensitively.
// Braces around non-identifiers (JSON examples in prompts) are left
// untouched.
var placeholderPattern = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Template is a parameterized prompt text.
type Template struct {
	// Raw is the template text with {name} placeholders.
	Raw string `json:"raw"`

	// Ident is the human-readable name (basename for file templates).
	Ident string `json:"ident"`

	// Code is the SHA-256 hex digest of Raw.
	Code string `json:"code"`
}

// New creates a template from raw text.
func New(ident, raw string) *Template {
	sum := sha256.Sum256([]byte(raw))
	return &Template{
		Raw:   raw,
		Ident: ident,
		Code:  hex.EncodeToString(sum[:]),
	}
}

// Load reads a template file. The ident is the basename without
// extension.
func Load(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template %s: %w", path, err)
	}
	base := filepath.Base(path)
	ident := strings.TrimSuffix(base, filepath.Ext(base))
	return New(ident, string(data)), nil
}

// Variables returns the distinct placeholder names in order of first
// appearance.
func (t *Template) Variables() []string {
	seen := make(map[string]bool)
	var names []string
	for _, m := range placeholderPattern.FindAllStringSubmatch(t.Raw, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}

// Fill substitutes every placeholder with its value.
//
// Outputs:
//   - string: The filled text.
//   - error: Non-nil if any placeholder has no value. Extra values are
//     ignored.
func (t *Template) Fill(values map[string]string) (string, error) {
	var missing []string
	out := placeholderPattern.ReplaceAllStringFunc(t.Raw, func(m string) string {
		name := m[1 : len(m)-1]
		v, ok := values[name]
		if !ok {
			missing = append(missing, name)
			return m
		}
		return v
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("template %s: missing variables %v", t.Ident, missing)
	}
	return out, nil
}
