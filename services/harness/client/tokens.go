// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package client

import (
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Tokenizer is a best-effort local token counter. When no encoding is
// available for the model (offline, unknown model) Count returns 0
// and callers fall back to server-reported usage.
type Tokenizer struct {
	model string

	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewTokenizer creates a lazy tokenizer for the model. The encoding is
// resolved on first use so that construction never blocks.
func NewTokenizer(model string) *Tokenizer {
	return &Tokenizer{model: model}
}

// Count returns the token count of text, or 0 when no local encoding
// is available.
func (t *Tokenizer) Count(text string) int {
	t.once.Do(func() {
		enc, err := tiktoken.EncodingForModel(t.model)
		if err != nil {
			enc, err = tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE)
		}
		if err != nil {
			slog.Debug("No local tokenizer, falling back to server usage",
				slog.String("model", t.model),
				slog.String("error", err.Error()),
			)
			return
		}
		t.enc = enc
	})
	if t.enc == nil {
		return 0
	}
	return len(t.enc.Encode(text, nil, nil))
}
