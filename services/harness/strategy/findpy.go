// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package strategy

import (
	"context"
	"errors"
	"log/slog"

	"github.com/AleutianAI/gauntlet/services/harness/chat"
	"github.com/AleutianAI/gauntlet/services/harness/client"
	"github.com/AleutianAI/gauntlet/services/harness/sandbox"
	"github.com/AleutianAI/gauntlet/services/harness/template"
)

// Default retry prompts for the find-py-object loop.
var (
	DefaultRetryErrorTemplate = template.New("retry_error",
		"Executing your code failed with:\n{error}\nFix the code and send it again in a single python block.")

	DefaultRetryMissingTemplate = template.New("retry_missing",
		"Your reply did not define `{symbol}`. Send a single python block that defines `{symbol}`.")
)

// FindConfig tunes the find-py-object retry loop.
type FindConfig struct {
	// MaxRetries is the number of retry turns after the first
	// attempt.
	MaxRetries int

	// Params are forwarded to every model call.
	Params client.Params

	// RetryError is sent when executing a block raised; its {error}
	// variable receives the message. Nil uses the default.
	RetryError *template.Template

	// RetryMissing is sent when no block bound the symbol; its
	// {symbol} variable receives the name. Nil uses the default.
	RetryMissing *template.Template
}

// FindOutcome is a successful find: the final response, how many
// retries it took, and the realized block that bound the symbol.
type FindOutcome struct {
	Response *chat.Response
	Retries  int
	Realized *sandbox.Realized
	Messages []chat.Message
}

// FindPyObject coaxes the model into defining a named Python object.
//
// Description:
//
//	Opens a chat with the prompt, then for up to MaxRetries+1 turns
//	extracts every python block from the reply and executes it in the
//	sandbox session. The loop ends as soon as the target symbol is
//	bound in the session namespace. Between turns the model receives
//	either the execution error or a missing-symbol nudge. Exhaustion
//	returns ErrExceededRetries.
func FindPyObject(ctx context.Context, c *client.Client, sess *sandbox.Session, prompt, symbol string, cfg FindConfig) (*FindOutcome, error) {
	retryError := cfg.RetryError
	if retryError == nil {
		retryError = DefaultRetryErrorTemplate
	}
	retryMissing := cfg.RetryMissing
	if retryMissing == nil {
		retryMissing = DefaultRetryMissingTemplate
	}

	d := c.MultiTurn([]chat.Message{chat.User(prompt)}, cfg.Params, cfg.MaxRetries)
	for attempt := 0; ; attempt++ {
		resp, err := d.Next(ctx)
		if errors.Is(err, client.ErrTurnsExhausted) {
			return nil, failf(ErrExceededRetries, "no %q after %d attempts", symbol, attempt)
		}
		if err != nil {
			return nil, err
		}

		blocks := sandbox.PythonBlocks(d.Last().Text())
		var lastRealized *sandbox.Realized
		execError := ""
		for _, block := range blocks {
			realized, err := sess.Exec(ctx, block.Code)
			if err != nil {
				return nil, err
			}
			if realized.Failed() {
				execError = realized.Error + ": " + realized.ErrorMessage
				continue
			}
			lastRealized = realized
			if realized.Has(symbol) {
				return &FindOutcome{Response: resp, Retries: attempt, Realized: realized, Messages: d.Messages()}, nil
			}
		}

		// A block may bind the symbol indirectly (e.g. an alias), so
		// the session namespace is the final authority.
		if bound, err := sess.Has(ctx, symbol); err != nil {
			return nil, err
		} else if bound {
			return &FindOutcome{Response: resp, Retries: attempt, Realized: lastRealized, Messages: d.Messages()}, nil
		}

		var nudge string
		if execError != "" {
			nudge, err = retryError.Fill(map[string]string{"error": execError})
		} else {
			nudge, err = retryMissing.Fill(map[string]string{"symbol": symbol})
		}
		if err != nil {
			return nil, err
		}
		slog.Debug("Retrying python object",
			slog.String("symbol", symbol),
			slog.Int("attempt", attempt),
			slog.Int("blocks", len(blocks)),
			slog.Bool("exec_error", execError != ""),
		)
		d.Append(chat.User(nudge))
	}
}
