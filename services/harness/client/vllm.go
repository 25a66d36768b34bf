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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/AleutianAI/gauntlet/services/harness/chat"
	"github.com/AleutianAI/gauntlet/services/harness/parse"
)

const (
	// DefaultVLLMBaseURL matches a local vLLM server.
	DefaultVLLMBaseURL = "http://localhost:8000"

	vllmRequestTimeout = 10 * time.Minute
	vllmMaxRetries     = 4
)

// ErrVLLMStatus wraps non-2xx responses from the completion endpoint.
var ErrVLLMStatus = errors.New("vllm request failed")

// VLLMBackend drives a vLLM server through the raw /v1/completions
// endpoint instead of the chat endpoint. The chat template is applied
// client-side so the exact prompt bytes are observable and loggable,
// and tool calls come back as text that the parser lifts into
// structured calls.
type VLLMBackend struct {
	baseURL  string
	model    string
	template *ChatTemplate
	http     *http.Client
	logger   *slog.Logger
}

// VLLMOption configures a VLLMBackend.
type VLLMOption func(*VLLMBackend)

// WithVLLMHTTPClient overrides the HTTP client.
func WithVLLMHTTPClient(hc *http.Client) VLLMOption {
	return func(b *VLLMBackend) { b.http = hc }
}

// WithVLLMLogger overrides the backend logger.
func WithVLLMLogger(logger *slog.Logger) VLLMOption {
	return func(b *VLLMBackend) { b.logger = logger }
}

// NewVLLMBackend creates a completion-endpoint backend.
//
// Inputs:
//   - baseURL: Server root, e.g. "http://localhost:8000". Empty uses
//     DefaultVLLMBaseURL.
//   - model: Served model name as reported by /v1/models.
//   - style: Tool rendering style for the chat template.
func NewVLLMBackend(baseURL, model string, style ToolStyle, opts ...VLLMOption) (*VLLMBackend, error) {
	if baseURL == "" {
		baseURL = DefaultVLLMBaseURL
	}
	tpl, err := NewChatTemplate(style)
	if err != nil {
		return nil, err
	}
	b := &VLLMBackend{
		baseURL:  strings.TrimRight(baseURL, "/"),
		model:    model,
		template: tpl,
		http:     &http.Client{Timeout: vllmRequestTimeout},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// NewVLLMBackendFromEnv reads VLLM_BASE_URL and VLLM_MODEL.
func NewVLLMBackendFromEnv(style ToolStyle, opts ...VLLMOption) (*VLLMBackend, error) {
	model := os.Getenv("VLLM_MODEL")
	if model == "" {
		return nil, errors.New("VLLM_MODEL is not set")
	}
	return NewVLLMBackend(os.Getenv("VLLM_BASE_URL"), model, style, opts...)
}

// Name implements Backend.
func (b *VLLMBackend) Name() string { return "vllm" }

// vllmCompletionRequest is the raw completion payload. Guided decoding
// fields are vLLM extensions.
type vllmCompletionRequest struct {
	Model         string          `json:"model"`
	Prompt        string          `json:"prompt"`
	MaxTokens     int             `json:"max_tokens,omitempty"`
	Temperature   *float32        `json:"temperature,omitempty"`
	TopP          *float32        `json:"top_p,omitempty"`
	Seed          *int            `json:"seed,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	GuidedChoice  []string        `json:"guided_choice,omitempty"`
	GuidedJSON    json.RawMessage `json:"guided_json,omitempty"`
	StreamOptions *struct {
		IncludeUsage bool `json:"include_usage"`
	} `json:"stream_options,omitempty"`
}

type vllmCompletionChoice struct {
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason"`
}

type vllmCompletionResponse struct {
	ID      string                 `json:"id"`
	Model   string                 `json:"model"`
	Choices []vllmCompletionChoice `json:"choices"`
	Usage   *chat.Usage            `json:"usage"`
}

// Complete implements Backend. The transcript is rendered through the
// chat template, posted to /v1/completions, and the returned text is
// parsed back into a structured assistant message.
func (b *VLLMBackend) Complete(ctx context.Context, req *chat.Request) (*chat.Response, error) {
	payload, err := b.toWire(req)
	if err != nil {
		return nil, err
	}
	raw, err := b.post(ctx, payload)
	if err != nil {
		return nil, err
	}

	var wire vllmCompletionResponse
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("decode vllm response: %w", err)
	}
	return b.fromWire(req, &wire)
}

// OpenStream implements Backend. vLLM completion streaming returns
// delta text; tool-call parsing needs the full text, so the stream
// surfaces raw fragments and the caller parses the joined result.
func (b *VLLMBackend) OpenStream(ctx context.Context, req *chat.Request) (Stream, error) {
	payload, err := b.toWire(req)
	if err != nil {
		return nil, err
	}
	payload.Stream = true
	payload.StreamOptions = &struct {
		IncludeUsage bool `json:"include_usage"`
	}{IncludeUsage: true}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/v1/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := b.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: status %d: %s", ErrVLLMStatus, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return newSSEStream(resp.Body), nil
}

// Ping implements Pinger via vLLM's /ping health route with a
// fallback to /health.
func (b *VLLMBackend) Ping(ctx context.Context) error {
	for _, path := range []string{"/ping", "/health"} {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+path, nil)
		if err != nil {
			return err
		}
		resp, err := b.http.Do(req)
		if err != nil {
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			return nil
		}
	}
	return fmt.Errorf("%w: server at %s is not healthy", ErrVLLMStatus, b.baseURL)
}

// toWire renders the prompt and resolves the grammar to vLLM guided
// decoding fields.
func (b *VLLMBackend) toWire(req *chat.Request) (*vllmCompletionRequest, error) {
	prompt, err := b.template.Render(req.Messages, req.Tools)
	if err != nil {
		return nil, err
	}
	model := req.Model
	if model == "" {
		model = b.model
	}
	wire := &vllmCompletionRequest{
		Model:       model,
		Prompt:      prompt,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Seed:        req.Seed,
	}
	if req.Grammar != nil {
		switch req.Grammar.Kind {
		case chat.GrammarSchema:
			wire.GuidedJSON = req.Grammar.Schema
		default:
			wire.GuidedChoice = req.Grammar.ChoiceSet()
		}
	}
	return wire, nil
}

// fromWire parses completion text back into a chat response.
func (b *VLLMBackend) fromWire(req *chat.Request, wire *vllmCompletionResponse) (*chat.Response, error) {
	toolNames := make([]string, 0, len(req.Tools))
	for _, t := range req.Tools {
		toolNames = append(toolNames, t.Name)
	}
	parser := parse.NewParser(wire.Model, toolNames)

	out := &chat.Response{}
	if wire.Usage != nil {
		out.Usage = *wire.Usage
	}
	for i, choice := range wire.Choices {
		msg, err := parser.Parse(choice.Text)
		if err != nil {
			return nil, fmt.Errorf("parse completion choice %d: %w", i, err)
		}
		out.Choices = append(out.Choices, chat.Choice{
			Message:      *msg,
			FinishReason: choice.FinishReason,
		})
	}
	return out, nil
}

// post sends the payload with exponential backoff on transient
// failures. 4xx statuses are permanent.
func (b *VLLMBackend) post(ctx context.Context, payload *vllmCompletionRequest) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	operation := func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/v1/completions", bytes.NewReader(body))
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := b.http.Do(req)
		if err != nil {
			b.logger.Warn("vllm request failed, retrying", "error", err)
			return nil, err
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			wrapped := fmt.Errorf("%w: status %d: %s", ErrVLLMStatus, resp.StatusCode, strings.TrimSpace(string(raw)))
			if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return nil, backoff.Permanent(wrapped)
			}
			b.logger.Warn("vllm request failed, retrying", "status", resp.StatusCode)
			return nil, wrapped
		}
		return raw, nil
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(vllmMaxRetries),
	)
}

// sseStream reads text/event-stream completion chunks.
type sseStream struct {
	body io.ReadCloser
	dec  *sseDecoder
}

func newSSEStream(body io.ReadCloser) *sseStream {
	return &sseStream{body: body, dec: newSSEDecoder(body)}
}

// Recv implements Stream.
func (s *sseStream) Recv() (Chunk, error) {
	for {
		data, err := s.dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Chunk{Done: true}, nil
			}
			return Chunk{}, err
		}
		if data == "[DONE]" {
			return Chunk{Done: true}, nil
		}
		var wire vllmCompletionResponse
		if err := json.Unmarshal([]byte(data), &wire); err != nil {
			return Chunk{}, fmt.Errorf("decode stream chunk: %w", err)
		}
		chunk := Chunk{Usage: wire.Usage}
		if len(wire.Choices) > 0 {
			chunk.Content = wire.Choices[0].Text
		}
		if chunk.Content == "" && chunk.Usage == nil {
			continue
		}
		return chunk, nil
	}
}

// Close implements Stream.
func (s *sseStream) Close() error { return s.body.Close() }
