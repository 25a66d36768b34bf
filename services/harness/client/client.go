// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package client issues chat requests against pluggable backends and
// drives multi-turn dialogues.
//
// The Client owns the request pipeline: envelope construction, rate
// limiting, response caching, request logging, stats accounting, and
// post-response normalization. Backends (OpenAI, Azure, vLLM
// completion) only transport one envelope and are interchangeable.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/gauntlet/services/harness/chat"
	"github.com/AleutianAI/gauntlet/services/harness/tools"
)

var tracer = otel.Tracer("harness/client")

// ErrBudget is returned by Send when generation stopped at the token
// budget and the client is configured to treat that as fatal.
var ErrBudget = errors.New("generation hit the max_tokens budget")

// ErrNoChoices is returned when the backend response carries no
// choices.
var ErrNoChoices = errors.New("backend returned no choices")

// Chunk is one streaming fragment. The final chunk of a stream has
// Done set and may carry the usage totals.
type Chunk struct {
	Content string
	Usage   *chat.Usage
	Done    bool
}

// Stream is a lazy sequence of response fragments.
type Stream interface {
	// Recv returns the next chunk. io.EOF semantics are expressed via
	// Chunk.Done instead of an error.
	Recv() (Chunk, error)

	// Close releases the stream.
	Close() error
}

// Backend transports one request envelope.
type Backend interface {
	// Name identifies the backend for logging ("openai", "vllm", ...).
	Name() string

	// Complete sends one envelope and returns the raw response.
	Complete(ctx context.Context, req *chat.Request) (*chat.Response, error)

	// OpenStream sends one envelope and returns a fragment stream.
	OpenStream(ctx context.Context, req *chat.Request) (Stream, error)
}

// Pinger is implemented by backends with a health probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Params are per-request generation parameters. Zero-valued fields
// fall back to the client defaults.
type Params struct {
	Model       string
	MaxTokens   int
	Temperature *float32
	TopP        *float32
	Seed        *int
	Grammar     *chat.Grammar
	WithTools   bool
}

// Config is the client configuration.
type Config struct {
	// Model is the default model name.
	Model string `yaml:"model" validate:"required"`

	// MaxTokens is the default generation budget.
	MaxTokens int `yaml:"max_tokens" validate:"gt=0"`

	// Temperature is the default sampling temperature.
	Temperature *float32 `yaml:"temperature"`

	// TopP is the default nucleus sampling cutoff.
	TopP *float32 `yaml:"top_p"`

	// RaiseLengthLimit makes finish_reason=length fatal for the
	// sample.
	RaiseLengthLimit bool `yaml:"raise_length_limit"`
}

// Client drives one backend. See the package comment for the pipeline.
//
// Thread Safety: the stats history is mutex-guarded, but the protocol
// drives a client from a single goroutine; MultiTurn dialogues are not
// reentrant.
type Client struct {
	backend  Backend
	cfg      Config
	registry *tools.Registry
	counter  *Tokenizer

	logger  *RequestLogger
	cache   *Cache
	limiter *rate.Limiter

	mu      sync.Mutex
	history []chat.CallStats
}

// Option configures a Client.
type Option func(*Client)

// WithTools attaches a tool registry. Registered tool schemas ride on
// requests made with Params.WithTools and power ResolveToolCalls.
func WithTools(reg *tools.Registry) Option {
	return func(c *Client) { c.registry = reg }
}

// WithRequestLogger persists request/response envelopes to disk.
func WithRequestLogger(l *RequestLogger) Option {
	return func(c *Client) { c.logger = l }
}

// WithCache adds a content-addressed response cache.
func WithCache(cache *Cache) Option {
	return func(c *Client) { c.cache = cache }
}

// WithRateLimit bounds the request rate.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// New creates a client over a backend.
func New(backend Backend, cfg Config, opts ...Option) *Client {
	c := &Client{
		backend: backend,
		cfg:     cfg,
		counter: NewTokenizer(cfg.Model),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Model returns the default model name.
func (c *Client) Model() string { return c.cfg.Model }

// BackendName returns the backend identifier.
func (c *Client) BackendName() string { return c.backend.Name() }

// Tools returns the attached registry, or nil.
func (c *Client) Tools() *tools.Registry { return c.registry }

// WrapChat builds a request envelope from messages and parameters,
// merging the client defaults and filtering message fields down to the
// wire set.
func (c *Client) WrapChat(messages []chat.Message, p Params) *chat.Request {
	req := &chat.Request{
		Model:       c.cfg.Model,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
		TopP:        c.cfg.TopP,
	}
	if p.Model != "" {
		req.Model = p.Model
	}
	if p.MaxTokens > 0 {
		req.MaxTokens = p.MaxTokens
	}
	if p.Temperature != nil {
		req.Temperature = p.Temperature
	}
	if p.TopP != nil {
		req.TopP = p.TopP
	}
	req.Seed = p.Seed
	req.Grammar = p.Grammar
	if p.WithTools && c.registry != nil && c.registry.Len() > 0 {
		req.Tools = c.registry.Schemas()
	}

	req.Messages = make([]chat.Message, len(messages))
	for i, m := range messages {
		// Only wire fields survive; anything else a caller stashed on
		// the message is dropped here.
		req.Messages[i] = chat.Message{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.Name,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
		}
	}
	return req
}

// Send transmits one envelope.
//
// Description:
//
//	Records a stats entry, consults the cache, transmits, normalizes
//	the response (content null iff tool calls or reasoning present),
//	and closes the stats entry from the server usage. Fails with
//	ErrBudget when the generation hit max_tokens and the client is
//	configured with RaiseLengthLimit.
func (c *Client) Send(ctx context.Context, req *chat.Request) (*chat.Response, error) {
	ctx, span := tracer.Start(ctx, "client.send")
	defer span.End()
	span.SetAttributes(
		attribute.String("backend", c.backend.Name()),
		attribute.String("model", req.Model),
	)

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	seq := c.openStats(req)
	c.logRequest(seq, req)

	if c.cache != nil {
		if resp, ok := c.cache.Lookup(req); ok {
			c.closeStats(seq, resp.Usage)
			c.logResponse(seq, req, resp)
			span.SetAttributes(attribute.Bool("cached", true))
			return resp, nil
		}
	}

	resp, err := c.backend.Complete(ctx, req)
	if err != nil {
		c.closeStats(seq, chat.Usage{})
		span.RecordError(err)
		span.SetStatus(codes.Error, "backend complete failed")
		return nil, fmt.Errorf("%s: %w", c.backend.Name(), err)
	}
	if len(resp.Choices) == 0 {
		c.closeStats(seq, resp.Usage)
		return nil, ErrNoChoices
	}

	normalize(resp)
	c.closeStats(seq, resp.Usage)
	c.logResponse(seq, req, resp)
	span.SetAttributes(
		attribute.Int("usage.prompt_tokens", resp.Usage.PromptTokens),
		attribute.Int("usage.completion_tokens", resp.Usage.CompletionTokens),
	)

	if c.cache != nil {
		c.cache.Store(req, resp)
	}

	if c.cfg.RaiseLengthLimit && resp.FinishReason() == "length" {
		return resp, fmt.Errorf("%w (max_tokens=%d)", ErrBudget, req.MaxTokens)
	}
	return resp, nil
}

// Step sends the chat and appends the assistant turn (including any
// reasoning content) onto messages in place.
func (c *Client) Step(ctx context.Context, messages *[]chat.Message, p Params) (*chat.Response, error) {
	resp, err := c.Send(ctx, c.WrapChat(*messages, p))
	if err != nil {
		return nil, err
	}
	*messages = append(*messages, *resp.First())
	return resp, nil
}

// StreamResponse opens a streaming request. Stats for the request are
// closed when the final usage chunk arrives.
func (c *Client) StreamResponse(ctx context.Context, messages []chat.Message, p Params) (Stream, error) {
	req := c.WrapChat(messages, p)
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	seq := c.openStats(req)
	c.logRequest(seq, req)

	inner, err := c.backend.OpenStream(ctx, req)
	if err != nil {
		c.closeStats(seq, chat.Usage{})
		return nil, fmt.Errorf("%s stream: %w", c.backend.Name(), err)
	}
	return &accountedStream{inner: inner, client: c, seq: seq}, nil
}

// accountedStream closes the stats entry when the usage chunk arrives.
type accountedStream struct {
	inner  Stream
	client *Client
	seq    int
	closed bool
}

func (s *accountedStream) Recv() (Chunk, error) {
	chunk, err := s.inner.Recv()
	if err != nil {
		return chunk, err
	}
	if chunk.Done && !s.closed {
		s.closed = true
		usage := chat.Usage{}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		s.client.closeStats(s.seq, usage)
	}
	return chunk, nil
}

func (s *accountedStream) Close() error { return s.inner.Close() }

// ResolveToolCalls dispatches the trailing assistant tool calls
// through the registry and appends role=tool results. The per-call
// tallies are folded into the request's stats entry.
func (c *Client) ResolveToolCalls(ctx context.Context, messages []chat.Message, seed int64) ([]chat.Message, error) {
	if c.registry == nil {
		return messages, nil
	}
	out, res, err := tools.Dispatch(ctx, c.registry, messages, seed)
	if err != nil {
		return out, err
	}
	if res != nil {
		c.recordToolCalls(res.Counts)
	}
	return out, nil
}

// CountTokens estimates the token count of a text. Best effort: when
// no local tokenizer is available it returns 0 and callers must rely
// on server-reported usage.
func (c *Client) CountTokens(text string) int {
	return c.counter.Count(text)
}

// Ping probes backend health when the backend supports it.
func (c *Client) Ping(ctx context.Context) error {
	if p, ok := c.backend.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// normalize enforces the canonical message shape on every choice.
func normalize(resp *chat.Response) {
	for i := range resp.Choices {
		m := &resp.Choices[i].Message
		if m.Role == "" {
			m.Role = chat.RoleAssistant
		}
		if m.Content != nil && *m.Content == "" && (len(m.ToolCalls) > 0 || m.ReasoningContent != "") {
			m.Content = nil
		}
	}
}

// ---------------------------------------------------------------------------
// Stats
// ---------------------------------------------------------------------------

// openStats appends an open stats entry and returns its index.
func (c *Client) openStats(req *chat.Request) int {
	input := 0
	for _, m := range req.Messages {
		input += c.counter.Count(m.Text())
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, chat.CallStats{
		InputTokens: input,
		Start:       time.Now(),
	})
	return len(c.history) - 1
}

// closeStats seals the entry at seq with server usage. Server counts
// win over the local estimate when present.
func (c *Client) closeStats(seq int, usage chat.Usage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := &c.history[seq]
	if usage.PromptTokens > 0 {
		entry.InputTokens = usage.PromptTokens
	}
	entry.OutputTokens = usage.CompletionTokens
	entry.End = time.Now()
}

func (c *Client) recordToolCalls(counts map[string]int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.history) == 0 {
		return
	}
	entry := &c.history[len(c.history)-1]
	if entry.ToolCalls == nil {
		entry.ToolCalls = make(map[string]int)
	}
	for name, n := range counts {
		entry.ToolCalls[name] += n
	}
}

// History returns a copy of the stats history.
func (c *Client) History() []chat.CallStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]chat.CallStats, len(c.history))
	copy(out, c.history)
	return out
}

// Reset clears the stats history. Scopes opened before a reset report
// on the new history.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = c.history[:0]
}

// logRequest/logResponse delegate to the request logger when enabled.
func (c *Client) logRequest(seq int, req *chat.Request) {
	if c.logger == nil {
		return
	}
	if err := c.logger.LogRequest(seq, req); err != nil {
		slog.Warn("Request log write failed", slog.String("error", err.Error()))
	}
}

func (c *Client) logResponse(seq int, req *chat.Request, resp *chat.Response) {
	if c.logger == nil {
		return
	}
	if err := c.logger.LogResponse(seq, req, resp); err != nil {
		slog.Warn("Response log write failed", slog.String("error", err.Error()))
	}
}
