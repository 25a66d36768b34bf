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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/AleutianAI/gauntlet/services/harness/chat"
)

// OpenAIBackend speaks the native OpenAI chat protocol, including the
// Azure dialect. Tool calls ride the native tool_calls field; schema
// grammars become strict response_format constraints. Enum and choice
// grammars are rejected: the chat endpoint has no guided_choice.
type OpenAIBackend struct {
	api  *openai.Client
	name string
}

// NewOpenAIBackend builds a backend from an API key and optional base
// URL (OpenAI-compatible servers).
func NewOpenAIBackend(apiKey, baseURL string) *OpenAIBackend {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimSuffix(baseURL, "/")
	}
	return &OpenAIBackend{api: openai.NewClientWithConfig(cfg), name: "openai"}
}

// NewOpenAIBackendFromEnv reads OPENAI_API_KEY and OPENAI_BASE_URL.
func NewOpenAIBackendFromEnv() (*OpenAIBackend, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		slog.Error("OPENAI_API_KEY environment variable not set")
		return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
	}
	return NewOpenAIBackend(apiKey, os.Getenv("OPENAI_BASE_URL")), nil
}

// NewAzureBackend builds the Azure dialect from endpoint, key, and API
// version.
func NewAzureBackend(endpoint, apiKey, apiVersion string) *OpenAIBackend {
	cfg := openai.DefaultAzureConfig(apiKey, endpoint)
	if apiVersion != "" {
		cfg.APIVersion = apiVersion
	}
	return &OpenAIBackend{api: openai.NewClientWithConfig(cfg), name: "azure"}
}

// Name implements Backend.
func (b *OpenAIBackend) Name() string { return b.name }

// Complete implements Backend.
func (b *OpenAIBackend) Complete(ctx context.Context, req *chat.Request) (*chat.Response, error) {
	oaReq, err := b.toWire(req)
	if err != nil {
		return nil, err
	}
	resp, err := b.api.CreateChatCompletion(ctx, *oaReq)
	if err != nil {
		return nil, fmt.Errorf("chat completion failed: %w", err)
	}
	return fromWire(&resp), nil
}

// OpenStream implements Backend.
func (b *OpenAIBackend) OpenStream(ctx context.Context, req *chat.Request) (Stream, error) {
	oaReq, err := b.toWire(req)
	if err != nil {
		return nil, err
	}
	oaReq.Stream = true
	oaReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	stream, err := b.api.CreateChatCompletionStream(ctx, *oaReq)
	if err != nil {
		return nil, fmt.Errorf("open chat stream: %w", err)
	}
	return &openaiStream{inner: stream}, nil
}

func (b *OpenAIBackend) toWire(req *chat.Request) (*openai.ChatCompletionRequest, error) {
	out := &openai.ChatCompletionRequest{
		Model:               req.Model,
		MaxCompletionTokens: req.MaxTokens,
	}
	if req.Temperature != nil {
		out.Temperature = *req.Temperature
	}
	if req.TopP != nil {
		out.TopP = *req.TopP
	}
	if req.Seed != nil {
		out.Seed = req.Seed
	}

	for _, m := range req.Messages {
		om := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Text(),
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, call := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, openai.ToolCall{
				ID:   call.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      call.Function.Name,
					Arguments: call.Function.Arguments,
				},
			})
		}
		out.Messages = append(out.Messages, om)
	}

	for _, schema := range req.Tools {
		out.Tools = append(out.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        schema.Name,
				Description: schema.Description,
				Parameters:  schema.Parameters,
			},
		})
	}

	if req.Grammar != nil {
		if req.Grammar.Kind != chat.GrammarSchema {
			return nil, fmt.Errorf("openai backend rejects %s grammars, use a JSON schema", req.Grammar.Kind)
		}
		strict, err := chat.StrictSchema(req.Grammar.Schema)
		if err != nil {
			return nil, err
		}
		out.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   "response",
				Schema: json.RawMessage(strict),
				Strict: true,
			},
		}
	}
	return out, nil
}

func fromWire(resp *openai.ChatCompletionResponse) *chat.Response {
	out := &chat.Response{
		Usage: chat.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
	}
	for _, choice := range resp.Choices {
		msg := chat.Message{
			Role:             choice.Message.Role,
			ReasoningContent: choice.Message.ReasoningContent,
		}
		if choice.Message.Content != "" || len(choice.Message.ToolCalls) == 0 {
			msg.SetText(choice.Message.Content)
		}
		for _, call := range choice.Message.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, chat.ToolCall{
				ID:   call.ID,
				Type: "function",
				Function: chat.FunctionCall{
					Name:      call.Function.Name,
					Arguments: call.Function.Arguments,
				},
			})
		}
		out.Choices = append(out.Choices, chat.Choice{
			Message:      msg,
			FinishReason: string(choice.FinishReason),
		})
	}
	return out
}

// openaiStream adapts the SDK stream to the Stream interface.
type openaiStream struct {
	inner *openai.ChatCompletionStream
}

func (s *openaiStream) Recv() (Chunk, error) {
	resp, err := s.inner.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Chunk{Done: true}, nil
		}
		return Chunk{}, err
	}
	chunk := Chunk{}
	if len(resp.Choices) > 0 {
		chunk.Content = resp.Choices[0].Delta.Content
	}
	if resp.Usage != nil {
		chunk.Usage = &chat.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		}
		chunk.Done = true
	}
	return chunk, nil
}

func (s *openaiStream) Close() error { return s.inner.Close() }
