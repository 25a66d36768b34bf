// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/AleutianAI/gauntlet/services/harness/client"
	"github.com/AleutianAI/gauntlet/services/harness/judge"
	"github.com/AleutianAI/gauntlet/services/harness/protocol"
	"github.com/AleutianAI/gauntlet/services/harness/sandbox"
	"github.com/AleutianAI/gauntlet/services/harness/search"
	"github.com/AleutianAI/gauntlet/services/harness/strategy"
	"github.com/AleutianAI/gauntlet/services/harness/task"
	"github.com/AleutianAI/gauntlet/services/harness/template"
	"github.com/AleutianAI/gauntlet/services/harness/tools"
)

// run bundles everything a scenario needs at runtime. Close releases
// the cache, sandbox session, and record store.
type run struct {
	scenario *Scenario
	protocol *protocol.Protocol
	client   *client.Client
	task     task.Task

	closers []func() error
}

// Close releases resources in reverse acquisition order.
func (r *run) Close() error {
	var first error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// buildRun assembles one scenario into a ready protocol.
//
// Description:
//
//	Builds bottom-up: backend, client (with cache, request log, and
//	rate limit as configured), task, judge, strategy, then protocol.
//	A sandbox session is started only for strategies that need one.
func buildRun(ctx context.Context, s *Scenario, m *protocol.Metrics, logger *slog.Logger) (*run, error) {
	r := &run{scenario: s}

	backend, err := buildBackend(s, logger)
	if err != nil {
		return nil, err
	}

	opts, err := r.clientOptions(s, backend)
	if err != nil {
		r.Close()
		return nil, err
	}
	r.client = client.New(backend, s.Client, opts...)

	t, err := buildTask(s)
	if err != nil {
		r.Close()
		return nil, err
	}
	r.task = t
	j, err := buildJudge(s, r.client)
	if err != nil {
		r.Close()
		return nil, err
	}

	strat, templates, err := r.buildStrategy(ctx, s)
	if err != nil {
		r.Close()
		return nil, err
	}

	cfg := protocol.Config{
		Seed:      s.Seed,
		Templates: templates,
		Metrics:   m,
		Logger:    logger.With(slog.String("scenario", s.Name)),
	}
	if s.Store != "" {
		store, err := protocol.OpenStore(s.Store, s.Name)
		if err != nil {
			r.Close()
			return nil, err
		}
		r.closers = append(r.closers, store.Close)
		cfg.Store = store
	}

	r.protocol = protocol.New(t, strat, j, cfg)
	return r, nil
}

func buildBackend(s *Scenario, logger *slog.Logger) (client.Backend, error) {
	switch s.Backend.Kind {
	case "openai":
		key := os.Getenv("OPENAI_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("scenario %s: OPENAI_API_KEY is not set", s.Name)
		}
		return client.NewOpenAIBackend(key, s.Backend.BaseURL), nil
	case "azure":
		endpoint := s.Backend.BaseURL
		if endpoint == "" {
			endpoint = os.Getenv("AZURE_OPENAI_ENDPOINT")
		}
		key := os.Getenv("AZURE_OPENAI_API_KEY")
		if endpoint == "" || key == "" {
			return nil, fmt.Errorf("scenario %s: azure needs an endpoint and AZURE_OPENAI_API_KEY", s.Name)
		}
		return client.NewAzureBackend(endpoint, key, s.Backend.APIVersion), nil
	case "vllm":
		return client.NewVLLMBackend(s.Backend.BaseURL, s.Client.Model,
			client.ToolStyle(s.Backend.ToolStyle), client.WithVLLMLogger(logger))
	default:
		return nil, fmt.Errorf("unknown backend kind %q", s.Backend.Kind)
	}
}

func (r *run) clientOptions(s *Scenario, backend client.Backend) ([]client.Option, error) {
	var opts []client.Option
	if s.Strategy.Kind == "tool_use" {
		reg, err := r.toolRegistry(s)
		if err != nil {
			return nil, err
		}
		opts = append(opts, client.WithTools(reg))
	}
	if s.CacheDir != "" {
		cache, err := client.OpenCache(s.CacheDir)
		if err != nil {
			return nil, err
		}
		r.closers = append(r.closers, cache.Close)
		opts = append(opts, client.WithCache(cache))
	}
	if s.RequestLogDir != "" {
		reqlog, err := client.NewRequestLogger(s.RequestLogDir, backend.Name(), s.Client)
		if err != nil {
			return nil, err
		}
		opts = append(opts, client.WithRequestLogger(reqlog))
	}
	if s.Rate.RPS > 0 {
		burst := s.Rate.Burst
		if burst == 0 {
			burst = 1
		}
		opts = append(opts, client.WithRateLimit(s.Rate.RPS, burst))
	}
	return opts, nil
}

func buildTask(s *Scenario) (task.Task, error) {
	spec := task.Spec{Answer: s.Task.Answer, Metrics: s.Task.Metrics}
	return task.LoadFile(s.Name, s.Task.Description, spec, s.Task.Path, s.Task.DevPath)
}

func buildJudge(s *Scenario, c *client.Client) (judge.Judge, error) {
	switch s.Judge.Kind {
	case "":
		return nil, fmt.Errorf("scenario %s: a judge is required for file tasks", s.Name)
	case "final_answer":
		return judge.NewFinalAnswer(), nil
	case "manual":
		return judge.NewManual(), nil
	case "client":
		return judge.NewClientJudge(c), nil
	case "recommend":
		return judge.NewRecommender(), nil
	case "recommend_two_step":
		return judge.NewTwoStepRecommender(c), nil
	default:
		return nil, fmt.Errorf("unknown judge kind %q", s.Judge.Kind)
	}
}

// buildStrategy returns the strategy plus the prompt templates whose
// hashes guard checkpoint resume.
func (r *run) buildStrategy(ctx context.Context, s *Scenario) (strategy.Strategy, []*template.Template, error) {
	tpl := strategy.DefaultQuestionTemplate
	if s.Strategy.QuestionTemplate != "" {
		loaded, err := template.Load(s.Strategy.QuestionTemplate)
		if err != nil {
			return nil, nil, err
		}
		tpl = loaded
	}
	templates := []*template.Template{tpl}

	base := func(kind string) (strategy.Strategy, error) {
		switch kind {
		case "zero_shot":
			return strategy.NewZeroShot(r.client, tpl), nil
		case "few_shot":
			return strategy.NewFewShot(r.client, tpl, s.Strategy.Shots), nil
		default:
			return nil, fmt.Errorf("unknown base strategy %q", kind)
		}
	}

	switch s.Strategy.Kind {
	case "zero_shot", "few_shot":
		strat, err := base(s.Strategy.Kind)
		return strat, templates, err
	case "majority_vote":
		inner, err := base(s.Strategy.Base)
		if err != nil {
			return nil, nil, err
		}
		return strategy.NewMajorityVote(inner, s.Strategy.Votes), templates, nil
	case "tool_use":
		return strategy.NewToolUse(r.client, s.Strategy.MaxTurns, s.Strategy.CheckWork), templates, nil
	case "dpp":
		sess, err := r.session(ctx, s)
		if err != nil {
			return nil, nil, err
		}
		return strategy.NewDPP(r.client, sess, dppConfig(s.Strategy.DPP)), templates, nil
	default:
		return nil, nil, fmt.Errorf("unknown strategy kind %q", s.Strategy.Kind)
	}
}

func dppConfig(o DPPOptions) strategy.DPPConfig {
	cfg := strategy.DefaultDPPConfig()
	if o.MaxRetries > 0 {
		cfg.MaxRetries = o.MaxRetries
	}
	if o.NumValidation > 0 {
		cfg.NumValidation = o.NumValidation
	}
	if o.Fuel > 0 {
		cfg.Fuel = o.Fuel
	}
	if o.Order != "" {
		cfg.Order = search.Order(o.Order)
	}
	cfg.MaxDepth = o.MaxDepth
	cfg.CheckFirst = o.CheckFirst
	cfg.Markovian = o.Markovian
	return cfg
}

func (r *run) session(ctx context.Context, s *Scenario) (*sandbox.Session, error) {
	sess, err := sandbox.NewSession(ctx, s.Strategy.PythonBin)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: start sandbox: %w", s.Name, err)
	}
	r.closers = append(r.closers, sess.Close)
	return sess, nil
}

// runPythonParams is the schema struct for the run_python tool.
type runPythonParams struct {
	Code string `json:"code" jsonschema:"description=Python source to execute in the shared session"`
}

// toolRegistry registers the built-in run_python tool backed by a
// sandbox session.
func (r *run) toolRegistry(s *Scenario) (*tools.Registry, error) {
	sess, err := r.session(context.Background(), s)
	if err != nil {
		return nil, err
	}
	reg := tools.NewRegistry()
	reg.MustRegister(&tools.Func{
		ToolName: "run_python",
		Desc:     "Execute Python code in a persistent session and return its output.",
		Params:   tools.SchemaFor("run_python", "Execute Python code in a persistent session and return its output.", runPythonParams{}),
		Fn: func(ctx context.Context, args map[string]any, seed int64) (string, error) {
			code, _ := args["code"].(string)
			if strings.TrimSpace(code) == "" {
				return "", tools.Errorf("run_python: empty code argument")
			}
			realized, err := sess.Exec(ctx, code)
			if err != nil {
				return "", err
			}
			if realized.Failed() {
				return "", tools.Errorf("%s", realized.Error)
			}
			if realized.Stdout != "" {
				return realized.Stdout, nil
			}
			return "ok", nil
		},
	})
	return reg, nil
}
