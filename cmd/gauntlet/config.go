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
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/gauntlet/services/harness/client"
)

// scenarioValidate is the validator instance for scenario files.
var scenarioValidate = validator.New()

// ScenarioFile is the top-level shape of a scenario YAML file.
type ScenarioFile struct {
	Scenarios []Scenario `yaml:"scenarios" validate:"min=1,dive"`
}

// Scenario wires one (task, strategy, judge) triple.
type Scenario struct {
	Name    string `yaml:"name" validate:"required"`
	Seed    int64  `yaml:"seed"`
	Samples int    `yaml:"samples" validate:"gte=0"`

	Backend  BackendConfig   `yaml:"backend"`
	Client   client.Config   `yaml:"client"`
	Task     TaskConfig      `yaml:"task"`
	Judge    JudgeConfig     `yaml:"judge"`
	Strategy StrategyConfig  `yaml:"strategy"`
	Rate     RateLimitConfig `yaml:"rate_limit"`

	// CacheDir enables the badger response cache when set.
	CacheDir string `yaml:"cache_dir"`

	// RequestLogDir enables per-request JSON logging when set.
	RequestLogDir string `yaml:"request_log_dir"`

	// Checkpoint is where run and resume exchange state.
	Checkpoint string `yaml:"checkpoint"`

	// Store is the sqlite sample-record database path.
	Store string `yaml:"store"`
}

// BackendConfig selects and configures the chat backend. API keys come
// from the environment (OPENAI_API_KEY, AZURE_OPENAI_API_KEY), never
// from the scenario file.
type BackendConfig struct {
	Kind       string `yaml:"kind" validate:"required,oneof=openai azure vllm"`
	BaseURL    string `yaml:"base_url"`
	APIVersion string `yaml:"api_version"`

	// ToolStyle picks the vLLM chat template: pythonic or json.
	ToolStyle string `yaml:"tool_style" validate:"omitempty,oneof=pythonic json"`
}

// TaskConfig selects the question catalog.
type TaskConfig struct {
	Kind        string   `yaml:"kind" validate:"required,oneof=file"`
	Path        string   `yaml:"path" validate:"required"`
	DevPath     string   `yaml:"dev_path"`
	Description string   `yaml:"description"`
	Answer      string   `yaml:"answer"`
	Metrics     []string `yaml:"metrics"`
}

// JudgeConfig selects the judge. An empty kind means the task must
// score itself.
type JudgeConfig struct {
	Kind string `yaml:"kind" validate:"omitempty,oneof=final_answer manual client recommend recommend_two_step"`
}

// StrategyConfig selects and tunes the strategy.
type StrategyConfig struct {
	Kind string `yaml:"kind" validate:"required,oneof=zero_shot few_shot majority_vote tool_use dpp"`

	// QuestionTemplate is a template file path; empty uses the stock
	// {question} template.
	QuestionTemplate string `yaml:"question_template"`

	// Shots is the few-shot example count (few_shot, or the base of a
	// majority vote).
	Shots int `yaml:"shots" validate:"gte=0"`

	// Votes is the majority-vote sample count.
	Votes int `yaml:"votes" validate:"gte=0"`

	// Base picks the strategy under a majority vote.
	Base string `yaml:"base" validate:"omitempty,oneof=zero_shot few_shot"`

	// MaxTurns and CheckWork tune the tool-use loop.
	MaxTurns  int `yaml:"max_turns" validate:"gte=0"`
	CheckWork int `yaml:"check_work" validate:"gte=0"`

	// PythonBin is the sandbox interpreter (tool_use, dpp).
	PythonBin string `yaml:"python_bin"`

	// DPP tunes the formalize-then-search strategy.
	DPP DPPOptions `yaml:"dpp"`
}

// DPPOptions mirrors strategy.DPPConfig; zero values take the stock
// defaults.
type DPPOptions struct {
	MaxRetries    int    `yaml:"max_retries" validate:"gte=0"`
	NumValidation int    `yaml:"num_validation" validate:"gte=0"`
	Fuel          int    `yaml:"fuel" validate:"gte=0"`
	Order         string `yaml:"order" validate:"omitempty,oneof=bfs dfs"`
	MaxDepth      int    `yaml:"max_depth" validate:"gte=0"`
	CheckFirst    int    `yaml:"check_first" validate:"gte=0"`
	Markovian     bool   `yaml:"markovian"`
}

// RateLimitConfig throttles backend requests when RPS is positive.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps" validate:"gte=0"`
	Burst int     `yaml:"burst" validate:"gte=0"`
}

// LoadScenarios reads and validates a scenario file.
func LoadScenarios(path string) ([]Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario file: %w", err)
	}
	var file ScenarioFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse scenario file %s: %w", path, err)
	}
	for i := range file.Scenarios {
		applyDefaults(&file.Scenarios[i])
	}
	if err := scenarioValidate.Struct(&file); err != nil {
		return nil, fmt.Errorf("invalid scenario file %s: %w", path, err)
	}
	names := make(map[string]bool, len(file.Scenarios))
	for _, s := range file.Scenarios {
		if names[s.Name] {
			return nil, fmt.Errorf("duplicate scenario name %q", s.Name)
		}
		names[s.Name] = true
	}
	return file.Scenarios, nil
}

func applyDefaults(s *Scenario) {
	if s.Seed == 0 {
		s.Seed = 1
	}
	if s.Client.MaxTokens == 0 {
		s.Client.MaxTokens = 1024
	}
	if s.Backend.ToolStyle == "" {
		s.Backend.ToolStyle = "pythonic"
	}
	if s.Strategy.PythonBin == "" {
		s.Strategy.PythonBin = "python3"
	}
	if s.Strategy.Kind == "majority_vote" && s.Strategy.Base == "" {
		s.Strategy.Base = "zero_shot"
	}
	if s.Strategy.Kind == "majority_vote" && s.Strategy.Votes == 0 {
		s.Strategy.Votes = 5
	}
	if s.Strategy.Kind == "few_shot" && s.Strategy.Shots == 0 {
		s.Strategy.Shots = 3
	}
	if s.Strategy.Kind == "tool_use" {
		if s.Strategy.MaxTurns == 0 {
			s.Strategy.MaxTurns = 8
		}
		if s.Strategy.CheckWork == 0 {
			s.Strategy.CheckWork = 1
		}
	}
}

// findScenario selects one scenario by name, or the only one when the
// name is empty.
func findScenario(scenarios []Scenario, name string) (*Scenario, error) {
	if name == "" {
		if len(scenarios) != 1 {
			return nil, fmt.Errorf("scenario file lists %d scenarios, pick one with --name", len(scenarios))
		}
		return &scenarios[0], nil
	}
	for i := range scenarios {
		if scenarios[i].Name == name {
			return &scenarios[i], nil
		}
	}
	return nil, fmt.Errorf("no scenario named %q", name)
}
