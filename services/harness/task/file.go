// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package task

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// fileQuestion is one line of a JSONL corpus.
type fileQuestion struct {
	Question string         `json:"question"`
	Answer   string         `json:"answer"`
	Side     map[string]any `json:"side,omitempty"`
}

// FileTask serves questions from a JSONL corpus file. Each line is an
// object with "question" and "answer" fields plus optional "side"
// hints. An optional dev file with the same format supplies few-shot
// examples.
//
// Description:
//
//	FileTask is the catalog adapter for locally curated question
//	sets. It is a fixed corpus, so TotalQuestions is the line count
//	and Generate is never used.
type FileTask struct {
	name      string
	spec      Spec
	desc      string
	questions []fileQuestion
	dev       []fileQuestion
}

// LoadFile reads a JSONL corpus into a FileTask.
//
// Inputs:
//   - name: task name for records and logs.
//   - desc: task framing shown to the model.
//   - spec: answer domain, e.g. Spec{Answer: "yes/no"}.
//   - path: JSONL corpus file.
//   - devPath: optional JSONL dev-example file, "" to skip.
//
// Outputs:
//   - *FileTask, or an error if a file is missing or malformed.
func LoadFile(name, desc string, spec Spec, path, devPath string) (*FileTask, error) {
	questions, err := readJSONL(path)
	if err != nil {
		return nil, err
	}
	if len(questions) == 0 {
		return nil, fmt.Errorf("task corpus %s is empty", path)
	}
	t := &FileTask{
		name:      name,
		spec:      spec,
		desc:      desc,
		questions: questions,
	}
	if devPath != "" {
		t.dev, err = readJSONL(devPath)
		if err != nil {
			return nil, err
		}
	}
	return t, nil
}

func readJSONL(path string) ([]fileQuestion, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open task corpus: %w", err)
	}
	defer f.Close()

	var out []fileQuestion
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var q fileQuestion
		if err := json.Unmarshal([]byte(text), &q); err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, line, err)
		}
		if q.Question == "" {
			return nil, fmt.Errorf("%s line %d: missing question", path, line)
		}
		out = append(out, q)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read task corpus: %w", err)
	}
	return out, nil
}

func (t *FileTask) Name() string        { return t.name }
func (t *FileTask) Spec() Spec          { return t.spec }
func (t *FileTask) Description() string { return t.desc }

func (t *FileTask) TotalQuestions() int { return len(t.questions) }

// Generate is unused for a fixed corpus.
func (t *FileTask) Generate(seed int64) (any, any, error) {
	return nil, nil, fmt.Errorf("file task %s has a fixed corpus", t.name)
}

func (t *FileTask) Load(idx int, seed int64) (any, any, error) {
	if idx < 0 || idx >= len(t.questions) {
		return nil, nil, fmt.Errorf("%w: %d of %d", ErrOutOfRange, idx, len(t.questions))
	}
	q := t.questions[idx]
	return q, q.Answer, nil
}

func (t *FileTask) Observe(problem any, seed int64) (string, map[string]any, error) {
	q, ok := problem.(fileQuestion)
	if !ok {
		return "", nil, fmt.Errorf("file task %s: unexpected problem %T", t.name, problem)
	}
	return q.Question, q.Side, nil
}

// DevExample serves few-shot pairs from the dev file.
func (t *FileTask) DevExample(i int) (string, string, error) {
	if i < 0 || i >= len(t.dev) {
		return "", "", fmt.Errorf("%w: dev example %d of %d", ErrOutOfRange, i, len(t.dev))
	}
	return t.dev[i].Question, t.dev[i].Answer, nil
}
