// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package judge

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/AleutianAI/gauntlet/services/harness/chat"
	"github.com/AleutianAI/gauntlet/services/harness/task"
)

func TestFinalAnswerInterpret(t *testing.T) {
	tests := []struct {
		name     string
		response string
		want     string
		wantErr  bool
	}{
		{
			name:     "plain yes",
			response: "Final answer: yes",
			want:     "yes",
		},
		{
			name:     "uppercase with period",
			response: "Water clings to surfaces.\nFINAL ANSWER: Yes.",
			want:     "yes",
		},
		{
			name:     "last occurrence wins",
			response: "Final answer: no\nWait, reconsidering.\nFinal answer: yes",
			want:     "yes",
		},
		{
			name:     "decorated answer",
			response: "final answer: yes, because cohesion",
			want:     "yes",
		},
		{
			name:     "no final answer line",
			response: "It depends on the definition of wet.",
			wantErr:  true,
		},
		{
			name:     "answer outside the choice set",
			response: "Final answer: maybe",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := NewFinalAnswer()
			if err := j.Prepare(task.Spec{Answer: "yes/no"}); err != nil {
				t.Fatalf("Prepare() error = %v", err)
			}
			msg := chat.Assistant(tt.response)
			decision, _, err := j.Interpret(context.Background(), "Is water wet?", &msg)
			if tt.wantErr {
				if !errors.Is(err, ErrNoDecision) {
					t.Fatalf("Interpret() error = %v, want ErrNoDecision", err)
				}
				if j.Status().Failures != 1 {
					t.Errorf("Failures = %d, want 1", j.Status().Failures)
				}
				return
			}
			if err != nil {
				t.Fatalf("Interpret() error = %v", err)
			}
			if decision != tt.want {
				t.Errorf("Interpret() = %v, want %v", decision, tt.want)
			}
			if j.Status().Successes != 1 {
				t.Errorf("Successes = %d, want 1", j.Status().Successes)
			}
		})
	}
}

func TestFinalAnswerJudge(t *testing.T) {
	j := NewFinalAnswer()
	if err := j.Prepare(task.Spec{Answer: "yes/no"}); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	verdict, err := j.Judge("yes", "yes", nil)
	if err != nil {
		t.Fatalf("Judge() error = %v", err)
	}
	if !verdict.Correct {
		t.Error("Judge(yes, yes) = incorrect, want correct")
	}
	verdict, err = j.Judge("no", "yes", nil)
	if err != nil {
		t.Fatalf("Judge() error = %v", err)
	}
	if verdict.Correct {
		t.Error("Judge(no, yes) = correct, want incorrect")
	}
}

func TestFinalAnswerPrepareRejectsUnknownTag(t *testing.T) {
	j := NewFinalAnswer()
	err := j.Prepare(task.Spec{Answer: "maybe/perhaps"})
	if !errors.Is(err, ErrUnsupportedSpec) {
		t.Fatalf("Prepare() error = %v, want ErrUnsupportedSpec", err)
	}
}

func TestFinalAnswerFormatDescription(t *testing.T) {
	j := NewFinalAnswer()
	if err := j.Prepare(task.Spec{Answer: "yes/no"}); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	got := j.FormatDescription("Answer the question.")
	if !strings.Contains(got, "FINAL ANSWER: {yes/no}") {
		t.Errorf("FormatDescription() = %q, missing instruction", got)
	}
}

func TestManualInterpret(t *testing.T) {
	j := NewManual()
	j.In = strings.NewReader("yes\n")
	var out strings.Builder
	j.Out = &out
	if err := j.Prepare(task.Spec{Answer: "yes/no"}); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	msg := chat.Assistant("Water is wet.")
	decision, _, err := j.Interpret(context.Background(), "Is water wet?", &msg)
	if err != nil {
		t.Fatalf("Interpret() error = %v", err)
	}
	if decision != "yes" {
		t.Errorf("Interpret() = %v, want yes", decision)
	}
	if !strings.Contains(out.String(), "Is water wet?") {
		t.Error("console output missing the question")
	}
}
