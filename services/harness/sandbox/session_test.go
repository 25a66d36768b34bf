// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"strings"
	"testing"
)

func newSession(t *testing.T) *Session {
	t.Helper()
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
	sess, err := NewSession(context.Background(), "")
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

func TestExecBindsNames(t *testing.T) {
	sess := newSession(t)
	realized, err := sess.Exec(context.Background(), "x = 40 + 2\ndef double(n):\n    return n * 2\n")
	if err != nil {
		t.Fatalf("Exec error = %v", err)
	}
	if realized.Failed() {
		t.Fatalf("block failed: %s", realized.Error)
	}
	if !realized.Has("x") || !realized.Has("double") {
		t.Errorf("local names = %v", realized.LocalNames)
	}
	if string(realized.Locals["x"]) != "42" {
		t.Errorf("x = %s", realized.Locals["x"])
	}
}

func TestExecSharedNamespace(t *testing.T) {
	sess := newSession(t)
	if _, err := sess.Exec(context.Background(), "base = 10\n"); err != nil {
		t.Fatal(err)
	}
	realized, err := sess.Exec(context.Background(), "result = base + 5\n")
	if err != nil {
		t.Fatal(err)
	}
	if realized.Failed() {
		t.Fatalf("block failed: %s", realized.Error)
	}
	if string(realized.Locals["result"]) != "15" {
		t.Errorf("result = %s", realized.Locals["result"])
	}
}

func TestExecCapturesStdout(t *testing.T) {
	sess := newSession(t)
	realized, err := sess.Exec(context.Background(), "print('hello from worker')\n")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(realized.Stdout, "hello from worker") {
		t.Errorf("stdout = %q", realized.Stdout)
	}
}

func TestExecRaisingBlock(t *testing.T) {
	sess := newSession(t)
	realized, err := sess.Exec(context.Background(), "1 / 0\n")
	if err != nil {
		t.Fatalf("a raising block must not be a Go error: %v", err)
	}
	if !realized.Failed() {
		t.Fatal("expected a structured failure")
	}
	if realized.Error != "ZeroDivisionError" {
		t.Errorf("error = %q", realized.Error)
	}
	if realized.Traceback == "" {
		t.Error("expected a traceback")
	}

	// The session stays usable afterwards.
	after, err := sess.Exec(context.Background(), "ok = True\n")
	if err != nil || after.Failed() {
		t.Errorf("session unusable after failure: %v %v", err, after)
	}
}

func TestCall(t *testing.T) {
	sess := newSession(t)
	if _, err := sess.Exec(context.Background(), "def add(a, b):\n    return a + b\n"); err != nil {
		t.Fatal(err)
	}
	out, err := sess.Call(context.Background(), "add", json.RawMessage("2"), json.RawMessage("3"))
	if err != nil {
		t.Fatalf("Call error = %v", err)
	}
	if string(out) != "5" {
		t.Errorf("add(2, 3) = %s", out)
	}
}

func TestCallRaisingFunction(t *testing.T) {
	sess := newSession(t)
	if _, err := sess.Exec(context.Background(), "def bad():\n    raise ValueError('nope')\n"); err != nil {
		t.Fatal(err)
	}
	if _, err := sess.Call(context.Background(), "bad"); err == nil {
		t.Error("expected error from a raising call")
	} else if !strings.Contains(err.Error(), "ValueError") {
		t.Errorf("error = %v", err)
	}
}

func TestHasAndGet(t *testing.T) {
	sess := newSession(t)
	if _, err := sess.Exec(context.Background(), "state = {'pos': 3}\n"); err != nil {
		t.Fatal(err)
	}
	bound, err := sess.Has(context.Background(), "state")
	if err != nil || !bound {
		t.Errorf("Has(state) = %v, %v", bound, err)
	}
	missing, err := sess.Has(context.Background(), "ghost")
	if err != nil || missing {
		t.Errorf("Has(ghost) = %v, %v", missing, err)
	}

	value, err := sess.Get(context.Background(), "state")
	if err != nil {
		t.Fatalf("Get error = %v", err)
	}
	var decoded map[string]int
	if err := json.Unmarshal(value, &decoded); err != nil || decoded["pos"] != 3 {
		t.Errorf("state = %s (%v)", value, err)
	}
	if _, err := sess.Get(context.Background(), "ghost"); err == nil {
		t.Error("expected error for an unbound name")
	}
}

func TestCloseTwice(t *testing.T) {
	sess := newSession(t)
	if err := sess.Close(); err != nil {
		t.Fatalf("Close error = %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close error = %v", err)
	}
	if _, err := sess.Exec(context.Background(), "x = 1"); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Exec after close = %v, want ErrSessionClosed", err)
	}
}
