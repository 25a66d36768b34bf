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
	"bufio"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"
)

//go:embed worker.py
var workerScript string

// ErrSessionClosed is returned on RPC against a closed session.
var ErrSessionClosed = errors.New("sandbox session closed")

// DefaultCallTimeout bounds one RPC round trip when the caller's
// context has no deadline of its own.
const DefaultCallTimeout = 30 * time.Second

// Realized is the outcome of executing one code block.
//
// Exactly one of the two shapes is populated: on success LocalNames,
// Locals, Result, Stdout, Stderr; on failure Error, ErrorMessage,
// Traceback plus any stdout/stderr captured before the raise.
type Realized struct {
	LocalNames   []string                   `json:"local_names,omitempty"`
	Locals       map[string]json.RawMessage `json:"locals,omitempty"`
	Result       json.RawMessage            `json:"result,omitempty"`
	Stdout       string                     `json:"stdout,omitempty"`
	Stderr       string                     `json:"stderr,omitempty"`
	Error        string                     `json:"error,omitempty"`
	ErrorMessage string                     `json:"error_message,omitempty"`
	Traceback    string                     `json:"traceback,omitempty"`
}

// Failed reports whether the block raised.
func (r *Realized) Failed() bool { return r.Error != "" }

// Has reports whether the block bound the given name.
func (r *Realized) Has(name string) bool {
	for _, n := range r.LocalNames {
		if n == name {
			return true
		}
	}
	return false
}

// Session is one Python worker subprocess.
//
// Thread Safety: RPCs are serialized by an internal mutex; the session
// may be shared, but calls block each other.
type Session struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Reader
	closed bool
}

// workerRequest is one JSON-lines RPC to the worker.
type workerRequest struct {
	Op   string            `json:"op"`
	Code string            `json:"code,omitempty"`
	Name string            `json:"name,omitempty"`
	Args []json.RawMessage `json:"args,omitempty"`
}

// workerResponse is the worker's reply envelope.
type workerResponse struct {
	OK bool `json:"ok"`
	Realized
	Value json.RawMessage `json:"value,omitempty"`
}

// NewSession starts a fresh worker.
//
// Inputs:
//   - ctx: Governs the lifetime of the subprocess.
//   - pythonBin: Interpreter binary; "" means "python3".
func NewSession(ctx context.Context, pythonBin string) (*Session, error) {
	if pythonBin == "" {
		pythonBin = "python3"
	}
	cmd := exec.CommandContext(ctx, pythonBin, "-c", workerScript)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("sandbox stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("sandbox stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start sandbox worker: %w", err)
	}
	slog.Debug("Sandbox worker started", slog.Int("pid", cmd.Process.Pid))
	return &Session{
		cmd:    cmd,
		stdin:  stdin,
		reader: bufio.NewReader(stdout),
	}, nil
}

// Exec runs a code block in the session namespace.
//
// A raising block is reported in the Realized value, not as an error;
// the error return covers RPC and process failures only.
func (s *Session) Exec(ctx context.Context, code string) (*Realized, error) {
	resp, err := s.roundTrip(ctx, workerRequest{Op: "exec", Code: code})
	if err != nil {
		return nil, err
	}
	return &resp.Realized, nil
}

// Call invokes a named callable in the session namespace with JSON
// arguments and returns its JSON result.
func (s *Session) Call(ctx context.Context, name string, args ...json.RawMessage) (json.RawMessage, error) {
	resp, err := s.roundTrip(ctx, workerRequest{Op: "call", Name: name, Args: args})
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("sandbox call %s: %s: %s", name, resp.Error, resp.ErrorMessage)
	}
	return resp.Value, nil
}

// Has reports whether a name is bound in the session namespace.
func (s *Session) Has(ctx context.Context, name string) (bool, error) {
	resp, err := s.roundTrip(ctx, workerRequest{Op: "has", Name: name})
	if err != nil {
		return false, err
	}
	var bound bool
	if err := json.Unmarshal(resp.Value, &bound); err != nil {
		return false, err
	}
	return bound, nil
}

// Get returns the JSON value of a bound name.
func (s *Session) Get(ctx context.Context, name string) (json.RawMessage, error) {
	resp, err := s.roundTrip(ctx, workerRequest{Op: "get", Name: name})
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("sandbox get %s: %s", name, resp.ErrorMessage)
	}
	return resp.Value, nil
}

// Close terminates the worker. Safe to call twice.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_ = s.stdin.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.cmd.Wait()
	return nil
}

// roundTrip writes one request line and reads one response line. The
// worker is killed if the context expires mid-call, since the stream
// would be desynchronized otherwise.
func (s *Session) roundTrip(ctx context.Context, req workerRequest) (*workerResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultCallTimeout)
		defer cancel()
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if _, err := s.stdin.Write(append(payload, '\n')); err != nil {
		return nil, fmt.Errorf("sandbox write: %w", err)
	}

	type lineResult struct {
		line []byte
		err  error
	}
	ch := make(chan lineResult, 1)
	go func() {
		line, err := s.reader.ReadBytes('\n')
		ch <- lineResult{line, err}
	}()

	select {
	case <-ctx.Done():
		s.closed = true
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		return nil, fmt.Errorf("sandbox %s: %w", req.Op, ctx.Err())
	case res := <-ch:
		if res.err != nil {
			s.closed = true
			return nil, fmt.Errorf("sandbox read: %w", res.err)
		}
		var resp workerResponse
		if err := json.Unmarshal(res.line, &resp); err != nil {
			return nil, fmt.Errorf("sandbox decode: %w", err)
		}
		return &resp, nil
	}
}
