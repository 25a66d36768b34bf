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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// RequestLogger persists each outgoing envelope and each response as
// numbered JSON files under a timestamped directory. Writes happen on
// the request path, synchronously, before and after the network call.
//
// Layout: <root>/<backend>_<timestamp>_<4hex>/NNNN_request.json and
// NNNN_response.json, plus a client.json with the client config.
// Correlation between the two files is by the SHA-256 of the request
// payload, embedded in both.
type RequestLogger struct {
	dir string
}

// loggedRequest wraps an envelope with its content hash.
type loggedRequest struct {
	SHA     string `json:"sha"`
	Payload any    `json:"payload"`
}

// NewRequestLogger creates the log directory for one client.
//
// The directory name embeds a random token so concurrent clients
// logging under the same root never collide.
func NewRequestLogger(root, backend string, clientConfig any) (*RequestLogger, error) {
	token := uuid.NewString()[:4]
	dir := filepath.Join(root, fmt.Sprintf("%s_%s_%s", backend, time.Now().Format("20060102T150405"), token))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create request log dir: %w", err)
	}
	l := &RequestLogger{dir: dir}
	if err := l.writeJSON("client.json", clientConfig); err != nil {
		return nil, err
	}
	return l, nil
}

// Dir returns the log directory.
func (l *RequestLogger) Dir() string { return l.dir }

// LogRequest writes the outgoing envelope under its sequence number.
func (l *RequestLogger) LogRequest(seq int, req any) error {
	return l.writeJSON(fmt.Sprintf("%04d_request.json", seq), loggedRequest{
		SHA:     payloadSHA(req),
		Payload: req,
	})
}

// LogResponse writes the response, correlated by the request SHA.
func (l *RequestLogger) LogResponse(seq int, req, resp any) error {
	return l.writeJSON(fmt.Sprintf("%04d_response.json", seq), loggedRequest{
		SHA:     payloadSHA(req),
		Payload: resp,
	})
}

func (l *RequestLogger) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	return os.WriteFile(filepath.Join(l.dir, name), data, 0o644)
}

// payloadSHA hashes the JSON form of a payload.
func payloadSHA(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
