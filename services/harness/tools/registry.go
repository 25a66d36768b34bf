// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/AleutianAI/gauntlet/services/harness/chat"
)

var (
	// ErrNotFound is returned when a tool name does not resolve.
	ErrNotFound = errors.New("tool not found")

	// ErrAlreadyRegistered is returned for duplicate registration.
	ErrAlreadyRegistered = errors.New("tool already registered")

	// ErrNilTool is returned when attempting to register nil.
	ErrNilTool = errors.New("tool must not be nil")
)

// Registry holds the tools available to a client.
//
// Thread Safety: Safe for concurrent use via read-write mutex. It is
// read-only after configuration in practice; registration happens
// during strategy preparation.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool under its Name().
//
// Outputs:
//   - error: ErrNilTool, ErrAlreadyRegistered, or nil.
func (r *Registry) Register(t Tool) error {
	if t == nil {
		return ErrNilTool
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Name()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, name)
	}
	r.tools[name] = t
	return nil
}

// MustRegister registers a tool and panics on error. Startup only.
func (r *Registry) MustRegister(t Tool) {
	if err := r.Register(t); err != nil {
		panic(fmt.Sprintf("tools: failed to register %q: %v", t.Name(), err))
	}
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return t, nil
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Schemas returns the tool schemas in name order, for the request
// envelope's tools field.
func (r *Registry) Schemas() []chat.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	schemas := make([]chat.ToolSchema, 0, len(names))
	for _, name := range names {
		schemas = append(schemas, r.tools[name].Schema())
	}
	return schemas
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}
