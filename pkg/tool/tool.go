// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tool defines the tool interface, the registry the dispatcher
// executes against, mode-based tool sets, and the parsers that turn model
// output back into tool calls.
//
// Tools take loosely-typed argument maps because the model emits them as
// JSON; each tool validates at its own boundary (DecodeArgs helps), and the
// core loop never trusts arg shape.
package tool

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mitchellh/mapstructure"
)

// Kind classifies a tool for dispatch routing.
type Kind int

// Tool kinds.
const (
	// KindGeneric tools run in the parallel bucket with no gating.
	KindGeneric Kind = iota

	// KindTerminal tools execute shell commands and route through the
	// approval gate.
	KindTerminal

	// KindFileEdit tools write files: checkpoint snapshot before the
	// write, approval gate for sensitive paths, diagnostics after.
	KindFileEdit

	// KindFileRead tools stream file content in chunks.
	KindFileRead

	// KindSubagent tools call the model themselves and run serially.
	KindSubagent
)

// Tool is one named effectful operation the model can invoke.
type Tool interface {
	Name() string
	Description() string
	Kind() Kind

	// Cacheable reports whether results may be reused for identical args
	// within one turn. Only pure read-only tools qualify.
	Cacheable() bool

	// Schema returns the JSON schema of the tool's parameters.
	Schema() map[string]any

	// Call executes the tool. Output is the LLM-visible result text.
	Call(ctx context.Context, args map[string]any) (string, error)
}

// Registry holds the tools available to a session.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any previous tool of the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns all registered tool names, sorted.
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

// Definitions returns definitions for the named tools, in name order.
// Unknown names are skipped.
func (r *Registry) Definitions(allowed []string) []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := append([]string(nil), allowed...)
	sort.Strings(names)

	defs := make([]Definition, 0, len(names))
	for _, name := range names {
		t, ok := r.tools[name]
		if !ok {
			continue
		}
		defs = append(defs, Definition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Schema(),
		})
	}
	return defs
}

// Definition describes a tool for LLM function calling.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// DecodeArgs decodes a loose argument map into a typed struct, the single
// validation point between model JSON and tool code.
func DecodeArgs(args map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("failed to build args decoder: %w", err)
	}
	if err := decoder.Decode(args); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}
