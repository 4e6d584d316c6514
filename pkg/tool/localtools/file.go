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

// Package localtools implements the built-in workspace tools over the host
// environment: file reads and writes, directory listing, text search, and
// command execution.
package localtools

import (
	"context"
	"fmt"
	"strings"

	"github.com/kadirpekel/loco/pkg/host"
	"github.com/kadirpekel/loco/pkg/tool"
)

const maxReadBytes = 512 * 1024

// ReadFile reads one workspace file, optionally a line range.
type ReadFile struct {
	host host.Environment
}

// NewReadFile creates the read_file tool.
func NewReadFile(env host.Environment) *ReadFile {
	return &ReadFile{host: env}
}

type readFileArgs struct {
	Path      string `json:"path" jsonschema:"required,description=Workspace-relative file path"`
	StartLine int    `json:"start_line,omitempty" jsonschema:"description=First line to read (1-based)"`
	EndLine   int    `json:"end_line,omitempty" jsonschema:"description=Last line to read (inclusive)"`
}

func (t *ReadFile) Name() string        { return tool.NameReadFile }
func (t *ReadFile) Kind() tool.Kind     { return tool.KindFileRead }
func (t *ReadFile) Cacheable() bool     { return false }
func (t *ReadFile) Description() string {
	return "Read a file from the workspace. Supports an optional line range for large files."
}

func (t *ReadFile) Schema() map[string]any {
	return tool.SchemaFor[readFileArgs]()
}

func (t *ReadFile) Call(ctx context.Context, args map[string]any) (string, error) {
	var a readFileArgs
	if err := tool.DecodeArgs(args, &a); err != nil {
		return "", err
	}
	if a.Path == "" {
		return "", fmt.Errorf("path is required")
	}

	content, err := t.host.ReadFile(ctx, a.Path)
	if err != nil {
		return "", err
	}

	if a.StartLine > 0 || a.EndLine > 0 {
		lines := strings.Split(content, "\n")
		start := a.StartLine
		if start < 1 {
			start = 1
		}
		end := a.EndLine
		if end == 0 || end > len(lines) {
			end = len(lines)
		}
		if start > len(lines) {
			return "", fmt.Errorf("start_line %d beyond end of file (%d lines)", a.StartLine, len(lines))
		}
		content = strings.Join(lines[start-1:end], "\n")
	}

	if len(content) > maxReadBytes {
		content = content[:maxReadBytes] + "\n...(truncated)"
	}
	return content, nil
}

// WriteFile creates or overwrites one workspace file.
type WriteFile struct {
	host host.Environment
}

// NewWriteFile creates the write_file tool.
func NewWriteFile(env host.Environment) *WriteFile {
	return &WriteFile{host: env}
}

type writeFileArgs struct {
	Path    string `json:"path" jsonschema:"required,description=Workspace-relative file path"`
	Content string `json:"content" jsonschema:"required,description=Full new file content"`
}

func (t *WriteFile) Name() string        { return tool.NameWriteFile }
func (t *WriteFile) Kind() tool.Kind     { return tool.KindFileEdit }
func (t *WriteFile) Cacheable() bool     { return false }
func (t *WriteFile) Description() string {
	return "Write the full content of a file in the workspace, creating it if missing."
}

func (t *WriteFile) Schema() map[string]any {
	return tool.SchemaFor[writeFileArgs]()
}

func (t *WriteFile) Call(ctx context.Context, args map[string]any) (string, error) {
	var a writeFileArgs
	if err := tool.DecodeArgs(args, &a); err != nil {
		return "", err
	}
	if a.Path == "" {
		return "", fmt.Errorf("path is required")
	}

	if err := t.host.WriteFile(ctx, a.Path, a.Content); err != nil {
		return "", err
	}

	lines := strings.Count(a.Content, "\n") + 1
	return fmt.Sprintf("Wrote %s (%d lines)", a.Path, lines), nil
}

// Compile-time interface checks.
var (
	_ tool.Tool = (*ReadFile)(nil)
	_ tool.Tool = (*WriteFile)(nil)
)
