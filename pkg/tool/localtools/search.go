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

package localtools

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kadirpekel/loco/pkg/host"
	"github.com/kadirpekel/loco/pkg/tool"
)

var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	".venv":        true,
	"dist":         true,
	"build":        true,
}

const (
	maxSearchMatches = 200
	maxListEntries   = 500
)

// GrepSearch searches file contents with a regular expression.
type GrepSearch struct {
	root string
}

// NewGrepSearch creates the grep_search tool rooted at the first workspace
// folder.
func NewGrepSearch(env host.Environment) *GrepSearch {
	root := ""
	if folders := env.WorkspaceFolders(); len(folders) > 0 {
		root = folders[0]
	}
	return &GrepSearch{root: root}
}

type grepArgs struct {
	Query       string `json:"query" jsonschema:"required,description=Regular expression to search for"`
	IncludeGlob string `json:"include_glob,omitempty" jsonschema:"description=Only search files matching this glob (e.g. *.go)"`
}

func (t *GrepSearch) Name() string        { return tool.NameGrepSearch }
func (t *GrepSearch) Kind() tool.Kind     { return tool.KindGeneric }
func (t *GrepSearch) Cacheable() bool     { return true }
func (t *GrepSearch) Description() string {
	return "Search file contents across the workspace with a regular expression."
}

func (t *GrepSearch) Schema() map[string]any {
	return tool.SchemaFor[grepArgs]()
}

func (t *GrepSearch) Call(ctx context.Context, args map[string]any) (string, error) {
	var a grepArgs
	if err := tool.DecodeArgs(args, &a); err != nil {
		return "", err
	}
	if a.Query == "" {
		return "", fmt.Errorf("query is required")
	}

	re, err := regexp.Compile(a.Query)
	if err != nil {
		return "", fmt.Errorf("invalid pattern: %w", err)
	}

	var b strings.Builder
	matches := 0
	err = filepath.WalkDir(t.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		rel, _ := filepath.Rel(t.root, path)
		if a.IncludeGlob != "" {
			if ok, _ := filepath.Match(a.IncludeGlob, filepath.Base(path)); !ok {
				return nil
			}
		}

		data, err := os.ReadFile(path)
		if err != nil || !isText(data) {
			return nil
		}

		for i, line := range strings.Split(string(data), "\n") {
			if re.MatchString(line) {
				fmt.Fprintf(&b, "%s:%d: %s\n", rel, i+1, strings.TrimSpace(line))
				matches++
				if matches >= maxSearchMatches {
					return filepath.SkipAll
				}
			}
		}
		return nil
	})
	if err != nil && err != filepath.SkipAll {
		return "", err
	}

	if matches == 0 {
		return "No matches found.", nil
	}
	out := b.String()
	if matches >= maxSearchMatches {
		out += fmt.Sprintf("...(stopped at %d matches)\n", maxSearchMatches)
	}
	return out, nil
}

func isText(data []byte) bool {
	if len(data) > 8000 {
		data = data[:8000]
	}
	for _, b := range data {
		if b == 0 {
			return false
		}
	}
	return true
}

// ListFiles lists directory entries.
type ListFiles struct {
	root string
}

// NewListFiles creates the list_files tool.
func NewListFiles(env host.Environment) *ListFiles {
	root := ""
	if folders := env.WorkspaceFolders(); len(folders) > 0 {
		root = folders[0]
	}
	return &ListFiles{root: root}
}

type listArgs struct {
	Path      string `json:"path,omitempty" jsonschema:"description=Directory to list, relative to the workspace root"`
	Recursive bool   `json:"recursive,omitempty" jsonschema:"description=Recurse into subdirectories"`
}

func (t *ListFiles) Name() string        { return tool.NameListFiles }
func (t *ListFiles) Kind() tool.Kind     { return tool.KindGeneric }
func (t *ListFiles) Cacheable() bool     { return true }
func (t *ListFiles) Description() string {
	return "List files and directories in the workspace."
}

func (t *ListFiles) Schema() map[string]any {
	return tool.SchemaFor[listArgs]()
}

func (t *ListFiles) Call(ctx context.Context, args map[string]any) (string, error) {
	var a listArgs
	if err := tool.DecodeArgs(args, &a); err != nil {
		return "", err
	}

	base := filepath.Join(t.root, a.Path)
	rel, err := filepath.Rel(t.root, base)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("path escapes workspace: %s", a.Path)
	}

	var b strings.Builder
	count := 0

	if a.Recursive {
		err = filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				if skipDirs[d.Name()] {
					return filepath.SkipDir
				}
				return nil
			}
			entry, _ := filepath.Rel(t.root, path)
			b.WriteString(entry + "\n")
			count++
			if count >= maxListEntries {
				return filepath.SkipAll
			}
			return nil
		})
		if err != nil && err != filepath.SkipAll {
			return "", err
		}
	} else {
		entries, err := os.ReadDir(base)
		if err != nil {
			return "", fmt.Errorf("failed to list %s: %w", a.Path, err)
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() {
				name += "/"
			}
			b.WriteString(name + "\n")
			count++
			if count >= maxListEntries {
				break
			}
		}
	}

	if count == 0 {
		return "(empty directory)", nil
	}
	out := b.String()
	if count >= maxListEntries {
		out += fmt.Sprintf("...(stopped at %d entries)\n", maxListEntries)
	}
	return out, nil
}

// SearchFiles finds files by name pattern.
type SearchFiles struct {
	root string
}

// NewSearchFiles creates the search_files tool.
func NewSearchFiles(env host.Environment) *SearchFiles {
	root := ""
	if folders := env.WorkspaceFolders(); len(folders) > 0 {
		root = folders[0]
	}
	return &SearchFiles{root: root}
}

type searchFilesArgs struct {
	Query string `json:"query" jsonschema:"required,description=Substring or glob to match against file names"`
}

func (t *SearchFiles) Name() string        { return tool.NameSearchFiles }
func (t *SearchFiles) Kind() tool.Kind     { return tool.KindGeneric }
func (t *SearchFiles) Cacheable() bool     { return true }
func (t *SearchFiles) Description() string {
	return "Find files by name across the workspace."
}

func (t *SearchFiles) Schema() map[string]any {
	return tool.SchemaFor[searchFilesArgs]()
}

func (t *SearchFiles) Call(ctx context.Context, args map[string]any) (string, error) {
	var a searchFilesArgs
	if err := tool.DecodeArgs(args, &a); err != nil {
		return "", err
	}
	if a.Query == "" {
		return "", fmt.Errorf("query is required")
	}

	var b strings.Builder
	count := 0
	err := filepath.WalkDir(t.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		name := d.Name()
		matched := strings.Contains(name, a.Query)
		if !matched {
			matched, _ = filepath.Match(a.Query, name)
		}
		if matched {
			rel, _ := filepath.Rel(t.root, path)
			b.WriteString(rel + "\n")
			count++
			if count >= maxSearchMatches {
				return filepath.SkipAll
			}
		}
		return nil
	})
	if err != nil && err != filepath.SkipAll {
		return "", err
	}

	if count == 0 {
		return "No files found.", nil
	}
	return b.String(), nil
}

// Compile-time interface checks.
var (
	_ tool.Tool = (*GrepSearch)(nil)
	_ tool.Tool = (*ListFiles)(nil)
	_ tool.Tool = (*SearchFiles)(nil)
)
