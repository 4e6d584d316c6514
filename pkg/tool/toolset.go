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

package tool

import "log/slog"

// Canonical tool names used by mode resolution and dispatch routing.
const (
	NameReadFile         = "read_file"
	NameReadManyFiles    = "read_many_files"
	NameListFiles        = "list_files"
	NameSearchFiles      = "search_files"
	NameGrepSearch       = "grep_search"
	NameFindDefinition   = "find_definition"
	NameFindReferences   = "find_references"
	NameDocumentSymbols  = "document_symbols"
	NameWorkspaceSymbols = "workspace_symbols"
	NameHoverInfo        = "hover_info"
	NameGetDiagnostics   = "get_diagnostics"
	NameFileOutline      = "file_outline"

	NameWriteFile  = "write_file"
	NameRunCommand = "run_command"
	NameSubagent   = "run_subagent"
)

// Executor modes.
const (
	ModeExplore          = "explore"
	ModePlan             = "plan"
	ModeChat             = "chat"
	ModeReview           = "review"
	ModeDeepExplore      = "deep-explore"
	ModeDeepExploreWrite = "deep-explore-write"
	ModeAgent            = "agent"
)

// readOnlySet is the base exploration tool set.
var readOnlySet = []string{
	NameReadFile,
	NameReadManyFiles,
	NameListFiles,
	NameSearchFiles,
	NameGrepSearch,
	NameFindDefinition,
	NameFindReferences,
	NameDocumentSymbols,
	NameWorkspaceSymbols,
	NameHoverInfo,
	NameGetDiagnostics,
	NameFileOutline,
}

// ForMode resolves a mode to its allowed tool names. The mapping is a
// closed enumeration; unknown modes get the read-only set.
//
// The agent mode deliberately excludes reading tools: the orchestrator
// delegates all reading to sub-agents and keeps its own context small.
func ForMode(mode string) []string {
	switch mode {
	case ModeExplore, ModePlan, ModeChat:
		return append([]string(nil), readOnlySet...)
	case ModeReview:
		return append(append([]string(nil), readOnlySet...), NameRunCommand)
	case ModeDeepExplore:
		return append(append([]string(nil), readOnlySet...), NameSubagent)
	case ModeDeepExploreWrite:
		return append(append([]string(nil), readOnlySet...), NameSubagent, NameWriteFile)
	case ModeAgent:
		return []string{NameWriteFile, NameRunCommand, NameSubagent}
	default:
		slog.Warn("Unknown executor mode, falling back to read-only tools", "mode", mode)
		return append([]string(nil), readOnlySet...)
	}
}

// FilterCalls drops calls whose tool is not in the allowed set, logging
// each drop.
func FilterCalls(names []string, callNames []string) []string {
	allowed := make(map[string]bool, len(names))
	for _, n := range names {
		allowed[n] = true
	}

	var kept []string
	for _, n := range callNames {
		if allowed[n] {
			kept = append(kept, n)
			continue
		}
		slog.Debug("Dropping disallowed tool call", "tool", n)
	}
	return kept
}

// Allowed reports whether a tool name is in the allowed set.
func Allowed(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}
