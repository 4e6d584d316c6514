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

// Package loco is the core agent orchestration engine of a local LLM
// coding assistant.
//
// Loco drives an iterative reason -> call tools -> feed results back loop
// against a streaming Ollama model, mediates tool execution with user
// approval for dangerous actions, maintains a protocol-correct
// conversation history, and manages context-window budgeting, compaction,
// cancellation, deduplication, and sub-agent delegation.
//
// # Quick Start
//
// Install the CLI:
//
//	go install github.com/kadirpekel/loco/cmd/loco@latest
//
// Run a task against a local Ollama server:
//
//	loco --model qwen3:8b "Summarize src/main.go"
//
// # Using as a Go Library
//
// The engine is assembled from its packages:
//
//	import (
//	    "github.com/kadirpekel/loco/pkg/executor"
//	    "github.com/kadirpekel/loco/pkg/llm"
//	    "github.com/kadirpekel/loco/pkg/tool"
//	    "github.com/kadirpekel/loco/pkg/session/sqlstore"
//	)
//
// An embedding host (an editor extension, typically) provides the
// host.Environment, a session.Store, a bus.UISink, and a tool.Registry,
// then calls executor.Run per user turn.
//
// # Architecture
//
//	UI events   <- bus (persist-then-publish) <- executor
//	Ollama      <- llm.ChatBackend            <- executor
//	Filesystem  <- host.Environment           <- tools
//	Persistence <- session.Store              <- everything above
package loco
