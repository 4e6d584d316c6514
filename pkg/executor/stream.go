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

package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kadirpekel/loco/pkg/bus"
	"github.com/kadirpekel/loco/pkg/llm"
	"github.com/kadirpekel/loco/pkg/protocol"
	"github.com/kadirpekel/loco/pkg/tool"
)

// uiThrottleInterval is the minimum gap between UI text flushes. The
// throttle is synchronous by design: deferred scheduling starves under the
// microtask pressure of a hot decode loop.
const uiThrottleInterval = 32 * time.Millisecond

// StreamResult is everything one model stream produced.
type StreamResult struct {
	Response         string
	Thinking         string
	NativeToolCalls  []protocol.ToolCall
	Truncated        bool
	PromptTokens     int
	CompletionTokens int
	ToolParseErrors  []string
	ThinkingDuration time.Duration
}

// streamDecoder consumes one chat stream, separating the thinking, content
// and tool-call channels while driving throttled UI updates.
type streamDecoder struct {
	bus        *bus.Bus
	knownTools []string

	// native freezes content streaming entirely: native-mode models still
	// occasionally emit textual tool-call syntax mid-content.
	native bool

	// quiet suppresses all stream events (sub-agent quarantine).
	quiet bool
}

func (d *streamDecoder) decode(ctx context.Context, ch <-chan llm.Chunk) (*StreamResult, error) {
	result := &StreamResult{}

	var response strings.Builder
	var thinking strings.Builder
	var pendingUI strings.Builder
	var thinkingStarted time.Time
	var thinkingCollapsed bool

	frozen := d.native
	lastFlush := time.Time{}

	flushUI := func(force bool) {
		if d.quiet || frozen || pendingUI.Len() == 0 {
			return
		}
		if !force && time.Since(lastFlush) < uiThrottleInterval {
			return
		}
		chunk := protocol.TrimPartialCompletionToken(pendingUI.String())
		if chunk != "" {
			d.bus.Post(bus.EventStreamChunk, map[string]any{"text": chunk})
		}
		pendingUI.Reset()
		lastFlush = time.Now()
	}

	collapseThinking := func() {
		if thinkingCollapsed || thinking.Len() == 0 {
			return
		}
		thinkingCollapsed = true
		result.ThinkingDuration = time.Since(thinkingStarted)
		if !d.quiet {
			d.bus.Post(bus.EventCollapseThinking, map[string]any{
				"durationMs": result.ThinkingDuration.Milliseconds(),
			})
		}
	}

	finish := func() *StreamResult {
		flushUI(true)
		result.Response = response.String()
		result.Thinking = thinking.String()
		if !thinkingCollapsed && thinking.Len() > 0 {
			result.ThinkingDuration = time.Since(thinkingStarted)
		}
		return result
	}

	for {
		select {
		case <-ctx.Done():
			// The transport is already aborted by the client. Drain any
			// chunks that arrived before the abort, then flush what
			// accumulated and report cancellation.
			for {
				select {
				case chunk, ok := <-ch:
					if !ok {
						return finish(), ctx.Err()
					}
					thinkingDrain(chunk, &thinking, &response, &thinkingStarted)
				default:
					return finish(), ctx.Err()
				}
			}

		case chunk, ok := <-ch:
			if !ok {
				return finish(), nil
			}

			if chunk.Err != nil {
				var parseErr *llm.ToolParseError
				if errors.As(chunk.Err, &parseErr) {
					result.ToolParseErrors = append(result.ToolParseErrors, parseErr.Raw)
					continue
				}
				return finish(), chunk.Err
			}

			if chunk.Thinking != "" {
				if thinking.Len() == 0 {
					thinkingStarted = time.Now()
					if !d.quiet {
						d.bus.Post(bus.EventShowThinking, nil)
					}
				}
				thinking.WriteString(chunk.Thinking)
				if !d.quiet {
					d.bus.Post(bus.EventStreamThinking, map[string]any{"text": chunk.Thinking})
				}
			}

			if chunk.Content != "" {
				response.WriteString(chunk.Content)
				if !frozen {
					if tool.HasPartialCall(response.String(), d.knownTools) {
						// Subsequent content may be tool-call syntax.
						frozen = true
						pendingUI.Reset()
					} else {
						pendingUI.WriteString(chunk.Content)
						flushUI(false)
					}
				}
			}

			if len(chunk.ToolCalls) > 0 {
				if len(result.NativeToolCalls) == 0 {
					frozen = true
					collapseThinking()
					d.postPreparingHint(chunk.ToolCalls[0])
				}
				result.NativeToolCalls = append(result.NativeToolCalls, chunk.ToolCalls...)
			}

			if chunk.Done {
				result.PromptTokens = chunk.PromptEvalCount
				result.CompletionTokens = chunk.EvalCount
				if chunk.DoneReason == "length" {
					result.Truncated = true
				}
				collapseThinking()
				return finish(), nil
			}
		}
	}
}

// thinkingDrain folds a post-cancellation chunk into the accumulators.
func thinkingDrain(chunk llm.Chunk, thinking, response *strings.Builder, started *time.Time) {
	if chunk.Thinking != "" {
		if thinking.Len() == 0 {
			*started = time.Now()
		}
		thinking.WriteString(chunk.Thinking)
	}
	if chunk.Content != "" {
		response.WriteString(chunk.Content)
	}
}

// postPreparingHint publishes a context-specific hint for the first tool
// call ("Writing foo.ts...") so the UI has something to show while the
// batch assembles.
func (d *streamDecoder) postPreparingHint(call protocol.ToolCall) {
	if d.quiet {
		return
	}

	title := "Preparing " + call.Name + "..."
	switch call.Name {
	case tool.NameWriteFile:
		if path, ok := call.Args["path"].(string); ok && path != "" {
			title = fmt.Sprintf("Writing %s...", path)
		}
	case tool.NameReadFile:
		if path, ok := call.Args["path"].(string); ok && path != "" {
			title = fmt.Sprintf("Reading %s...", path)
		}
	case tool.NameRunCommand:
		if cmd, ok := call.Args["command"].(string); ok && cmd != "" {
			if len(cmd) > 48 {
				cmd = cmd[:45] + "..."
			}
			title = fmt.Sprintf("Running %s...", cmd)
		}
	}

	d.bus.Post(bus.EventShowToolAction, map[string]any{
		"status": bus.ActionRunning,
		"tool":   call.Name,
		"title":  title,
	})
}
