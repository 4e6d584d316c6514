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

package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/kadirpekel/loco/pkg/approval"
	"github.com/kadirpekel/loco/pkg/bus"
)

// console renders engine events on the terminal and answers approval
// prompts from stdin.
type console struct {
	mu    sync.Mutex
	gate  *approval.Gate
	stdin *bufio.Reader
}

func newConsole() *console {
	return &console{stdin: bufio.NewReader(os.Stdin)}
}

// PostMessage implements bus.UISink.
func (c *console) PostMessage(event bus.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch event.Type {
	case bus.EventStreamChunk:
		if text, ok := event.Payload["text"].(string); ok {
			fmt.Print(text)
		}
	case bus.EventFinalMessage:
		if text, ok := event.Payload["text"].(string); ok {
			fmt.Println("\n" + text)
		}
	case bus.EventShowToolAction:
		status, _ := event.Payload["status"].(string)
		title, _ := event.Payload["title"].(string)
		if status == bus.ActionRunning {
			fmt.Fprintf(os.Stderr, "  ● %s\n", title)
		} else if status == bus.ActionError {
			detail, _ := event.Payload["detail"].(string)
			fmt.Fprintf(os.Stderr, "  ✗ %s %s\n", title, detail)
		}
	case bus.EventStartProgressGroup:
		if title, ok := event.Payload["title"].(string); ok {
			fmt.Fprintf(os.Stderr, "▸ %s\n", title)
		}
	case bus.EventCollapseThinking:
		fmt.Fprintln(os.Stderr, "  (thinking done)")
	case bus.EventShowError:
		fmt.Fprintf(os.Stderr, "error: %v\n", event.Payload["message"])
	case bus.EventShowWarningBanner:
		fmt.Fprintf(os.Stderr, "warning: %v\n", event.Payload["message"])
	}
}

// promptApproval asks the user to approve a pending request. Runs on its
// own goroutine so the gate's Wait stays suspended until the answer.
func (c *console) promptApproval(req approval.Request) {
	go func() {
		fmt.Fprintf(os.Stderr, "\n[%s] %s requires approval:\n  %s\n", req.Severity, req.Kind, req.Payload)
		if req.Detail != "" {
			fmt.Fprintf(os.Stderr, "%s\n", req.Detail)
		}
		fmt.Fprint(os.Stderr, "Approve? [y/N] ")

		line, err := c.stdin.ReadString('\n')
		approved := err == nil && strings.HasPrefix(strings.TrimSpace(strings.ToLower(line)), "y")
		c.gate.HandleResponse(req.ID, approved, "")
	}()
}
