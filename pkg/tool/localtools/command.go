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
	"os/exec"
	"strings"
	"time"

	"github.com/kadirpekel/loco/pkg/host"
	"github.com/kadirpekel/loco/pkg/tool"
)

const maxCommandOutput = 64 * 1024

// RunCommand executes a shell command in the workspace.
//
// Approval gating happens in the dispatcher, not here: by the time Call
// runs, the command has passed the gate (or the session auto-approves).
type RunCommand struct {
	workDir string
	timeout time.Duration
}

// NewRunCommand creates the run_command tool.
func NewRunCommand(env host.Environment, timeout time.Duration) *RunCommand {
	workDir := ""
	if folders := env.WorkspaceFolders(); len(folders) > 0 {
		workDir = folders[0]
	}
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &RunCommand{workDir: workDir, timeout: timeout}
}

type commandArgs struct {
	Command    string `json:"command" jsonschema:"required,description=Shell command to execute"`
	WorkingDir string `json:"working_dir,omitempty" jsonschema:"description=Working directory, relative to the workspace root"`
}

func (t *RunCommand) Name() string        { return tool.NameRunCommand }
func (t *RunCommand) Kind() tool.Kind     { return tool.KindTerminal }
func (t *RunCommand) Cacheable() bool     { return false }
func (t *RunCommand) Description() string {
	return "Execute a shell command in the workspace and return its combined output."
}

func (t *RunCommand) Schema() map[string]any {
	return tool.SchemaFor[commandArgs]()
}

func (t *RunCommand) Call(ctx context.Context, args map[string]any) (string, error) {
	var a commandArgs
	if err := tool.DecodeArgs(args, &a); err != nil {
		return "", err
	}
	if a.Command == "" {
		return "", fmt.Errorf("command is required")
	}

	execCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "sh", "-c", a.Command)
	cmd.Dir = t.workDir
	if a.WorkingDir != "" {
		cmd.Dir = t.workDir + "/" + a.WorkingDir
	}

	output, err := cmd.CombinedOutput()
	text := string(output)
	if len(text) > maxCommandOutput {
		text = text[:maxCommandOutput] + "\n...(truncated)"
	}
	if strings.TrimSpace(text) == "" {
		text = "(no output)"
	}

	if execCtx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("command timed out after %s", t.timeout)
	}

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return "", fmt.Errorf("failed to run command: %w", err)
		}
	}

	if exitCode != 0 {
		text += fmt.Sprintf("\n[exit code: %d]", exitCode)
	}
	return text, nil
}

// Compile-time interface check.
var _ tool.Tool = (*RunCommand)(nil)
