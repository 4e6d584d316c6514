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

package host

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Local is a filesystem-backed host rooted at one workspace folder.
//
// A watcher distinguishes writes the agent made through WriteFile from
// out-of-band edits (the user saving in another editor, a formatter, a git
// operation); the latter are surfaced between iterations so the loop can
// warn the model that files changed underneath it.
type Local struct {
	root string

	mu sync.Mutex
	// ownWrites holds paths the agent itself wrote, to ignore the watcher
	// echo of those writes.
	ownWrites map[string]time.Time
	// externalMods accumulates out-of-band modifications until drained.
	externalMods map[string]bool

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewLocal creates a local host for a workspace root. The watcher is
// optional: when it cannot be established the host still works, it just
// never reports external modifications.
func NewLocal(root string) (*Local, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}

	h := &Local{
		root:         abs,
		ownWrites:    make(map[string]time.Time),
		externalMods: make(map[string]bool),
		done:         make(chan struct{}),
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("File watcher unavailable, external modifications will not be detected", "error", err)
		return h, nil
	}
	if err := watcher.Add(abs); err != nil {
		slog.Warn("Failed to watch workspace root", "root", abs, "error", err)
		watcher.Close()
		return h, nil
	}
	h.watcher = watcher
	go h.watch()

	return h, nil
}

func (h *Local) watch() {
	for {
		select {
		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			h.recordEvent(event.Name)
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			slog.Debug("File watcher error", "error", err)
		case <-h.done:
			return
		}
	}
}

func (h *Local) recordEvent(path string) {
	rel := h.AsRelativePath(path)

	h.mu.Lock()
	defer h.mu.Unlock()

	// Ignore the echo of our own writes for a short grace period.
	if written, ok := h.ownWrites[rel]; ok && time.Since(written) < 2*time.Second {
		return
	}
	h.externalMods[rel] = true
}

// ExternalModifications drains and returns paths modified out-of-band since
// the last call.
func (h *Local) ExternalModifications() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.externalMods) == 0 {
		return nil
	}
	out := make([]string, 0, len(h.externalMods))
	for p := range h.externalMods {
		out = append(out, p)
	}
	h.externalMods = make(map[string]bool)
	return out
}

// Close stops the watcher.
func (h *Local) Close() error {
	close(h.done)
	if h.watcher != nil {
		return h.watcher.Close()
	}
	return nil
}

// WorkspaceFolders returns the single workspace root.
func (h *Local) WorkspaceFolders() []string {
	return []string{h.root}
}

// AsRelativePath maps an absolute path inside the workspace to a relative
// one; paths outside the workspace are returned unchanged.
func (h *Local) AsRelativePath(path string) string {
	if !filepath.IsAbs(path) {
		return path
	}
	rel, err := filepath.Rel(h.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return rel
}

// ActiveEditorPath returns "" for the local host; there is no editor.
func (h *Local) ActiveEditorPath() string {
	return ""
}

func (h *Local) resolve(path string) (string, error) {
	if filepath.IsAbs(path) {
		path = h.AsRelativePath(path)
	}
	full := filepath.Join(h.root, path)
	rel, err := filepath.Rel(h.root, full)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return full, nil
}

// ReadFile reads a workspace file.
func (h *Local) ReadFile(ctx context.Context, path string) (string, error) {
	full, err := h.resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return string(data), nil
}

// WriteFile writes a workspace file, creating parent directories.
func (h *Local) WriteFile(ctx context.Context, path, content string) error {
	full, err := h.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return fmt.Errorf("failed to create directories for %s: %w", path, err)
	}

	h.mu.Lock()
	h.ownWrites[h.AsRelativePath(full)] = time.Now()
	h.mu.Unlock()

	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// Stat returns file metadata.
func (h *Local) Stat(ctx context.Context, path string) (*FileInfo, error) {
	full, err := h.resolve(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return &FileInfo{
		MtimeMS: info.ModTime().UnixMilli(),
		Size:    info.Size(),
	}, nil
}

// DeleteDir removes a directory tree inside the workspace.
func (h *Local) DeleteDir(ctx context.Context, path string) error {
	full, err := h.resolve(path)
	if err != nil {
		return err
	}
	if full == h.root {
		return fmt.Errorf("refusing to delete workspace root")
	}
	return os.RemoveAll(full)
}

// WaitForDiagnostics returns immediately with no diagnostics: the local
// host has no language server. The editor host implements the real wait.
func (h *Local) WaitForDiagnostics(ctx context.Context, path string, timeout time.Duration) ([]Diagnostic, error) {
	return nil, nil
}

// ErrorDiagnostics returns no diagnostics for the local host.
func (h *Local) ErrorDiagnostics(ctx context.Context, path string) ([]Diagnostic, error) {
	return nil, nil
}

// Compile-time interface check.
var _ Environment = (*Local)(nil)
