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

// Package approval implements the human-in-the-loop gate: a pending
// approval is paired with a resolver and the requesting goroutine suspends
// until the user responds or the turn is cancelled.
package approval

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Approval kinds.
const (
	KindTerminal = "terminal"
	KindFileEdit = "file_edit"
)

// Decision states.
const (
	DecisionPending   = "pending"
	DecisionApproved  = "approved"
	DecisionSkipped   = "skipped"
	DecisionCancelled = "cancelled"
)

// Request is one pending approval shown to the user.
type Request struct {
	ID       string
	Kind     string
	Severity Severity
	// Payload is the command line or file path under review.
	Payload string
	// Detail is extra context (file content preview, working dir).
	Detail string
}

// Response is the user's answer.
type Response struct {
	Approved bool
	// RevisedCommand replaces the original terminal command when the user
	// edited it before approving.
	RevisedCommand string
}

// Gate pairs pending approval IDs with resolvers.
type Gate struct {
	mu      sync.Mutex
	pending map[string]chan Response

	// notify is called when a request becomes pending, so the caller can
	// surface it to the UI. May be nil.
	notify func(Request)
}

// NewGate creates an approval gate. notify is invoked for every new
// pending request; pass nil to skip UI notification (tests).
func NewGate(notify func(Request)) *Gate {
	return &Gate{
		pending: make(map[string]chan Response),
		notify:  notify,
	}
}

// NewRequestID allocates an approval ID.
func NewRequestID() string {
	return "approval_" + uuid.NewString()[:8]
}

// Wait registers the request and suspends until the user responds or ctx is
// cancelled. Cancellation resolves as not approved.
func (g *Gate) Wait(ctx context.Context, req Request) Response {
	if req.ID == "" {
		req.ID = NewRequestID()
	}

	ch := make(chan Response, 1)
	g.mu.Lock()
	g.pending[req.ID] = ch
	g.mu.Unlock()

	if g.notify != nil {
		g.notify(req)
	}

	select {
	case resp := <-ch:
		return resp
	case <-ctx.Done():
		g.remove(req.ID)
		return Response{Approved: false}
	}
}

// HandleResponse resolves a pending approval. Unknown IDs are ignored
// (the request may have been cancelled already).
func (g *Gate) HandleResponse(id string, approved bool, revisedCommand string) {
	g.mu.Lock()
	ch, ok := g.pending[id]
	if ok {
		delete(g.pending, id)
	}
	g.mu.Unlock()

	if ok {
		ch <- Response{Approved: approved, RevisedCommand: revisedCommand}
	}
}

// CancelAll resolves every pending approval as denied. Called when the
// agent task is cancelled.
func (g *Gate) CancelAll() {
	g.mu.Lock()
	pending := g.pending
	g.pending = make(map[string]chan Response)
	g.mu.Unlock()

	for _, ch := range pending {
		ch <- Response{Approved: false}
	}
}

// PendingCount returns the number of unresolved approvals.
func (g *Gate) PendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

func (g *Gate) remove(id string) {
	g.mu.Lock()
	delete(g.pending, id)
	g.mu.Unlock()
}

// RequiresApproval is the pure decision policy: critical commands always
// gate, everything else gates unless the session auto-approves.
func RequiresApproval(severity Severity, autoApprove bool) bool {
	return severity == SeverityCritical || !autoApprove
}

// DisplaySeverity clamps the severity shown to the user to at least
// medium; a gate that says "none" teaches users to stop reading it.
func DisplaySeverity(severity Severity) Severity {
	if severity < SeverityMedium {
		return SeverityMedium
	}
	return severity
}
