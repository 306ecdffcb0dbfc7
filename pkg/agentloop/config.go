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

package agentloop

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/zbigniewsobiecki/llmist-sub002/pkg/gadgetparser"
	"github.com/zbigniewsobiecki/llmist-sub002/pkg/hooks"
	"github.com/zbigniewsobiecki/llmist-sub002/pkg/llmio"
	"github.com/zbigniewsobiecki/llmist-sub002/pkg/ratelimit"
	"github.com/zbigniewsobiecki/llmist-sub002/pkg/retry"
	"github.com/zbigniewsobiecki/llmist-sub002/pkg/streamprocessor"
)

// Compactor is context compaction's external-collaborator seam (spec.md
// §1, §4.7 step 3): invoked between iterations with the current
// conversation, it returns a (possibly shortened/summarized) replacement
// and whether it actually changed anything. Grounded on the teacher's
// memory.WorkingMemoryStrategy shape (a single strategy method consulted
// before building the next request) rather than reintroduced as one of
// this module's own components, since compaction itself is a named
// non-goal.
type Compactor interface {
	Compact(ctx context.Context, messages []llmio.Message) (result []llmio.Message, occurred bool, err error)
}

// TextOnlyPolicyFunc decides what to do when an iteration executed no
// gadgets at all (spec.md §4.7 step 9). responseText is the iteration's
// assembled assistant message.
type TextOnlyPolicyFunc func(iteration int, responseText string) hooks.TextOnlyPolicyAction

// AcknowledgeTextOnly is the conservative default: keep looping, folding
// the assistant's text-only turn into history as an ordinary message.
func AcknowledgeTextOnly(int, string) hooks.TextOnlyPolicyAction {
	return hooks.TextOnlyAcknowledge
}

// Config controls one Loop's iteration policy. Every field has a
// documented zero-value default applied by New, following the teacher's
// habit of small Config structs with defaults filled in at construction
// rather than a separate validation pass (spec.md's config-loading
// non-goal means no file/env source is provided here; a host process
// populates this however it manages its own configuration).
type Config struct {
	// MaxIterations bounds the outer loop (spec.md §4.7); 0 uses 25.
	MaxIterations int

	// Model is the model id passed to the Transport and ModelCatalog.
	Model string

	// SystemInstruction is sent as every request's SystemInstruction.
	SystemInstruction string

	// GenerateOptions seeds each request's generation parameters; cloned
	// per call so a before_llm_call controller's modification never
	// mutates the shared config.
	GenerateOptions *llmio.GenerateConfig

	// Parser configures the Gadget Call Parser each iteration's
	// Processor constructs; 0-value uses gadgetparser.DefaultConfig().
	Parser gadgetparser.Config

	// Stream configures each iteration's Stream Processor.
	Stream streamprocessor.Config

	// Retry configures the outer stream-retry loop's backoff policy
	// (spec.md §4.7.1); retry.NewController fills each zero numeric field
	// from retry.DefaultConfig(), while Randomize and RespectRetryAfter
	// keep the values given here.
	Retry retry.Config

	// RateLimitScope/RateLimitIdentifier identify this agent (or its
	// root session, for a subagent) to the shared Rate-Limit Tracker.
	RateLimitScope      ratelimit.Scope
	RateLimitIdentifier string

	// Depth is this agent's depth in the Execution Tree (0 for a root
	// agent; a subagent inherits its spawning gadget's depth + 1).
	Depth int

	// TextOnlyPolicy decides the text-only policy at step 9; nil uses
	// AcknowledgeTextOnly.
	TextOnlyPolicy TextOnlyPolicyFunc
}

func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 25
	}
	if c.Parser == (gadgetparser.Config{}) {
		c.Parser = gadgetparser.DefaultConfig()
	}
	if c.RateLimitScope == "" {
		c.RateLimitScope = ratelimit.ScopeSession
	}
	if c.TextOnlyPolicy == nil {
		c.TextOnlyPolicy = AcknowledgeTextOnly
	}
	return c
}

// SessionLogger optionally persists each iteration's request/response as
// NNNN.request / NNNN.response files, per spec.md §6's "Implementations
// MAY optionally write request/response log files" note (SPEC_FULL.md
// §12.4). It is purely observational: a nil SessionLogger (the default)
// disables this entirely, and a failing write is logged, never
// propagated, since session logging must never affect execution
// semantics.
type SessionLogger struct {
	mu      sync.Mutex
	counter int
	open    func(name string) (io.WriteCloser, error)
}

// NewSessionLogger creates a SessionLogger writing into dir.
func NewSessionLogger(dir string) *SessionLogger {
	return &SessionLogger{
		open: func(name string) (io.WriteCloser, error) {
			return os.Create(filepath.Join(dir, name))
		},
	}
}

func (s *SessionLogger) next() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter++
	return s.counter
}

// LogRequest writes text to the next NNNN.request file.
func (s *SessionLogger) LogRequest(text string) error {
	return s.write(fmt.Sprintf("%04d.request", s.next()), text)
}

// LogResponse writes text to the current NNNN.response file (same
// counter value as the most recent LogRequest call).
func (s *SessionLogger) LogResponse(text string) error {
	s.mu.Lock()
	n := s.counter
	s.mu.Unlock()
	return s.write(fmt.Sprintf("%04d.response", n), text)
}

func (s *SessionLogger) write(name, text string) error {
	w, err := s.open(name)
	if err != nil {
		return fmt.Errorf("agentloop: open session log %s: %w", name, err)
	}
	defer w.Close()
	_, err = io.WriteString(w, text)
	return err
}
