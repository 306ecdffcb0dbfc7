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

// Package hooks implements the Hook Pipeline (spec.md §4.6.4): the three
// kinds of extension point the Stream Processor and Agent Loop dispatch
// through, plus the Bundle that wires a concrete set of them together for
// one agent (root or subagent).
//
// The three kinds are modeled as distinct generic types rather than one
// reflective "plugin" mechanism, per spec.md §9's design note:
//
//   - Interceptor[T] is a pure, synchronous transform: T in, (T, keep) out.
//     A chain composes registered interceptors in registration order.
//   - Observer[T] is fire-and-forget: every observer registered for a
//     stage runs concurrently with its siblings, the stage awaits all of
//     them, and an observer's error is isolated (counted and logged, never
//     propagated).
//   - A controller is a single plain function returning one of a fixed,
//     closed set of action variants (see actions.go); an unrecognized
//     variant is a programmer error, not data, and panics.
package hooks

import (
	"context"
	"log/slog"
	"sync"

	deflog "github.com/zbigniewsobiecki/llmist-sub002/pkg/logger"
)

// SubagentContext identifies the subagent a hook invocation belongs to:
// the invocation id of the gadget that spawned it, and its depth in the
// Execution Tree. A root agent's own hooks receive a nil SubagentContext.
type SubagentContext struct {
	ParentGadgetInvocationID string
	Depth                    int
}

// Interceptor transforms value, optionally dropping it. Returning
// keep == false means the event this interceptor saw should not be
// emitted further (e.g. a text chunk swallowed by a redaction filter).
type Interceptor[T any] func(ctx context.Context, value T, sub *SubagentContext) (T, bool)

// InterceptorChain composes a sequence of Interceptor[T] values, applied in
// registration order. Register takes the chain's write lock and Apply its
// read lock, so both may be called from multiple goroutines; the usual
// pattern is still to register everything during setup, before
// Process/Run starts.
type InterceptorChain[T any] struct {
	mu  sync.RWMutex
	fns []Interceptor[T]
}

// Register appends fn to the chain.
func (c *InterceptorChain[T]) Register(fn Interceptor[T]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fns = append(c.fns, fn)
}

// Apply runs every registered interceptor over value in order, short-
// circuiting (keep == false) the moment one of them drops it.
func (c *InterceptorChain[T]) Apply(ctx context.Context, value T, sub *SubagentContext) (T, bool) {
	c.mu.RLock()
	fns := c.fns
	c.mu.RUnlock()

	for _, fn := range fns {
		var keep bool
		value, keep = fn(ctx, value, sub)
		if !keep {
			return value, false
		}
	}
	return value, true
}

// Observer is notified of value but cannot alter the pipeline's behavior;
// its only communicable outcome is an error, which the owning
// ObserverStage isolates rather than propagating.
type Observer[T any] func(ctx context.Context, value T, sub *SubagentContext) error

// ObserverStage holds every observer registered for one extension point.
// Dispatch runs them concurrently and waits for all of them (the "within
// one stage, observers run concurrently; between stages they are
// barriered" rule from spec.md §4.6.4): the barrier is simply that
// Dispatch doesn't return until every observer has finished.
type ObserverStage[T any] struct {
	mu       sync.RWMutex
	fns      []Observer[T]
	logger   *slog.Logger
	failures int
}

// NewObserverStage creates a stage that logs isolated observer failures
// through logger (nil means the package default logger).
func NewObserverStage[T any](logger *slog.Logger) *ObserverStage[T] {
	if logger == nil {
		logger = deflog.GetLogger()
	}
	return &ObserverStage[T]{logger: logger}
}

// Register appends fn to the stage.
func (s *ObserverStage[T]) Register(fn Observer[T]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fns = append(s.fns, fn)
}

// Dispatch runs every registered observer concurrently against value and
// blocks until all have returned. Observer errors are never returned to
// the caller: they are logged and counted via FailureCount.
func (s *ObserverStage[T]) Dispatch(ctx context.Context, value T, sub *SubagentContext) {
	s.mu.RLock()
	fns := s.fns
	s.mu.RUnlock()
	if len(fns) == 0 {
		return
	}

	var wg sync.WaitGroup
	wg.Add(len(fns))
	for _, fn := range fns {
		fn := fn
		go func() {
			defer wg.Done()
			defer s.recoverPanic()
			if err := fn(ctx, value, sub); err != nil {
				s.mu.Lock()
				s.failures++
				s.mu.Unlock()
				s.logger.Warn("hooks: observer failed", "error", err)
			}
		}()
	}
	wg.Wait()
}

func (s *ObserverStage[T]) recoverPanic() {
	if r := recover(); r != nil {
		s.mu.Lock()
		s.failures++
		s.mu.Unlock()
		s.logger.Warn("hooks: observer panicked", "recovered", r)
	}
}

// FailureCount returns how many observer failures (errors or panics) this
// stage has isolated so far.
func (s *ObserverStage[T]) FailureCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failures
}

// DispatchSequence runs each stage in turn, awaiting one fully before the
// next starts. Used for the own-then-parent observer ordering spec.md
// §4.6.3 requires around gadget execution: each stage's own observers still
// run concurrently with each other, but "own" completes before "parent"
// begins.
func DispatchSequence[T any](ctx context.Context, value T, sub *SubagentContext, stages ...*ObserverStage[T]) {
	for _, stage := range stages {
		if stage != nil {
			stage.Dispatch(ctx, value, sub)
		}
	}
}
