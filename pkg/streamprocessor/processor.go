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

// Package streamprocessor implements the Stream Processor (spec.md §4.6):
// the per-iteration engine that turns a Transport's chunk sequence into the
// stream event envelope, feeding chunks through the Gadget Parser and
// scheduling every parsed gadget call onto the Gadget Executor subject to
// dependency ordering and bounded concurrency.
//
// A Processor is single-iteration-scoped: the Agent Loop builds one fresh
// Processor per LLM call, the way it builds one fresh gadgetparser.Parser,
// and discards it once Process's sequence is exhausted. Concurrency within
// one call (parallel gadget tasks fanning in through a shared completion
// queue) generalizes a single-goroutine-per-call fan-out pattern from "one
// tool call at a time" to dependency-aware bounded-concurrency scheduling,
// using golang.org/x/sync/semaphore for admission control.
package streamprocessor

import (
	"context"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/zbigniewsobiecki/llmist-sub002/pkg/exectree"
	"github.com/zbigniewsobiecki/llmist-sub002/pkg/gadget"
	"github.com/zbigniewsobiecki/llmist-sub002/pkg/gadgetexec"
	"github.com/zbigniewsobiecki/llmist-sub002/pkg/gadgetparser"
	"github.com/zbigniewsobiecki/llmist-sub002/pkg/hooks"
	"github.com/zbigniewsobiecki/llmist-sub002/pkg/llmio"
	"github.com/zbigniewsobiecki/llmist-sub002/pkg/logger"
)

// ExecutionMode selects how a Processor schedules a dependency-ready
// gadget call.
type ExecutionMode int

const (
	// ModeParallel spawns a goroutine per ready call, up to each gadget's
	// effective concurrency limit; this is the default.
	ModeParallel ExecutionMode = iota

	// ModeSequential runs each ready call inline before the parser is fed
	// any further chunk text, useful for deterministic tests and for
	// providers where gadget side effects must not interleave.
	ModeSequential
)

// Config controls scheduling policy.
type Config struct {
	Mode ExecutionMode

	// MaxGadgetsPerResponse caps how many gadget calls a single LLM
	// response may schedule; 0 means unlimited.
	MaxGadgetsPerResponse int

	// MaxConcurrentPerGadget is the scheduler-wide default ceiling on
	// simultaneous executions of any one gadget name; 0 means unlimited.
	// The effective limit for a given gadget is the minimum of this and
	// the gadget's own MaxConcurrent().
	MaxConcurrentPerGadget int

	// DrainPollInterval bounds how long the post-stream drain loop waits
	// on the completion queue before re-checking pending work. Zero uses
	// a 50ms default.
	DrainPollInterval time.Duration
}

// Params bundles everything one Processor needs for a single iteration.
type Params struct {
	Tree     *exectree.Tree
	Registry *gadget.Registry
	Executor *gadgetexec.Executor
	Media    gadget.MediaStore

	ParserConfig gadgetparser.Config
	LLMNodeID    string
	Iteration    int
	Depth        int

	// PriorCompleted/PriorFailed are read-only views of invocation ids
	// resolved in earlier iterations of the same agent, letting a gadget
	// call in this iteration depend on one from a previous response.
	PriorCompleted map[string]bool
	PriorFailed    map[string]string

	// Hooks is this agent's own Bundle. ParentHooks, if non-nil, is the
	// spawning agent's Bundle: own observers always run before parent
	// observers, per spec.md §4.6.3/§4.6.4's subagent visibility rule.
	Hooks       *hooks.Bundle
	ParentHooks *hooks.Bundle
	Subagent    *hooks.SubagentContext

	Config Config
	Logger *slog.Logger
}

// Processor is the Stream Processor for one LLM response.
type Processor struct {
	tree     *exectree.Tree
	registry *gadget.Registry
	executor *gadgetexec.Executor
	media    gadget.MediaStore

	parser    *gadgetparser.Parser
	llmNodeID string
	iteration int
	depth     int

	priorCompleted map[string]bool
	priorFailed    map[string]string

	bundle       *hooks.Bundle
	parentBundle *hooks.Bundle
	sub          *hooks.SubagentContext

	cfg    Config
	logger *slog.Logger

	ctx context.Context

	mu               sync.Mutex
	awaitingDeps     map[string]gadgetparser.ParsedGadgetCall
	completed        map[string]gadgetexec.Result
	failed           map[string]string
	nodeByInvocation map[string]string
	activeByGadget   map[string]int
	concurrencyQueue map[string][]gadgetparser.ParsedGadgetCall
	perGadgetSem     map[string]*semaphore.Weighted
	gadgetsStarted   int
	capHit           bool
	breakLoop        bool
	inFlight         int

	queue chan Event
	tasks errgroup.Group
}

// New creates a Processor for one iteration's LLM response.
func New(p Params) *Processor {
	log := p.Logger
	if log == nil {
		log = logger.GetLogger()
	}
	return &Processor{
		tree:             p.Tree,
		registry:         p.Registry,
		executor:         p.Executor,
		media:            p.Media,
		parser:           gadgetparser.New(p.ParserConfig),
		llmNodeID:        p.LLMNodeID,
		iteration:        p.Iteration,
		depth:            p.Depth,
		priorCompleted:   p.PriorCompleted,
		priorFailed:      p.PriorFailed,
		bundle:           p.Hooks,
		parentBundle:     p.ParentHooks,
		sub:              p.Subagent,
		cfg:              p.Config,
		logger:           log,
		awaitingDeps:     make(map[string]gadgetparser.ParsedGadgetCall),
		completed:        make(map[string]gadgetexec.Result),
		failed:           make(map[string]string),
		nodeByInvocation: make(map[string]string),
		activeByGadget:   make(map[string]int),
		concurrencyQueue: make(map[string][]gadgetparser.ParsedGadgetCall),
		perGadgetSem:     make(map[string]*semaphore.Weighted),
		queue:            make(chan Event, 4096),
	}
}

// DidBreakLoop reports whether any gadget executed this iteration returned
// gadget.ErrBreakLoop.
func (p *Processor) DidBreakLoop() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.breakLoop
}

// Completed and Failed expose this iteration's resolved invocation sets, so
// the Agent Loop can fold them into the next iteration's PriorCompleted /
// PriorFailed.
func (p *Processor) Completed() map[string]gadgetexec.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]gadgetexec.Result, len(p.completed))
	for k, v := range p.completed {
		out[k] = v
	}
	return out
}

func (p *Processor) Failed() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string, len(p.failed))
	for k, v := range p.failed {
		out[k] = v
	}
	return out
}

// Process consumes chunks and yields the stream event envelope (spec.md
// §4.6, §6), terminating with exactly one EventStreamComplete.
func (p *Processor) Process(ctx context.Context, chunks iter.Seq2[llmio.Chunk, error]) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		p.ctx = ctx

		var finishReason string
		var usage llmio.Usage
		var rawResponse strings.Builder

		emit := func(e Event) bool { return yield(e, nil) }

		stop := false
		for chunk, err := range chunks {
			if err != nil {
				yield(Event{}, err)
				return
			}
			if chunk.FinishReason != "" {
				finishReason = chunk.FinishReason
			}
			if chunk.Usage != nil {
				usage = *chunk.Usage
			}
			if chunk.Thinking != nil {
				if !emit(Event{Kind: EventThinking, Thinking: chunk.Thinking}) {
					return
				}
			}

			transformed, keep := p.bundle.InterceptRawChunk.Apply(ctx, chunk, p.sub)
			if keep {
				chunk = transformed
				rawResponse.WriteString(chunk.Text)
				p.bundle.OnStreamChunk.Dispatch(ctx, chunk, p.sub)

				for ev := range p.parser.Feed(chunk.Text) {
					if !p.handleParserEvent(ctx, ev, emit) {
						return
					}
				}
			}

			if !p.drainNonBlocking(emit) {
				return
			}
			if p.capHitFlag() {
				stop = true
			}
			if stop {
				break
			}
		}

		if !emit(Event{Kind: EventLLMResponseEnd, LLMResponseEnd: &LLMResponseEndInfo{FinishReason: finishReason, Usage: usage}}) {
			return
		}

		for ev := range p.parser.Finalize() {
			if !p.handleParserEvent(ctx, ev, emit) {
				return
			}
		}

		if !p.drainUntilIdle(emit) {
			return
		}
		p.resolvePendingDeps(ctx)
		if !p.drainUntilIdle(emit) {
			return
		}
		p.finalizeAwaitingDeps(ctx)
		if !p.drainNonBlocking(emit) {
			return
		}

		finalMessage, _ := p.bundle.InterceptAssistantMessage.Apply(ctx, rawResponse.String(), p.sub)

		p.mu.Lock()
		didExecute := len(p.completed) > 0 || len(p.failed) > 0
		breakLoop := p.breakLoop
		p.mu.Unlock()

		yield(Event{Kind: EventStreamComplete, StreamComplete: &StreamCompleteInfo{
			FinishReason:      finishReason,
			Usage:             usage,
			RawResponse:       rawResponse.String(),
			FinalMessage:      finalMessage,
			DidExecuteGadgets: didExecute,
			ShouldBreakLoop:   breakLoop,
		}})
	}
}

func (p *Processor) handleParserEvent(ctx context.Context, ev gadgetparser.Event, emit func(Event) bool) bool {
	switch ev.Kind {
	case gadgetparser.EventText:
		text, keep := p.bundle.InterceptTextChunk.Apply(ctx, ev.Text, p.sub)
		if !keep {
			return true
		}
		return emit(Event{Kind: EventText, Text: text})
	case gadgetparser.EventGadgetCall:
		if ev.Call.ParseError != "" {
			p.logger.Debug("streamprocessor: gadget call parse error", "invocation_id", ev.Call.InvocationID, "error", ev.Call.ParseError)
		}
		return p.handleGadgetCall(ctx, ev.Call, emit)
	default:
		return true
	}
}

func (p *Processor) capHitFlag() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capHit
}

// push enqueues e onto the completion queue. Safe to call from any
// goroutine; the queue is sized generously (4096) so a burst of completions
// never blocks a producer behind a slow consumer, but it is not literally
// unbounded: a producer blocks once 4096 events are waiting.
func (p *Processor) push(e Event) {
	p.queue <- e
}

// drainNonBlocking flushes whatever is currently queued without waiting.
func (p *Processor) drainNonBlocking(emit func(Event) bool) bool {
	for {
		select {
		case e := <-p.queue:
			if !emit(e) {
				return false
			}
		default:
			return true
		}
	}
}

// drainUntilIdle blocks, interleaving queue drains, until no gadget work is
// outstanding (spec.md §4.6's post-chunk-loop bounded drain).
func (p *Processor) drainUntilIdle(emit func(Event) bool) bool {
	interval := p.cfg.DrainPollInterval
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	for p.hasPendingWork() {
		select {
		case e := <-p.queue:
			if !emit(e) {
				return false
			}
		case <-time.After(interval):
		}
	}
	_ = p.tasks.Wait()
	return p.drainNonBlocking(emit)
}

func (p *Processor) hasPendingWork() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inFlight > 0 {
		return true
	}
	for _, q := range p.concurrencyQueue {
		if len(q) > 0 {
			return true
		}
	}
	for _, n := range p.activeByGadget {
		if n > 0 {
			return true
		}
	}
	return false
}
