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

// Package agentloop implements the Agent Loop (spec.md §4.7): the
// outermost driver that turns one conversation into a sequence of LLM
// calls and gadget executions, yielding the stream event envelope to its
// caller one iteration at a time. It owns the Execution Tree's LLM-call
// nodes, the conversation history, the mid-session injected-message
// queue, and dispatch into the agent's own Hook Pipeline Bundle; the
// Stream Processor (pkg/streamprocessor) and Retry Controller
// (pkg/retry) it drives per iteration own everything below the single
// LLM call.
//
// The iteration loop is grounded on the teacher's Flow.Run /
// Flow.runOneStep split in pkg/agent/llmagent/flow.go — an outer loop
// that continues until a termination condition, wrapping an inner
// per-iteration step that builds a request, calls the model, and
// processes the result — generalized from adk-go's event-based
// termination check to this module's explicit controller action variants
// and break_loop signal.
package agentloop

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zbigniewsobiecki/llmist-sub002/pkg/exectree"
	"github.com/zbigniewsobiecki/llmist-sub002/pkg/gadget"
	"github.com/zbigniewsobiecki/llmist-sub002/pkg/gadgetexec"
	"github.com/zbigniewsobiecki/llmist-sub002/pkg/hooks"
	"github.com/zbigniewsobiecki/llmist-sub002/pkg/llmio"
	deflog "github.com/zbigniewsobiecki/llmist-sub002/pkg/logger"
	"github.com/zbigniewsobiecki/llmist-sub002/pkg/ratelimit"
	"github.com/zbigniewsobiecki/llmist-sub002/pkg/retry"
	"github.com/zbigniewsobiecki/llmist-sub002/pkg/streamprocessor"
	"github.com/zbigniewsobiecki/llmist-sub002/pkg/telemetry"
)

// Params bundles everything one Loop needs for its lifetime. ParentHooks/
// Subagent/ParentNodeID are non-zero only for a subagent's Loop: the
// gadget that spawned it supplies its own hosting node id and hooks
// bundle so observer dispatch can honor the own-then-parent ordering
// spec.md §4.6.3/§4.6.4 requires.
type Params struct {
	Tree        *exectree.Tree
	Registry    *gadget.Registry
	Executor    *gadgetexec.Executor
	Transport   llmio.Transport
	Catalog     llmio.ModelCatalog
	Media       gadget.MediaStore
	RateLimiter ratelimit.Tracker
	Compactor   Compactor

	Hooks        *hooks.Bundle
	ParentHooks  *hooks.Bundle
	Subagent     *hooks.SubagentContext
	ParentNodeID string

	Tracer        trace.Tracer
	Metrics       *telemetry.Metrics
	SessionLogger *SessionLogger

	Config Config
	Logger *slog.Logger
}

// Loop is the Agent Loop for one agent (root or subagent). It is single-
// use: Run drives its conversation once, from iteration 0, and a Loop is
// discarded once that sequence is exhausted — exactly the way the teacher
// builds one Flow per invocation rather than reusing it.
type Loop struct {
	tree        *exectree.Tree
	registry    *gadget.Registry
	executor    *gadgetexec.Executor
	transport   llmio.Transport
	catalog     llmio.ModelCatalog
	media       gadget.MediaStore
	rateLimiter ratelimit.Tracker
	compactor   Compactor
	retryCtrl   *retry.Controller

	bundle       *hooks.Bundle
	parentBundle *hooks.Bundle
	subagent     *hooks.SubagentContext
	parentNodeID string

	tracer        trace.Tracer
	metrics       *telemetry.Metrics
	sessionLogger *SessionLogger

	cfg    Config
	logger *slog.Logger

	conversation   []llmio.Message
	priorCompleted map[string]bool
	priorFailed    map[string]string

	injectedMu     sync.Mutex
	injected       []llmio.Message
	injectedSignal chan struct{}

	aborted atomic.Bool

	unsubscribe func()
}

// New creates a Loop from p, filling Config defaults and a Bundle (if
// p.Hooks is nil) the way the rest of this module's constructors do.
func New(p Params) *Loop {
	logger := p.Logger
	if logger == nil {
		logger = deflog.GetLogger()
	}
	bundle := p.Hooks
	if bundle == nil {
		bundle = hooks.NewBundle(logger)
	}
	cfg := p.Config.withDefaults()

	l := &Loop{
		tree:           p.Tree,
		registry:       p.Registry,
		executor:       p.Executor,
		transport:      p.Transport,
		catalog:        p.Catalog,
		media:          p.Media,
		rateLimiter:    p.RateLimiter,
		compactor:      p.Compactor,
		retryCtrl:      retry.NewController(cfg.Retry),
		bundle:         bundle,
		parentBundle:   p.ParentHooks,
		subagent:       p.Subagent,
		parentNodeID:   p.ParentNodeID,
		tracer:         p.Tracer,
		metrics:        p.Metrics,
		sessionLogger:  p.SessionLogger,
		cfg:            cfg,
		logger:         logger,
		priorCompleted: make(map[string]bool),
		priorFailed:    make(map[string]string),
		injectedSignal: make(chan struct{}, 1),
	}
	l.unsubscribe = func() {}
	if l.subagent == nil {
		l.unsubscribe = l.bridgeTreeEvents()
	}
	return l
}

// bridgeTreeEvents subscribes to the tree's lifecycle events and logs each
// one at debug level, for a root Loop only (a subagent's tree events are
// already visible to whatever bridges its parent's tree). This is a
// minimal stand-in for a real tree-to-hooks bridge: spec.md leaves the
// bridge's own observable shape unspecified, so logging is the smallest
// defensible interpretation. The returned func unsubscribes and waits for
// the drain goroutine to exit, so Run's defer never races the bridge
// still touching l.logger after return.
func (l *Loop) bridgeTreeEvents() func() {
	ch, unsub := l.tree.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			l.logger.Debug("agentloop: tree event", "kind", ev.Kind.String(), "node_id", ev.NodeID)
		}
	}()
	return func() {
		unsub()
		<-done
	}
}

// Abort requests the loop stop at its next iteration boundary (spec.md
// §5's cooperative cancellation). Idempotent.
func (l *Loop) Abort() {
	l.aborted.Store(true)
}

// InjectMessage queues msg for the next iteration's conversation (spec.md
// §4.7 step 2's mid-session input queue). Safe to call concurrently with
// Run, including from another goroutine while Run is blocked waiting for
// input under the wait_for_input text-only policy.
func (l *Loop) InjectMessage(msg llmio.Message) {
	l.injectedMu.Lock()
	l.injected = append(l.injected, msg)
	l.injectedMu.Unlock()
	select {
	case l.injectedSignal <- struct{}{}:
	default:
	}
}

// Run drives the iteration loop (spec.md §4.7), yielding the stream event
// envelope. The terminal stream_complete kind is never yielded upward
// (spec.md §6): it is consumed internally by runStreamWithRetry to learn
// the attempt's outcome.
func (l *Loop) Run(ctx context.Context) iter.Seq2[streamprocessor.Event, error] {
	return func(yield func(streamprocessor.Event, error) bool) {
		var activeLLMNodeID string

		defer func() {
			if activeLLMNodeID != "" {
				if node, ok := l.tree.GetNode(activeLLMNodeID); ok && !node.State().IsTerminal() {
					l.tree.FailLLMCall(activeLLMNodeID, "interrupted")
				}
			}
			l.unsubscribe()
		}()

		forward := func(ev streamprocessor.Event) bool { return yield(ev, nil) }

		for iteration := 0; iteration < l.cfg.MaxIterations; iteration++ {
			if l.aborted.Load() {
				l.bundle.OnAbort.Dispatch(ctx, hooks.AbortInfo{Iteration: iteration, Err: ctx.Err()}, l.subagent)
				return
			}

			l.drainInjected()

			if l.compactor != nil {
				before := len(l.conversation)
				result, occurred, err := l.compactor.Compact(ctx, l.conversation)
				if err != nil {
					yield(streamprocessor.Event{}, fmt.Errorf("agentloop: compaction: %w", err))
					return
				}
				if occurred {
					l.conversation = result
					info := hooks.CompactionInfo{Iteration: iteration, MessagesBefore: before, MessagesAfter: len(result)}
					if !yield(streamprocessor.Event{Kind: streamprocessor.EventCompaction, Compaction: &info}, nil) {
						return
					}
					l.bundle.OnCompaction.Dispatch(ctx, info, l.subagent)
				}
			}

			iterStart := time.Now()
			outcome, cont := l.runIteration(ctx, iteration, &activeLLMNodeID, yield, forward)
			if l.metrics != nil {
				l.metrics.ObserveIteration(outcomeLabel(outcome), time.Since(iterStart))
			}
			if !cont {
				return
			}
			if outcome == iterationBreak {
				return
			}
		}
	}
}

type iterationResult int

const (
	iterationContinue iterationResult = iota
	iterationBreak
	iterationError
)

func outcomeLabel(r iterationResult) string {
	switch r {
	case iterationBreak:
		return "break"
	case iterationError:
		return "error"
	default:
		return "continue"
	}
}

// runIteration implements one pass of spec.md §4.7 steps 4-10. It returns
// the iteration's outcome and whether Run should keep iterating
// afterward (false on abort-equivalent termination: consumer stop,
// surfaced error, or max-iterations-exhausting condition handled by the
// caller's own for-loop bound).
func (l *Loop) runIteration(
	ctx context.Context,
	iteration int,
	activeLLMNodeID *string,
	yield func(streamprocessor.Event, error) bool,
	forward func(streamprocessor.Event) bool,
) (iterationResult, bool) {
	if l.tracer != nil {
		var span trace.Span
		ctx, span = l.tracer.Start(ctx, "agentloop.iteration")
		span.SetAttributes(attribute.Int("iteration", iteration), attribute.String("model", l.cfg.Model))
		defer span.End()
	}

	req := l.buildRequest()
	llmNodeID := l.tree.AddLLMCall(l.parentNodeID, iteration, l.cfg.Model, req.Messages)
	*activeLLMNodeID = llmNodeID

	if l.sessionLogger != nil {
		if err := l.sessionLogger.LogRequest(formatRequest(req)); err != nil {
			l.logger.Warn("agentloop: session request log failed", "error", err)
		}
	}

	callInfo := hooks.LLMCallInfo{NodeID: llmNodeID, Iteration: iteration, Model: l.cfg.Model, Request: req}
	l.bundle.OnLLMCallStart.Dispatch(ctx, callInfo, l.subagent)

	var skip *hooks.BeforeLLMCallSkip
	switch a := l.beforeLLMCall(callInfo).(type) {
	case hooks.BeforeLLMCallProceed:
		if a.ModifiedOptions != nil {
			req.Config = a.ModifiedOptions
		}
	case hooks.BeforeLLMCallSkip:
		skip = &a
	default:
		panic(fmt.Sprintf("agentloop: unrecognized BeforeLLMCallAction %T", a))
	}

	l.bundle.OnLLMCallReady.Dispatch(ctx, callInfo, l.subagent)

	if skip != nil {
		l.tree.StartLLMResponse(llmNodeID)
		l.tree.EndLLMResponse(llmNodeID, "skip", llmio.Usage{})
		l.tree.CompleteLLMCall(llmNodeID, skip.SyntheticResponse, 0)
		*activeLLMNodeID = ""
		l.conversation = append(l.conversation, llmio.Message{Role: llmio.RoleAssistant, Text: skip.SyntheticResponse})
		yield(streamprocessor.Event{Kind: streamprocessor.EventText, Text: skip.SyntheticResponse}, nil)
		return iterationBreak, true
	}

	outcome, attempts, err := l.runStreamWithRetry(ctx, req, llmNodeID, iteration, forward)
	if err != nil {
		if isConsumerStopped(err) {
			return iterationError, false
		}

		action := l.afterLLMError(hooks.LLMErrorInfo{NodeID: llmNodeID, Iteration: iteration, Model: l.cfg.Model, Err: err, Attempts: attempts})

		switch a := action.(type) {
		case hooks.AfterLLMErrorSurface:
			l.tree.FailLLMCall(llmNodeID, err.Error())
			*activeLLMNodeID = ""
			yield(streamprocessor.Event{}, err)
			return iterationError, false
		case hooks.AfterLLMErrorRecover:
			l.tree.FailLLMCall(llmNodeID, err.Error())
			*activeLLMNodeID = ""
			l.conversation = append(l.conversation, llmio.Message{Role: llmio.RoleAssistant, Text: a.FallbackResponse})
			return iterationContinue, true
		default:
			panic(fmt.Sprintf("agentloop: unrecognized AfterLLMErrorAction %T", a))
		}
	}

	usage := outcome.Complete.Usage
	cost := l.estimateCost(ctx, usage)
	if l.metrics != nil {
		l.metrics.AddCost("llm", cost)
	}
	if err := l.rateLimiter.RecordRequest(ctx, l.cfg.RateLimitScope, l.cfg.RateLimitIdentifier, ratelimit.RequestUsage{
		Requests:     1,
		InputTokens:  int64(usage.InputTokens),
		OutputTokens: int64(usage.OutputTokens),
	}); err != nil {
		l.logger.Warn("agentloop: rate limit record failed", "error", err)
	}

	resultInfo := hooks.LLMCallResultInfo{
		NodeID:       llmNodeID,
		Iteration:    iteration,
		Model:        l.cfg.Model,
		ResponseText: outcome.Complete.FinalMessage,
		FinishReason: outcome.Complete.FinishReason,
		Usage:        usage,
		Cost:         cost,
	}

	responseText := outcome.Complete.FinalMessage
	var extraMessages []llmio.Message
	switch a := l.afterLLMCall(resultInfo).(type) {
	case hooks.AfterLLMCallContinue:
	case hooks.AfterLLMCallModifyAndContinue:
		responseText = a.ModifiedResponse
	case hooks.AfterLLMCallAppendMessages:
		extraMessages = a.Messages
	case hooks.AfterLLMCallAppendAndModify:
		responseText = a.ModifiedResponse
		extraMessages = a.Messages
	default:
		panic(fmt.Sprintf("agentloop: unrecognized AfterLLMCallAction %T", a))
	}

	l.tree.CompleteLLMCall(llmNodeID, responseText, cost)
	*activeLLMNodeID = ""

	if l.sessionLogger != nil {
		if err := l.sessionLogger.LogResponse(responseText); err != nil {
			l.logger.Warn("agentloop: session response log failed", "error", err)
		}
	}

	l.priorCompleted = mergeCompleted(l.priorCompleted, outcome.Completed)
	l.priorFailed = mergeFailed(l.priorFailed, outcome.Failed)

	l.conversation = append(l.conversation, llmio.Message{Role: llmio.RoleAssistant, Text: responseText})
	if len(extraMessages) > 0 {
		l.conversation = append(l.conversation, extraMessages...)
	}

	if outcome.Complete.DidExecuteGadgets {
		if resultText := formatGadgetResults(outcome.Completed, outcome.Failed); resultText != "" {
			l.conversation = append(l.conversation, llmio.Message{Role: llmio.RoleUser, Text: resultText})
		}
	} else {
		switch l.cfg.TextOnlyPolicy(iteration, responseText) {
		case hooks.TextOnlyTerminate:
			return iterationBreak, true
		case hooks.TextOnlyWaitForInput:
			if !l.waitForInjected(ctx) {
				return iterationBreak, true
			}
		case hooks.TextOnlyAcknowledge:
		default:
			panic("agentloop: unrecognized TextOnlyPolicyAction")
		}
	}

	if outcome.Complete.ShouldBreakLoop {
		return iterationBreak, true
	}
	return iterationContinue, true
}

func (l *Loop) drainInjected() {
	l.injectedMu.Lock()
	defer l.injectedMu.Unlock()
	if len(l.injected) == 0 {
		return
	}
	l.conversation = append(l.conversation, l.injected...)
	l.injected = nil
}

// waitForInjected blocks until a message is injected, the loop is
// aborted, or ctx is done, matching the wait_for_input text-only policy.
func (l *Loop) waitForInjected(ctx context.Context) bool {
	for {
		l.injectedMu.Lock()
		has := len(l.injected) > 0
		l.injectedMu.Unlock()
		if has {
			return true
		}
		if l.aborted.Load() {
			return false
		}
		select {
		case <-l.injectedSignal:
		case <-ctx.Done():
			return false
		}
	}
}

func (l *Loop) buildRequest() *llmio.Request {
	gadgets := l.registry.All()
	tools := make([]llmio.ToolDefinition, len(gadgets))
	for i, g := range gadgets {
		tools[i] = llmio.ToolDefinition{Name: g.Name(), Description: g.Description(), Schema: g.Schema()}
	}
	return &llmio.Request{
		Model:             l.cfg.Model,
		SystemInstruction: l.cfg.SystemInstruction,
		Messages:          append([]llmio.Message(nil), l.conversation...),
		Tools:             tools,
		Config:            l.cfg.GenerateOptions.Clone(),
	}
}

func (l *Loop) estimateCost(ctx context.Context, usage llmio.Usage) float64 {
	if l.catalog == nil {
		return 0
	}
	est, err := l.catalog.EstimateCost(ctx, l.cfg.Model, usage.InputTokens, usage.OutputTokens, usage.CachedInputTokens, usage.CacheCreationInputTokens)
	if err != nil {
		l.logger.Warn("agentloop: cost estimate failed", "error", err)
		return 0
	}
	if est == nil {
		return 0
	}
	return est.TotalCost
}

func (l *Loop) beforeLLMCall(info hooks.LLMCallInfo) hooks.BeforeLLMCallAction {
	if l.bundle.BeforeLLMCall == nil {
		return hooks.BeforeLLMCallProceed{}
	}
	return l.bundle.BeforeLLMCall(info)
}

func (l *Loop) afterLLMCall(info hooks.LLMCallResultInfo) hooks.AfterLLMCallAction {
	if l.bundle.AfterLLMCall == nil {
		return hooks.AfterLLMCallContinue{}
	}
	return l.bundle.AfterLLMCall(info)
}

func (l *Loop) afterLLMError(info hooks.LLMErrorInfo) hooks.AfterLLMErrorAction {
	if l.bundle.AfterLLMError == nil {
		return hooks.AfterLLMErrorSurface{}
	}
	return l.bundle.AfterLLMError(info)
}

func isConsumerStopped(err error) bool {
	return errors.Is(err, errConsumerStopped)
}

func mergeCompleted(prior map[string]bool, completed map[string]gadgetexec.Result) map[string]bool {
	out := make(map[string]bool, len(prior)+len(completed))
	for k, v := range prior {
		out[k] = v
	}
	for k := range completed {
		out[k] = true
	}
	return out
}

func mergeFailed(prior, failed map[string]string) map[string]string {
	out := make(map[string]string, len(prior)+len(failed))
	for k, v := range prior {
		out[k] = v
	}
	for k, v := range failed {
		out[k] = v
	}
	return out
}

// formatGadgetResults renders this iteration's resolved gadget calls as a
// single user-role history turn, keyed by invocation id for deterministic
// ordering. The model never parses this text back (only the Gadget Call
// Parser's {START}/{ARG}/{END} grammar round-trips); it exists purely to
// give the model the outcome of what it asked for in its own next turn.
func formatGadgetResults(completed map[string]gadgetexec.Result, failed map[string]string) string {
	if len(completed) == 0 && len(failed) == 0 {
		return ""
	}
	ids := make([]string, 0, len(completed)+len(failed))
	for id := range completed {
		ids = append(ids, id)
	}
	for id := range failed {
		if _, ok := completed[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	var b strings.Builder
	for _, id := range ids {
		if res, ok := completed[id]; ok {
			if res.Failed() {
				fmt.Fprintf(&b, "{RESULT}%s\nerror: %s\n", id, res.ErrorMessage)
			} else {
				fmt.Fprintf(&b, "{RESULT}%s\n%s\n", id, res.Content)
			}
			continue
		}
		fmt.Fprintf(&b, "{RESULT}%s\nerror: %s\n", id, failed[id])
	}
	return b.String()
}

func formatRequest(req *llmio.Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "model: %s\n", req.Model)
	for _, m := range req.Messages {
		fmt.Fprintf(&b, "[%s] %s\n", m.Role, m.Text)
	}
	return b.String()
}
