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

package streamprocessor

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"

	"github.com/zbigniewsobiecki/llmist-sub002/pkg/gadget"
	"github.com/zbigniewsobiecki/llmist-sub002/pkg/gadgetexec"
	"github.com/zbigniewsobiecki/llmist-sub002/pkg/gadgetparser"
	"github.com/zbigniewsobiecki/llmist-sub002/pkg/hooks"
)

// handleGadgetCall implements spec.md §4.6.1: it is called once per parsed
// gadget call, synchronously on whichever goroutine is feeding the parser
// (always the generator's own goroutine, since calls are only ever
// discovered from Feed/Finalize).
func (p *Processor) handleGadgetCall(ctx context.Context, call gadgetparser.ParsedGadgetCall, emit func(Event) bool) bool {
	if p.capHitFlag() {
		return true
	}

	if !emit(Event{Kind: EventGadgetCall, Call: &call}) {
		return false
	}

	nodeID := p.tree.AddGadget(p.llmNodeID, call.InvocationID, call.Name, call.Params, call.Dependencies)
	p.mu.Lock()
	p.nodeByInvocation[call.InvocationID] = nodeID
	p.mu.Unlock()

	for _, d := range call.Dependencies {
		if d == call.InvocationID {
			p.skipGadget(ctx, nodeID, call, "self_reference", "", "self-referential dependency")
			return true
		}
	}

	if failedDep, failedErr, isFailed := p.firstFailedDependency(call.Dependencies); isFailed {
		if !p.handleFailedDependency(ctx, nodeID, call, failedDep, failedErr) {
			return true
		}
		// DependencySkipExecuteAnyway falls through to normal scheduling.
	} else if pending := p.hasPendingDependency(call.Dependencies); pending {
		p.mu.Lock()
		p.awaitingDeps[call.InvocationID] = call
		p.mu.Unlock()
		return true
	}

	p.scheduleReady(nodeID, call)
	return true
}

// handleFailedDependency runs the dependency-skip controller for a call
// whose dependency already failed. It returns false if the caller should
// stop (the call was resolved, one way or another) and true only for
// DependencySkipExecuteAnyway, where the caller must still schedule it.
func (p *Processor) handleFailedDependency(ctx context.Context, nodeID string, call gadgetparser.ParsedGadgetCall, failedDep, failedErr string) bool {
	var action hooks.DependencySkipAction = hooks.DependencySkipRefuse{}
	if p.bundle.DependencySkip != nil {
		action = p.bundle.DependencySkip(p.gadgetInfo(nodeID, call), failedDep)
	}

	switch a := action.(type) {
	case hooks.DependencySkipRefuse:
		p.skipGadget(ctx, nodeID, call, "dependency_failed", failedDep, failedErr)
		return false
	case hooks.DependencySkipExecuteAnyway:
		return true
	case hooks.DependencySkipUseFallback:
		p.useFallback(nodeID, call, a.Result)
		return false
	default:
		panic("streamprocessor: dependency-skip controller returned an unrecognized action")
	}
}

// scheduleReady implements spec.md §4.6.1 steps 6-9: enforce the
// per-response cap, enforce per-gadget concurrency, and either execute
// inline (sequential mode) or spawn a task (parallel mode).
func (p *Processor) scheduleReady(nodeID string, call gadgetparser.ParsedGadgetCall) {
	p.mu.Lock()
	if p.cfg.MaxGadgetsPerResponse > 0 && p.gadgetsStarted >= p.cfg.MaxGadgetsPerResponse {
		p.capHit = true
		p.mu.Unlock()
		p.skipGadget(p.ctx, nodeID, call, "limit_exceeded", "", "")
		return
	}
	p.gadgetsStarted++
	p.mu.Unlock()

	sem := p.semaphoreFor(call.Name)
	if sem != nil && !sem.TryAcquire(1) {
		p.mu.Lock()
		p.concurrencyQueue[call.Name] = append(p.concurrencyQueue[call.Name], call)
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	p.activeByGadget[call.Name]++
	p.mu.Unlock()

	run := func() {
		defer p.releaseGadgetSlot(call.Name, sem)
		p.runLifecycle(p.ctx, nodeID, call)
	}

	if p.cfg.Mode == ModeSequential {
		run()
		return
	}

	p.mu.Lock()
	p.inFlight++
	p.mu.Unlock()
	p.tasks.Go(func() error {
		defer func() {
			p.mu.Lock()
			p.inFlight--
			p.mu.Unlock()
		}()
		run()
		return nil
	})
}

// releaseGadgetSlot is called once a gadget's lifecycle finishes, whether
// it ran sequentially or as a spawned task. It decrements the active count,
// releases the concurrency semaphore, and promotes the next queued call for
// this gadget name if any is waiting (spec.md §4.6.1 step 9).
func (p *Processor) releaseGadgetSlot(name string, sem *semaphore.Weighted) {
	p.mu.Lock()
	p.activeByGadget[name]--
	var next *gadgetparser.ParsedGadgetCall
	if q := p.concurrencyQueue[name]; len(q) > 0 {
		c := q[0]
		p.concurrencyQueue[name] = q[1:]
		next = &c
	}
	p.mu.Unlock()

	if sem != nil {
		sem.Release(1)
	}
	if next != nil {
		nodeID := p.nodeIDFor(next.InvocationID)
		p.scheduleReady(nodeID, *next)
	}
}

// runLifecycle implements spec.md §4.6.3: the single-gadget lifecycle from
// parameter interception through tree completion and result dispatch.
func (p *Processor) runLifecycle(ctx context.Context, nodeID string, call gadgetparser.ParsedGadgetCall) {
	params, _ := p.bundle.InterceptGadgetParameters.Apply(ctx, call.Params, p.sub)
	p.tree.UpdateGadgetParameters(nodeID, params)

	info := p.gadgetInfo(nodeID, call)
	info.Params = params

	var execRes gadgetexec.Result
	skip := false
	if p.bundle.BeforeGadgetExecution != nil {
		switch a := p.bundle.BeforeGadgetExecution(info).(type) {
		case hooks.BeforeGadgetExecutionProceed:
		case hooks.BeforeGadgetExecutionSkip:
			execRes = gadgetexec.Result{GadgetName: call.Name, InvocationID: call.InvocationID, Params: params, Content: a.SyntheticResult}
			skip = true
		default:
			panic("streamprocessor: before_gadget_execution controller returned an unrecognized action")
		}
	}

	p.tree.StartGadget(nodeID)
	hooks.DispatchSequence(ctx, info, p.sub, p.bundle.OnGadgetExecutionStart, p.parentOnGadgetExecutionStart())

	if !skip {
		depth := p.depth + 1
		execCtx := &gadget.Context{
			InvocationID: call.InvocationID,
			NodeID:       nodeID,
			ParentNodeID: p.llmNodeID,
			Depth:        depth,
			Media:        p.media,
		}
		execRes = p.executor.Execute(ctx, call.InvocationID, call.Name, params, execCtx)
	}

	if execRes.ErrorMessage == "" {
		content, _ := p.bundle.InterceptGadgetResult.Apply(ctx, execRes.Content, p.sub)
		execRes.Content = content
	}

	if execRes.Failed() && p.bundle.AfterGadgetExecution != nil {
		resultInfo := p.gadgetResultInfo(info, execRes)
		switch a := p.bundle.AfterGadgetExecution(resultInfo).(type) {
		case hooks.AfterGadgetExecutionKeep:
		case hooks.AfterGadgetExecutionRecover:
			execRes.ErrorMessage = ""
			execRes.Content = a.FallbackResult
		default:
			panic("streamprocessor: after_gadget_execution controller returned an unrecognized action")
		}
	}

	p.tree.CompleteGadget(nodeID, execRes.Content, execRes.ErrorMessage, execRes.ExecutionTime, execRes.Cost, execRes.Media, execRes.BreaksLoop)

	resultInfo := p.gadgetResultInfo(info, execRes)
	hooks.DispatchSequence(ctx, resultInfo, p.sub, p.bundle.OnGadgetExecutionComplete, p.parentOnGadgetExecutionComplete())

	p.mu.Lock()
	p.completed[call.InvocationID] = execRes
	if execRes.Failed() {
		p.failed[call.InvocationID] = execRes.ErrorMessage
	}
	if execRes.BreaksLoop {
		p.breakLoop = true
	}
	p.mu.Unlock()

	p.push(Event{Kind: EventGadgetResult, Result: &execRes})

	p.resolvePendingDeps(ctx)
}

// resolvePendingDeps implements spec.md §4.6.2: it repeatedly scans
// awaiting_deps for calls that can now proceed (their dependency failed, or
// all of their dependencies are resolved), looping until a full pass makes
// no progress. It is safe to call concurrently from multiple goroutines —
// e.g. two sibling gadgets feeding the same downstream call can finish at
// nearly the same instant, each triggering its own resolvePendingDeps —
// because claimIfResolved makes the "still awaiting, now ready, remove"
// decision a single atomic step, so only one caller ever wins the
// transition for a given invocation id and schedules it.
func (p *Processor) resolvePendingDeps(ctx context.Context) {
	for {
		progressed := false

		p.mu.Lock()
		candidates := make([]gadgetparser.ParsedGadgetCall, 0, len(p.awaitingDeps))
		for _, c := range p.awaitingDeps {
			candidates = append(candidates, c)
		}
		p.mu.Unlock()

		for _, call := range candidates {
			nodeID, failedDep, failedErr, isFailed, isReady := p.claimIfResolved(call)
			if nodeID == "" {
				// Either another goroutine already claimed this invocation
				// id, or its dependencies are still pending.
				continue
			}

			if isFailed {
				if p.handleFailedDependency(ctx, nodeID, call, failedDep, failedErr) {
					p.scheduleReady(nodeID, call)
				}
				progressed = true
				continue
			}

			if isReady {
				p.scheduleReady(nodeID, call)
				progressed = true
			}
		}

		if !progressed {
			return
		}
	}
}

// claimIfResolved atomically decides whether call's dependencies have
// settled (failed or all completed) and, if so, removes it from
// awaitingDeps in the same critical section as the check. Without this,
// a stillAwaiting check, the dependency-state check, and the awaitingDeps
// deletion were three separate lock acquisitions: two goroutines racing to
// complete sibling dependencies of the same downstream call could both
// observe it ready and both call scheduleReady, double-starting its
// lifecycle and panicking the second tree.StartGadget call. A zero nodeID
// return means the caller should not schedule anything for this call.
func (p *Processor) claimIfResolved(call gadgetparser.ParsedGadgetCall) (nodeID, failedDep, failedErr string, isFailed, isReady bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, stillAwaiting := p.awaitingDeps[call.InvocationID]; !stillAwaiting {
		return "", "", "", false, false
	}

	for _, d := range call.Dependencies {
		if msg, ok := p.failed[d]; ok {
			failedDep, failedErr, isFailed = d, msg, true
			break
		}
		if msg, ok := p.priorFailed[d]; ok {
			failedDep, failedErr, isFailed = d, msg, true
			break
		}
	}

	if !isFailed {
		for _, d := range call.Dependencies {
			if _, ok := p.completed[d]; ok {
				continue
			}
			if p.priorCompleted[d] {
				continue
			}
			return "", "", "", false, false
		}
		isReady = true
	}

	delete(p.awaitingDeps, call.InvocationID)
	return p.nodeByInvocation[call.InvocationID], failedDep, failedErr, isFailed, isReady
}

// finalizeAwaitingDeps implements the terminal classification step of
// spec.md §4.6.2: anything still in awaiting_deps once the response and
// every dependency chain it could resolve have settled is either part of a
// dependency cycle or depends on an invocation id that was never executed.
func (p *Processor) finalizeAwaitingDeps(ctx context.Context) {
	p.mu.Lock()
	leftover := make(map[string]gadgetparser.ParsedGadgetCall, len(p.awaitingDeps))
	for k, v := range p.awaitingDeps {
		leftover[k] = v
	}
	p.mu.Unlock()

	for invID, call := range leftover {
		var circular, missing []string
		for _, d := range call.Dependencies {
			if p.isResolved(d) {
				continue
			}
			if _, ok := leftover[d]; ok {
				circular = append(circular, d)
			} else {
				missing = append(missing, d)
			}
		}

		var msg string
		switch {
		case len(circular) > 0:
			msg = fmt.Sprintf("circular dependency: %q and %q depend on each other", invID, circular[0])
		case len(missing) > 0:
			msg = fmt.Sprintf("dependency %q was never executed", missing[0])
		default:
			// Resolved between the snapshot and now; leave it to a future
			// resolvePendingDeps pass rather than misclassify it.
			continue
		}

		nodeID := p.nodeIDFor(invID)
		p.skipGadget(ctx, nodeID, call, "circular_or_missing_dependency", "", msg)
		p.removeAwaiting(invID)
	}
}

// --- dependency/state helpers -------------------------------------------

func (p *Processor) firstFailedDependency(deps []string) (dep, errMsg string, failed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, d := range deps {
		if msg, ok := p.failed[d]; ok {
			return d, msg, true
		}
		if msg, ok := p.priorFailed[d]; ok {
			return d, msg, true
		}
	}
	return "", "", false
}

func (p *Processor) hasPendingDependency(deps []string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, d := range deps {
		if _, ok := p.completed[d]; ok {
			continue
		}
		if p.priorCompleted[d] {
			continue
		}
		return true
	}
	return false
}

func (p *Processor) isResolved(invocationID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.completed[invocationID]; ok {
		return true
	}
	if _, ok := p.failed[invocationID]; ok {
		return true
	}
	return p.priorCompleted[invocationID] || p.priorFailed[invocationID] != ""
}

func (p *Processor) removeAwaiting(invocationID string) {
	p.mu.Lock()
	delete(p.awaitingDeps, invocationID)
	p.mu.Unlock()
}

func (p *Processor) nodeIDFor(invocationID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nodeByInvocation[invocationID]
}

// semaphoreFor returns the concurrency gate for gadgetName, or nil if it is
// unbounded. The effective limit is the minimum of the scheduler-wide
// default and the gadget's own intrinsic ceiling (spec.md §4.6.1 step 6),
// treating 0/absent as infinity.
func (p *Processor) semaphoreFor(gadgetName string) *semaphore.Weighted {
	p.mu.Lock()
	defer p.mu.Unlock()

	if sem, ok := p.perGadgetSem[gadgetName]; ok {
		return sem
	}

	limit := p.cfg.MaxConcurrentPerGadget
	if g, err := p.registry.Lookup(gadgetName); err == nil {
		if intrinsic := g.MaxConcurrent(); intrinsic > 0 {
			if limit <= 0 || intrinsic < limit {
				limit = intrinsic
			}
		}
	}

	var sem *semaphore.Weighted
	if limit > 0 {
		sem = semaphore.NewWeighted(int64(limit))
	}
	p.perGadgetSem[gadgetName] = sem
	return sem
}

// --- skip / fallback paths ----------------------------------------------

func (p *Processor) skipGadget(ctx context.Context, nodeID string, call gadgetparser.ParsedGadgetCall, reason, failedDep, failedDepErr string) {
	p.tree.SkipGadget(nodeID, reason)

	msg := failedDepErr
	if msg == "" {
		msg = reason
	}
	p.mu.Lock()
	p.failed[call.InvocationID] = msg
	p.mu.Unlock()

	skipInfo := hooks.GadgetSkipInfo{
		GadgetInfo:            p.gadgetInfo(nodeID, call),
		FailedDependency:      failedDep,
		FailedDependencyError: failedDepErr,
		Reason:                reason,
	}
	hooks.DispatchSequence(ctx, skipInfo, p.sub, p.bundle.OnGadgetSkipped, p.parentOnGadgetSkipped())

	p.push(Event{Kind: EventGadgetSkipped, Skipped: &GadgetSkippedInfo{
		GadgetName:            call.Name,
		InvocationID:          call.InvocationID,
		Parameters:            call.Params,
		FailedDependency:      failedDep,
		FailedDependencyError: failedDepErr,
		Reason:                reason,
	}})
}

func (p *Processor) useFallback(nodeID string, call gadgetparser.ParsedGadgetCall, result string) {
	p.tree.StartGadget(nodeID)
	p.tree.CompleteGadget(nodeID, result, "", 0, 0, nil, false)

	res := gadgetexec.Result{GadgetName: call.Name, InvocationID: call.InvocationID, Params: call.Params, Content: result}
	p.mu.Lock()
	p.completed[call.InvocationID] = res
	p.mu.Unlock()

	p.push(Event{Kind: EventGadgetResult, Result: &res})
}

// --- info builders and parent-stage accessors ---------------------------

func (p *Processor) gadgetInfo(nodeID string, call gadgetparser.ParsedGadgetCall) hooks.GadgetInfo {
	return hooks.GadgetInfo{
		NodeID:       nodeID,
		InvocationID: call.InvocationID,
		Name:         call.Name,
		Params:       call.Params,
		Dependencies: call.Dependencies,
		ParentNodeID: p.llmNodeID,
	}
}

func (p *Processor) gadgetResultInfo(info hooks.GadgetInfo, res gadgetexec.Result) hooks.GadgetResultInfo {
	return hooks.GadgetResultInfo{
		GadgetInfo:    info,
		Result:        res.Content,
		ErrorMessage:  res.ErrorMessage,
		ExecutionTime: res.ExecutionTime,
		Cost:          res.Cost,
		BreaksLoop:    res.BreaksLoop,
	}
}

func (p *Processor) parentOnGadgetExecutionStart() *hooks.ObserverStage[hooks.GadgetInfo] {
	if p.parentBundle == nil {
		return nil
	}
	return p.parentBundle.OnGadgetExecutionStart
}

func (p *Processor) parentOnGadgetExecutionComplete() *hooks.ObserverStage[hooks.GadgetResultInfo] {
	if p.parentBundle == nil {
		return nil
	}
	return p.parentBundle.OnGadgetExecutionComplete
}

func (p *Processor) parentOnGadgetSkipped() *hooks.ObserverStage[hooks.GadgetSkipInfo] {
	if p.parentBundle == nil {
		return nil
	}
	return p.parentBundle.OnGadgetSkipped
}
