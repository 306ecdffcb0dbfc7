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

// Package exectree is the process-local graph of LLM-call and gadget nodes
// that one root agent (and any subagents it spawns) builds up over its
// lifetime. It is the single source of truth the Stream Processor, Agent
// Loop, and any observer hooks consult for cost, token, and lifecycle state.
//
// A Tree enforces five invariants no matter which component is driving it:
// a gadget node's parent is always an LLM Call node; an LLM Call node
// started inside a subagent is parented to the gadget that spawned it; a
// node's depth is its parent's depth plus one, with roots at depth zero; a
// node's completion timestamp is non-nil if and only if its state is
// terminal; and cost/token aggregates over a subtree are always computed on
// demand from the nodes themselves, never cached.
//
// A Tree has one writer at a time (the component driving a given call) and
// any number of concurrent readers; mutators take the write lock, query
// methods take the read lock.
package exectree

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zbigniewsobiecki/llmist-sub002/pkg/gadget"
	"github.com/zbigniewsobiecki/llmist-sub002/pkg/llmio"
)

// Option configures a Tree at construction time.
type Option func(*Tree)

// WithTracer wires an optional otel span bridge: one span is started per
// node at creation and ended when the node reaches a terminal state. Spans
// are not nested via context propagation (a Tree's mutators are
// context-free by design); NodeID and parent-node-id are recorded as span
// attributes instead.
func WithTracer(tracer trace.Tracer) Option {
	return func(t *Tree) { t.tracer = tracer }
}

// Tree is the execution tree for one root agent's process lifetime.
type Tree struct {
	mu sync.RWMutex

	nodes        map[string]Node
	children     map[string][]string
	byInvocation map[string]string
	order        []string

	bus *eventBus

	tracer trace.Tracer
	spans  map[string]trace.Span
}

// New creates an empty Tree.
func New(opts ...Option) *Tree {
	t := &Tree{
		nodes:        make(map[string]Node),
		children:     make(map[string][]string),
		byInvocation: make(map[string]string),
		bus:          newEventBus(),
		spans:        make(map[string]trace.Span),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Subscribe returns a channel of future lifecycle events and an unsubscribe
// function. Delivery is ordered per node; across nodes, delivery order
// matches the order mutations were applied.
func (t *Tree) Subscribe() (<-chan Event, func()) {
	return t.bus.subscribe()
}

func (t *Tree) publish(kind EventKind, nodeID string) {
	t.bus.publish(Event{Kind: kind, NodeID: nodeID, Timestamp: time.Now()})
}

func (t *Tree) startSpan(nodeID, spanName string, attrs ...attribute.KeyValue) {
	if t.tracer == nil {
		return
	}
	_, span := t.tracer.Start(context.Background(), spanName, trace.WithAttributes(attrs...))
	t.mu.Lock()
	t.spans[nodeID] = span
	t.mu.Unlock()
}

func (t *Tree) endSpan(nodeID string, state NodeState) {
	if t.tracer == nil {
		return
	}
	t.mu.Lock()
	span, ok := t.spans[nodeID]
	delete(t.spans, nodeID)
	t.mu.Unlock()
	if !ok {
		return
	}
	if state == StateFailed {
		span.SetStatus(codes.Error, state.String())
	}
	span.End()
}

func panicf(format string, args ...any) {
	panic(fmt.Sprintf("exectree: "+format, args...))
}

// AddLLMCall creates a new LLM Call node. parentID is "" for a root agent's
// own iterations, or the id of the gadget node that spawned a subagent
// (invariant 2). Panics if parentID is set but names an unknown node or a
// node that is not a gadget node (invariant 1's mirror for LLM call nodes).
func (t *Tree) AddLLMCall(parentID string, iteration int, model string, request []llmio.Message) string {
	t.mu.Lock()
	depth := 0
	if parentID != "" {
		parent, ok := t.nodes[parentID]
		if !ok {
			t.mu.Unlock()
			panicf("add_llm_call: unknown parent node %q", parentID)
		}
		if parent.Kind() != KindGadget {
			t.mu.Unlock()
			panicf("add_llm_call: parent node %q is not a gadget node", parentID)
		}
		depth = parent.Depth() + 1
	}

	id := uuid.NewString()
	node := &LLMCallNode{
		nodeBase: nodeBase{
			id:        id,
			parentID:  parentID,
			depth:     depth,
			state:     StatePending,
			createdAt: time.Now(),
		},
		Iteration: iteration,
		Model:     model,
		Request:   request,
	}
	t.nodes[id] = node
	t.order = append(t.order, id)
	t.children[parentID] = append(t.children[parentID], id)
	t.mu.Unlock()

	t.startSpan(id, "llm_call", attribute.String("exectree.node_id", id), attribute.String("exectree.parent_node_id", parentID), attribute.String("exectree.model", model))
	t.publish(EventLLMCallAdded, id)
	return id
}

// StartLLMResponse transitions an LLM Call node from pending to running,
// marking the start of response streaming.
func (t *Tree) StartLLMResponse(nodeID string) {
	t.mu.Lock()
	node := t.mustLLMCall("start_llm_response", nodeID)
	if node.state != StatePending {
		t.mu.Unlock()
		panicf("start_llm_response: node %q is %s, expected pending", nodeID, node.state)
	}
	node.state = StateRunning
	t.mu.Unlock()
	t.publish(EventLLMResponseStarted, nodeID)
}

// EndLLMResponse records the finish reason and usage observed once the
// model signals it is done producing output. The node remains non-terminal:
// CompleteLLMCall still needs to run once any trailing gadget calls in the
// response have been parsed out.
func (t *Tree) EndLLMResponse(nodeID string, finishReason string, usage llmio.Usage) {
	t.mu.Lock()
	node := t.mustLLMCall("end_llm_response", nodeID)
	if node.state != StateRunning {
		t.mu.Unlock()
		panicf("end_llm_response: node %q is %s, expected running", nodeID, node.state)
	}
	node.FinishReason = finishReason
	node.Usage = usage
	t.mu.Unlock()
	t.publish(EventLLMResponseEnded, nodeID)
}

// CompleteLLMCall finalizes an LLM Call node with its assembled response
// text and cost, transitioning it to the succeeded terminal state.
func (t *Tree) CompleteLLMCall(nodeID string, responseText string, cost float64) {
	t.mu.Lock()
	node := t.mustLLMCall("complete_llm_call", nodeID)
	if node.state.IsTerminal() {
		t.mu.Unlock()
		panicf("complete_llm_call: node %q already terminal (%s)", nodeID, node.state)
	}
	now := time.Now()
	node.ResponseText = responseText
	node.Cost = cost
	node.state = StateSucceeded
	node.completedAt = &now
	t.mu.Unlock()
	t.endSpan(nodeID, StateSucceeded)
	t.publish(EventLLMCallCompleted, nodeID)
}

// FailLLMCall terminates an LLM Call node as failed, e.g. after the Retry
// Controller exhausts its attempts.
func (t *Tree) FailLLMCall(nodeID string, reason string) {
	t.mu.Lock()
	node := t.mustLLMCall("fail_llm_call", nodeID)
	if node.state.IsTerminal() {
		t.mu.Unlock()
		panicf("fail_llm_call: node %q already terminal (%s)", nodeID, node.state)
	}
	now := time.Now()
	node.FailureReason = reason
	node.state = StateFailed
	node.completedAt = &now
	t.mu.Unlock()
	t.endSpan(nodeID, StateFailed)
	t.publish(EventLLMCallFailed, nodeID)
}

// AddGadget creates a new gadget node. parentID must name an existing LLM
// Call node (invariant 1).
func (t *Tree) AddGadget(parentID, invocationID, name string, params map[string]any, dependencies []string) string {
	t.mu.Lock()
	parent, ok := t.nodes[parentID]
	if !ok {
		t.mu.Unlock()
		panicf("add_gadget: unknown parent node %q", parentID)
	}
	if parent.Kind() != KindLLMCall {
		t.mu.Unlock()
		panicf("add_gadget: parent node %q is not an LLM call node", parentID)
	}

	id := uuid.NewString()
	node := &GadgetNode{
		nodeBase: nodeBase{
			id:        id,
			parentID:  parentID,
			depth:     parent.Depth() + 1,
			state:     StatePending,
			createdAt: time.Now(),
		},
		InvocationID: invocationID,
		Name:         name,
		Params:       params,
		Dependencies: dependencies,
	}
	t.nodes[id] = node
	t.order = append(t.order, id)
	t.children[parentID] = append(t.children[parentID], id)
	if invocationID != "" {
		t.byInvocation[invocationID] = id
	}
	t.mu.Unlock()

	t.startSpan(id, "gadget_call", attribute.String("exectree.node_id", id), attribute.String("exectree.parent_node_id", parentID), attribute.String("exectree.gadget", name))
	t.publish(EventGadgetAdded, id)
	return id
}

// UpdateGadgetParameters replaces a pending gadget node's parameters, e.g.
// from a hook that rewrites arguments before execution. Panics if the node
// has already started.
func (t *Tree) UpdateGadgetParameters(nodeID string, params map[string]any) {
	t.mu.Lock()
	node := t.mustGadget("update_gadget_parameters", nodeID)
	if node.state != StatePending {
		t.mu.Unlock()
		panicf("update_gadget_parameters: node %q is %s, expected pending", nodeID, node.state)
	}
	node.Params = params
	t.mu.Unlock()
	t.publish(EventGadgetParametersUpdated, nodeID)
}

// StartGadget transitions a gadget node from pending to running.
func (t *Tree) StartGadget(nodeID string) {
	t.mu.Lock()
	node := t.mustGadget("start_gadget", nodeID)
	if node.state != StatePending {
		t.mu.Unlock()
		panicf("start_gadget: node %q is %s, expected pending", nodeID, node.state)
	}
	node.state = StateRunning
	t.mu.Unlock()
	t.publish(EventGadgetStarted, nodeID)
}

// CompleteGadget finalizes a running gadget node, succeeded if errMessage is
// empty, failed otherwise.
func (t *Tree) CompleteGadget(nodeID string, result, errMessage string, execTime time.Duration, cost float64, media []gadget.MediaRef, breaksLoop bool) {
	t.mu.Lock()
	node := t.mustGadget("complete_gadget", nodeID)
	if node.state != StateRunning {
		t.mu.Unlock()
		panicf("complete_gadget: node %q is %s, expected running", nodeID, node.state)
	}
	now := time.Now()
	node.Result = result
	node.ErrorMessage = errMessage
	node.ExecutionTime = execTime
	node.Cost = cost
	node.Media = media
	node.BreaksLoop = breaksLoop
	node.completedAt = &now
	if errMessage == "" {
		node.state = StateSucceeded
	} else {
		node.state = StateFailed
	}
	t.mu.Unlock()
	t.endSpan(nodeID, node.state)
	t.publish(EventGadgetCompleted, nodeID)
}

// SkipGadget terminates a pending gadget node without ever running it, e.g.
// because a dependency failed and a controller chose not to execute anyway.
func (t *Tree) SkipGadget(nodeID string, reason string) {
	t.mu.Lock()
	node := t.mustGadget("skip_gadget", nodeID)
	if node.state != StatePending {
		t.mu.Unlock()
		panicf("skip_gadget: node %q is %s, expected pending", nodeID, node.state)
	}
	now := time.Now()
	node.SkipReason = reason
	node.state = StateSkipped
	node.completedAt = &now
	t.mu.Unlock()
	t.endSpan(nodeID, StateSkipped)
	t.publish(EventGadgetSkipped, nodeID)
}

// mustLLMCall and mustGadget are called with t.mu held for writing; they
// panic if nodeID is unknown or names the wrong node variant, since every
// mutator caller is expected to pass back an id this Tree itself issued.
func (t *Tree) mustLLMCall(op, nodeID string) *LLMCallNode {
	node, ok := t.nodes[nodeID]
	if !ok {
		panicf("%s: unknown node %q", op, nodeID)
	}
	llmCall, ok := node.(*LLMCallNode)
	if !ok {
		panicf("%s: node %q is not an LLM call node", op, nodeID)
	}
	return llmCall
}

func (t *Tree) mustGadget(op, nodeID string) *GadgetNode {
	node, ok := t.nodes[nodeID]
	if !ok {
		panicf("%s: unknown node %q", op, nodeID)
	}
	gadgetNode, ok := node.(*GadgetNode)
	if !ok {
		panicf("%s: node %q is not a gadget node", op, nodeID)
	}
	return gadgetNode
}
