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

// Package gadget defines the interfaces a gadget implements and the
// context/result types the Gadget Executor passes through them. Concrete
// gadgets (including a subagent-spawning gadget) are an explicit non-goal;
// this package only fixes the seam they plug into.
//
// # Interface hierarchy
//
//	Gadget (base: name, description, schema, limits)
//	  └── CallableGadget - synchronous execute(params, ctx) -> Result
//
// A gadget declares its parameter schema either by hand (returning a
// map[string]any from Schema) or by reflecting a typed Go struct with
// SchemaOf, which uses invopop/jsonschema the way the teacher's CLI
// generates schemas for its own tool definitions.
package gadget

import (
	"context"
	"encoding/json"
	"time"

	"github.com/invopop/jsonschema"
)

// Gadget is the base interface every gadget implements.
type Gadget interface {
	// Name is the gadget's identifier, as it appears in the wire grammar's
	// header line and in conversation history.
	Name() string

	// Description is shown to the model to help it decide when to call
	// this gadget.
	Description() string

	// Schema returns the JSON Schema for this gadget's parameters, used
	// both to validate a parsed call and to advertise the gadget to the
	// model. Returns nil if the gadget takes no parameters.
	Schema() map[string]any

	// MaxConcurrent is this gadget's own intrinsic concurrency ceiling (0
	// means unbounded). The Stream Processor takes the minimum of this and
	// its scheduler-wide MaxConcurrentPerGadget limit.
	MaxConcurrent() int

	// Timeout is this gadget's override of the executor's default
	// per-call timeout (0 means "use the default").
	Timeout() time.Duration
}

// CallableGadget extends Gadget with synchronous execution.
type CallableGadget interface {
	Gadget

	// Execute runs the gadget with validated parameters. Implementations
	// must respect ctx cancellation: once ctx is done, in-flight I/O tied
	// to it should unwind promptly.
	//
	// To signal the Agent Loop should stop iterating after this call,
	// return ErrBreakLoop (or an error wrapping it) alongside the final
	// message to surface, via Result.BreaksLoop / Result.Content.
	Execute(ctx context.Context, params map[string]any, execCtx *Context) (Result, error)
}

// Result is a gadget's raw return value, before the executor wraps it into
// a GadgetExecutionResult recorded on the tree.
type Result struct {
	// Content is the gadget's result, serialized to a string for the
	// conversation transcript.
	Content string

	// Cost is an optional monetary cost this call incurred (e.g. a
	// gadget that itself calls a priced API).
	Cost float64

	// Media are optional references to binary/large output the gadget
	// produced, recorded in the shared MediaStore rather than inlined
	// into Content.
	Media []MediaRef

	// BreaksLoop, when true, tells the Agent Loop to stop iterating
	// after this gadget completes, using Content as the final message.
	BreaksLoop bool
}

// MediaRef is an opaque pointer into a MediaStore.
type MediaRef struct {
	ID       string
	MIMEType string
}

// MediaStore persists gadget-produced media, keyed by an opaque id
// assigned at Put time.
type MediaStore interface {
	Put(ctx context.Context, mimeType string, data []byte) (MediaRef, error)
	Get(ctx context.Context, ref MediaRef) ([]byte, error)
}

// CostReporter lets a gadget report incremental cost during execution,
// beyond the single Result.Cost value returned at the end — for gadgets
// that want cost attributed as it's incurred rather than batched.
type CostReporter interface {
	ReportCost(amount float64)
}

// Context is the per-invocation execution context a Gadget Executor
// builds for one call. It is intentionally a concrete struct, not an
// interface: a gadget's dependencies here are all either read-only views
// or narrow capability objects, so there's no substitutability concern
// that would call for an interface seam.
type Context struct {
	// InvocationID is this call's invocation id, as assigned by the
	// parser or the gadget call's explicit header.
	InvocationID string

	// NodeID is the Execution Tree node id for this gadget call.
	NodeID string

	// ParentNodeID is the LLM Call node id that produced this call.
	ParentNodeID string

	// Depth is this node's depth in the Execution Tree.
	Depth int

	// Media is the shared media store gadgets record large output into.
	Media MediaStore

	// SubagentConfig carries arbitrary per-invocation configuration for a
	// subagent-spawning gadget (opaque to the executor itself).
	SubagentConfig map[string]any

	cost *float64
}

// ReportCost implements CostReporter, accumulating into the amount the
// executor folds into the final GadgetExecutionResult.
func (c *Context) ReportCost(amount float64) {
	if c.cost == nil {
		var zero float64
		c.cost = &zero
	}
	*c.cost += amount
}

// AccumulatedCost returns the cost reported via ReportCost so far.
func (c *Context) AccumulatedCost() float64 {
	if c.cost == nil {
		return 0
	}
	return *c.cost
}

// SchemaOf reflects T into a JSON Schema map, for gadgets that declare
// their parameters as a typed Go struct instead of hand-writing Schema().
func SchemaOf[T any]() map[string]any {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var zero T
	schema := reflector.Reflect(zero)
	out, err := schema.MarshalJSON()
	if err != nil {
		return nil
	}
	var asMap map[string]any
	if err := json.Unmarshal(out, &asMap); err != nil {
		return nil
	}
	return asMap
}
