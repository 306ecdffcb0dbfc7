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

package exectree

import (
	"time"

	"github.com/zbigniewsobiecki/llmist-sub002/pkg/gadget"
	"github.com/zbigniewsobiecki/llmist-sub002/pkg/llmio"
)

// NodeState is the lifecycle state of a node. Every node starts Pending and
// ends in exactly one terminal state.
type NodeState int

const (
	StatePending NodeState = iota
	StateRunning
	StateSucceeded
	StateFailed
	StateSkipped
)

func (s NodeState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether s is one a node never leaves once reached.
func (s NodeState) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateSkipped
}

// NodeKind distinguishes the tree's two node variants.
type NodeKind int

const (
	KindLLMCall NodeKind = iota
	KindGadget
)

// Node is the read-only view every node variant exposes. Callers type-switch
// on the concrete *LLMCallNode / *GadgetNode (obtained via Kind or a type
// assertion) to reach variant-specific fields.
type Node interface {
	ID() string
	ParentID() string
	Kind() NodeKind
	Depth() int
	State() NodeState
	CreatedAt() time.Time

	// CompletedAt is non-nil iff State().IsTerminal() (invariant 4).
	CompletedAt() *time.Time
}

// nodeBase is embedded by both node variants and implements the common part
// of Node. It is never used as a standalone node.
type nodeBase struct {
	id          string
	parentID    string
	depth       int
	state       NodeState
	createdAt   time.Time
	completedAt *time.Time
}

func (n *nodeBase) ID() string              { return n.id }
func (n *nodeBase) ParentID() string        { return n.parentID }
func (n *nodeBase) Depth() int               { return n.depth }
func (n *nodeBase) State() NodeState         { return n.state }
func (n *nodeBase) CreatedAt() time.Time     { return n.createdAt }
func (n *nodeBase) CompletedAt() *time.Time { return n.completedAt }

// LLMCallNode records one call to the LLM transport: the request sent, the
// response assembled as it streams, and the usage/cost observed once it
// completes.
type LLMCallNode struct {
	nodeBase

	Iteration int
	Model     string
	Request   []llmio.Message

	// ResponseText is set by CompleteLLMCall; it stays empty while the
	// response is streaming.
	ResponseText string
	FinishReason string
	Usage        llmio.Usage
	Cost         float64

	// FailureReason is set when FailLLMCall terminates this node instead of
	// CompleteLLMCall.
	FailureReason string
}

func (n *LLMCallNode) Kind() NodeKind { return KindLLMCall }

// GadgetNode records one parsed gadget call from invocation through
// completion or skip.
type GadgetNode struct {
	nodeBase

	InvocationID string
	Name         string
	Params       map[string]any
	Dependencies []string

	Result        string
	ErrorMessage  string
	ExecutionTime time.Duration
	Cost          float64
	Media         []gadget.MediaRef
	BreaksLoop    bool

	// SkipReason is set when SkipGadget terminates this node instead of
	// StartGadget/CompleteGadget.
	SkipReason string
}

func (n *GadgetNode) Kind() NodeKind { return KindGadget }

// TokenTotals aggregates llmio.Usage across every LLMCallNode in a subtree.
type TokenTotals struct {
	InputTokens              int
	OutputTokens             int
	CachedInputTokens        int
	CacheCreationInputTokens int
}

func (t *TokenTotals) add(u llmio.Usage) {
	t.InputTokens += u.InputTokens
	t.OutputTokens += u.OutputTokens
	t.CachedInputTokens += u.CachedInputTokens
	t.CacheCreationInputTokens += u.CacheCreationInputTokens
}
