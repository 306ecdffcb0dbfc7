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

// Package llmio defines the boundary between the Agent Loop and two
// external collaborators it never implements itself: the LLM transport and
// the model catalog. Both are named as collaborators, not components, so
// this package is deliberately a thin interface seam with no provider-
// specific logic, request formatting, or token counting behind it.
package llmio

import (
	"context"
	"iter"
)

// MessageRole identifies the sender of a conversation message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// Message is one turn of conversation history passed to a Transport. Its
// shape is intentionally minimal: provider-specific message formatting
// (multi-part content, function-call blocks, etc.) is the transport's own
// concern, not this module's.
type Message struct {
	Role MessageRole
	Text string
}

// ToolDefinition is the provider-facing description of a gadget, used only
// to tell the model what's callable; it is distinct from gadget.Gadget's
// own richer registration type.
type ToolDefinition struct {
	Name        string
	Description string
	Schema      map[string]any
}

// GenerateConfig mirrors the teacher's provider-agnostic generation
// options. Pointer fields distinguish "unset" from "explicitly zero".
type GenerateConfig struct {
	Temperature   *float64
	MaxTokens     *int
	TopP          *float64
	TopK          *int
	StopSequences []string
	Metadata      map[string]string
}

// Clone returns a deep copy so a request can be mutated per-iteration
// without aliasing a shared config.
func (c *GenerateConfig) Clone() *GenerateConfig {
	if c == nil {
		return nil
	}
	clone := *c
	if c.Temperature != nil {
		v := *c.Temperature
		clone.Temperature = &v
	}
	if c.MaxTokens != nil {
		v := *c.MaxTokens
		clone.MaxTokens = &v
	}
	if c.TopP != nil {
		v := *c.TopP
		clone.TopP = &v
	}
	if c.TopK != nil {
		v := *c.TopK
		clone.TopK = &v
	}
	if c.StopSequences != nil {
		clone.StopSequences = append([]string(nil), c.StopSequences...)
	}
	if c.Metadata != nil {
		clone.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

// Request is what the Agent Loop hands to a Transport for one LLM call.
type Request struct {
	Model             string
	SystemInstruction string
	Messages          []Message
	Tools             []ToolDefinition
	Config            *GenerateConfig
}

// ThinkingDelta carries a fragment of the model's extended-thinking output,
// per spec.md §6's Chunk.thinking field.
type ThinkingDelta struct {
	Content string
	Type    string
}

// Usage reports token accounting for a call, as surfaced by the provider.
// Cached/cache-creation fields are provider-specific optimizations (prompt
// caching) and may be zero when the provider doesn't support them.
type Usage struct {
	InputTokens              int
	OutputTokens             int
	TotalTokens              int
	CachedInputTokens        int
	CacheCreationInputTokens int
}

// Chunk is one increment of a streamed response, exactly the shape named
// in spec.md §6. Zero-value Text/Thinking/FinishReason/Usage mean "chunk
// carries nothing of that kind": a chunk may carry text only, thinking
// only, a finish reason with no text, or any combination.
type Chunk struct {
	Text         string
	Thinking     *ThinkingDelta
	FinishReason string
	Usage        *Usage
}

// Transport is the LLM provider boundary. Implementations own provider
// selection, authentication, retries at the wire level (distinct from the
// Agent Loop's own outer stream-retry loop), and must honor ctx
// cancellation: tripping ctx aborts the in-flight stream.
type Transport interface {
	// Stream issues req and returns a sequence of Chunks. The sequence
	// must stop (possibly with a trailing error) as soon as ctx is
	// canceled; it must not be retried internally in a way that hides a
	// stream-level failure from the caller, since the Agent Loop's Retry
	// Controller owns that decision.
	Stream(ctx context.Context, req *Request) iter.Seq2[Chunk, error]
}

// ModelLimits describes the capacity of a named model.
type ModelLimits struct {
	ContextWindow  int
	MaxOutputTokens int
}

// CostEstimate is the result of pricing a completed call.
type CostEstimate struct {
	TotalCost float64
}

// ModelCatalog is the model-metadata boundary named in spec.md §6.
type ModelCatalog interface {
	// ModelLimits returns the named model's capacity, or (nil, nil) if
	// the model is unknown to the catalog.
	ModelLimits(ctx context.Context, modelID string) (*ModelLimits, error)

	// EstimateCost prices a completed call's token usage, or returns
	// (nil, nil) if the catalog has no pricing data for modelID.
	EstimateCost(ctx context.Context, modelID string, inputTokens, outputTokens, cachedInputTokens, cacheCreationInputTokens int) (*CostEstimate, error)
}
