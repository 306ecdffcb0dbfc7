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
	"github.com/zbigniewsobiecki/llmist-sub002/pkg/gadgetexec"
	"github.com/zbigniewsobiecki/llmist-sub002/pkg/gadgetparser"
	"github.com/zbigniewsobiecki/llmist-sub002/pkg/hooks"
	"github.com/zbigniewsobiecki/llmist-sub002/pkg/llmio"
)

// EventKind distinguishes the members of the stream event envelope named
// in spec.md §6.
type EventKind int

const (
	EventText EventKind = iota
	EventThinking
	EventGadgetCall
	EventGadgetResult
	EventGadgetSkipped
	EventLLMResponseEnd
	EventCompaction
	EventSubagent
	EventStreamComplete
)

func (k EventKind) String() string {
	switch k {
	case EventText:
		return "text"
	case EventThinking:
		return "thinking"
	case EventGadgetCall:
		return "gadget_call"
	case EventGadgetResult:
		return "gadget_result"
	case EventGadgetSkipped:
		return "gadget_skipped"
	case EventLLMResponseEnd:
		return "llm_response_end"
	case EventCompaction:
		return "compaction"
	case EventSubagent:
		return "subagent_event"
	case EventStreamComplete:
		return "stream_complete"
	default:
		return "unknown"
	}
}

// GadgetSkippedInfo is carried by an EventGadgetSkipped event.
type GadgetSkippedInfo struct {
	GadgetName            string
	InvocationID          string
	Parameters            map[string]any
	FailedDependency      string
	FailedDependencyError string
	Reason                string
}

// LLMResponseEndInfo is carried by an EventLLMResponseEnd event.
type LLMResponseEndInfo struct {
	FinishReason string
	Usage        llmio.Usage
}

// StreamCompleteInfo is carried by the terminal EventStreamComplete event.
type StreamCompleteInfo struct {
	FinishReason      string
	Usage             llmio.Usage
	RawResponse       string
	FinalMessage      string
	DidExecuteGadgets bool
	ShouldBreakLoop   bool
}

// Event is one item of a Processor's output sequence. Only the field
// matching Kind is populated, following the same discriminated-struct
// convention as gadgetparser.Event and exectree.Event.
type Event struct {
	Kind EventKind

	Text           string
	Thinking       *llmio.ThinkingDelta
	Call           *gadgetparser.ParsedGadgetCall
	Result         *gadgetexec.Result
	Skipped        *GadgetSkippedInfo
	LLMResponseEnd *LLMResponseEndInfo
	Compaction     *hooks.CompactionInfo
	Subagent       *SubagentEvent
	StreamComplete *StreamCompleteInfo
}

// SubagentEvent wraps an event emitted by a subagent, tagged with the
// subagent context identifying which spawning gadget it belongs to. This
// is the streamed form of the subagent visibility bridge (spec.md §9).
// Processor itself never emits an EventSubagent event.
type SubagentEvent struct {
	ParentGadgetInvocationID string
	Depth                    int
	Event                    Event
}
