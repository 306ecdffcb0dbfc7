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

package hooks

import (
	"log/slog"
	"time"

	"github.com/zbigniewsobiecki/llmist-sub002/pkg/llmio"
)

// LLMCallInfo describes an LLM call at start/ready time.
type LLMCallInfo struct {
	NodeID    string
	Iteration int
	Model     string
	Request   *llmio.Request
}

// LLMCallResultInfo describes a completed LLM call, passed to the
// after_llm_call controller.
type LLMCallResultInfo struct {
	NodeID       string
	Iteration    int
	Model        string
	ResponseText string
	FinishReason string
	Usage        llmio.Usage
	Cost         float64
}

// LLMErrorInfo describes a stream-opening failure that exhausted retries,
// passed to the after_llm_error controller.
type LLMErrorInfo struct {
	NodeID    string
	Iteration int
	Model     string
	Err       error
	Attempts  int
}

// GadgetInfo describes a gadget call at any lifecycle point before its
// result is known (added, parameter-intercepted, execution-start).
type GadgetInfo struct {
	NodeID       string
	InvocationID string
	Name         string
	Params       map[string]any
	Dependencies []string
	ParentNodeID string
}

// GadgetResultInfo describes a gadget call's outcome, passed to
// on_gadget_execution_complete and the after_gadget_execution controller.
type GadgetResultInfo struct {
	GadgetInfo
	Result        string
	ErrorMessage  string
	ExecutionTime time.Duration
	Cost          float64
	BreaksLoop    bool
}

// GadgetSkipInfo describes a gadget that was never executed, passed to
// on_gadget_skipped.
type GadgetSkipInfo struct {
	GadgetInfo
	FailedDependency      string
	FailedDependencyError string
	Reason                string
}

// AbortInfo is passed to on_abort.
type AbortInfo struct {
	Iteration int
	Err       error
}

// CompactionInfo is passed to on_compaction.
type CompactionInfo struct {
	Iteration      int
	MessagesBefore int
	MessagesAfter  int
}

// RetryAttemptInfo is passed to on_retry_attempt.
type RetryAttemptInfo struct {
	Iteration int
	Attempt   int
	Delay     time.Duration
	Err       error
}

// RateLimitThrottleInfo is passed to on_rate_limit_throttle.
type RateLimitThrottleInfo struct {
	Iteration int
	Delay     time.Duration
}

// Bundle is the complete set of extension points one agent (root or
// subagent) dispatches through: every interceptor chain, observer stage,
// and controller function named across spec.md §4.6-§4.7. A Bundle is the
// Hook Pipeline component's concrete surface; Stream Processor and Agent
// Loop hold one each and dispatch into it at the points the spec names.
type Bundle struct {
	// Interceptors.
	InterceptRawChunk         InterceptorChain[llmio.Chunk]
	InterceptTextChunk        InterceptorChain[string]
	InterceptAssistantMessage InterceptorChain[string]
	InterceptGadgetParameters InterceptorChain[map[string]any]
	InterceptGadgetResult     InterceptorChain[string]

	// Observers.
	OnStreamChunk             *ObserverStage[llmio.Chunk]
	OnLLMCallStart            *ObserverStage[LLMCallInfo]
	OnLLMCallReady            *ObserverStage[LLMCallInfo]
	OnGadgetExecutionStart    *ObserverStage[GadgetInfo]
	OnGadgetExecutionComplete *ObserverStage[GadgetResultInfo]
	OnGadgetSkipped           *ObserverStage[GadgetSkipInfo]
	OnAbort                   *ObserverStage[AbortInfo]
	OnCompaction              *ObserverStage[CompactionInfo]
	OnRetryAttempt            *ObserverStage[RetryAttemptInfo]
	OnRateLimitThrottle       *ObserverStage[RateLimitThrottleInfo]

	// Controllers. A nil func means "no controller registered"; callers
	// fall back to the documented default action for that extension
	// point rather than treating a nil func as an error.
	BeforeLLMCall         func(LLMCallInfo) BeforeLLMCallAction
	AfterLLMCall          func(LLMCallResultInfo) AfterLLMCallAction
	AfterLLMError         func(LLMErrorInfo) AfterLLMErrorAction
	BeforeGadgetExecution func(GadgetInfo) BeforeGadgetExecutionAction
	AfterGadgetExecution  func(GadgetResultInfo) AfterGadgetExecutionAction
	DependencySkip        func(GadgetInfo, failedDependency string) DependencySkipAction
}

// NewBundle creates a Bundle with every observer stage initialized (so
// callers can always Register without a nil check), logging isolated
// observer failures through logger (nil means the package default logger).
func NewBundle(logger *slog.Logger) *Bundle {
	return &Bundle{
		OnStreamChunk:             NewObserverStage[llmio.Chunk](logger),
		OnLLMCallStart:            NewObserverStage[LLMCallInfo](logger),
		OnLLMCallReady:            NewObserverStage[LLMCallInfo](logger),
		OnGadgetExecutionStart:    NewObserverStage[GadgetInfo](logger),
		OnGadgetExecutionComplete: NewObserverStage[GadgetResultInfo](logger),
		OnGadgetSkipped:           NewObserverStage[GadgetSkipInfo](logger),
		OnAbort:                   NewObserverStage[AbortInfo](logger),
		OnCompaction:              NewObserverStage[CompactionInfo](logger),
		OnRetryAttempt:            NewObserverStage[RetryAttemptInfo](logger),
		OnRateLimitThrottle:       NewObserverStage[RateLimitThrottleInfo](logger),
	}
}
