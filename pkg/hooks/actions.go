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

import "github.com/zbigniewsobiecki/llmist-sub002/pkg/llmio"

// Every controller's return value is one of a fixed, closed set of action
// variants. Each variant set below is sealed by an unexported marker
// method, so the compiler (not a runtime type switch over arbitrary
// values) is what limits what a controller can return: the only way an
// "invalid shape" can happen is a caller type-asserting against a set a
// variant doesn't belong to, which is the programmer error spec.md §4.6.4
// says must abort the iteration loudly. Dispatch helpers that receive an
// unrecognized concrete type panic instead of guessing a fallback.

// BeforeLLMCallAction is returned by the before_llm_call controller
// (spec.md §4.7 step 4).
type BeforeLLMCallAction interface{ beforeLLMCallAction() }

// BeforeLLMCallProceed lets the call go ahead, optionally with modified
// generation options.
type BeforeLLMCallProceed struct {
	ModifiedOptions *llmio.GenerateConfig
}

func (BeforeLLMCallProceed) beforeLLMCallAction() {}

// BeforeLLMCallSkip replaces the call entirely with a synthetic response.
type BeforeLLMCallSkip struct {
	SyntheticResponse string
}

func (BeforeLLMCallSkip) beforeLLMCallAction() {}

// AfterLLMCallAction is returned by the after_llm_call controller
// (spec.md §4.7 step 8).
type AfterLLMCallAction interface{ afterLLMCallAction() }

// AfterLLMCallContinue is the default: conversation update proceeds as
// usual from the call's own result.
type AfterLLMCallContinue struct{}

func (AfterLLMCallContinue) afterLLMCallAction() {}

// AfterLLMCallModifyAndContinue rewrites the assembled response text
// before the conversation update uses it.
type AfterLLMCallModifyAndContinue struct {
	ModifiedResponse string
}

func (AfterLLMCallModifyAndContinue) afterLLMCallAction() {}

// AfterLLMCallAppendMessages appends extra messages to the conversation
// alongside the normal update, once any in-flight gadgets from this
// iteration have drained (spec.md §9 open question decision).
type AfterLLMCallAppendMessages struct {
	Messages []llmio.Message
}

func (AfterLLMCallAppendMessages) afterLLMCallAction() {}

// AfterLLMCallAppendAndModify combines both of the above.
type AfterLLMCallAppendAndModify struct {
	ModifiedResponse string
	Messages         []llmio.Message
}

func (AfterLLMCallAppendAndModify) afterLLMCallAction() {}

// AfterLLMErrorAction is returned by the after_llm_error controller
// (spec.md §4.7.1, error handler).
type AfterLLMErrorAction interface{ afterLLMErrorAction() }

// AfterLLMErrorSurface lets the error propagate out of the generator.
type AfterLLMErrorSurface struct{}

func (AfterLLMErrorSurface) afterLLMErrorAction() {}

// AfterLLMErrorRecover appends a synthetic assistant message and continues
// the loop instead of surfacing the error.
type AfterLLMErrorRecover struct {
	FallbackResponse string
}

func (AfterLLMErrorRecover) afterLLMErrorAction() {}

// BeforeGadgetExecutionAction is returned by the before_gadget_execution
// controller (spec.md §4.6.3 step 3).
type BeforeGadgetExecutionAction interface{ beforeGadgetExecutionAction() }

// BeforeGadgetExecutionProceed lets the Gadget Executor run as normal.
type BeforeGadgetExecutionProceed struct{}

func (BeforeGadgetExecutionProceed) beforeGadgetExecutionAction() {}

// BeforeGadgetExecutionSkip fabricates a result with zero execution time
// and bypasses the executor entirely; the tree node still transitions
// running -> completed.
type BeforeGadgetExecutionSkip struct {
	SyntheticResult string
}

func (BeforeGadgetExecutionSkip) beforeGadgetExecutionAction() {}

// AfterGadgetExecutionAction is returned by the after_gadget_execution
// controller (spec.md §4.6.3 step 7).
type AfterGadgetExecutionAction interface{ afterGadgetExecutionAction() }

// AfterGadgetExecutionKeep leaves the executor's result (error included)
// untouched.
type AfterGadgetExecutionKeep struct{}

func (AfterGadgetExecutionKeep) afterGadgetExecutionAction() {}

// AfterGadgetExecutionRecover clears an error result, replacing it with a
// fallback success value.
type AfterGadgetExecutionRecover struct {
	FallbackResult string
}

func (AfterGadgetExecutionRecover) afterGadgetExecutionAction() {}

// DependencySkipAction is returned by the dependency-skip controller
// (spec.md §4.6.1 step 5).
type DependencySkipAction interface{ dependencySkipAction() }

// DependencySkipRefuse refuses to execute the gadget: it is recorded as
// failed and a gadget_skipped event is emitted with reason
// "dependency_failed".
type DependencySkipRefuse struct{}

func (DependencySkipRefuse) dependencySkipAction() {}

// DependencySkipExecuteAnyway proceeds to schedule the gadget despite the
// failed dependency.
type DependencySkipExecuteAnyway struct{}

func (DependencySkipExecuteAnyway) dependencySkipAction() {}

// DependencySkipUseFallback synthesizes a successful result instead of
// executing the gadget or skipping it.
type DependencySkipUseFallback struct {
	Result string
}

func (DependencySkipUseFallback) dependencySkipAction() {}

// TextOnlyPolicyAction is the text-only policy the Agent Loop applies when
// an iteration executed no gadgets at all (spec.md §4.7 step 9).
type TextOnlyPolicyAction int

const (
	TextOnlyTerminate TextOnlyPolicyAction = iota
	TextOnlyAcknowledge
	TextOnlyWaitForInput
)
