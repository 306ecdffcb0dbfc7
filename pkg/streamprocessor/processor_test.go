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
	"errors"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zbigniewsobiecki/llmist-sub002/pkg/exectree"
	"github.com/zbigniewsobiecki/llmist-sub002/pkg/gadget"
	"github.com/zbigniewsobiecki/llmist-sub002/pkg/gadgetexec"
	"github.com/zbigniewsobiecki/llmist-sub002/pkg/gadgetparser"
	"github.com/zbigniewsobiecki/llmist-sub002/pkg/hooks"
	"github.com/zbigniewsobiecki/llmist-sub002/pkg/llmio"
)

type spEchoGadget struct{ gadgetName string }

func (g spEchoGadget) Name() string         { return g.gadgetName }
func (spEchoGadget) Description() string    { return "echoes its text parameter" }
func (spEchoGadget) Schema() map[string]any { return nil }
func (spEchoGadget) MaxConcurrent() int     { return 0 }
func (spEchoGadget) Timeout() time.Duration { return 0 }

func (g spEchoGadget) Execute(ctx context.Context, params map[string]any, execCtx *gadget.Context) (gadget.Result, error) {
	text, _ := params["text"].(string)
	return gadget.Result{Content: g.gadgetName + ":" + text}, nil
}

type spSlowGadget struct {
	name  string
	delay time.Duration
}

func (g spSlowGadget) Name() string         { return g.name }
func (spSlowGadget) Description() string    { return "sleeps then succeeds" }
func (spSlowGadget) Schema() map[string]any { return nil }
func (spSlowGadget) MaxConcurrent() int     { return 0 }
func (spSlowGadget) Timeout() time.Duration { return 0 }

func (g spSlowGadget) Execute(ctx context.Context, params map[string]any, execCtx *gadget.Context) (gadget.Result, error) {
	time.Sleep(g.delay)
	return gadget.Result{Content: g.name + "-done"}, nil
}

type spFailGadget struct{ name string }

func (g spFailGadget) Name() string         { return g.name }
func (spFailGadget) Description() string    { return "always fails" }
func (spFailGadget) Schema() map[string]any { return nil }
func (spFailGadget) MaxConcurrent() int     { return 0 }
func (spFailGadget) Timeout() time.Duration { return 0 }

func (g spFailGadget) Execute(ctx context.Context, params map[string]any, execCtx *gadget.Context) (gadget.Result, error) {
	return gadget.Result{}, errors.New("boom")
}

// spConcurrencyGadget records the highest number of simultaneous Execute
// calls it ever observed, to verify the scheduler's concurrency ceiling.
type spConcurrencyGadget struct {
	mu          sync.Mutex
	active      int
	maxObserved int
	delay       time.Duration
}

func (g *spConcurrencyGadget) Name() string         { return "conc" }
func (*spConcurrencyGadget) Description() string    { return "tracks concurrent executions" }
func (*spConcurrencyGadget) Schema() map[string]any { return nil }
func (*spConcurrencyGadget) MaxConcurrent() int     { return 0 }
func (*spConcurrencyGadget) Timeout() time.Duration { return 0 }

func (g *spConcurrencyGadget) Execute(ctx context.Context, params map[string]any, execCtx *gadget.Context) (gadget.Result, error) {
	g.mu.Lock()
	g.active++
	if g.active > g.maxObserved {
		g.maxObserved = g.active
	}
	g.mu.Unlock()

	time.Sleep(g.delay)

	g.mu.Lock()
	g.active--
	g.mu.Unlock()
	return gadget.Result{Content: "done"}, nil
}

func chunkSeq(texts []string, finishReason string) iter.Seq2[llmio.Chunk, error] {
	return func(yield func(llmio.Chunk, error) bool) {
		for i, t := range texts {
			c := llmio.Chunk{Text: t}
			if i == len(texts)-1 {
				c.FinishReason = finishReason
			}
			if !yield(c, nil) {
				return
			}
		}
	}
}

func newTestProcessor(t *testing.T, gadgets []gadget.CallableGadget, cfg Config) *Processor {
	t.Helper()
	reg := gadget.NewRegistry()
	for _, g := range gadgets {
		require.NoError(t, reg.Register(g))
	}
	tree := exectree.New()
	executor := gadgetexec.New(reg, gadgetexec.Config{DefaultTimeout: time.Second}, nil, nil)
	llmNodeID := tree.AddLLMCall("", 1, "test-model", nil)

	return New(Params{
		Tree:         tree,
		Registry:     reg,
		Executor:     executor,
		ParserConfig: gadgetparser.DefaultConfig(),
		LLMNodeID:    llmNodeID,
		Iteration:    1,
		Hooks:        hooks.NewBundle(nil),
		Config:       cfg,
	})
}

func collect(t *testing.T, p *Processor, chunks iter.Seq2[llmio.Chunk, error]) []Event {
	t.Helper()
	var events []Event
	for e, err := range p.Process(context.Background(), chunks) {
		require.NoError(t, err)
		events = append(events, e)
	}
	return events
}

func kinds(events []Event) []EventKind {
	out := make([]EventKind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

func TestProcess_TextOnly(t *testing.T) {
	p := newTestProcessor(t, nil, Config{})
	events := collect(t, p, chunkSeq([]string{"hello world\n"}, "stop"))

	require.Equal(t, []EventKind{EventText, EventLLMResponseEnd, EventStreamComplete}, kinds(events))
	assert.Equal(t, "hello world\n", events[0].Text)
	assert.False(t, events[2].StreamComplete.DidExecuteGadgets)
	assert.Equal(t, "stop", events[2].StreamComplete.FinishReason)
}

func TestProcess_SingleGadgetCall(t *testing.T) {
	p := newTestProcessor(t, []gadget.CallableGadget{spEchoGadget{gadgetName: "echo"}}, Config{})
	raw := "before\n{START}echo:call1\n{ARG}text\nhi\n{END}\nafter\n"
	events := collect(t, p, chunkSeq([]string{raw}, "stop"))

	require.Equal(t, []EventKind{
		EventText, EventGadgetCall, EventText, EventGadgetResult, EventLLMResponseEnd, EventStreamComplete,
	}, kinds(events))

	assert.Equal(t, "before\n", events[0].Text)
	assert.Equal(t, "call1", events[1].Call.InvocationID)
	assert.Equal(t, "after\n", events[2].Text)
	assert.Equal(t, "echo:hi", events[3].Result.Content)
	assert.True(t, events[5].StreamComplete.DidExecuteGadgets)
}

func TestProcess_GadgetNotFoundSurfacesAsFailedResult(t *testing.T) {
	p := newTestProcessor(t, nil, Config{})
	raw := "{START}missing:call1\n{END}\n"
	events := collect(t, p, chunkSeq([]string{raw}, "stop"))

	var result *gadgetexec.Result
	for _, e := range events {
		if e.Kind == EventGadgetResult {
			result = e.Result
		}
	}
	require.NotNil(t, result)
	assert.Equal(t, "gadget not found", result.ErrorMessage)
}

func TestProcess_DependentGadgetWaitsForDependency(t *testing.T) {
	p := newTestProcessor(t, []gadget.CallableGadget{
		spSlowGadget{name: "a", delay: 30 * time.Millisecond},
		spSlowGadget{name: "b", delay: 0},
	}, Config{})
	raw := "{START}a:call1\n{END}\n{START}b:call2:call1\n{END}\n"
	events := collect(t, p, chunkSeq([]string{raw}, "stop"))

	var aResultIdx, bResultIdx, bCallIdx int = -1, -1, -1
	for i, e := range events {
		if e.Kind == EventGadgetResult && e.Result.GadgetName == "a" {
			aResultIdx = i
		}
		if e.Kind == EventGadgetResult && e.Result.GadgetName == "b" {
			bResultIdx = i
		}
		if e.Kind == EventGadgetCall && e.Call.Name == "b" {
			bCallIdx = i
		}
	}
	require.NotEqual(t, -1, aResultIdx)
	require.NotEqual(t, -1, bResultIdx)
	require.NotEqual(t, -1, bCallIdx)

	// b's call is discovered (and its gadget_call event emitted) before a
	// resolves, but b cannot complete until after a does.
	assert.Less(t, bCallIdx, aResultIdx)
	assert.Less(t, aResultIdx, bResultIdx)
}

func TestProcess_DependencyFailureSkipsDependent(t *testing.T) {
	p := newTestProcessor(t, []gadget.CallableGadget{
		spFailGadget{name: "a"},
		spEchoGadget{gadgetName: "b"},
	}, Config{})
	raw := "{START}a:call1\n{END}\n{START}b:call2:call1\n{END}\n"
	events := collect(t, p, chunkSeq([]string{raw}, "stop"))

	var skipped *GadgetSkippedInfo
	for _, e := range events {
		if e.Kind == EventGadgetSkipped {
			skipped = e.Skipped
		}
	}
	require.NotNil(t, skipped)
	assert.Equal(t, "call2", skipped.InvocationID)
	assert.Equal(t, "dependency_failed", skipped.Reason)
	assert.Equal(t, "call1", skipped.FailedDependency)
}

func TestProcess_PerGadgetConcurrencyLimitIsEnforced(t *testing.T) {
	g := &spConcurrencyGadget{delay: 15 * time.Millisecond}
	p := newTestProcessor(t, []gadget.CallableGadget{g}, Config{MaxConcurrentPerGadget: 1})
	raw := "{START}conc:call1\n{END}\n{START}conc:call2\n{END}\n"
	collect(t, p, chunkSeq([]string{raw}, "stop"))

	assert.Equal(t, 1, g.maxObserved)
}

func TestProcess_MaxGadgetsPerResponseSkipsOverflow(t *testing.T) {
	p := newTestProcessor(t, []gadget.CallableGadget{spEchoGadget{gadgetName: "echo"}}, Config{MaxGadgetsPerResponse: 1})
	raw := "{START}echo:call1\n{ARG}text\na\n{END}\n{START}echo:call2\n{ARG}text\nb\n{END}\n"
	events := collect(t, p, chunkSeq([]string{raw}, "stop"))

	var skipped *GadgetSkippedInfo
	var resultCount int
	for _, e := range events {
		if e.Kind == EventGadgetSkipped {
			skipped = e.Skipped
		}
		if e.Kind == EventGadgetResult {
			resultCount++
		}
	}
	require.NotNil(t, skipped)
	assert.Equal(t, "limit_exceeded", skipped.Reason)
	assert.Equal(t, "call2", skipped.InvocationID)
	assert.Equal(t, 1, resultCount)
}

func TestProcess_DiamondDependencyResolvesExactlyOnce(t *testing.T) {
	// b and c both depend on a and both feed d; a's quick finish releases
	// b and c at nearly the same instant, so their completions race to
	// resolve d's dependencies. d must still be scheduled exactly once.
	p := newTestProcessor(t, []gadget.CallableGadget{
		spSlowGadget{name: "a", delay: 0},
		spSlowGadget{name: "b", delay: 10 * time.Millisecond},
		spSlowGadget{name: "c", delay: 10 * time.Millisecond},
		spEchoGadget{gadgetName: "d"},
	}, Config{})
	raw := "{START}a:call1\n{END}\n" +
		"{START}b:call2:call1\n{END}\n" +
		"{START}c:call3:call1\n{END}\n" +
		"{START}d:call4:call2,call3\n{ARG}text\nz\n{END}\n"
	events := collect(t, p, chunkSeq([]string{raw}, "stop"))

	var dResults int
	for _, e := range events {
		if e.Kind == EventGadgetResult && e.Result.GadgetName == "d" {
			dResults++
		}
	}
	assert.Equal(t, 1, dResults, "d must be scheduled and complete exactly once despite its two dependencies resolving concurrently")
}

func TestProcess_SequentialModeRunsInline(t *testing.T) {
	p := newTestProcessor(t, []gadget.CallableGadget{spEchoGadget{gadgetName: "echo"}}, Config{Mode: ModeSequential})
	raw := "{START}echo:call1\n{ARG}text\nhi\n{END}\n"
	events := collect(t, p, chunkSeq([]string{raw}, "stop"))

	require.Equal(t, []EventKind{EventGadgetCall, EventGadgetResult, EventLLMResponseEnd, EventStreamComplete}, kinds(events))
}
