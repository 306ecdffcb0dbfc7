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
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInterceptorChainComposesInOrder(t *testing.T) {
	var chain InterceptorChain[string]
	chain.Register(func(_ context.Context, v string, _ *SubagentContext) (string, bool) {
		return v + "-a", true
	})
	chain.Register(func(_ context.Context, v string, _ *SubagentContext) (string, bool) {
		return v + "-b", true
	})

	out, keep := chain.Apply(context.Background(), "x", nil)
	require.True(t, keep)
	assert.Equal(t, "x-a-b", out)
}

func TestInterceptorChainShortCircuitsOnDrop(t *testing.T) {
	var chain InterceptorChain[string]
	var calledSecond bool
	chain.Register(func(_ context.Context, v string, _ *SubagentContext) (string, bool) {
		return v, false
	})
	chain.Register(func(_ context.Context, v string, _ *SubagentContext) (string, bool) {
		calledSecond = true
		return v, true
	})

	_, keep := chain.Apply(context.Background(), "x", nil)
	assert.False(t, keep)
	assert.False(t, calledSecond)
}

func TestObserverStageRunsConcurrentlyAndWaits(t *testing.T) {
	stage := NewObserverStage[int](nil)
	var running int32
	var maxObserved int32

	observe := func(_ context.Context, _ int, _ *SubagentContext) error {
		n := atomic.AddInt32(&running, 1)
		for {
			cur := atomic.LoadInt32(&maxObserved)
			if n <= cur || atomic.CompareAndSwapInt32(&maxObserved, cur, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return nil
	}
	stage.Register(observe)
	stage.Register(observe)
	stage.Register(observe)

	stage.Dispatch(context.Background(), 1, nil)
	assert.Equal(t, int32(3), maxObserved, "all three observers should have overlapped")
	assert.Equal(t, int32(0), atomic.LoadInt32(&running), "Dispatch must wait for every observer")
}

func TestObserverStageIsolatesFailures(t *testing.T) {
	stage := NewObserverStage[int](nil)
	stage.Register(func(_ context.Context, _ int, _ *SubagentContext) error {
		return errors.New("boom")
	})
	stage.Register(func(_ context.Context, _ int, _ *SubagentContext) error {
		panic("also boom")
	})
	stage.Register(func(_ context.Context, _ int, _ *SubagentContext) error {
		return nil
	})

	require.NotPanics(t, func() {
		stage.Dispatch(context.Background(), 1, nil)
	})
	assert.Equal(t, 2, stage.FailureCount())
}

func TestDispatchSequenceRunsStagesInOrder(t *testing.T) {
	var order []string
	own := NewObserverStage[int](nil)
	own.Register(func(_ context.Context, _ int, _ *SubagentContext) error {
		order = append(order, "own")
		return nil
	})
	parent := NewObserverStage[int](nil)
	parent.Register(func(_ context.Context, _ int, _ *SubagentContext) error {
		order = append(order, "parent")
		return nil
	})

	DispatchSequence(context.Background(), 1, nil, own, parent)
	assert.Equal(t, []string{"own", "parent"}, order)
}

func TestSubagentContextCarriesDepthAndParent(t *testing.T) {
	stage := NewObserverStage[int](nil)
	var seen *SubagentContext
	stage.Register(func(_ context.Context, _ int, sub *SubagentContext) error {
		seen = sub
		return nil
	})

	sub := &SubagentContext{ParentGadgetInvocationID: "g1", Depth: 2}
	stage.Dispatch(context.Background(), 1, sub)
	require.NotNil(t, seen)
	assert.Equal(t, "g1", seen.ParentGadgetInvocationID)
	assert.Equal(t, 2, seen.Depth)
}
