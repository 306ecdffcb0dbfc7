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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zbigniewsobiecki/llmist-sub002/pkg/gadget"
	"github.com/zbigniewsobiecki/llmist-sub002/pkg/llmio"
)

func TestTree_LLMCallLifecycle(t *testing.T) {
	tree := New()
	id := tree.AddLLMCall("", 1, "gpt-test", []llmio.Message{{Role: llmio.RoleUser, Text: "hi"}})

	node, ok := tree.GetNode(id)
	require.True(t, ok)
	assert.Equal(t, StatePending, node.State())
	assert.Nil(t, node.CompletedAt())
	assert.Equal(t, 0, node.Depth())

	tree.StartLLMResponse(id)
	node, _ = tree.GetNode(id)
	assert.Equal(t, StateRunning, node.State())

	tree.EndLLMResponse(id, "stop", llmio.Usage{InputTokens: 10, OutputTokens: 5})
	tree.CompleteLLMCall(id, "final text", 0.02)

	node, _ = tree.GetNode(id)
	assert.Equal(t, StateSucceeded, node.State())
	require.NotNil(t, node.CompletedAt())

	call := node.(*LLMCallNode)
	assert.Equal(t, "final text", call.ResponseText)
	assert.Equal(t, "stop", call.FinishReason)
	assert.Equal(t, 0.02, call.Cost)
}

func TestTree_CompletionTimestampOnlyWhenTerminal(t *testing.T) {
	tree := New()
	id := tree.AddLLMCall("", 1, "m", nil)
	node, _ := tree.GetNode(id)
	assert.Nil(t, node.CompletedAt())

	tree.StartLLMResponse(id)
	node, _ = tree.GetNode(id)
	assert.False(t, node.State().IsTerminal())
	assert.Nil(t, node.CompletedAt())

	tree.CompleteLLMCall(id, "done", 0)
	node, _ = tree.GetNode(id)
	assert.True(t, node.State().IsTerminal())
	assert.NotNil(t, node.CompletedAt())
}

func TestTree_GadgetParentedToLLMCall(t *testing.T) {
	tree := New()
	callID := tree.AddLLMCall("", 1, "m", nil)
	gadgetID := tree.AddGadget(callID, "inv-1", "Calculator", map[string]any{"expression": "1+1"}, nil)

	node, ok := tree.GetNode(gadgetID)
	require.True(t, ok)
	assert.Equal(t, callID, node.ParentID())
	assert.Equal(t, 1, node.Depth())

	byInv, ok := tree.GetNodeByInvocationID("inv-1")
	require.True(t, ok)
	assert.Equal(t, gadgetID, byInv.ID())
}

func TestTree_AddGadget_PanicsOnNonLLMCallParent(t *testing.T) {
	tree := New()
	callID := tree.AddLLMCall("", 1, "m", nil)
	gadgetID := tree.AddGadget(callID, "inv-1", "Calculator", nil, nil)

	assert.Panics(t, func() {
		tree.AddGadget(gadgetID, "inv-2", "Other", nil, nil)
	})
}

func TestTree_SubagentLLMCallParentedToGadget(t *testing.T) {
	tree := New()
	rootCall := tree.AddLLMCall("", 1, "m", nil)
	spawner := tree.AddGadget(rootCall, "inv-1", "Subagent", nil, nil)

	subCall := tree.AddLLMCall(spawner, 1, "m", nil)
	node, _ := tree.GetNode(subCall)
	assert.Equal(t, spawner, node.ParentID())
	assert.Equal(t, 2, node.Depth())
}

func TestTree_AddLLMCall_PanicsOnNonGadgetParent(t *testing.T) {
	tree := New()
	rootCall := tree.AddLLMCall("", 1, "m", nil)
	assert.Panics(t, func() {
		tree.AddLLMCall(rootCall, 1, "m", nil)
	})
}

func TestTree_GadgetLifecycleAndSkip(t *testing.T) {
	tree := New()
	callID := tree.AddLLMCall("", 1, "m", nil)

	ranID := tree.AddGadget(callID, "inv-1", "Calculator", map[string]any{"expression": "1+1"}, nil)
	tree.StartGadget(ranID)
	tree.CompleteGadget(ranID, "2", "", 5*time.Millisecond, 0, nil, false)
	node, _ := tree.GetNode(ranID)
	assert.Equal(t, StateSucceeded, node.State())

	skippedID := tree.AddGadget(callID, "inv-2", "Other", nil, []string{"inv-1"})
	tree.SkipGadget(skippedID, `dependency "inv-1" failed`)
	node, _ = tree.GetNode(skippedID)
	assert.Equal(t, StateSkipped, node.State())
	require.NotNil(t, node.CompletedAt())
}

func TestTree_CompleteGadget_FailedWhenErrorSet(t *testing.T) {
	tree := New()
	callID := tree.AddLLMCall("", 1, "m", nil)
	gadgetID := tree.AddGadget(callID, "inv-1", "Failing", nil, nil)
	tree.StartGadget(gadgetID)
	tree.CompleteGadget(gadgetID, "", "boom", time.Millisecond, 0, nil, false)

	node, _ := tree.GetNode(gadgetID)
	assert.Equal(t, StateFailed, node.State())
	assert.Equal(t, "boom", node.(*GadgetNode).ErrorMessage)
}

func TestTree_UpdateGadgetParameters_PanicsAfterStart(t *testing.T) {
	tree := New()
	callID := tree.AddLLMCall("", 1, "m", nil)
	gadgetID := tree.AddGadget(callID, "inv-1", "Calculator", nil, nil)
	tree.StartGadget(gadgetID)

	assert.Panics(t, func() {
		tree.UpdateGadgetParameters(gadgetID, map[string]any{"expression": "2+2"})
	})
}

func TestTree_DoubleCompletion_IsProgrammerError(t *testing.T) {
	tree := New()
	callID := tree.AddLLMCall("", 1, "m", nil)
	tree.CompleteLLMCall(callID, "done", 0)

	assert.Panics(t, func() {
		tree.CompleteLLMCall(callID, "again", 0)
	})
}

func TestTree_CompleteGadget_PanicsWhenNotRunning(t *testing.T) {
	tree := New()
	callID := tree.AddLLMCall("", 1, "m", nil)
	gadgetID := tree.AddGadget(callID, "inv-1", "Calculator", nil, nil)

	assert.Panics(t, func() {
		tree.CompleteGadget(gadgetID, "2", "", 0, 0, nil, false)
	})
}

func TestTree_SubtreeAggregation(t *testing.T) {
	tree := New()
	rootCall := tree.AddLLMCall("", 1, "m", nil)
	tree.StartLLMResponse(rootCall)
	tree.EndLLMResponse(rootCall, "", llmio.Usage{})
	tree.CompleteLLMCall(rootCall, "", 1.0)

	spawner := tree.AddGadget(rootCall, "inv-1", "Subagent", nil, nil)
	tree.StartGadget(spawner)

	subCall := tree.AddLLMCall(spawner, 1, "m", nil)
	tree.StartLLMResponse(subCall)
	tree.EndLLMResponse(subCall, "stop", llmio.Usage{InputTokens: 100, OutputTokens: 50})
	tree.CompleteLLMCall(subCall, "sub response", 0.5)

	media := []gadget.MediaRef{{ID: "m1", MIMEType: "image/png"}}
	leafGadget := tree.AddGadget(subCall, "inv-2", "ImageGen", nil, nil)
	tree.StartGadget(leafGadget)
	tree.CompleteGadget(leafGadget, "ok", "", time.Millisecond, 0.1, media, false)

	tree.CompleteGadget(spawner, "subagent done", "", 10*time.Millisecond, 0, nil, false)

	assert.InDelta(t, 1.0+0.5+0.1, tree.GetSubtreeCost(rootCall), 0.0001)
	assert.InDelta(t, 0.5+0.1, tree.GetSubtreeCost(spawner), 0.0001)
	assert.InDelta(t, 1.6, tree.GetTotalCost(), 0.0001)

	tokens := tree.GetSubtreeTokens(rootCall)
	assert.Equal(t, 100, tokens.InputTokens)
	assert.Equal(t, 50, tokens.OutputTokens)

	subtreeMedia := tree.GetSubtreeMedia(rootCall)
	require.Len(t, subtreeMedia, 1)
	assert.Equal(t, "m1", subtreeMedia[0].ID)

	descendants := tree.GetDescendants(rootCall)
	assert.Len(t, descendants, 3)
}

func TestTree_GetAllNodes_PreservesInsertionOrder(t *testing.T) {
	tree := New()
	a := tree.AddLLMCall("", 1, "m", nil)
	b := tree.AddGadget(a, "inv-1", "X", nil, nil)

	all := tree.GetAllNodes()
	require.Len(t, all, 2)
	assert.Equal(t, a, all[0].ID())
	assert.Equal(t, b, all[1].ID())
}

func TestTree_EventOrdering(t *testing.T) {
	tree := New()
	events, unsubscribe := tree.Subscribe()
	defer unsubscribe()

	callID := tree.AddLLMCall("", 1, "m", nil)
	tree.StartLLMResponse(callID)
	tree.EndLLMResponse(callID, "stop", llmio.Usage{})
	tree.CompleteLLMCall(callID, "done", 0)

	var kinds []EventKind
	for i := 0; i < 4; i++ {
		e := <-events
		kinds = append(kinds, e.Kind)
		assert.Equal(t, callID, e.NodeID)
	}
	assert.Equal(t, []EventKind{
		EventLLMCallAdded,
		EventLLMResponseStarted,
		EventLLMResponseEnded,
		EventLLMCallCompleted,
	}, kinds)
}

func TestTree_UnsubscribeClosesChannel(t *testing.T) {
	tree := New()
	events, unsubscribe := tree.Subscribe()
	unsubscribe()

	_, open := <-events
	assert.False(t, open)
}
