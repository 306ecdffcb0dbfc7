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
	"github.com/zbigniewsobiecki/llmist-sub002/pkg/gadget"
)

// GetNode returns the node with the given id, if any.
func (t *Tree) GetNode(nodeID string) (Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	node, ok := t.nodes[nodeID]
	return node, ok
}

// GetNodeByInvocationID returns the gadget node with the given invocation
// id, if any.
func (t *Tree) GetNodeByInvocationID(invocationID string) (Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	nodeID, ok := t.byInvocation[invocationID]
	if !ok {
		return nil, false
	}
	return t.nodes[nodeID], true
}

// GetAllNodes returns every node in the tree, in the order they were added.
func (t *Tree) GetAllNodes() []Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Node, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.nodes[id])
	}
	return out
}

// GetDescendants returns every node transitively parented under nodeID, in
// depth-first order with each node's children visited last-added first.
// nodeID itself is not included.
func (t *Tree) GetDescendants(nodeID string) []Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.descendantsLocked(nodeID)
}

func (t *Tree) descendantsLocked(nodeID string) []Node {
	var out []Node
	stack := append([]string(nil), t.children[nodeID]...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		out = append(out, t.nodes[id])
		stack = append(stack, t.children[id]...)
	}
	return out
}

func costOf(node Node) float64 {
	switch n := node.(type) {
	case *LLMCallNode:
		return n.Cost
	case *GadgetNode:
		return n.Cost
	default:
		return 0
	}
}

func mediaOf(node Node) []gadget.MediaRef {
	if n, ok := node.(*GadgetNode); ok {
		return n.Media
	}
	return nil
}

func addTokens(totals *TokenTotals, node Node) {
	if n, ok := node.(*LLMCallNode); ok {
		totals.add(n.Usage)
	}
}

// GetSubtreeCost sums the cost of nodeID and every node transitively
// parented under it (invariant 5: computed on demand, never cached).
func (t *Tree) GetSubtreeCost(nodeID string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	node, ok := t.nodes[nodeID]
	if !ok {
		return 0
	}
	total := costOf(node)
	for _, d := range t.descendantsLocked(nodeID) {
		total += costOf(d)
	}
	return total
}

// GetSubtreeMedia collects every media reference recorded by gadget nodes in
// nodeID's subtree, including nodeID itself.
func (t *Tree) GetSubtreeMedia(nodeID string) []gadget.MediaRef {
	t.mu.RLock()
	defer t.mu.RUnlock()
	node, ok := t.nodes[nodeID]
	if !ok {
		return nil
	}
	media := append([]gadget.MediaRef(nil), mediaOf(node)...)
	for _, d := range t.descendantsLocked(nodeID) {
		media = append(media, mediaOf(d)...)
	}
	return media
}

// GetSubtreeTokens aggregates token usage across every LLM Call node in
// nodeID's subtree, including nodeID itself if it is an LLM Call node.
func (t *Tree) GetSubtreeTokens(nodeID string) TokenTotals {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var totals TokenTotals
	node, ok := t.nodes[nodeID]
	if !ok {
		return totals
	}
	addTokens(&totals, node)
	for _, d := range t.descendantsLocked(nodeID) {
		addTokens(&totals, d)
	}
	return totals
}

// GetTotalCost sums the cost of every node in the tree.
func (t *Tree) GetTotalCost() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var total float64
	for _, id := range t.order {
		total += costOf(t.nodes[id])
	}
	return total
}
