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

package gadget

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoParams struct {
	Text string `json:"text" jsonschema:"required"`
}

type echoGadget struct{}

func (echoGadget) Name() string                 { return "echo" }
func (echoGadget) Description() string          { return "echoes its input" }
func (echoGadget) Schema() map[string]any       { return SchemaOf[echoParams]() }
func (echoGadget) MaxConcurrent() int           { return 0 }
func (echoGadget) Timeout() time.Duration       { return 0 }
func (echoGadget) Execute(ctx context.Context, params map[string]any, execCtx *Context) (Result, error) {
	text, _ := params["text"].(string)
	return Result{Content: text}, nil
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(echoGadget{}))

	g, err := reg.Lookup("echo")
	require.NoError(t, err)
	assert.Equal(t, "echo", g.Name())

	_, err = reg.Lookup("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

type namelessGadget struct{ echoGadget }

func (namelessGadget) Name() string { return "" }

func TestRegistry_RejectsEmptyName(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(namelessGadget{})
	assert.Error(t, err)
}

func TestContext_CostAccumulation(t *testing.T) {
	execCtx := &Context{InvocationID: "inv-1"}
	assert.Zero(t, execCtx.AccumulatedCost())

	execCtx.ReportCost(1.5)
	execCtx.ReportCost(0.25)
	assert.InDelta(t, 1.75, execCtx.AccumulatedCost(), 0.001)
}

func TestSchemaOf(t *testing.T) {
	schema := SchemaOf[echoParams]()
	require.NotNil(t, schema)
	assert.Equal(t, "object", schema["type"])
}

func TestOutputStore_PutAndPage(t *testing.T) {
	store := NewOutputStore()
	id := store.Put("0123456789")

	page, hasMore, err := store.Page(id, 0, 4)
	require.NoError(t, err)
	assert.Equal(t, "0123", page)
	assert.True(t, hasMore)

	page, hasMore, err = store.Page(id, 4, 100)
	require.NoError(t, err)
	assert.Equal(t, "456789", page)
	assert.False(t, hasMore)
}

func TestOutputStore_UnknownID(t *testing.T) {
	store := NewOutputStore()
	_, _, err := store.Page("nope", 0, 10)
	assert.Error(t, err)
}

func TestOutputViewer_Execute(t *testing.T) {
	store := NewOutputStore()
	id := store.Put("hello world")
	viewer := NewOutputViewer(store)

	result, err := viewer.Execute(context.Background(), map[string]any{"id": id}, &Context{})
	require.NoError(t, err)
	assert.Equal(t, "hello world", result.Content)
}

func TestOutputViewer_MissingID(t *testing.T) {
	viewer := NewOutputViewer(NewOutputStore())
	_, err := viewer.Execute(context.Background(), map[string]any{}, &Context{})
	assert.Error(t, err)
}
