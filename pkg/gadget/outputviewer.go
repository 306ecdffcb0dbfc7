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
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// outputViewerGadgetName is the well-known name models are instructed to
// call when a result has been moved to the OutputStore.
const outputViewerGadgetName = "GadgetOutputViewer"

// OutputStore holds oversize gadget results, keyed by an opaque id, for
// GadgetOutputViewer to page through. Nothing in this module moves results
// into the store on its own; Put is the only way content gets there.
type OutputStore struct {
	mu      sync.RWMutex
	content map[string]string
}

// NewOutputStore creates an empty OutputStore.
func NewOutputStore() *OutputStore {
	return &OutputStore{content: make(map[string]string)}
}

// Put stores content under a freshly generated id and returns it.
func (s *OutputStore) Put(content string) string {
	id := uuid.NewString()
	s.mu.Lock()
	s.content[id] = content
	s.mu.Unlock()
	return id
}

// Page returns a slice of the stored content starting at offset, at most
// pageSize characters, plus whether more content follows.
func (s *OutputStore) Page(id string, offset, pageSize int) (page string, hasMore bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	content, ok := s.content[id]
	if !ok {
		return "", false, fmt.Errorf("gadget: no stored output for id %q", id)
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(content) {
		return "", false, nil
	}

	end := offset + pageSize
	if end >= len(content) {
		return content[offset:], false, nil
	}
	return content[offset:end], true, nil
}

// DefaultPageSize is GadgetOutputViewer's page size in characters when the
// caller doesn't specify one.
const DefaultPageSize = 4000

// OutputViewerParams is GadgetOutputViewer's typed parameter struct,
// reflected into a JSON Schema via SchemaOf.
type OutputViewerParams struct {
	ID       string `json:"id" jsonschema:"required,description=Opaque id returned by the output-limiting pointer message"`
	Offset   int    `json:"offset,omitempty" jsonschema:"description=Character offset to start reading from,default=0"`
	PageSize int    `json:"page_size,omitempty" jsonschema:"description=Maximum characters to return"`
}

// OutputViewer is the built-in gadget that lets the model page through a
// result held in an OutputStore. It is not added to any Registry
// automatically.
type OutputViewer struct {
	store *OutputStore
}

// NewOutputViewer creates an OutputViewer backed by store.
func NewOutputViewer(store *OutputStore) *OutputViewer {
	return &OutputViewer{store: store}
}

func (v *OutputViewer) Name() string { return outputViewerGadgetName }

func (v *OutputViewer) Description() string {
	return "Reads a previously stored oversize gadget result in pages. Call with the id from a pointer message."
}
func (v *OutputViewer) Schema() map[string]any { return SchemaOf[OutputViewerParams]() }
func (v *OutputViewer) MaxConcurrent() int      { return 0 }
func (v *OutputViewer) Timeout() time.Duration  { return 0 }

func (v *OutputViewer) Execute(ctx context.Context, params map[string]any, execCtx *Context) (Result, error) {
	id, _ := params["id"].(string)
	if id == "" {
		return Result{}, fmt.Errorf("gadget: %s requires an id parameter", outputViewerGadgetName)
	}

	offset := 0
	if v, ok := params["offset"]; ok {
		offset = toInt(v)
	}
	pageSize := DefaultPageSize
	if v, ok := params["page_size"]; ok && toInt(v) > 0 {
		pageSize = toInt(v)
	}

	page, hasMore, err := v.store.Page(id, offset, pageSize)
	if err != nil {
		return Result{}, err
	}

	content := page
	if hasMore {
		content = fmt.Sprintf("%s\n\n[truncated: call %s again with id=%q offset=%d to continue reading]",
			page, outputViewerGadgetName, id, offset+len(page))
	}
	return Result{Content: content}, nil
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(strings.TrimSpace(n))
		return i
	default:
		return 0
	}
}
