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

import "errors"

// ErrBreakLoop is the distinguished break-loop signal a gadget returns (or
// wraps) from Execute to tell the Gadget Executor the Agent Loop should
// stop iterating once this call completes.
var ErrBreakLoop = errors.New("gadget: break loop")

// ErrNotFound is returned by a Registry lookup for an unregistered name.
var ErrNotFound = errors.New("gadget: not found")
