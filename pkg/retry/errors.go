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

package retry

import (
	"errors"
	"time"
)

// Sentinel error kinds a Transport implementation wraps its own errors
// with (via fmt.Errorf("...: %w", retry.ErrRateLimited)) so the Retry
// Controller's default classifier can recognize them without depending on
// any concrete transport package. This mirrors the teacher's
// v2/rag/retry.go substring classifier, but as typed sentinels instead of
// string matching, since the transport boundary here is a real interface
// (llmio.Transport) rather than an arbitrary third-party SDK error.
var (
	// ErrNetworkTransient marks a connection-level failure (reset,
	// refused, timed out) worth retrying.
	ErrNetworkTransient = errors.New("retry: network-transient error")

	// ErrRateLimited marks a provider 429-class response.
	ErrRateLimited = errors.New("retry: rate limited")

	// ErrOverloaded marks a provider 5xx/overload-class response.
	ErrOverloaded = errors.New("retry: overloaded")
)

// RetryAfterProvider is implemented by an error that carries a server-
// issued retry hint (e.g. an HTTP Retry-After header the transport
// parsed). The Retry Controller checks for this via errors.As.
type RetryAfterProvider interface {
	RetryAfter() (time.Duration, bool)
}
