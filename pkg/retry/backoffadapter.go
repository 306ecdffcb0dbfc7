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
	"time"

	"github.com/cenkalti/backoff/v5"
)

// BackOff adapts a Controller to github.com/cenkalti/backoff/v5's BackOff
// interface, so the Agent Loop's outer stream-retry loop (spec.md §4.7.1)
// can drive its sleep/retry bookkeeping through backoff.Retry instead of a
// hand-rolled loop, while still getting the Controller's own min/max/
// factor/jitter formula, RetryAfter-hint handling, and retries ceiling.
//
// backoff.Retry calls NextBackOff() once per failed attempt, with no way to
// pass it the attempt's error directly. SetLastErr bridges that gap: the
// operation func passed to backoff.Retry must call SetLastErr with the
// error it is about to return, immediately before returning it, so the
// next NextBackOff() call can route it through Controller.Delay for
// RetryAfter-hint recognition.
type BackOff struct {
	ctrl    *Controller
	attempt int
	lastErr error
}

// BackOff creates a BackOff driven by c.
func (c *Controller) BackOff() *BackOff {
	return &BackOff{ctrl: c}
}

// SetLastErr records the error the in-flight operation attempt failed
// with, consumed by the next NextBackOff call.
func (b *BackOff) SetLastErr(err error) {
	b.lastErr = err
}

// NextBackOff returns the delay before the next attempt, per
// Controller.Delay given the attempt count and last recorded error, or
// backoff.Stop once the controller's configured attempt ceiling is
// reached.
func (b *BackOff) NextBackOff() time.Duration {
	b.attempt++
	if b.attempt >= b.ctrl.MaxAttempts() {
		return backoff.Stop
	}
	return b.ctrl.Delay(b.attempt, b.lastErr)
}

// Reset restarts the attempt count, as backoff.Retry requires of every
// BackOff implementation (e.g. for reuse across independent operations).
func (b *BackOff) Reset() {
	b.attempt = 0
	b.lastErr = nil
}

// Attempts returns how many times NextBackOff has been called so far,
// i.e. the number of attempts made (including the first). Used to
// populate hooks.LLMErrorInfo.Attempts once backoff.Retry gives up.
func (b *BackOff) Attempts() int {
	return b.attempt
}
