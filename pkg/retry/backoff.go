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

// backOff adapts a Controller's delay formula to backoff.BackOff, so a
// caller that already drives retries with cenkalti/backoff/v5's own
// Retry/RetryNotify helpers can reuse this package's delay math instead of
// backoff's own exponential curve. The Agent Loop's own outer retry loop
// (spec.md §4.7.1) does not use this adapter directly, since it needs to
// interleave rate-limit queries and observer dispatch between attempts
// that backoff.Retry's generic loop has no hook for; BackOff exists for
// any simpler caller that just wants "the same curve, driven by backoff's
// own loop".
type backOff struct {
	controller *Controller
	attempt    int
	lastErr    error
}

// BackOff returns a fresh backoff.BackOff view onto c. SetError should be
// called (if at all) before each NextBackOff to let Retry-After hints flow
// through; omitting it simply uses the computed exponential curve.
func (c *Controller) BackOff() backoff.BackOff {
	return &backOff{controller: c}
}

// SetError records the most recent attempt's error, consulted by the next
// NextBackOff call for a Retry-After hint.
func (b *backOff) SetError(err error) {
	b.lastErr = err
}

// NextBackOff implements backoff.BackOff.
func (b *backOff) NextBackOff() time.Duration {
	b.attempt++
	if b.attempt > b.controller.MaxAttempts() {
		return backoff.Stop
	}
	return b.controller.Delay(b.attempt, b.lastErr)
}

var _ backoff.BackOff = (*backOff)(nil)
