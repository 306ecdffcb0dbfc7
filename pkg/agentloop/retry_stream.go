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

package agentloop

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/zbigniewsobiecki/llmist-sub002/pkg/gadgetexec"
	"github.com/zbigniewsobiecki/llmist-sub002/pkg/hooks"
	"github.com/zbigniewsobiecki/llmist-sub002/pkg/llmio"
	"github.com/zbigniewsobiecki/llmist-sub002/pkg/streamprocessor"
)

// errConsumerStopped signals that Run's own caller stopped iterating
// (e.g. broke out of a for/range over the Loop's event sequence) while an
// attempt was flushing buffered events. It is wrapped as backoff.Permanent
// so the outer retry loop never mistakes caller disinterest for a
// retryable transport failure.
var errConsumerStopped = errors.New("agentloop: event consumer stopped")

// attemptOutcome is what a successful attempt of the stream-retry loop
// (spec.md §4.7.1) hands back to the iteration that drove it.
type attemptOutcome struct {
	Complete  *streamprocessor.StreamCompleteInfo
	Completed map[string]gadgetexec.Result
	Failed    map[string]string
}

// runStreamWithRetry drives spec.md §4.7.1's outer stream-retry loop for
// one iteration's LLM call. It owns llmNodeID's pending→running transition
// (StartLLMResponse is called once, up front, since a single node spans
// every attempt — the node was already created pending by the caller at
// step 4) and calls EndLLMResponse when an attempt reaches
// EventLLMResponseEnd; CompleteLLMCall/FailLLMCall are the caller's
// responsibility once this returns.
//
// An attempt's events are buffered and withheld from forward until the
// attempt reaches EventLLMResponseEnd, at which point the stream is known
// to have finished without a transport-level error and the attempt can
// never be discarded again: the buffer (including the LLMResponseEnd event
// itself) flushes to forward in order, and every subsequent event for this
// attempt forwards live. An attempt that errors before reaching that point
// has its buffered events dropped entirely — gadget calls it already
// executed keep their tree nodes (side effects are real and cannot be
// undone), but the consumer never sees output from a discarded attempt.
func (l *Loop) runStreamWithRetry(ctx context.Context, req *llmio.Request, llmNodeID string, iteration int, forward func(streamprocessor.Event) bool) (*attemptOutcome, int, error) {
	l.tree.StartLLMResponse(llmNodeID)

	b := l.retryCtrl.BackOff()

	op := func() (*attemptOutcome, error) {
		if delay, err := l.rateLimiter.RequiredDelay(ctx, l.cfg.RateLimitScope, l.cfg.RateLimitIdentifier); err != nil {
			l.logger.Warn("agentloop: rate limit query failed", "error", err)
		} else if delay > 0 {
			l.bundle.OnRateLimitThrottle.Dispatch(ctx, hooks.RateLimitThrottleInfo{Iteration: iteration, Delay: delay}, l.subagent)
			if !sleepCtx(ctx, delay) {
				return nil, backoff.Permanent(ctx.Err())
			}
		}

		proc := streamprocessor.New(streamprocessor.Params{
			Tree:           l.tree,
			Registry:       l.registry,
			Executor:       l.executor,
			Media:          l.media,
			ParserConfig:   l.cfg.Parser,
			LLMNodeID:      llmNodeID,
			Iteration:      iteration,
			Depth:          l.cfg.Depth,
			PriorCompleted: l.priorCompleted,
			PriorFailed:    l.priorFailed,
			Hooks:          l.bundle,
			ParentHooks:    l.parentBundle,
			Subagent:       l.subagent,
			Config:         l.cfg.Stream,
			Logger:         l.logger,
		})

		chunks := l.transport.Stream(ctx, req)

		var buffered []streamprocessor.Event
		locked := false
		var outcome attemptOutcome

		for ev, procErr := range proc.Process(ctx, chunks) {
			if procErr != nil {
				b.SetLastErr(procErr)
				if !l.retryCtrl.ShouldRetry(procErr) {
					return nil, backoff.Permanent(procErr)
				}
				return nil, procErr
			}

			if ev.Kind == streamprocessor.EventStreamComplete {
				outcome.Complete = ev.StreamComplete
				outcome.Completed = proc.Completed()
				outcome.Failed = proc.Failed()
				continue
			}

			if !locked {
				buffered = append(buffered, ev)
			} else if !forward(ev) {
				return nil, backoff.Permanent(errConsumerStopped)
			}

			if ev.Kind == streamprocessor.EventLLMResponseEnd {
				locked = true
				for _, be := range buffered {
					if !forward(be) {
						return nil, backoff.Permanent(errConsumerStopped)
					}
				}
				buffered = nil
				l.tree.EndLLMResponse(llmNodeID, ev.LLMResponseEnd.FinishReason, ev.LLMResponseEnd.Usage)
			}
		}
		return &outcome, nil
	}

	result, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithNotify(func(err error, delay time.Duration) {
			l.bundle.OnRetryAttempt.Dispatch(ctx, hooks.RetryAttemptInfo{
				Iteration: iteration,
				Attempt:   b.Attempts(),
				Delay:     delay,
				Err:       err,
			}, l.subagent)
		}),
	)
	return result, b.Attempts(), err
}

// sleepCtx sleeps for d or until ctx is done, reporting which happened
// first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
