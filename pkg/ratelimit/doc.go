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

// Package ratelimit implements the Rate-Limit Tracker: windowed
// request/input-token/output-token bookkeeping shared by a root agent and
// all of its subagents, advising the Agent Loop how long to sleep before
// its next LLM call so that admitting one more request will not exceed a
// configured window's ceiling. The tracker never refuses a call outright;
// RequiredDelay is advisory, and a caller that ignores it simply proceeds.
//
// # Basic usage
//
//	store := ratelimit.NewMemoryStore()
//	tracker, err := ratelimit.NewTracker(&ratelimit.Config{
//	    Enabled: true,
//	    Limits: []ratelimit.LimitRule{
//	        {Type: ratelimit.LimitTypeRequest, Window: ratelimit.WindowMinute, Limit: 60},
//	        {Type: ratelimit.LimitTypeInputToken, Window: ratelimit.WindowDay, Limit: 1_000_000},
//	    },
//	}, store, nil, nil)
//
//	delay, err := tracker.RequiredDelay(ctx, ratelimit.ScopeSession, sessionID)
//	// sleep delay, call the LLM, then:
//	err = tracker.RecordRequest(ctx, ratelimit.ScopeSession, sessionID, ratelimit.RequestUsage{
//	    Requests:     1,
//	    InputTokens:  usage.InputTokens,
//	    OutputTokens: usage.OutputTokens,
//	})
//
// # Time windows
//
//   - minute: 60 seconds (burst protection)
//   - hour: 60 minutes (short-term limits)
//   - day: 24 hours (daily quotas)
//   - week: 7 days (weekly budgets)
//   - month: 30 days (monthly billing)
//
// # Limit types
//
//   - request: number of LLM calls started in the window
//   - input_token: prompt tokens consumed in the window
//   - output_token: completion tokens consumed in the window
//
// # Scopes
//
//   - session: one agent loop and its subagents share a window
//   - user: every session belonging to a user shares a window
//
// # Stores
//
// MemoryStore keeps usage in process memory; it does not survive a
// restart and is the right default for a single long-lived process.
// SQLStore persists usage in postgres, mysql, or sqlite so usage survives
// a restart or is shared across processes.
package ratelimit
