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

// Package gadgetexec implements the Gadget Executor (spec.md §4.2): the
// per-call pipeline that looks a gadget up by name, validates its
// parameters, runs it under a timeout, and normalizes whatever it returns
// (success, validation failure, execution error, timeout, or break-loop
// signal) into a Result the Stream Processor records on the Execution
// Tree. Validation and execution errors are data here, never exceptions:
// every failure mode ends in a Result with ErrorMessage set rather than a
// returned error, mirroring the teacher's callToolWithCallbacks /
// executeStreamingTool pairing in pkg/agent/llmagent/flow.go, which
// likewise turns a tool failure into a recorded event rather than
// unwinding the call stack.
package gadgetexec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"

	"github.com/zbigniewsobiecki/llmist-sub002/pkg/gadget"
	deflog "github.com/zbigniewsobiecki/llmist-sub002/pkg/logger"
)

// TypedGadget is an optional gadget extension: a gadget that wants its
// parameters decoded into (and validated against) a typed Go struct
// implements NewParams, returning a fresh pointer to its parameter type
// tagged with `mapstructure` and `validate` struct tags. Gadgets that only
// implement gadget.CallableGadget skip straight to execution with the raw
// parameter map the parser produced.
type TypedGadget interface {
	gadget.CallableGadget
	NewParams() any
}

// Result is the Gadget Execution Result named in spec.md §3.
type Result struct {
	GadgetName    string
	InvocationID  string
	Params        map[string]any
	Content       string
	ErrorMessage  string
	ExecutionTime time.Duration
	Cost          float64
	Media         []gadget.MediaRef
	BreaksLoop    bool
}

// Failed reports whether this Result represents a validation, execution,
// timeout, or abort failure.
func (r Result) Failed() bool { return r.ErrorMessage != "" }

// Config holds the executor's defaults.
type Config struct {
	// DefaultTimeout is used when a gadget's own Timeout() is zero. Zero
	// here means "no timeout at all".
	DefaultTimeout time.Duration
}

// Executor is the Gadget Executor.
type Executor struct {
	registry  *gadget.Registry
	cfg       Config
	logger    *slog.Logger
	metrics   *Metrics
	validator *validator.Validate
}

// New creates an Executor backed by registry. metrics may be nil to
// disable Prometheus instrumentation; logger nil means the package default logger.
func New(registry *gadget.Registry, cfg Config, metrics *Metrics, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = deflog.GetLogger()
	}
	return &Executor{
		registry:  registry,
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		validator: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Execute runs one gadget call end to end (spec.md §4.2 steps 1-5) and
// always returns a Result: no error is ever returned, since a gadget's
// failure modes are data the Stream Processor feeds back to the model.
func (e *Executor) Execute(ctx context.Context, invocationID, name string, params map[string]any, execCtx *gadget.Context) Result {
	start := time.Now()
	res := Result{GadgetName: name, InvocationID: invocationID, Params: params}

	g, err := e.registry.Lookup(name)
	if err != nil {
		res.ErrorMessage = "gadget not found"
		e.recordOutcome(name, "not_found", time.Since(start))
		return res
	}

	validatedParams, verr := e.validateParams(g, params)
	if verr != nil {
		res.ErrorMessage = fmt.Sprintf("invalid parameters: %v", verr)
		e.recordOutcome(name, "validation_error", time.Since(start))
		return res
	}
	res.Params = validatedParams

	if ctx.Err() != nil {
		res.ErrorMessage = "aborted"
		res.ExecutionTime = time.Since(start)
		e.recordOutcome(name, "aborted", res.ExecutionTime)
		return res
	}

	timeout := g.Timeout()
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	gadgetResult, execErr := g.Execute(runCtx, validatedParams, execCtx)
	elapsed := time.Since(start)
	res.ExecutionTime = elapsed

	switch {
	case execErr != nil && errors.Is(execErr, gadget.ErrBreakLoop):
		res.Content = gadgetResult.Content
		res.BreaksLoop = true
		res.Cost = gadgetResult.Cost + execCtx.AccumulatedCost()
		res.Media = gadgetResult.Media
		e.recordOutcome(name, "break_loop", elapsed)

	case execErr != nil && timeout > 0 && runCtx.Err() == context.DeadlineExceeded:
		res.ErrorMessage = fmt.Sprintf("timeout after %dms", timeout.Milliseconds())
		e.recordOutcome(name, "timeout", elapsed)

	case execErr != nil && ctx.Err() != nil:
		res.ErrorMessage = "aborted"
		e.recordOutcome(name, "aborted", elapsed)

	case execErr != nil:
		res.ErrorMessage = execErr.Error()
		e.recordOutcome(name, "execution_error", elapsed)

	default:
		res.Content = gadgetResult.Content
		res.Cost = gadgetResult.Cost + execCtx.AccumulatedCost()
		res.Media = gadgetResult.Media
		res.BreaksLoop = gadgetResult.BreaksLoop
		e.recordOutcome(name, "success", elapsed)
	}

	return res
}

// validateParams decodes+validates params against g's typed parameter
// struct when g implements TypedGadget; otherwise params pass through
// unchanged (the gadget is responsible for its own defensive parsing, as
// gadget.OutputViewer does).
func (e *Executor) validateParams(g gadget.CallableGadget, params map[string]any) (map[string]any, error) {
	typed, ok := g.(TypedGadget)
	if !ok {
		return params, nil
	}

	target := typed.NewParams()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return nil, fmt.Errorf("gadgetexec: build decoder: %w", err)
	}
	if err := decoder.Decode(params); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if err := e.validator.Struct(target); err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}
	return params, nil
}

func (e *Executor) recordOutcome(gadgetName, outcome string, elapsed time.Duration) {
	if e.metrics != nil {
		e.metrics.observe(gadgetName, outcome, elapsed)
	}
	e.logger.Debug("gadgetexec: call finished", "gadget", gadgetName, "outcome", outcome, "elapsed", elapsed)
}
