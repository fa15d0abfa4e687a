// Copyright 2024 Jigsaw Operations LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Status is where a run stands.
type Status int

const (
	NotStarted Status = iota
	Running
	// Completed means every action ran. Whether they ran as planned is
	// recorded per action.
	Completed
	// Aborted means the run stopped early: a stop condition held, the
	// context was cancelled or retransmissions ran out.
	Aborted
	// Failed means an action could not run or a transport could not open.
	Failed
)

func (s Status) String() string {
	switch s {
	case NotStarted:
		return "NotStarted"
	case Running:
		return "Running"
	case Completed:
		return "Completed"
	case Aborted:
		return "Aborted"
	case Failed:
		return "Failed"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Result is the outcome of a run. The trace itself holds what each action
// sent and received.
type Result struct {
	Status Status
	// Err is the failure behind a Failed status, or why the trace could
	// not be saved.
	Err error
	// CloseErr joins the failures of closing the connections. It never
	// changes Status.
	CloseErr error
	// StoppedAt is the index of the action after which the run stopped
	// early, or -1.
	StoppedAt int
	// Retransmissions counts every flight sent again over the run.
	Retransmissions int
}

// Hooks are called at fixed points of a run. Nil hooks are skipped.
type Hooks struct {
	BeforeTransportInit func(*State)
	AfterTransportInit  func(*State)
	AfterExecution      func(*State)
}

// Executor runs the trace of a [State].
type Executor struct {
	state  *State
	hooks  Hooks
	logger *slog.Logger
	status Status
}

// ExecutorOption configures an [Executor].
type ExecutorOption func(*Executor)

// WithHooks installs lifecycle hooks.
func WithHooks(h Hooks) ExecutorOption {
	return func(e *Executor) {
		e.hooks = h
	}
}

// WithLogger makes the executor log to l instead of [slog.Default].
func WithLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = l
	}
}

// NewExecutor returns an executor for s.
func NewExecutor(s *State, opts ...ExecutorOption) *Executor {
	e := &Executor{state: s, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Status returns the current status of the run.
func (e *Executor) Status() Status {
	return e.status
}

func call(hook func(*State), s *State) {
	if hook != nil {
		hook(s)
	}
}

// Run executes the trace once. Actions run in order, one at a time; ctx is
// only checked between actions. When an action does not execute as planned
// the last flight is sent again, up to MaxRetransmissions times in a row.
// The trace is saved to WorkflowOutput whatever the outcome.
func (e *Executor) Run(ctx context.Context) Result {
	s, cfg := e.state, e.state.Config
	res := Result{Status: Running, StoppedAt: -1}
	e.status = Running

	if cfg.WorkflowExecutorShouldOpen {
		call(e.hooks.BeforeTransportInit, s)
		if err := s.initialize(ctx); err != nil {
			e.logger.Error("Failed to open connections", "error", err)
			res.Status, res.Err = Failed, err
		}
		call(e.hooks.AfterTransportInit, s)
	}

	execErr := false
	if res.Status == Running {
		execErr = e.loop(ctx, &res)
	}

	actions := s.Trace.Actions
	if execErr && cfg.FinishWithCloseNotify && len(actions) > 0 {
		last := actions[len(actions)-1]
		last.Reset()
		if err := last.Execute(ctx, s); err != nil {
			e.logger.Warn("Final action failed", "error", err)
		}
	}
	if cfg.WorkflowExecutorShouldClose {
		if res.CloseErr = s.close(); res.CloseErr != nil {
			e.logger.Warn("Failed to close connections", "error", res.CloseErr)
		}
	}
	if cfg.ResetTracesBeforeSaving {
		s.Trace.Reset()
	}
	if cfg.WorkflowOutput != "" {
		if err := s.Trace.Save(cfg.WorkflowOutput); err != nil {
			res.Err = errors.Join(res.Err, fmt.Errorf("workflow: save trace: %w", err))
		}
	}
	e.status = res.Status
	call(e.hooks.AfterExecution, s)
	e.logger.Info("Workflow finished", "status", res.Status, "retransmissions", res.Retransmissions)
	return res
}

// loop runs the actions and sets the final status. It reports whether the
// run ended with an unrecovered retransmission or a failed action.
func (e *Executor) loop(ctx context.Context, res *Result) bool {
	s, cfg := e.state, e.state.Config
	actions := s.Trace.Actions
	s.Trace.Reset()

	retransmissions := 0
	errorAction := -1
	execErr := false
	single := len(s.connections) == 1
	stop := func(i int, reason string) bool {
		e.logger.Debug("Stopping workflow", "action", i, "reason", reason)
		res.Status, res.StoppedAt = Aborted, i
		return execErr
	}

	for i := 0; i < len(actions); i++ {
		if err := ctx.Err(); err != nil {
			res.Err = err
			return stop(i-1, "cancelled")
		}
		if single && s.Connections()[0].Context.EarlyCleanShutdown {
			return stop(i-1, "clean shutdown")
		}

		action := actions[i]
		if err := action.Execute(ctx, s); err != nil {
			e.logger.Error("Action failed", "action", i, "error", err)
			res.Status, res.Err, res.StoppedAt = Failed, err, i
			return true
		}

		if cfg.StopActionsAfterFatalAlert && s.ReceivedFatalAlert() {
			return stop(i, "fatal alert")
		}
		if cfg.StopActionsAfterIOError && s.ReceivedTransportError() {
			return stop(i, "transport error")
		}
		if action.ExecutedAsPlanned() {
			if execErr && errorAction == i {
				retransmissions, errorAction, execErr = 0, -1, false
			}
			continue
		}
		if cfg.StopTraceAfterUnexpected {
			return stop(i, "unexpected")
		}
		if retransmissions >= cfg.MaxRetransmissions {
			return stop(i, "retransmissions exhausted")
		}
		resume := rewind(actions, i)
		e.logger.Debug("Retransmitting", "failed", i, "from", resume+1, "attempt", retransmissions+1)
		retransmissions++
		res.Retransmissions++
		if errorAction < 0 {
			errorAction = i
		}
		execErr = true
		i = resume
	}
	res.Status = Completed
	return execErr
}

// rewind resets the failed action at i and the flight before it: first the
// receives back to the previous send, then the sends back to the receive
// before them. It returns the index of that receive, or -1, so that the run
// resumes right after it.
func rewind(actions []Action, i int) int {
	actions[i].Reset()
	j := i - 1
	for ; j >= 0; j-- {
		if _, ok := actions[j].(sending); ok {
			break
		}
		actions[j].Reset()
	}
	for ; j >= 0; j-- {
		if _, ok := actions[j].(receiving); ok {
			return j
		}
		actions[j].Reset()
	}
	return -1
}
