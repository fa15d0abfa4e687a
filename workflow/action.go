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

/*
Package workflow runs scripted TLS and DTLS conversations.

A [Trace] is an ordered list of actions, each bound to a connection by
alias. [Executor] runs them in order against a [State], retransmitting the
last flight when a receive does not deliver what it expected, and records
what was sent and received so the trace can be saved and inspected.
*/
package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/Jigsaw-Code/tlsprobe/config"
	"github.com/Jigsaw-Code/tlsprobe/layer"
	"github.com/Jigsaw-Code/tlsprobe/message"
	"github.com/Jigsaw-Code/tlsprobe/modvar"
	"github.com/Jigsaw-Code/tlsprobe/record"
)

// Action is one step of a [Trace].
type Action interface {
	// Execute runs the action against its connection. The returned error is
	// an *ExecutionError and is fatal to the run; protocol surprises only
	// show in ExecutedAsPlanned.
	Execute(ctx context.Context, s *State) error
	Executed() bool
	ExecutedAsPlanned() bool
	// Reset forgets everything the last execution produced, keeping what
	// was configured, so the action can run again.
	Reset()
	ConnectionAlias() string
}

// sending and receiving classify actions for the retransmission walk.
type sending interface{ sends() }
type receiving interface{ receives() }

// ExecutionError reports an action that could not run.
type ExecutionError struct {
	Action string
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("workflow: %s: %v", e.Action, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Mods maps field names to the modification applied to them.
type Mods map[string]modvar.Modification

// apply attaches every modification in mods to the matching field.
func (mods Mods) apply(fields map[string]modvar.Field) error {
	for name, mod := range mods {
		f, ok := fields[name]
		if !ok {
			return fmt.Errorf("no field %q", name)
		}
		if err := f.Modify(mod); err != nil {
			return fmt.Errorf("field %q: %w", name, err)
		}
	}
	return nil
}

// actionState is the execution bookkeeping shared by all actions.
type actionState struct {
	Connection string
	executed   bool
	asPlanned  bool
}

func (s *actionState) Executed() bool          { return s.executed }
func (s *actionState) ExecutedAsPlanned() bool { return s.executed && s.asPlanned }

func (s *actionState) ConnectionAlias() string {
	if s.Connection == "" {
		return config.DefaultAlias
	}
	return s.Connection
}

func (s *actionState) begin(name string, st *State) (*Connection, error) {
	if s.executed {
		return nil, &ExecutionError{Action: name, Err: ErrAlreadyExecuted}
	}
	conn, err := st.Connection(s.ConnectionAlias())
	if err != nil {
		return nil, &ExecutionError{Action: name, Err: err}
	}
	return conn, nil
}

func (s *actionState) done(asPlanned bool) {
	s.executed, s.asPlanned = true, asPlanned
}

func (s *actionState) reset() {
	s.executed, s.asPlanned = false, false
}

// SendAction sends messages, framed into records.
type SendAction struct {
	actionState
	Messages []message.Message
	// Records are record templates used in order for the sent records.
	Records []*record.Record

	// MessageMods and RecordMods hold the modifications applied to
	// Messages and Records, by index, so that traces can be saved again.
	MessageMods []Mods
	RecordMods  []Mods

	// SentRecords are the records that went out.
	SentRecords []*record.Record
}

// NewSendAction returns an action sending msgs on the default connection.
func NewSendAction(msgs ...message.Message) *SendAction {
	return &SendAction{Messages: msgs}
}

func (*SendAction) sends() {}

// Modify applies mods to the fields of Messages[i].
func (a *SendAction) Modify(i int, mods Mods) error {
	if i < 0 || i >= len(a.Messages) {
		return fmt.Errorf("workflow: no message %d", i)
	}
	if err := mods.apply(a.Messages[i].Fields()); err != nil {
		return fmt.Errorf("workflow: modify %s: %w", message.Name(a.Messages[i]), err)
	}
	a.MessageMods = setMods(a.MessageMods, i, mods)
	return nil
}

// ModifyRecord applies mods to the fields of Records[i].
func (a *SendAction) ModifyRecord(i int, mods Mods) error {
	if i < 0 || i >= len(a.Records) {
		return fmt.Errorf("workflow: no record %d", i)
	}
	if err := mods.apply(a.Records[i].Fields()); err != nil {
		return fmt.Errorf("workflow: modify record %d: %w", i, err)
	}
	a.RecordMods = setMods(a.RecordMods, i, mods)
	return nil
}

func setMods(all []Mods, i int, mods Mods) []Mods {
	for len(all) <= i {
		all = append(all, nil)
	}
	merged := Mods{}
	for k, v := range all[i] {
		merged[k] = v
	}
	for k, v := range mods {
		merged[k] = v
	}
	all[i] = merged
	return all
}

func (a *SendAction) String() string {
	return fmt.Sprintf("send%v", messageNames(a.Messages))
}

func (a *SendAction) Execute(ctx context.Context, s *State) error {
	conn, err := a.begin(a.String(), s)
	if err != nil {
		return err
	}
	res, err := conn.Stack.SendMessages(ctx, conn.Context, a.Messages, a.Records)
	a.SentRecords = res.Records
	if err != nil {
		a.done(false)
		return &ExecutionError{Action: a.String(), Err: err}
	}
	a.done(!conn.Context.ReceivedTransportError)
	return nil
}

func (a *SendAction) Reset() {
	a.reset()
	for _, m := range a.Messages {
		message.Reset(m)
	}
	for _, r := range a.Records {
		r.Reset()
	}
	a.SentRecords = nil
}

// received is the output shared by receiving actions.
type received struct {
	Received []message.Message
	Records  []*record.Record
}

func (r *received) store(res layer.Result) {
	r.Received, r.Records = res.Messages, res.Records
}

func (r *received) clear() {
	r.Received, r.Records = nil, nil
}

// ReceiveAction receives until the expected messages arrived or the peer
// went quiet. It executed as planned when exactly the expected messages
// arrived.
type ReceiveAction struct {
	actionState
	received
	Expected []message.Message
}

// NewReceiveAction returns an action expecting msgs on the default connection.
func NewReceiveAction(expected ...message.Message) *ReceiveAction {
	return &ReceiveAction{Expected: expected}
}

func (*ReceiveAction) receives() {}

func (a *ReceiveAction) String() string {
	return fmt.Sprintf("receive%v", messageNames(a.Expected))
}

func (a *ReceiveAction) Execute(ctx context.Context, s *State) error {
	conn, err := a.begin(a.String(), s)
	if err != nil {
		return err
	}
	res, err := conn.Stack.ReceiveMessages(ctx, conn.Context, a.Expected)
	a.store(res)
	if err != nil {
		a.done(false)
		return &ExecutionError{Action: a.String(), Err: err}
	}
	a.done(layer.Matches(a.Expected, a.Received))
	return nil
}

func (a *ReceiveAction) Reset() {
	a.reset()
	a.clear()
}

// GenericReceiveAction receives whatever arrives until the peer goes quiet.
type GenericReceiveAction struct {
	actionState
	received
}

func (*GenericReceiveAction) receives() {}

func (a *GenericReceiveAction) String() string {
	return "generic receive"
}

func (a *GenericReceiveAction) Execute(ctx context.Context, s *State) error {
	conn, err := a.begin(a.String(), s)
	if err != nil {
		return err
	}
	res, err := conn.Stack.ReceiveMessages(ctx, conn.Context, nil)
	a.store(res)
	if err != nil {
		a.done(false)
		return &ExecutionError{Action: a.String(), Err: err}
	}
	a.done(true)
	return nil
}

func (a *GenericReceiveAction) Reset() {
	a.reset()
	a.clear()
}

// ReceiveTillAction receives until a message of the variant named Till
// arrives.
type ReceiveTillAction struct {
	actionState
	received
	Till string
}

func (*ReceiveTillAction) receives() {}

func (a *ReceiveTillAction) String() string {
	return "receive till " + a.Till
}

func (a *ReceiveTillAction) Execute(ctx context.Context, s *State) error {
	conn, err := a.begin(a.String(), s)
	if err != nil {
		return err
	}
	res, err := conn.Stack.ReceiveTill(ctx, conn.Context, a.Till)
	a.store(res)
	if err != nil {
		a.done(false)
		return &ExecutionError{Action: a.String(), Err: err}
	}
	arrived := false
	for _, m := range a.Received {
		arrived = arrived || message.Name(m) == a.Till
	}
	a.done(arrived)
	return nil
}

func (a *ReceiveTillAction) Reset() {
	a.reset()
	a.clear()
}

// WaitAction pauses the workflow.
type WaitAction struct {
	actionState
	Duration time.Duration
}

func (a *WaitAction) String() string {
	return fmt.Sprintf("wait %v", a.Duration)
}

func (a *WaitAction) Execute(ctx context.Context, _ *State) error {
	if a.executed {
		return &ExecutionError{Action: a.String(), Err: ErrAlreadyExecuted}
	}
	t := time.NewTimer(a.Duration)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		a.done(false)
		return nil
	}
	a.done(true)
	return nil
}

func (a *WaitAction) Reset() {
	a.reset()
}

func messageNames(msgs []message.Message) []string {
	names := make([]string, len(msgs))
	for i, m := range msgs {
		names[i] = message.Name(m)
	}
	return names
}
