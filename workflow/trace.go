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
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Jigsaw-Code/tlsprobe/message"
	"github.com/Jigsaw-Code/tlsprobe/modvar"
	"github.com/Jigsaw-Code/tlsprobe/record"
	"gopkg.in/yaml.v3"
)

// Trace is the ordered list of actions of a workflow.
type Trace struct {
	Actions []Action
}

// NewTrace returns a trace running actions in order.
func NewTrace(actions ...Action) *Trace {
	return &Trace{Actions: actions}
}

// Reset forgets the results of every action.
func (t *Trace) Reset() {
	for _, a := range t.Actions {
		a.Reset()
	}
}

// ExecutedAsPlanned reports whether every action ran as planned.
func (t *Trace) ExecutedAsPlanned() bool {
	for _, a := range t.Actions {
		if !a.ExecutedAsPlanned() {
			return false
		}
	}
	return true
}

// Action type names as written in trace files.
const (
	typeSend           = "send"
	typeReceive        = "receive"
	typeGenericReceive = "generic_receive"
	typeReceiveTill    = "receive_till"
	typeWait           = "wait"
)

type traceDoc struct {
	Actions []actionDoc `yaml:"actions"`
}

type actionDoc struct {
	Type       string        `yaml:"$type"`
	Connection string        `yaml:"connection,omitempty"`
	Messages   []messageDoc  `yaml:"messages,omitempty"`
	Records    []recordDoc   `yaml:"records,omitempty"`
	Till       string        `yaml:"till,omitempty"`
	Duration   time.Duration `yaml:"duration,omitempty"`

	Executed          bool         `yaml:"executed,omitempty"`
	ExecutedAsPlanned bool         `yaml:"executed_as_planned,omitempty"`
	SentRecords       []recordDoc  `yaml:"sent_records,omitempty"`
	Received          []messageDoc `yaml:"received,omitempty"`
	ReceivedRecords   []recordDoc  `yaml:"received_records,omitempty"`
}

type messageDoc struct {
	Type          string         `yaml:"$type"`
	Optional      bool           `yaml:"optional,omitempty"`
	Modifications Mods           `yaml:"modifications,omitempty"`
	Values        map[string]any `yaml:"values,omitempty"`
}

type recordDoc struct {
	Modifications Mods           `yaml:"modifications,omitempty"`
	Values        map[string]any `yaml:"values,omitempty"`
	MACValid      *bool          `yaml:"mac_valid,omitempty"`
	PaddingValid  *bool          `yaml:"padding_valid,omitempty"`
}

// values renders the set fields for a trace file. Byte fields are hex.
func values(fields map[string]modvar.Field) map[string]any {
	out := map[string]any{}
	for name, f := range fields {
		if !f.IsSet() {
			continue
		}
		v := f.Any()
		if b, ok := v.([]byte); ok {
			v = modvar.HexBytes(b)
		}
		out[name] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func messageDocs(msgs []message.Message, mods []Mods, withValues bool) []messageDoc {
	var docs []messageDoc
	for i, m := range msgs {
		d := messageDoc{Type: message.Name(m), Optional: m.Meta().Optional}
		if i < len(mods) {
			d.Modifications = mods[i]
		}
		if withValues {
			d.Values = values(m.Fields())
		}
		docs = append(docs, d)
	}
	return docs
}

func recordDocs(records []*record.Record, mods []Mods, withValues bool) []recordDoc {
	var docs []recordDoc
	for i, r := range records {
		var d recordDoc
		if i < len(mods) {
			d.Modifications = mods[i]
		}
		if withValues {
			d.Values = values(r.Fields())
			d.MACValid, d.PaddingValid = r.Computations.MACValid, r.Computations.PaddingValid
		}
		docs = append(docs, d)
	}
	return docs
}

func (t *Trace) doc() (traceDoc, error) {
	doc := traceDoc{Actions: []actionDoc{}}
	for _, a := range t.Actions {
		d := actionDoc{
			Connection:        a.ConnectionAlias(),
			Executed:          a.Executed(),
			ExecutedAsPlanned: a.ExecutedAsPlanned(),
		}
		switch a := a.(type) {
		case *SendAction:
			d.Type = typeSend
			d.Messages = messageDocs(a.Messages, a.MessageMods, a.Executed())
			d.Records = recordDocs(a.Records, a.RecordMods, false)
			d.SentRecords = recordDocs(a.SentRecords, nil, true)
		case *ReceiveAction:
			d.Type = typeReceive
			d.Messages = messageDocs(a.Expected, nil, false)
			d.Received = messageDocs(a.Received, nil, true)
			d.ReceivedRecords = recordDocs(a.Records, nil, true)
		case *GenericReceiveAction:
			d.Type = typeGenericReceive
			d.Received = messageDocs(a.Received, nil, true)
			d.ReceivedRecords = recordDocs(a.Records, nil, true)
		case *ReceiveTillAction:
			d.Type = typeReceiveTill
			d.Till = a.Till
			d.Received = messageDocs(a.Received, nil, true)
			d.ReceivedRecords = recordDocs(a.Records, nil, true)
		case *WaitAction:
			d.Type = typeWait
			d.Duration = a.Duration
		default:
			return traceDoc{}, fmt.Errorf("workflow: cannot save action %T", a)
		}
		doc.Actions = append(doc.Actions, d)
	}
	return doc, nil
}

func newMessages(docs []messageDoc) ([]message.Message, error) {
	var msgs []message.Message
	for _, d := range docs {
		m, err := message.New(d.Type)
		if err != nil {
			return nil, err
		}
		m.Meta().Optional = d.Optional
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (d actionDoc) action() (Action, error) {
	state := actionState{Connection: d.Connection}
	switch d.Type {
	case typeSend:
		msgs, err := newMessages(d.Messages)
		if err != nil {
			return nil, err
		}
		a := &SendAction{actionState: state, Messages: msgs}
		for i, md := range d.Messages {
			if len(md.Modifications) == 0 {
				continue
			}
			if err := a.Modify(i, md.Modifications); err != nil {
				return nil, err
			}
		}
		for i, rd := range d.Records {
			a.Records = append(a.Records, &record.Record{})
			if len(rd.Modifications) == 0 {
				continue
			}
			if err := a.ModifyRecord(i, rd.Modifications); err != nil {
				return nil, err
			}
		}
		return a, nil
	case typeReceive:
		expected, err := newMessages(d.Messages)
		if err != nil {
			return nil, err
		}
		return &ReceiveAction{actionState: state, Expected: expected}, nil
	case typeGenericReceive:
		return &GenericReceiveAction{actionState: state}, nil
	case typeReceiveTill:
		if _, err := message.New(d.Till); err != nil {
			return nil, err
		}
		return &ReceiveTillAction{actionState: state, Till: d.Till}, nil
	case typeWait:
		return &WaitAction{actionState: state, Duration: d.Duration}, nil
	}
	return nil, fmt.Errorf("workflow: unknown action type %q", d.Type)
}

func (t *Trace) fromDoc(doc traceDoc) error {
	actions := make([]Action, 0, len(doc.Actions))
	for i, d := range doc.Actions {
		a, err := d.action()
		if err != nil {
			return fmt.Errorf("workflow: action %d: %w", i, err)
		}
		actions = append(actions, a)
	}
	t.Actions = actions
	return nil
}

func (t *Trace) MarshalYAML() (any, error) {
	return t.doc()
}

func (t *Trace) UnmarshalYAML(n *yaml.Node) error {
	var doc traceDoc
	if err := n.Decode(&doc); err != nil {
		return err
	}
	return t.fromDoc(doc)
}

// ReadTrace decodes a trace. Results recorded in the input are ignored; the
// actions come back ready to run.
func ReadTrace(r io.Reader) (*Trace, error) {
	var doc traceDoc
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("workflow: decode trace: %w", err)
	}
	t := &Trace{}
	if err := t.fromDoc(doc); err != nil {
		return nil, err
	}
	return t, nil
}

// Write encodes t with the results of its last execution.
func (t *Trace) Write(w io.Writer) error {
	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	if err := encoder.Encode(t); err != nil {
		return fmt.Errorf("workflow: encode trace: %w", err)
	}
	return encoder.Close()
}

// LoadTrace reads the trace file at path.
func LoadTrace(path string) (*Trace, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadTrace(f)
}

// Save writes t to the file at path.
func (t *Trace) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := t.Write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
