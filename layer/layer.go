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
Package layer is the pipeline between protocol messages and transport bytes.

A [Stack] is made of ranked layers: the transport at the bottom, then
records, then messages, and optionally HTTP framing inside application data.
Sending walks down the stack and receiving walks up; a layer only talks to
its neighbours. The connection state is not held by any layer. It is passed
into every call as a [tlsctx.Context].

Receiving is forgiving. Bytes that do not frame as records are kept as a
blob, records that fail authentication are kept and marked, and message
bytes that no parser accepts end up in opaque messages. Only a decoder that
makes no progress is fatal, as it would otherwise loop forever.
*/
package layer

import (
	"fmt"
	"log/slog"

	"github.com/Jigsaw-Code/tlsprobe/message"
	"github.com/Jigsaw-Code/tlsprobe/protocol"
	"github.com/Jigsaw-Code/tlsprobe/record"
	"github.com/Jigsaw-Code/tlsprobe/transport"
	"github.com/davecgh/go-spew/spew"
)

// Rank orders the layers of a [Stack], lowest first.
type Rank int

const (
	TransportRank Rank = iota
	RecordRank
	MessageRank
	HTTPRank
)

func (r Rank) String() string {
	switch r {
	case TransportRank:
		return "transport"
	case RecordRank:
		return "record"
	case MessageRank:
		return "message"
	case HTTPRank:
		return "http"
	}
	return fmt.Sprintf("rank(%d)", int(r))
}

// ProgressError is returned when a decoder consumed no bytes. It signals a
// bug in a parser and must never be retried.
type ProgressError struct {
	Offset  int
	Decoder string
	Type    protocol.ContentType
}

func (e *ProgressError) Error() string {
	return fmt.Sprintf("layer: %s decoder made no progress at offset %d of %s data", e.Decoder, e.Offset, e.Type)
}

// Result is what one send or receive moved.
type Result struct {
	Messages []message.Message
	Records  []*record.Record
}

func (r *Result) append(o Result) {
	r.Messages = append(r.Messages, o.Messages...)
	r.Records = append(r.Records, o.Records...)
}

// Stack is the layer pipeline of one connection.
type Stack struct {
	transport *TransportLayer
	records   *RecordLayer
	messages  *MessageLayer
	http      *HTTPLayer
	logger    *slog.Logger
}

// Option configures a [Stack].
type Option func(*Stack)

// WithLogger makes the stack log to l instead of [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Stack) {
		s.logger = l
	}
}

// New returns the stack sending over h. dtls selects the record layout.
func New(h transport.Handler, dtls bool, opts ...Option) *Stack {
	s := &Stack{logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.transport = &TransportLayer{handler: h}
	s.records = newRecordLayer(s.transport, dtls, s.logger)
	s.messages = &MessageLayer{records: s.records, logger: s.logger}
	s.http = &HTTPLayer{}
	return s
}

// Ranks lists the layers of the stack, lowest first.
func (s *Stack) Ranks() []Rank {
	return []Rank{TransportRank, RecordRank, MessageRank, HTTPRank}
}

// Transport returns the lowest layer.
func (s *Stack) Transport() *TransportLayer {
	return s.transport
}

// Records returns the record layer, which owns record protection.
func (s *Stack) Records() *RecordLayer {
	return s.records
}

var dumper = spew.ConfigState{Indent: "  ", DisablePointerAddresses: true, DisableCapacities: true, MaxDepth: 4}

// dump renders v for debug logs. It is only evaluated when debug logging is on.
type dump struct{ v any }

func (d dump) LogValue() slog.Value {
	return slog.StringValue(dumper.Sdump(d.v))
}
