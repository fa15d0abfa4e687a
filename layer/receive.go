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

package layer

import (
	"context"
	"log/slog"

	"github.com/Jigsaw-Code/tlsprobe/message"
	"github.com/Jigsaw-Code/tlsprobe/protocol"
	"github.com/Jigsaw-Code/tlsprobe/record"
	"github.com/Jigsaw-Code/tlsprobe/tlsctx"
)

// SendMessages sends msgs, framing them into records. The given records
// are used as templates in order before fresh ones are created. All bytes
// leave in one transport write. Transport failures only set
// tc.ReceivedTransportError; the returned error reports messages or records
// that could not be built.
func (s *Stack) SendMessages(ctx context.Context, tc *tlsctx.Context, msgs []message.Message, records []*record.Record) (Result, error) {
	tc.TalkingPeer = tc.ConnectionEnd
	buf, err := s.messages.send(tc, msgs, records)
	res := Result{Records: buf.sent}
	if err != nil {
		return res, err
	}
	res.Messages = msgs
	if len(buf.out) > 0 {
		s.transport.Send(ctx, tc, buf.out)
	}
	s.logger.Debug("Sent", "messages", len(msgs), "records", len(buf.sent), "bytes", len(buf.out))
	return res, nil
}

// SendRecords sends records as they are, with no message layer involved.
// Records without a fragment are given an empty one.
func (s *Stack) SendRecords(ctx context.Context, tc *tlsctx.Context, records []*record.Record) Result {
	tc.TalkingPeer = tc.ConnectionEnd
	for _, r := range records {
		r.DTLS = s.records.dtls
		if !r.ContentType.IsSet() {
			r.ContentType.SetNatural(uint8(protocol.ContentApplicationData))
		}
		if !r.Version.IsSet() {
			r.Version.SetNatural(uint16(tc.RecordVersion))
		}
		if !r.Fragment.IsSet() {
			r.Fragment.SetNatural(r.Plaintext)
		}
		r.Prepare()
	}
	s.records.SendRecords(ctx, tc, records)
	return Result{Records: records}
}

// ReceiveMessages reads until the peer goes quiet. With QuickReceive set and
// expected messages given, it stops as soon as they arrived or a fatal alert
// did.
func (s *Stack) ReceiveMessages(ctx context.Context, tc *tlsctx.Context, expected []message.Message) (Result, error) {
	return s.receive(ctx, tc, func(got []message.Message) bool {
		return !tc.Config.QuickReceive || len(expected) == 0 || ShouldContinue(expected, got, tc.Config.EarlyStop)
	})
}

// ReceiveTill reads until a message named name arrives or the peer goes quiet.
func (s *Stack) ReceiveTill(ctx context.Context, tc *tlsctx.Context, name string) (Result, error) {
	return s.receive(ctx, tc, func(got []message.Message) bool {
		for _, m := range got {
			if message.Name(m) == name {
				return false
			}
		}
		return true
	})
}

// ReceiveRecords reads raw records until the peer goes quiet, without
// unprotecting or decoding them.
func (s *Stack) ReceiveRecords(ctx context.Context, tc *tlsctx.Context) Result {
	tc.TalkingPeer = tc.ConnectionEnd.Peer()
	var res Result
	for {
		records := s.records.fetchRecords(ctx, tc)
		if len(records) == 0 {
			return res
		}
		res.Records = append(res.Records, records...)
	}
}

func (s *Stack) receive(ctx context.Context, tc *tlsctx.Context, more func([]message.Message) bool) (Result, error) {
	tc.TalkingPeer = tc.ConnectionEnd.Peer()
	var res Result
	for {
		records := s.records.fetchRecords(ctx, tc)
		if len(records) == 0 {
			return res, nil
		}
		msgs, err := s.messages.decodeRecords(tc, records)
		res.append(Result{Messages: msgs, Records: records})
		if s.logger.Enabled(ctx, slog.LevelDebug) {
			for _, m := range msgs {
				s.logger.Debug("Received message", "name", message.Name(m), "fields", dump{m})
			}
		}
		if err != nil {
			return res, err
		}
		if !more(res.Messages) {
			return res, nil
		}
	}
}

// ShouldContinue reports whether a receive waiting for expected must read
// further after got arrived. A fatal alert ends every receive. With
// earlyStop, having as many messages as required ends it too.
func ShouldContinue(expected, got []message.Message, earlyStop bool) bool {
	for _, m := range got {
		if a, ok := m.(*message.Alert); ok && protocol.AlertLevel(a.Level.Get()) == protocol.AlertLevelFatal {
			return false
		}
	}
	if earlyStop {
		required := 0
		for _, e := range expected {
			if !e.Meta().Optional {
				required++
			}
		}
		if len(got) >= required {
			return false
		}
	}
	return !Matches(expected, got)
}

// Matches reports whether got is exactly expected, in order, compared by
// message name. Optional expected messages may be missing.
func Matches(expected, got []message.Message) bool {
	if len(expected) == 0 {
		return len(got) == 0
	}
	e := expected[0]
	if len(got) > 0 && message.Name(got[0]) == message.Name(e) && Matches(expected[1:], got[1:]) {
		return true
	}
	return e.Meta().Optional && Matches(expected[1:], got)
}
