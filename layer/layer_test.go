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
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/Jigsaw-Code/tlsprobe/config"
	"github.com/Jigsaw-Code/tlsprobe/message"
	"github.com/Jigsaw-Code/tlsprobe/modvar"
	"github.com/Jigsaw-Code/tlsprobe/protocol"
	"github.com/Jigsaw-Code/tlsprobe/record"
	"github.com/Jigsaw-Code/tlsprobe/tlsctx"
	"github.com/Jigsaw-Code/tlsprobe/transport"
	"github.com/stretchr/testify/require"
)

func newContext(version protocol.ProtocolVersion, suite uint16, end protocol.ConnectionEnd) *tlsctx.Context {
	cfg := config.Default()
	cfg.HighestProtocolVersion = version
	cfg.DefaultSelectedCipherSuite = suite
	return tlsctx.New(cfg, end)
}

func newStack(t *testing.T, chunks ...[]byte) (*Stack, *transport.ScriptedHandler) {
	t.Helper()
	h := transport.NewScriptedHandler(chunks...)
	require.NoError(t, h.Initialize(context.Background()))
	return New(h, false), h
}

func plainRecord(ct protocol.ContentType, payload ...byte) []byte {
	return append([]byte{byte(ct), 3, 3, byte(len(payload) >> 8), byte(len(payload))}, payload...)
}

func names(msgs []message.Message) []string {
	var out []string
	for _, m := range msgs {
		out = append(out, message.Name(m))
	}
	return out
}

func TestRank_String(t *testing.T) {
	require.Equal(t, "transport", TransportRank.String())
	require.Equal(t, "http", HTTPRank.String())
	require.Equal(t, "rank(9)", Rank(9).String())
}

func TestReceive_UntilQuiet(t *testing.T) {
	tc := newContext(protocol.VersionTLS12, 0xc02f, protocol.Client)
	tc.Config.QuickReceive = false
	s, h := newStack(t,
		plainRecord(protocol.ContentApplicationData, 'a'),
		plainRecord(protocol.ContentApplicationData, 'b'),
		plainRecord(protocol.ContentApplicationData, 'c'),
	)

	res, err := s.ReceiveMessages(context.Background(), tc, nil)
	require.NoError(t, err)
	require.Len(t, res.Records, 3)
	require.Equal(t, []string{"ApplicationData", "ApplicationData", "ApplicationData"}, names(res.Messages))
	require.Equal(t, []byte("c"), tc.LastHandledApplicationData)
	require.Zero(t, h.Remaining())
	require.Equal(t, protocol.Server, tc.TalkingPeer)
}

func TestReceive_NothingArrives(t *testing.T) {
	tc := newContext(protocol.VersionTLS12, 0xc02f, protocol.Client)
	s, _ := newStack(t)

	res, err := s.ReceiveMessages(context.Background(), tc, []message.Message{&message.ServerHello{}})
	require.NoError(t, err)
	require.Empty(t, res.Records)
	require.Empty(t, res.Messages)
	require.False(t, tc.ReceivedTransportError)
}

func TestReceive_RecordAcrossChunks(t *testing.T) {
	tc := newContext(protocol.VersionTLS12, 0xc02f, protocol.Client)
	full := plainRecord(protocol.ContentApplicationData, 'h', 'e', 'l', 'l', 'o')
	s, _ := newStack(t, full[:3], full[3:])

	res, err := s.ReceiveMessages(context.Background(), tc, nil)
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	require.Equal(t, full, res.Records[0].Raw)
	require.Equal(t, []byte("hello"), tc.LastHandledApplicationData)
}

func TestReceive_TrailingBytesBecomeBlob(t *testing.T) {
	tc := newContext(protocol.VersionTLS12, 0xc02f, protocol.Client)
	chunk := append(plainRecord(protocol.ContentAlert, 1, 0), plainRecord(protocol.ContentAlert, 1, 0)...)
	chunk = append(chunk, 22, 3, 3)
	s, _ := newStack(t, chunk)

	res, err := s.ReceiveMessages(context.Background(), tc, nil)
	require.NoError(t, err)
	require.Len(t, res.Records, 3)
	require.True(t, res.Records[2].Blob)
	require.Equal(t, []string{"Alert", "Alert", "Unknown"}, names(res.Messages))
	unknown := res.Messages[2].(*message.Unknown)
	require.Equal(t, []byte{22, 3, 3}, unknown.Data.Get())
	require.True(t, tc.EarlyCleanShutdown)
}

func TestReceive_MalformedMessageIsKept(t *testing.T) {
	tc := newContext(protocol.VersionTLS12, 0xc02f, protocol.Client)
	// A handshake header announcing more body than the record carries.
	s, _ := newStack(t, plainRecord(protocol.ContentHandshake, 2, 0, 0, 9, 1))

	res, err := s.ReceiveMessages(context.Background(), tc, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"Unknown"}, names(res.Messages))
	require.Equal(t, protocol.ContentHandshake, res.Messages[0].Type().Content)
}

func TestReceive_MixedSubgroupIsLogged(t *testing.T) {
	tc := newContext(protocol.VersionTLS12, 0xc02f, protocol.Client)
	tc.Config.QuickReceive = false
	chunk := append(plainRecord(protocol.ContentHandshake, 2, 0, 0, 9, 1), plainRecord(protocol.ContentApplicationData, 'a')...)
	h := transport.NewScriptedHandler(chunk)
	require.NoError(t, h.Initialize(context.Background()))
	var logs bytes.Buffer
	s := New(h, false, WithLogger(slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))))

	res, err := s.ReceiveMessages(context.Background(), tc, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"Unknown", "ApplicationData"}, names(res.Messages))
	require.Equal(t, protocol.ContentHandshake, res.Messages[0].Type().Content)
	require.Contains(t, logs.String(), "Mixed record subgroup")
}

func TestReceive_NoProgressIsFatal(t *testing.T) {
	defer StallDecoders()()
	tc := newContext(protocol.VersionTLS12, 0xc02f, protocol.Client)
	s, _ := newStack(t, plainRecord(protocol.ContentApplicationData, 'a'))

	_, err := s.ReceiveMessages(context.Background(), tc, nil)
	var perr *ProgressError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, "stall", perr.Decoder)
	require.Equal(t, 0, perr.Offset)
	require.Equal(t, protocol.ContentApplicationData, perr.Type)
}

func TestReceive_QuickStopsOnExpected(t *testing.T) {
	tc := newContext(protocol.VersionTLS12, 0xc02f, protocol.Client)
	s, h := newStack(t,
		plainRecord(protocol.ContentApplicationData, 'a'),
		plainRecord(protocol.ContentApplicationData, 'b'),
	)

	res, err := s.ReceiveMessages(context.Background(), tc, []message.Message{&message.ApplicationData{}})
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)
	require.Equal(t, 1, h.Remaining())
}

func TestReceive_FatalAlertStops(t *testing.T) {
	tc := newContext(protocol.VersionTLS12, 0xc02f, protocol.Client)
	s, h := newStack(t,
		plainRecord(protocol.ContentAlert, 2, 40),
		plainRecord(protocol.ContentApplicationData, 'x'),
	)

	res, err := s.ReceiveMessages(context.Background(), tc, []message.Message{&message.ServerHello{}})
	require.NoError(t, err)
	require.Equal(t, []string{"Alert"}, names(res.Messages))
	require.True(t, tc.ReceivedFatalAlert)
	require.Equal(t, 1, h.Remaining())
}

func TestReceiveTill(t *testing.T) {
	tc := newContext(protocol.VersionTLS12, 0xc02f, protocol.Client)
	s, h := newStack(t,
		plainRecord(protocol.ContentApplicationData, 'a'),
		plainRecord(protocol.ContentAlert, 1, 0),
		plainRecord(protocol.ContentApplicationData, 'b'),
	)

	res, err := s.ReceiveTill(context.Background(), tc, "Alert")
	require.NoError(t, err)
	require.Equal(t, []string{"ApplicationData", "Alert"}, names(res.Messages))
	require.Equal(t, 1, h.Remaining())
}

func TestReceiveRecords(t *testing.T) {
	tc := newContext(protocol.VersionTLS12, 0xc02f, protocol.Client)
	s, _ := newStack(t,
		plainRecord(protocol.ContentHandshake, 1, 2),
		plainRecord(protocol.ContentAlert, 1, 0),
	)

	res := s.ReceiveRecords(context.Background(), tc)
	require.Len(t, res.Records, 2)
	require.Empty(t, res.Messages)
	require.Nil(t, res.Records[0].CleanBytes)
	require.False(t, tc.EarlyCleanShutdown)
}

func TestReceive_TransportError(t *testing.T) {
	tc := newContext(protocol.VersionTLS12, 0xc02f, protocol.Client)
	s, h := newStack(t, plainRecord(protocol.ContentAlert, 1, 0))
	h.FetchErr = errors.New("connection reset")

	res, err := s.ReceiveMessages(context.Background(), tc, nil)
	require.NoError(t, err)
	require.Empty(t, res.Messages)
	require.True(t, tc.ReceivedTransportError)
}

func TestSend_CoalescesByContentType(t *testing.T) {
	tc := newContext(protocol.VersionTLS12, 0xc02f, protocol.Client)
	s, h := newStack(t)

	msgs := []message.Message{
		message.NewAlert(protocol.AlertLevelWarning, protocol.AlertCloseNotify),
		message.NewAlert(protocol.AlertLevelFatal, protocol.AlertHandshakeFailure),
		&message.ApplicationData{},
	}
	res, err := s.SendMessages(context.Background(), tc, msgs, nil)
	require.NoError(t, err)
	require.Len(t, res.Records, 2)
	require.Len(t, res.Messages, 3)

	want := append(plainRecord(protocol.ContentAlert, 1, 0, 2, 40), plainRecord(protocol.ContentApplicationData, 'T', 'e', 's', 't')...)
	want[1], want[2] = 3, 1
	want[10], want[11] = 3, 1
	require.Equal(t, [][]byte{want}, h.Sent())
	require.Equal(t, protocol.Client, tc.TalkingPeer)
}

func TestSend_SplitsAtMaxRecordPayload(t *testing.T) {
	tc := newContext(protocol.VersionTLS12, 0xc02f, protocol.Client)
	tc.Config.DefaultMaxRecordData = 3
	s, _ := newStack(t)

	res, err := s.SendMessages(context.Background(), tc, []message.Message{&message.ApplicationData{}}, nil)
	require.NoError(t, err)
	require.Len(t, res.Records, 2)
	require.Equal(t, []byte("Tes"), res.Records[0].Fragment.Get())
	require.Equal(t, []byte("t"), res.Records[1].Fragment.Get())
	require.Equal(t, uint16(1), res.Records[1].Length.Get())
}

func TestSend_UsesRecordTemplates(t *testing.T) {
	tc := newContext(protocol.VersionTLS12, 0xc02f, protocol.Client)
	s, h := newStack(t)

	tmpl := &record.Record{}
	tmpl.Version.SetModifier(modvar.Explicit[uint16]{Value: 0x0300})
	tmpl.Length.SetModifier(modvar.Explicit[uint16]{Value: 100})

	res, err := s.SendMessages(context.Background(), tc, []message.Message{&message.ApplicationData{}}, []*record.Record{tmpl})
	require.NoError(t, err)
	require.Same(t, tmpl, res.Records[0])
	require.Equal(t, []byte{23, 3, 0, 0, 100, 'T', 'e', 's', 't'}, h.Sent()[0])
}

func TestSend_TransportError(t *testing.T) {
	tc := newContext(protocol.VersionTLS12, 0xc02f, protocol.Client)
	s, h := newStack(t)
	h.SendErr = errors.New("broken pipe")

	_, err := s.SendMessages(context.Background(), tc, []message.Message{&message.ApplicationData{}}, nil)
	require.NoError(t, err)
	require.True(t, tc.ReceivedTransportError)
}

func TestSendRecords(t *testing.T) {
	tc := newContext(protocol.VersionTLS12, 0xc02f, protocol.Client)
	s, h := newStack(t)

	r := &record.Record{Plaintext: []byte{1, 2}}
	r.ContentType.SetNatural(uint8(protocol.ContentHeartbeat))
	s.SendRecords(context.Background(), tc, []*record.Record{r})
	require.Equal(t, []byte{24, 3, 1, 0, 2, 1, 2}, h.Sent()[0])
}

// exchange moves every chunk from sends to recv's script.
func exchange(from, to *transport.ScriptedHandler, seen *int) {
	sent := from.Sent()
	to.Push(sent[*seen:]...)
	*seen = len(sent)
}

type peer struct {
	tc    *tlsctx.Context
	stack *Stack
	h     *transport.ScriptedHandler
	sent  int
}

func newPeer(t *testing.T, end protocol.ConnectionEnd) *peer {
	s, h := newStack(t)
	return &peer{tc: newContext(protocol.VersionTLS12, 0xc02f, end), stack: s, h: h}
}

func (p *peer) send(t *testing.T, to *peer, msgs ...message.Message) {
	t.Helper()
	_, err := p.stack.SendMessages(context.Background(), p.tc, msgs, nil)
	require.NoError(t, err)
	exchange(p.h, to.h, &p.sent)
}

func (p *peer) receive(t *testing.T) []string {
	t.Helper()
	res, err := p.stack.ReceiveMessages(context.Background(), p.tc, nil)
	require.NoError(t, err)
	return names(res.Messages)
}

func handshakeTLS12(t *testing.T) (client, server *peer) {
	client, server = newPeer(t, protocol.Client), newPeer(t, protocol.Server)

	client.send(t, server, &message.ClientHello{})
	require.Equal(t, []string{"ClientHello"}, server.receive(t))

	server.send(t, client, &message.ServerHello{}, &message.ServerKeyExchange{}, &message.ServerHelloDone{})
	require.Equal(t, []string{"ServerHello", "ServerKeyExchange", "ServerHelloDone"}, client.receive(t))

	client.send(t, server, &message.ClientKeyExchange{}, &message.ChangeCipherSpec{}, &message.Finished{})
	require.Equal(t, []string{"ClientKeyExchange", "ChangeCipherSpec", "Finished"}, server.receive(t))

	server.send(t, client, &message.ChangeCipherSpec{}, &message.Finished{})
	require.Equal(t, []string{"ChangeCipherSpec", "Finished"}, client.receive(t))
	return client, server
}

func TestHandshake_TLS12(t *testing.T) {
	client, server := handshakeTLS12(t)

	require.Equal(t, uint16(1), client.stack.Records().WriteProtector().Epoch())
	require.Equal(t, uint16(1), server.stack.Records().ReadProtector().Epoch())
	require.Equal(t, client.tc.ClientVerifyData, server.tc.ClientVerifyData)
	require.Equal(t, client.tc.ServerVerifyData, server.tc.ServerVerifyData)

	// Client flight: CKE, CCS and the encrypted Finished in three records.
	require.Len(t, server.h.Sent(), 2)
	records, err := record.Parse(client.h.Sent()[1], false)
	require.NoError(t, err)
	require.Len(t, records, 3)

	client.tc.Config.DefaultApplicationData = "ping"
	client.send(t, server, &message.ApplicationData{})
	require.Equal(t, []string{"ApplicationData"}, server.receive(t))
	require.Equal(t, []byte("ping"), server.tc.LastHandledApplicationData)
}

func TestHandshake_TamperedRecordIsOpaque(t *testing.T) {
	client, server := handshakeTLS12(t)
	server.tc.Config.DoNotParseInvalidMACOrPadMessages = true

	_, err := client.stack.SendMessages(context.Background(), client.tc, []message.Message{&message.ApplicationData{}}, nil)
	require.NoError(t, err)
	sent := client.h.Sent()
	tampered := append([]byte(nil), sent[len(sent)-1]...)
	tampered[len(tampered)-1] ^= 0xff
	server.h.Push(tampered)

	res, err := server.stack.ReceiveMessages(context.Background(), server.tc, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"Unknown"}, names(res.Messages))
	require.Len(t, res.Records, 1)
	require.True(t, res.Records[0].AuthenticationFailed())
	require.Equal(t, protocol.ContentApplicationData, res.Messages[0].Type().Content)
	require.Nil(t, server.tc.LastHandledApplicationData)
}

func TestMatches(t *testing.T) {
	opt := &message.ApplicationData{}
	opt.Meta().Optional = true
	sh, shd := &message.ServerHello{}, &message.ServerHelloDone{}
	got := func(msgs ...message.Message) []message.Message { return msgs }

	require.True(t, Matches(got(sh, shd), got(&message.ServerHello{}, &message.ServerHelloDone{})))
	require.False(t, Matches(got(sh, shd), got(&message.ServerHello{})))
	require.False(t, Matches(got(sh), got(&message.ServerHello{}, &message.ServerHelloDone{})))
	require.True(t, Matches(got(opt, sh), got(&message.ServerHello{})))
	require.True(t, Matches(got(opt, sh), got(&message.ApplicationData{}, &message.ServerHello{})))
	require.True(t, Matches(nil, nil))

	require.True(t, ShouldContinue(got(sh, shd), got(&message.ServerHello{}), false))
	require.False(t, ShouldContinue(got(sh, shd), got(&message.ServerHello{}, &message.Certificate{}), true))
	fatal := message.NewAlert(protocol.AlertLevelFatal, protocol.AlertHandshakeFailure)
	fatal.Level.SetNatural(2)
	require.False(t, ShouldContinue(got(sh, shd), got(fatal), false))
}
