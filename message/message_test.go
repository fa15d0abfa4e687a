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

package message

import (
	"testing"

	"github.com/Jigsaw-Code/tlsprobe/config"
	"github.com/Jigsaw-Code/tlsprobe/modvar"
	"github.com/Jigsaw-Code/tlsprobe/protocol"
	"github.com/Jigsaw-Code/tlsprobe/tlscrypto"
	"github.com/Jigsaw-Code/tlsprobe/tlsctx"
	"github.com/stretchr/testify/require"
)

func newContext(version protocol.ProtocolVersion, suite uint16, end protocol.ConnectionEnd) *tlsctx.Context {
	cfg := config.Default()
	cfg.HighestProtocolVersion = version
	cfg.DefaultSelectedCipherSuite = suite
	return tlsctx.New(cfg, end)
}

// send prepares, serializes and adjusts m as the local end of ctx.
func send(t *testing.T, m Message, ctx *tlsctx.Context) []byte {
	t.Helper()
	ctx.TalkingPeer = ctx.ConnectionEnd
	require.NoError(t, Prepare(m, ctx))
	b, err := Serialize(m, ctx)
	require.NoError(t, err)
	require.NoError(t, Adjust(m, ctx))
	return b
}

// receive parses b completely and adjusts the result as sent by the peer.
func receive(t *testing.T, b []byte, ct protocol.ContentType, ctx *tlsctx.Context) Message {
	t.Helper()
	ctx.TalkingPeer = ctx.ConnectionEnd.Peer()
	m, n, err := Parse(b, 0, ct, ctx)
	require.NoError(t, err)
	require.Equal(t, len(b), n)
	require.NoError(t, Adjust(m, ctx))
	return m
}

func TestClientHello_RoundTrip(t *testing.T) {
	ctx := newContext(protocol.VersionTLS12, 0xc02f, protocol.Client)
	ctx.Config.SNIHostname = "example.com"
	ch := &ClientHello{}
	require.NoError(t, Prepare(ch, ctx))
	b, err := Serialize(ch, ctx)
	require.NoError(t, err)
	require.Equal(t, uint8(protocol.HandshakeClientHello), b[0])
	require.Equal(t, uint32(len(b)-4), ch.Length.Get())

	peer := newContext(protocol.VersionTLS12, 0xc02f, protocol.Server)
	m, n, err := Parse(b, 0, protocol.ContentHandshake, peer)
	require.NoError(t, err)
	require.Equal(t, len(b), n)
	got, ok := m.(*ClientHello)
	require.True(t, ok)
	require.Equal(t, ch.Random.Get(), got.Random.Get())
	require.Equal(t, ctx.Config.SupportedCipherSuites, got.CipherSuiteIDs())
	require.Len(t, got.Extensions, len(ch.Extensions))
	require.Equal(t, b, got.Meta().Raw)

	peer.TalkingPeer = protocol.Client
	require.NoError(t, Adjust(got, peer))
	require.Equal(t, "example.com", peer.ServerName)
	require.Equal(t, ch.Random.Get(), peer.ClientRandom)
	require.True(t, peer.UseExtendedMasterSecret)
	require.Equal(t, b, peer.Digest.Bytes())
}

func TestPrepare_Idempotent(t *testing.T) {
	ctx := newContext(protocol.VersionTLS13, 0x1301, protocol.Client)
	ch := &ClientHello{}
	require.NoError(t, Prepare(ch, ctx))
	first, err := serializeBody(ch, ctx)
	require.NoError(t, err)
	require.NoError(t, Prepare(ch, ctx))
	second, err := serializeBody(ch, ctx)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestOverride_RoundTripsToModifiedValue(t *testing.T) {
	ctx := newContext(protocol.VersionTLS12, 0xc02f, protocol.Client)
	ch := &ClientHello{}
	ch.SessionID.SetModifier(modvar.Explicit[[]byte]{Value: []byte{1, 2, 3}})
	require.NoError(t, Prepare(ch, ctx))
	b, err := Serialize(ch, ctx)
	require.NoError(t, err)

	m, _, err := Parse(b, 0, protocol.ContentHandshake, ctx)
	require.NoError(t, err)
	got := m.(*ClientHello)
	require.Equal(t, []byte{1, 2, 3}, got.SessionID.Get())
	// The length follows the overridden value.
	require.Equal(t, uint8(3), got.SessionIDLength.Get())
}

func TestOverride_BrokenLengthFallsBack(t *testing.T) {
	ctx := newContext(protocol.VersionTLS12, 0xc02f, protocol.Client)
	ch := &ClientHello{}
	ch.CipherSuitesLength.SetModifier(modvar.Explicit[uint16]{Value: 0xffff})
	require.NoError(t, Prepare(ch, ctx))
	b, err := Serialize(ch, ctx)
	require.NoError(t, err)

	_, _, err = Parse(b, 0, protocol.ContentHandshake, ctx)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	require.ErrorIs(t, err, ErrMalformed)

	m, n, err := ParseUnknownHandshake(b, 0, ctx)
	require.NoError(t, err)
	require.Equal(t, len(b), n)
	require.Equal(t, HandshakeTypeOf(protocol.HandshakeClientHello), m.Type())
	out, err := Serialize(m, ctx)
	require.NoError(t, err)
	require.Equal(t, b, out)
}

func TestHeaderOverride(t *testing.T) {
	ctx := newContext(protocol.VersionTLS12, 0xc02f, protocol.Client)
	m := &ServerHelloDone{}
	m.Length.SetModifier(modvar.Explicit[uint32]{Value: 7})
	require.NoError(t, Prepare(m, ctx))
	b, err := Serialize(m, ctx)
	require.NoError(t, err)
	require.Equal(t, []byte{14, 0, 0, 7}, b)
	natural, _ := m.Length.Natural()
	require.Equal(t, uint32(0), natural)
}

func TestParse_Errors(t *testing.T) {
	ctx := newContext(protocol.VersionTLS12, 0xc02f, protocol.Client)

	_, off, err := Parse([]byte{2, 0, 0, 10, 1}, 0, protocol.ContentHandshake, ctx)
	require.ErrorIs(t, err, ErrTruncated)
	require.Equal(t, 0, off)

	_, _, err = Parse([]byte{99, 0, 0, 0}, 0, protocol.ContentHandshake, ctx)
	require.ErrorIs(t, err, ErrUnknownType)

	_, _, err = Parse([]byte{1}, 1, protocol.ContentAlert, ctx)
	require.ErrorIs(t, err, ErrTruncated)

	_, _, err = Parse([]byte{1, 2}, 0, protocol.ContentType(99), ctx)
	require.ErrorIs(t, err, ErrUnknownType)

	m, n, err := ParseUnknown([]byte{9, 1, 2, 3}, 1, protocol.ContentType(99))
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, []byte{1, 2, 3}, m.(*Unknown).Data.Get())
}

func TestParse_ConsecutiveMessages(t *testing.T) {
	ctx := newContext(protocol.VersionTLS12, 0xc02f, protocol.Client)
	b := []byte{2, 40, 1, 0, 1}
	m, off, err := Parse(b, 0, protocol.ContentAlert, ctx)
	require.NoError(t, err)
	require.Equal(t, 2, off)
	require.Equal(t, uint8(40), m.(*Alert).Description.Get())
	m, off, err = Parse(b, off, protocol.ContentAlert, ctx)
	require.NoError(t, err)
	require.Equal(t, 4, off)
	require.Equal(t, uint8(1), m.(*Alert).Level.Get())
	_, _, err = Parse(b, off, protocol.ContentAlert, ctx)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestAlert_Handle(t *testing.T) {
	ctx := newContext(protocol.VersionTLS12, 0xc02f, protocol.Client)
	receive(t, []byte{2, 40}, protocol.ContentAlert, ctx)
	require.True(t, ctx.ReceivedFatalAlert)
	require.False(t, ctx.EarlyCleanShutdown)
	receive(t, []byte{1, 0}, protocol.ContentAlert, ctx)
	require.True(t, ctx.EarlyCleanShutdown)

	// Our own alerts do not set the flags.
	other := newContext(protocol.VersionTLS12, 0xc02f, protocol.Client)
	b := send(t, NewAlert(protocol.AlertLevelFatal, protocol.AlertHandshakeFailure), other)
	require.Equal(t, []byte{2, 40}, b)
	require.False(t, other.ReceivedFatalAlert)
}

func TestDTLS_HelloVerifyAndFragments(t *testing.T) {
	client := newContext(protocol.VersionDTLS12, 0xc02f, protocol.Client)
	server := newContext(protocol.VersionDTLS12, 0xc02f, protocol.Server)

	first := send(t, &ClientHello{}, client)
	require.Equal(t, uint16(1), client.NextSendMessageSeq)
	receive(t, first, protocol.ContentHandshake, server)

	hvr := send(t, &HelloVerifyRequest{}, server)
	receive(t, hvr, protocol.ContentHandshake, client)
	require.Len(t, client.DTLSCookie, 6)
	require.Zero(t, client.Digest.Len())

	second := &ClientHello{}
	b := send(t, second, client)
	require.Equal(t, uint16(1), second.MessageSeq.Get())
	require.Equal(t, client.DTLSCookie, second.Cookie.Get())
	require.Equal(t, b, client.Digest.Bytes())

	got := receive(t, b, protocol.ContentHandshake, server).(*ClientHello)
	require.Equal(t, client.DTLSCookie, got.Cookie.Get())

	// A partial fragment is kept as such.
	frag := append([]byte{1, 0, 0, 10, 0, 2, 0, 0, 0, 0, 0, 3}, 1, 2, 3)
	m, n, err := Parse(frag, 0, protocol.ContentHandshake, server)
	require.NoError(t, err)
	require.Equal(t, len(frag), n)
	f, ok := m.(*DTLSHandshakeFragment)
	require.True(t, ok)
	require.Equal(t, HandshakeTypeOf(protocol.HandshakeClientHello), f.Type())
	require.Equal(t, []byte{1, 2, 3}, f.Data.Get())
}

func TestTLS12_ECDHEHandshake(t *testing.T) {
	client := newContext(protocol.VersionTLS12, 0xc02f, protocol.Client)
	server := newContext(protocol.VersionTLS12, 0xc02f, protocol.Server)

	receive(t, send(t, &ClientHello{}, client), protocol.ContentHandshake, server)
	receive(t, send(t, &ServerHello{}, server), protocol.ContentHandshake, client)
	require.Equal(t, server.ServerRandom, client.ServerRandom)
	receive(t, send(t, &ServerKeyExchange{}, server), protocol.ContentHandshake, client)
	receive(t, send(t, &ServerHelloDone{}, server), protocol.ContentHandshake, client)
	receive(t, send(t, &ClientKeyExchange{}, client), protocol.ContentHandshake, server)

	require.NotEmpty(t, client.MasterSecret)
	require.Equal(t, client.MasterSecret, server.MasterSecret)
	require.True(t, client.UseExtendedMasterSecret)

	receive(t, send(t, &ChangeCipherSpec{}, client), protocol.ContentChangeCipherSpec, server)
	w, ok := client.WriteKeys()
	require.True(t, ok)
	r, ok := server.ReadKeys()
	require.True(t, ok)
	require.Equal(t, w, r)

	fin := &Finished{}
	b := send(t, fin, client)
	expected := tlscrypto.VerifyData(server.Version, server.Suite(), server.MasterSecret, protocol.Client, server.TranscriptHash())
	got := receive(t, b, protocol.ContentHandshake, server).(*Finished)
	require.Equal(t, expected, got.VerifyData.Get())
	require.Equal(t, server.ClientVerifyData, client.ClientVerifyData)
}

func TestTLS13_KeySchedule(t *testing.T) {
	client := newContext(protocol.VersionTLS13, 0x1301, protocol.Client)
	server := newContext(protocol.VersionTLS13, 0x1301, protocol.Server)

	receive(t, send(t, &ClientHello{}, client), protocol.ContentHandshake, server)
	require.Equal(t, protocol.GroupX25519, server.PeerKeyShareGroup)

	sh := &ServerHello{}
	ctx := server
	ctx.TalkingPeer = ctx.ConnectionEnd
	require.NoError(t, Prepare(sh, ctx))
	require.True(t, ChangesWriteKeys(sh, ctx))
	b, err := Serialize(sh, ctx)
	require.NoError(t, err)
	require.NoError(t, Adjust(sh, ctx))
	receive(t, b, protocol.ContentHandshake, client)

	require.Equal(t, protocol.VersionTLS13, client.Version)
	require.Equal(t, protocol.VersionTLS12, client.RecordVersion)
	require.Equal(t, client.SharedSecret, server.SharedSecret)

	cw, _ := client.WriteKeys()
	sr, _ := server.ReadKeys()
	require.Equal(t, uint16(2), cw.Epoch)
	require.Equal(t, cw, sr)

	receive(t, send(t, &EncryptedExtensions{}, server), protocol.ContentHandshake, client)
	receive(t, send(t, &Finished{}, server), protocol.ContentHandshake, client)
	sw, _ := server.WriteKeys()
	cr, _ := client.ReadKeys()
	require.Equal(t, uint16(3), sw.Epoch)
	require.Equal(t, sw, cr)

	receive(t, send(t, &Finished{}, client), protocol.ContentHandshake, server)
	cw, _ = client.WriteKeys()
	sr, _ = server.ReadKeys()
	require.Equal(t, uint16(3), cw.Epoch)
	require.Equal(t, cw, sr)
}

func TestEncryptedExtensions_RecordSizeLimit(t *testing.T) {
	server := newContext(protocol.VersionTLS13, 0x1301, protocol.Server)
	client := newContext(protocol.VersionTLS13, 0x1301, protocol.Client)
	ee := &EncryptedExtensions{}
	ee.Extensions = extensionsOf(protocol.ExtRecordSizeLimit)
	server.Config.DefaultMaxRecordData = 1000
	receive(t, send(t, ee, server), protocol.ContentHandshake, client)
	require.Equal(t, 1001, client.PeerRecordSizeLimit)
	require.Equal(t, 1000, client.MaxRecordPayload())

	empty := send(t, &EncryptedExtensions{}, server)
	require.Equal(t, []byte{8, 0, 0, 2, 0, 0}, empty)
}

func TestApplicationDataAndHeartbeat(t *testing.T) {
	ctx := newContext(protocol.VersionTLS12, 0xc02f, protocol.Client)
	b := send(t, &ApplicationData{}, ctx)
	require.Equal(t, []byte("Test"), b)
	require.Equal(t, []byte("Test"), ctx.LastHandledApplicationData)

	hb := &Heartbeat{}
	b = send(t, hb, ctx)
	require.Len(t, b, 1+2+16+16)
	got := receive(t, b, protocol.ContentHeartbeat, ctx).(*Heartbeat)
	require.Equal(t, hb.Payload.Get(), got.Payload.Get())

	// A payload length beyond the message does not parse.
	bleed := []byte{1, 0x40, 0x00, 1, 2}
	_, _, err := Parse(bleed, 0, protocol.ContentHeartbeat, ctx)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestRegistry(t *testing.T) {
	e, ok := Lookup(HandshakeTypeOf(protocol.HandshakeFinished))
	require.True(t, ok)
	require.Equal(t, "Finished", e.Name)

	m, err := New("ServerHelloDone")
	require.NoError(t, err)
	require.IsType(t, &ServerHelloDone{}, m)
	_, err = New("Nope")
	require.Error(t, err)
	require.Contains(t, Names(), "UnknownHandshake")
}

func TestReset(t *testing.T) {
	ctx := newContext(protocol.VersionTLS12, 0xc02f, protocol.Client)
	m := &Alert{}
	m.Level.SetModifier(modvar.Explicit[uint8]{Value: 2})
	send(t, m, ctx)
	Reset(m)
	require.Nil(t, m.Meta().Raw)
	require.False(t, m.Description.IsSet())
	require.Equal(t, uint8(2), m.Level.Get())
}
