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

package httpmsg

import (
	"testing"

	"github.com/Jigsaw-Code/tlsprobe/config"
	"github.com/Jigsaw-Code/tlsprobe/message"
	"github.com/Jigsaw-Code/tlsprobe/modvar"
	"github.com/Jigsaw-Code/tlsprobe/protocol"
	"github.com/Jigsaw-Code/tlsprobe/tlsctx"
	"github.com/stretchr/testify/require"
)

func newContext(end protocol.ConnectionEnd) *tlsctx.Context {
	cfg := config.Default()
	cfg.SNIHostname = "example.com"
	return tlsctx.New(cfg, end)
}

func render(t *testing.T, m message.Message, ctx *tlsctx.Context) string {
	t.Helper()
	require.NoError(t, message.Prepare(m, ctx))
	b, err := message.Serialize(m, ctx)
	require.NoError(t, err)
	return string(b)
}

func TestRequest_Defaults(t *testing.T) {
	ctx := newContext(protocol.Client)
	require.Equal(t, "GET / HTTP/1.1\r\nHost: example.com\r\nConnection: keep-alive\r\n\r\n", render(t, &Request{}, ctx))

	ctx.Config.HTTPHost = "probe.test"
	require.Contains(t, render(t, &Request{}, ctx), "Host: probe.test\r\n")
}

func TestRequest_Modified(t *testing.T) {
	ctx := newContext(protocol.Client)
	m := &Request{}
	m.Method.SetModifier(modvar.Explicit[string]{Value: "POST"})
	m.Body.SetNatural([]byte("abc"))
	got := render(t, m, ctx)
	require.Equal(t, "POST / HTTP/1.1\r\nHost: example.com\r\nConnection: keep-alive\r\nContent-Length: 3\r\n\r\nabc", got)

	parsed, n, err := ParseRequest([]byte(got))
	require.NoError(t, err)
	require.Equal(t, len(got), n)
	require.Equal(t, "POST", parsed.Method.Get())
	require.Equal(t, []byte("abc"), parsed.Body.Get())
	v, ok := Get(parsed.Headers, "content-length")
	require.True(t, ok)
	require.Equal(t, "3", v)
}

func TestResponse_Defaults(t *testing.T) {
	ctx := newContext(protocol.Server)
	require.Equal(t, "HTTP/1.1 200 OK\r\nContent-Type: text/html\r\nContent-Length: 4\r\n\r\nTest", render(t, &Response{}, ctx))
}

func TestParseResponse_Framing(t *testing.T) {
	chunked := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n3\r\nabc\r\n2;x=y\r\nde\r\n0\r\n\r\ntrailing"
	m, n, err := ParseResponse([]byte(chunked))
	require.NoError(t, err)
	require.Equal(t, len(chunked)-len("trailing"), n)
	require.Equal(t, []byte("abcde"), m.Body.Get())

	untilEnd := "HTTP/1.0 404\r\nServer: x\r\n\r\nnot found"
	m, n, err = ParseResponse([]byte(untilEnd))
	require.NoError(t, err)
	require.Equal(t, len(untilEnd), n)
	require.Equal(t, "404", m.StatusCode.Get())
	require.Equal(t, "", m.Reason.Get())
	require.Equal(t, []byte("not found"), m.Body.Get())
}

func TestParse_Errors(t *testing.T) {
	_, _, err := ParseRequest([]byte("GET / HTTP/1.1\r\nHost: a\r\n"))
	require.ErrorIs(t, err, ErrIncomplete)

	_, _, err = ParseRequest([]byte("GET / HTTP/1.1\r\nContent-Length: 10\r\n\r\nabc"))
	require.ErrorIs(t, err, ErrIncomplete)

	_, _, err = ParseRequest([]byte("\x16\x03\x01 / HTTP/1.1\r\n\r\n"))
	require.ErrorIs(t, err, ErrMalformed)

	_, _, err = ParseResponse([]byte("HTTP/1.1 abc OK\r\n\r\n"))
	require.ErrorIs(t, err, ErrMalformed)

	_, _, err = ParseRequest([]byte("GET / SPDY/3\r\n\r\n"))
	require.ErrorIs(t, err, ErrMalformed)
}

func TestEntry_ParseAndHandle(t *testing.T) {
	raw := []byte("GET /x HTTP/1.1\r\nHost: a\r\n\r\nGET /y HTTP/1.1\r\nHost: a\r\n\r\n")
	ctx := newContext(protocol.Server)
	ctx.TalkingPeer = protocol.Client
	require.Same(t, requestEntry, EntryFor(ctx))

	m, next, err := message.ParseAs(EntryFor(ctx), raw, 0, ctx)
	require.NoError(t, err)
	require.Equal(t, len(raw)/2, next)
	require.Equal(t, "/x", m.(*Request).Target.Get())
	require.NoError(t, message.Adjust(m, ctx))
	require.Equal(t, raw[:next], ctx.LastHandledApplicationData)

	m, next, err = message.ParseAs(requestEntry, raw, next, ctx)
	require.NoError(t, err)
	require.Equal(t, len(raw), next)
	require.Equal(t, "/y", m.(*Request).Target.Get())

	_, _, err = message.ParseAs(responseEntry, raw, 0, ctx)
	var perr *message.ParseError
	require.ErrorAs(t, err, &perr)
}

func TestRegisteredByName(t *testing.T) {
	m, err := message.New("HttpResponse")
	require.NoError(t, err)
	require.IsType(t, &Response{}, m)
	require.Contains(t, m.Fields(), "status_code")

	_, ok := message.Lookup(applicationData)
	require.True(t, ok)
	e, _ := message.Lookup(applicationData)
	require.NotEqual(t, "HttpRequest", e.Name)
}
