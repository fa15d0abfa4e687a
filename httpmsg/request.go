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
	"bytes"

	"github.com/Jigsaw-Code/tlsprobe/message"
	"github.com/Jigsaw-Code/tlsprobe/modvar"
	"github.com/Jigsaw-Code/tlsprobe/tlsctx"
	"golang.org/x/crypto/cryptobyte"
)

// Request is an HTTP request. Prepare defaults it to GET / HTTP/1.1 with a
// Host header.
type Request struct {
	meta    message.Meta
	Method  modvar.Value[string]
	Target  modvar.Value[string]
	Version modvar.Value[string]
	// Headers are sent in order. A nil list is filled with defaults.
	Headers []*Header
	Body    modvar.Value[[]byte]
}

func (m *Request) Type() message.Type    { return applicationData }
func (m *Request) Meta() *message.Meta   { return &m.meta }
func (m *Request) Entry() *message.Entry { return requestEntry }

func (m *Request) Fields() map[string]modvar.Field {
	return addHeaderFields(map[string]modvar.Field{
		"method":  &m.Method,
		"target":  &m.Target,
		"version": &m.Version,
		"body":    &m.Body,
	}, m.Headers)
}

// ParseRequest decodes the request at the start of b and returns the number
// of bytes it spans.
func ParseRequest(b []byte) (*Request, int, error) {
	h, err := parseHead(b, true)
	if err != nil {
		return nil, 0, err
	}
	body, n, err := parseBody(b[h.n:], h.headers, false)
	if err != nil {
		return nil, 0, err
	}
	m := &Request{Headers: h.headers}
	m.Method.SetNatural(h.start[0])
	m.Target.SetNatural(h.start[1])
	m.Version.SetNatural(h.start[2])
	m.Body.SetNatural(body)
	m.meta.Raw = b[: h.n+n : h.n+n]
	return m, h.n + n, nil
}

func prepareRequest(m *Request, ctx *tlsctx.Context) error {
	m.Method.SetNatural("GET")
	m.Target.SetNatural("/")
	m.Version.SetNatural("HTTP/1.1")
	if !m.Body.HasNatural() {
		m.Body.SetNatural([]byte{})
	}
	if m.Headers == nil {
		m.Headers = []*Header{
			NewHeader("Host", hostFor(ctx)),
			NewHeader("Connection", "keep-alive"),
		}
		if len(m.Body.Get()) > 0 {
			m.Headers = append(m.Headers, NewHeader("Content-Length", ""))
		}
	}
	prepareContentLength(m.Headers, m.Body.Get())
	return nil
}

var requestEntry = message.NewEntry("HttpRequest", applicationData,
	func() *Request { return &Request{} },
	message.Codec[*Request]{
		Parse: func(m *Request, s *cryptobyte.String, _ *tlsctx.Context) bool {
			parsed, n, err := ParseRequest(*s)
			if err != nil {
				return false
			}
			*m = *parsed
			return s.Skip(n)
		},
		Prepare: prepareRequest,
		Serialize: func(m *Request, b *cryptobyte.Builder, _ *tlsctx.Context) {
			var buf bytes.Buffer
			writeHead(&buf, [3]string{m.Method.Get(), m.Target.Get(), m.Version.Get()}, m.Headers)
			buf.Write(m.Body.Get())
			b.AddBytes(buf.Bytes())
		},
		Handle: func(m *Request, ctx *tlsctx.Context) error {
			ctx.LastHandledApplicationData = m.Meta().Raw
			return nil
		},
	})
