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
	"github.com/Jigsaw-Code/tlsprobe/protocol"
	"github.com/Jigsaw-Code/tlsprobe/tlsctx"
	"golang.org/x/crypto/cryptobyte"
)

// Response is an HTTP response. Prepare defaults it to 200 OK carrying the
// configured application data.
type Response struct {
	meta       message.Meta
	Version    modvar.Value[string]
	StatusCode modvar.Value[string]
	Reason     modvar.Value[string]
	Headers    []*Header
	Body       modvar.Value[[]byte]
}

func (m *Response) Type() message.Type    { return applicationData }
func (m *Response) Meta() *message.Meta   { return &m.meta }
func (m *Response) Entry() *message.Entry { return responseEntry }

func (m *Response) Fields() map[string]modvar.Field {
	return addHeaderFields(map[string]modvar.Field{
		"version":     &m.Version,
		"status_code": &m.StatusCode,
		"reason":      &m.Reason,
		"body":        &m.Body,
	}, m.Headers)
}

// ParseResponse decodes the response at the start of b. Without a declared
// length the body runs to the end of b.
func ParseResponse(b []byte) (*Response, int, error) {
	h, err := parseHead(b, false)
	if err != nil {
		return nil, 0, err
	}
	body, n, err := parseBody(b[h.n:], h.headers, true)
	if err != nil {
		return nil, 0, err
	}
	m := &Response{Headers: h.headers}
	m.Version.SetNatural(h.start[0])
	m.StatusCode.SetNatural(h.start[1])
	m.Reason.SetNatural(h.start[2])
	m.Body.SetNatural(body)
	m.meta.Raw = b[: h.n+n : h.n+n]
	return m, h.n + n, nil
}

func prepareResponse(m *Response, ctx *tlsctx.Context) error {
	m.Version.SetNatural("HTTP/1.1")
	m.StatusCode.SetNatural("200")
	m.Reason.SetNatural("OK")
	if !m.Body.HasNatural() {
		m.Body.SetNatural([]byte(ctx.Config.DefaultApplicationData))
	}
	if m.Headers == nil {
		m.Headers = []*Header{
			NewHeader("Content-Type", "text/html"),
			NewHeader("Content-Length", ""),
		}
	}
	prepareContentLength(m.Headers, m.Body.Get())
	return nil
}

var responseEntry = message.NewEntry("HttpResponse", applicationData,
	func() *Response { return &Response{} },
	message.Codec[*Response]{
		Parse: func(m *Response, s *cryptobyte.String, _ *tlsctx.Context) bool {
			parsed, n, err := ParseResponse(*s)
			if err != nil {
				return false
			}
			*m = *parsed
			return s.Skip(n)
		},
		Prepare: prepareResponse,
		Serialize: func(m *Response, b *cryptobyte.Builder, _ *tlsctx.Context) {
			var buf bytes.Buffer
			writeHead(&buf, [3]string{m.Version.Get(), m.StatusCode.Get(), m.Reason.Get()}, m.Headers)
			buf.Write(m.Body.Get())
			b.AddBytes(buf.Bytes())
		},
		Handle: func(m *Response, ctx *tlsctx.Context) error {
			ctx.LastHandledApplicationData = m.Meta().Raw
			return nil
		},
	})

// EntryFor returns the variant the talking peer sends: requests come from
// clients and responses from servers.
func EntryFor(ctx *tlsctx.Context) *message.Entry {
	if ctx.TalkingPeer == protocol.Client {
		return requestEntry
	}
	return responseEntry
}
