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

// Package httpmsg frames HTTP/1.1 requests and responses carried in TLS
// application data.
//
// Requests and responses are [message.Message] variants of content type
// application_data. They are not in the dispatch table: the receive path
// tries them first when HTTPS parsing is enabled, and workflows create them
// by name.
package httpmsg

import (
	"bytes"
	"errors"
	"strconv"
	"strings"

	"github.com/Jigsaw-Code/tlsprobe/message"
	"github.com/Jigsaw-Code/tlsprobe/modvar"
	"github.com/Jigsaw-Code/tlsprobe/protocol"
	"github.com/Jigsaw-Code/tlsprobe/tlsctx"
	"golang.org/x/net/http/httpguts"
)

var (
	ErrIncomplete = errors.New("httpmsg: incomplete message")
	ErrMalformed  = errors.New("httpmsg: malformed message")
)

const crlf = "\r\n"

var applicationData = message.Type{Content: protocol.ContentApplicationData}

// Header is one header line. Values are not validated on send, so a test
// can put anything on the wire.
type Header struct {
	Name  modvar.Value[string]
	Value modvar.Value[string]
}

// NewHeader returns a header with natural name and value.
func NewHeader(name, value string) *Header {
	h := &Header{}
	h.Name.SetNatural(name)
	h.Value.SetNatural(value)
	return h
}

// Get returns the value of the first header named name, ignoring case.
func Get(headers []*Header, name string) (string, bool) {
	for _, h := range headers {
		if strings.EqualFold(h.Name.Get(), name) {
			return h.Value.Get(), true
		}
	}
	return "", false
}

func addHeaderFields(fields map[string]modvar.Field, headers []*Header) map[string]modvar.Field {
	for i, h := range headers {
		prefix := "header[" + strconv.Itoa(i) + "]."
		fields[prefix+"name"] = &h.Name
		fields[prefix+"value"] = &h.Value
	}
	return fields
}

// prepareContentLength sets the natural value of any Content-Length header
// to the body length.
func prepareContentLength(headers []*Header, body []byte) {
	for _, h := range headers {
		if strings.EqualFold(h.Name.Get(), "Content-Length") {
			h.Value.SetNatural(strconv.Itoa(len(body)))
		}
	}
}

func writeHead(buf *bytes.Buffer, start [3]string, headers []*Header) {
	buf.WriteString(start[0] + " " + start[1] + " " + start[2] + crlf)
	for _, h := range headers {
		buf.WriteString(h.Name.Get() + ": " + h.Value.Get() + crlf)
	}
	buf.WriteString(crlf)
}

// head is a parsed start line and header block.
type head struct {
	start   [3]string
	headers []*Header
	n       int
}

func parseHead(b []byte, request bool) (head, error) {
	var h head
	end := bytes.Index(b, []byte(crlf+crlf))
	if end < 0 {
		return h, ErrIncomplete
	}
	lines := strings.Split(string(b[:end]), crlf)
	parts := strings.SplitN(lines[0], " ", 3)
	if len(parts) == 2 && !request {
		// A response may omit the reason phrase.
		parts = append(parts, "")
	}
	if len(parts) != 3 {
		return h, ErrMalformed
	}
	copy(h.start[:], parts)
	version := h.start[0]
	if request {
		version = h.start[2]
		if !httpguts.ValidHeaderFieldName(h.start[0]) || h.start[1] == "" {
			return h, ErrMalformed
		}
	} else if _, err := strconv.Atoi(h.start[1]); err != nil {
		return h, ErrMalformed
	}
	if !strings.HasPrefix(version, "HTTP/") {
		return h, ErrMalformed
	}
	for _, line := range lines[1:] {
		name, value, ok := strings.Cut(line, ":")
		value = strings.TrimSpace(value)
		if !ok || !httpguts.ValidHeaderFieldName(name) || !httpguts.ValidHeaderFieldValue(value) {
			return h, ErrMalformed
		}
		h.headers = append(h.headers, NewHeader(name, value))
	}
	h.n = end + 4
	return h, nil
}

// parseBody returns the body following a head and the bytes it spans.
// untilEnd selects read-until-close framing when the head declares none.
func parseBody(b []byte, headers []*Header, untilEnd bool) ([]byte, int, error) {
	if te, ok := Get(headers, "Transfer-Encoding"); ok && strings.EqualFold(te, "chunked") {
		return parseChunked(b)
	}
	if cl, ok := Get(headers, "Content-Length"); ok {
		n, err := strconv.Atoi(cl)
		if err != nil || n < 0 {
			return nil, 0, ErrMalformed
		}
		if len(b) < n {
			return nil, 0, ErrIncomplete
		}
		return b[:n], n, nil
	}
	if untilEnd {
		return b, len(b), nil
	}
	return []byte{}, 0, nil
}

func parseChunked(b []byte) ([]byte, int, error) {
	var body []byte
	off := 0
	for {
		end := bytes.Index(b[off:], []byte(crlf))
		if end < 0 {
			return nil, 0, ErrIncomplete
		}
		sizeField, _, _ := strings.Cut(string(b[off:off+end]), ";")
		size, err := strconv.ParseUint(strings.TrimSpace(sizeField), 16, 31)
		if err != nil {
			return nil, 0, ErrMalformed
		}
		off += end + 2
		if size == 0 {
			if !bytes.HasPrefix(b[off:], []byte(crlf)) {
				return nil, 0, ErrIncomplete
			}
			return body, off + 2, nil
		}
		if len(b)-off < int(size)+2 {
			return nil, 0, ErrIncomplete
		}
		body = append(body, b[off:off+int(size)]...)
		off += int(size)
		if !bytes.HasPrefix(b[off:], []byte(crlf)) {
			return nil, 0, ErrMalformed
		}
		off += 2
	}
}

func hostFor(ctx *tlsctx.Context) string {
	switch {
	case ctx.Config.HTTPHost != "":
		return ctx.Config.HTTPHost
	case ctx.Config.SNIHostname != "":
		return ctx.Config.SNIHostname
	}
	return "localhost"
}

func init() {
	message.RegisterName(requestEntry)
	message.RegisterName(responseEntry)
}
