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
	"errors"
	"fmt"

	"github.com/Jigsaw-Code/tlsprobe/protocol"
	"github.com/Jigsaw-Code/tlsprobe/tlsctx"
	"golang.org/x/crypto/cryptobyte"
)

var (
	ErrTruncated   = errors.New("message: truncated")
	ErrMalformed   = errors.New("message: malformed")
	ErrUnknownType = errors.New("message: no parser for type")
)

// ParseError reports a message that could not be decoded at Offset.
type ParseError struct {
	Offset int
	Type   Type
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("message: parse %v at offset %d: %v", e.Type, e.Offset, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// AdjustmentError reports a handler that could not apply a message to the
// connection state.
type AdjustmentError struct {
	Type Type
	Err  error
}

func (e *AdjustmentError) Error() string {
	return fmt.Sprintf("message: handle %v: %v", e.Type, e.Err)
}

func (e *AdjustmentError) Unwrap() error {
	return e.Err
}

// Parse decodes the message of content type ct starting at b[offset]. It
// returns the message and the offset just past it. Parse never reads beyond
// b, and fails with a *ParseError when the bytes are short, malformed, or of
// a type without a registered entry.
func Parse(b []byte, offset int, ct protocol.ContentType, ctx *tlsctx.Context) (Message, int, error) {
	t := Type{Content: ct}
	if offset < 0 || offset >= len(b) {
		return nil, offset, &ParseError{Offset: offset, Type: t, Err: ErrTruncated}
	}
	if ct == protocol.ContentHandshake {
		return parseHandshake(b[offset:], offset, ctx)
	}
	e, ok := registry[t]
	if !ok || e.parse == nil {
		return nil, offset, &ParseError{Offset: offset, Type: t, Err: ErrUnknownType}
	}
	return ParseAs(e, b, offset, ctx)
}

// ParseAs decodes a message of the variant e starting at b[offset]. It
// serves variants that are not in the dispatch table, such as application
// framing inside application data.
func ParseAs(e *Entry, b []byte, offset int, ctx *tlsctx.Context) (Message, int, error) {
	if offset < 0 || offset >= len(b) {
		return nil, offset, &ParseError{Offset: offset, Type: e.Type, Err: ErrTruncated}
	}
	if e.parse == nil {
		return nil, offset, &ParseError{Offset: offset, Type: e.Type, Err: ErrUnknownType}
	}
	data := b[offset:]
	m := e.New()
	s := cryptobyte.String(data)
	if !e.parse(m, &s, ctx) {
		return nil, offset, &ParseError{Offset: offset, Type: e.Type, Err: ErrMalformed}
	}
	n := len(data) - len(s)
	m.Meta().Raw = data[:n:n]
	return m, offset + n, nil
}

func parseHandshake(data []byte, offset int, ctx *tlsctx.Context) (Message, int, error) {
	var h Handshake
	s := cryptobyte.String(data)
	body, ok := parseHeader(&s, &h, ctx.IsDTLS())
	t := HandshakeTypeOf(protocol.HandshakeType(h.MessageType.Get()))
	if !ok {
		return nil, offset, &ParseError{Offset: offset, Type: t, Err: ErrTruncated}
	}
	n := len(data) - len(s)
	if h.DTLS && (h.FragmentOffset.Get() != 0 || h.FragmentLength.Get() != h.Length.Get()) {
		m := &DTLSHandshakeFragment{Handshake: h}
		m.Data.SetNatural(body)
		m.meta.Raw = data[:n:n]
		return m, offset + n, nil
	}
	e, ok := registry[t]
	if !ok || e.parse == nil {
		return nil, offset, &ParseError{Offset: offset, Type: t, Err: ErrUnknownType}
	}
	m := e.New()
	hs := m.(handshaker)
	*hs.header() = h
	bs := cryptobyte.String(body)
	if !e.parse(m, &bs, ctx) || !bs.Empty() {
		return nil, offset, &ParseError{Offset: offset, Type: t, Err: ErrMalformed}
	}
	m.Meta().Raw = data[:n:n]
	return m, offset + n, nil
}

// parseHeader reads a handshake header into h and returns the body bytes
// the header announces.
func parseHeader(s *cryptobyte.String, h *Handshake, dtls bool) ([]byte, bool) {
	var msgType uint8
	var length uint32
	if !s.ReadUint8(&msgType) {
		return nil, false
	}
	h.MessageType.SetNatural(msgType)
	if !s.ReadUint24(&length) {
		return nil, false
	}
	h.Length.SetNatural(length)
	h.DTLS = dtls
	bodyLen := length
	if dtls {
		var seq uint16
		var fragOffset, fragLength uint32
		if !s.ReadUint16(&seq) || !s.ReadUint24(&fragOffset) || !s.ReadUint24(&fragLength) {
			return nil, false
		}
		h.MessageSeq.SetNatural(seq)
		h.FragmentOffset.SetNatural(fragOffset)
		h.FragmentLength.SetNatural(fragLength)
		bodyLen = fragLength
	}
	var body []byte
	if !s.ReadBytes(&body, int(bodyLen)) {
		return nil, false
	}
	return body, true
}

// ParseUnknownHandshake decodes a complete handshake message of any type
// as an [UnknownHandshake].
func ParseUnknownHandshake(b []byte, offset int, ctx *tlsctx.Context) (Message, int, error) {
	t := HandshakeTypeOf(protocol.HandshakeUnknown)
	if offset < 0 || offset >= len(b) {
		return nil, offset, &ParseError{Offset: offset, Type: t, Err: ErrTruncated}
	}
	data := b[offset:]
	m := &UnknownHandshake{}
	s := cryptobyte.String(data)
	body, ok := parseHeader(&s, &m.Handshake, ctx.IsDTLS())
	if !ok {
		return nil, offset, &ParseError{Offset: offset, Type: t, Err: ErrTruncated}
	}
	m.Body.SetNatural(body)
	n := len(data) - len(s)
	m.meta.Raw = data[:n:n]
	return m, offset + n, nil
}

// ParseUnknown swallows everything from b[offset] into an [Unknown]
// message. It only fails when there is nothing to swallow.
func ParseUnknown(b []byte, offset int, ct protocol.ContentType) (Message, int, error) {
	if offset < 0 || offset >= len(b) {
		return nil, offset, &ParseError{Offset: offset, Type: Type{Content: ct}, Err: ErrTruncated}
	}
	m := NewUnknown(ct, b[offset:])
	m.meta.Raw = b[offset:len(b):len(b)]
	return m, len(b), nil
}

// Prepare computes the natural value of every field of m. Calling it again
// with unchanged modifiers gives the same result.
func Prepare(m Message, ctx *tlsctx.Context) error {
	e := m.Entry()
	hs, isHandshake := m.(handshaker)
	if isHandshake {
		hs.header().DTLS = ctx.IsDTLS()
	}
	if e.prepare != nil {
		if err := e.prepare(m, ctx); err != nil {
			return fmt.Errorf("message: prepare %s: %w", e.Name, err)
		}
	}
	if !isHandshake {
		return nil
	}
	h := hs.header()
	body, err := serializeBody(m, ctx)
	if err != nil {
		return err
	}
	if _, frag := m.(*DTLSHandshakeFragment); frag {
		if !h.Length.HasNatural() {
			h.Length.SetNatural(uint32(len(body)))
		}
		h.FragmentLength.SetNatural(uint32(len(body)))
		return nil
	}
	h.MessageType.SetNatural(uint8(m.Type().Handshake))
	h.Length.SetNatural(uint32(len(body)))
	if h.DTLS {
		h.MessageSeq.SetNatural(ctx.NextSendMessageSeq)
		h.FragmentOffset.SetNatural(0)
		h.FragmentLength.SetNatural(uint32(len(body)))
	}
	return nil
}

func serializeBody(m Message, ctx *tlsctx.Context) ([]byte, error) {
	e := m.Entry()
	var b cryptobyte.Builder
	if e.serialize != nil {
		e.serialize(m, &b, ctx)
	}
	body, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("message: serialize %s: %w", e.Name, err)
	}
	return body, nil
}

// Serialize freezes every field of m and renders the resolved values. The
// result is also stored in m.Meta().Raw.
func Serialize(m Message, ctx *tlsctx.Context) ([]byte, error) {
	for _, f := range m.Fields() {
		f.Freeze()
	}
	body, err := serializeBody(m, ctx)
	if err != nil {
		return nil, err
	}
	hs, ok := m.(handshaker)
	if !ok {
		m.Meta().Raw = body
		return body, nil
	}
	h := hs.header()
	var b cryptobyte.Builder
	b.AddUint8(h.MessageType.Get())
	b.AddUint24(h.Length.Get())
	if h.DTLS {
		b.AddUint16(h.MessageSeq.Get())
		b.AddUint24(h.FragmentOffset.Get())
		b.AddUint24(h.FragmentLength.Get())
	}
	b.AddBytes(body)
	out, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("message: serialize %s header: %w", Name(m), err)
	}
	m.Meta().Raw = out
	return out, nil
}

// Adjust applies m to the connection state: it advances the DTLS message
// sequence, adds handshake messages to the transcript and runs the
// variant's handler. ctx.TalkingPeer must name the end that sent m.
func Adjust(m Message, ctx *tlsctx.Context) error {
	e := m.Entry()
	if hs, ok := m.(handshaker); ok {
		if _, frag := m.(*DTLSHandshakeFragment); !frag && hs.header().DTLS {
			if ctx.IsPeerTalking() {
				ctx.NextReceiveMessageSeq++
			} else {
				ctx.NextSendMessageSeq++
			}
		}
		if !e.ownsDigest {
			ctx.Digest.Append(m.Meta().Raw)
		}
	}
	if e.handle == nil {
		return nil
	}
	if err := e.handle(m, ctx); err != nil {
		return &AdjustmentError{Type: m.Type(), Err: err}
	}
	return nil
}

// ChangesWriteKeys reports whether adjusting m switches the keys sent
// records are protected with. Pending records must be flushed first.
func ChangesWriteKeys(m Message, ctx *tlsctx.Context) bool {
	e := m.Entry()
	return e.changesWriteKeys != nil && e.changesWriteKeys(m, ctx)
}

// Reset clears every computed value of m, keeping modifiers, so m can be
// prepared and sent again.
func Reset(m Message) {
	for _, f := range m.Fields() {
		f.Reset()
	}
	m.Meta().Raw = nil
}
