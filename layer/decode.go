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
	"errors"
	"fmt"

	"github.com/Jigsaw-Code/tlsprobe/httpmsg"
	"github.com/Jigsaw-Code/tlsprobe/message"
	"github.com/Jigsaw-Code/tlsprobe/protocol"
	"github.com/Jigsaw-Code/tlsprobe/record"
	"github.com/Jigsaw-Code/tlsprobe/tlsctx"
	"golang.org/x/crypto/cryptobyte"
)

// decoder parses one message of type ct at b[offset] and applies it to the
// connection state. It returns the offset just past the message.
type decoder struct {
	name    string
	applies func(tc *tlsctx.Context, ct protocol.ContentType) bool
	parse   func(b []byte, offset int, ct protocol.ContentType, tc *tlsctx.Context) (message.Message, int, error)
}

// HTTPLayer lifts application data into HTTP requests and responses when
// HTTPSParsingEnabled is set.
type HTTPLayer struct{}

func (HTTPLayer) applies(tc *tlsctx.Context, ct protocol.ContentType) bool {
	return ct == protocol.ContentApplicationData && tc.Config.HTTPSParsingEnabled
}

func (HTTPLayer) parse(b []byte, offset int, _ protocol.ContentType, tc *tlsctx.Context) (message.Message, int, error) {
	return message.ParseAs(httpmsg.EntryFor(tc), b, offset, tc)
}

func always(*tlsctx.Context, protocol.ContentType) bool { return true }

// decoders is the fallback chain, tried in order at every offset. The last
// one always succeeds.
var decoders = []decoder{
	{name: "http", applies: HTTPLayer{}.applies, parse: HTTPLayer{}.parse},
	{name: "correct", applies: always, parse: message.Parse},
	{
		name: "unknown handshake",
		applies: func(_ *tlsctx.Context, ct protocol.ContentType) bool {
			return ct == protocol.ContentHandshake
		},
		parse: func(b []byte, offset int, _ protocol.ContentType, tc *tlsctx.Context) (message.Message, int, error) {
			return message.ParseUnknownHandshake(b, offset, tc)
		},
	},
	{
		name:    "unknown",
		applies: always,
		parse: func(b []byte, offset int, ct protocol.ContentType, _ *tlsctx.Context) (message.Message, int, error) {
			return message.ParseUnknown(b, offset, ct)
		},
	},
}

// decodeMessages turns the clean bytes of one content type into messages,
// applying each to tc as it is decoded.
func (l *MessageLayer) decodeMessages(tc *tlsctx.Context, ct protocol.ContentType, b []byte) ([]message.Message, error) {
	var msgs []message.Message
	for offset := 0; offset < len(b); {
		var decoded message.Message
		for _, d := range decoders {
			if !d.applies(tc, ct) {
				continue
			}
			m, next, err := d.parse(b, offset, ct, tc)
			if err != nil {
				l.logger.Debug("Decoder rejected bytes", "decoder", d.name, "type", ct, "offset", offset, "error", err)
				continue
			}
			if next <= offset {
				return msgs, &ProgressError{Offset: offset, Decoder: d.name, Type: ct}
			}
			if err := message.Adjust(m, tc); err != nil {
				var aerr *message.AdjustmentError
				if !errors.As(err, &aerr) {
					return msgs, fmt.Errorf("layer: adjust received %s: %w", message.Name(m), err)
				}
				l.logger.Warn("Received message could not be applied", "message", message.Name(m), "decoder", d.name, "error", aerr.Err)
				continue
			}
			decoded, offset = m, next
			break
		}
		if decoded == nil {
			return msgs, &ProgressError{Offset: offset, Decoder: "all", Type: ct}
		}
		msgs = append(msgs, decoded)
	}
	return msgs, nil
}

// opaque turns b into one unknown message without interpreting it, for
// records whose authentication failed.
func opaque(ct protocol.ContentType, b []byte) message.Message {
	m := message.NewUnknown(ct, b)
	m.Meta().Raw = b
	return m
}

// handshakeComplete reports whether b ends on a handshake message boundary.
func handshakeComplete(b []byte, dtls bool) bool {
	s := cryptobyte.String(b)
	headerLen := 4
	if dtls {
		headerLen = 12
	}
	for !s.Empty() {
		var header []byte
		if !s.ReadBytes(&header, headerLen) {
			return false
		}
		bodyLen := int(header[1])<<16 | int(header[2])<<8 | int(header[3])
		if dtls {
			bodyLen = int(header[9])<<16 | int(header[10])<<8 | int(header[11])
		}
		if !s.Skip(bodyLen) {
			return false
		}
	}
	return true
}

// pendingGroup is a run of records whose clean bytes hold messages of one type.
type pendingGroup struct {
	ct      protocol.ContentType
	blob    bool
	records []*record.Record
	data    []byte
}

func (g *pendingGroup) empty() bool {
	return len(g.records) == 0
}

func (g *pendingGroup) authenticationFailed() bool {
	for _, r := range g.records {
		if r.AuthenticationFailed() {
			return true
		}
	}
	return false
}

// decodeRecords unprotects records in order and decodes their messages.
// Messages are decoded as soon as their bytes are complete, so a message
// that changes the read keys takes effect for the records after it.
func (l *MessageLayer) decodeRecords(tc *tlsctx.Context, records []*record.Record) ([]message.Message, error) {
	var msgs []message.Message
	var g pendingGroup
	flush := func() error {
		if g.empty() {
			return nil
		}
		defer func() { g = pendingGroup{} }()
		switch {
		case g.blob:
			m, _, err := message.ParseUnknown(g.data, 0, 0)
			if err != nil {
				return nil
			}
			msgs = append(msgs, m)
			return nil
		case tc.Config.DoNotParseInvalidMACOrPadMessages && g.authenticationFailed():
			msgs = append(msgs, opaque(g.ct, g.data))
			return nil
		}
		decoded, err := l.decodeMessages(tc, g.ct, g.data)
		msgs = append(msgs, decoded...)
		return err
	}
	for _, r := range records {
		if err := l.records.unprotect(tc, r); err != nil {
			return msgs, err
		}
		ct := r.ContentMessageType()
		if !g.empty() && (r.Blob || g.blob || ct != g.ct) {
			if ct != g.ct {
				l.logger.Debug("Mixed record subgroup", "from", g.ct, "to", ct, "records", len(g.records))
			}
			if err := flush(); err != nil {
				return msgs, err
			}
		}
		g.ct, g.blob = ct, r.Blob
		g.records = append(g.records, r)
		g.data = append(g.data, r.CleanBytes...)
		if r.Blob || (ct == protocol.ContentHandshake && !handshakeComplete(g.data, l.records.dtls)) {
			continue
		}
		if err := flush(); err != nil {
			return msgs, err
		}
	}
	return msgs, flush()
}
