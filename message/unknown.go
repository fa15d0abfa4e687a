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
	"github.com/Jigsaw-Code/tlsprobe/modvar"
	"github.com/Jigsaw-Code/tlsprobe/protocol"
	"github.com/Jigsaw-Code/tlsprobe/tlsctx"
	"golang.org/x/crypto/cryptobyte"
)

// UnknownHandshake is a complete handshake message whose body could not be
// decoded. It round-trips its body unchanged.
type UnknownHandshake struct {
	Handshake
	Body modvar.Value[[]byte]
}

func (m *UnknownHandshake) Type() Type {
	return HandshakeTypeOf(protocol.HandshakeType(m.MessageType.Get()))
}

func (m *UnknownHandshake) Entry() *Entry { return unknownHandshakeEntry }

func (m *UnknownHandshake) Fields() map[string]modvar.Field {
	return m.headerFields(map[string]modvar.Field{"body": &m.Body})
}

var unknownHandshakeEntry = NewEntry("UnknownHandshake", HandshakeTypeOf(protocol.HandshakeUnknown),
	func() *UnknownHandshake { return &UnknownHandshake{} },
	Codec[*UnknownHandshake]{
		Prepare: func(m *UnknownHandshake, _ *tlsctx.Context) error {
			if !m.MessageType.HasNatural() {
				m.MessageType.SetNatural(uint8(protocol.HandshakeUnknown))
			}
			if !m.Body.HasNatural() {
				m.Body.SetNatural([]byte{})
			}
			return nil
		},
		Serialize: func(m *UnknownHandshake, b *cryptobyte.Builder, _ *tlsctx.Context) {
			b.AddBytes(m.Body.Get())
		},
	})

// DTLSHandshakeFragment is a piece of a DTLS handshake message. Fragments
// are kept as received and are not reassembled.
type DTLSHandshakeFragment struct {
	Handshake
	Data modvar.Value[[]byte]
}

func (m *DTLSHandshakeFragment) Type() Type {
	return HandshakeTypeOf(protocol.HandshakeType(m.MessageType.Get()))
}

func (m *DTLSHandshakeFragment) Entry() *Entry { return dtlsHandshakeFragmentEntry }

func (m *DTLSHandshakeFragment) Fields() map[string]modvar.Field {
	return m.headerFields(map[string]modvar.Field{"data": &m.Data})
}

var dtlsHandshakeFragmentEntry = NewEntry("DTLSHandshakeFragment", HandshakeTypeOf(protocol.HandshakeUnknown),
	func() *DTLSHandshakeFragment { return &DTLSHandshakeFragment{} },
	Codec[*DTLSHandshakeFragment]{
		Serialize: func(m *DTLSHandshakeFragment, b *cryptobyte.Builder, _ *tlsctx.Context) {
			b.AddBytes(m.Data.Get())
		},
		OwnsDigest: true,
	})

// Unknown is an opaque message: whatever bytes remained once nothing else
// could decode them.
type Unknown struct {
	base
	ContentType protocol.ContentType
	Data        modvar.Value[[]byte]
}

// NewUnknown returns an opaque message of content type ct holding data.
func NewUnknown(ct protocol.ContentType, data []byte) *Unknown {
	m := &Unknown{ContentType: ct}
	m.Data.SetNatural(data)
	return m
}

func (m *Unknown) Type() Type    { return Type{Content: m.ContentType} }
func (m *Unknown) Entry() *Entry { return unknownEntry }

func (m *Unknown) Fields() map[string]modvar.Field {
	return map[string]modvar.Field{"data": &m.Data}
}

var unknownEntry = NewEntry("Unknown", Type{},
	func() *Unknown { return &Unknown{} },
	Codec[*Unknown]{
		Prepare: func(m *Unknown, _ *tlsctx.Context) error {
			if !m.Data.HasNatural() {
				m.Data.SetNatural([]byte{})
			}
			return nil
		},
		Serialize: func(m *Unknown, b *cryptobyte.Builder, _ *tlsctx.Context) {
			b.AddBytes(m.Data.Get())
		},
	})
