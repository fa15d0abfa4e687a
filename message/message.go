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

/*
Package message implements the wire codec of TLS and DTLS protocol messages.

Every message variant pairs a Go type with an [Entry]: its parser,
preparator, serializer and handler. Entries are found through a dispatch
table keyed by content type and handshake type, so [Parse] can turn bytes
into the right variant and [Prepare], [Serialize] and [Adjust] can process a
message without knowing its concrete type.

The four steps have strict roles:

  - Parse reads a message from bytes and reports how many it consumed.
  - Prepare computes the natural value of every field from the connection
    state. It is idempotent.
  - Serialize freezes every field and renders the resolved values.
  - Adjust runs the handler, the only step that mutates the connection state.

Every field is a [modvar.Value], so a test can override any of them between
Prepare and Serialize.
*/
package message

import (
	"github.com/Jigsaw-Code/tlsprobe/modvar"
	"github.com/Jigsaw-Code/tlsprobe/protocol"
)

// Type identifies a message variant on the wire. Handshake is only
// meaningful for handshake messages.
type Type struct {
	Content   protocol.ContentType
	Handshake protocol.HandshakeType
}

func (t Type) String() string {
	if t.Content == protocol.ContentHandshake {
		return t.Handshake.String()
	}
	return t.Content.String()
}

// HandshakeTypeOf returns the Type of a handshake message.
func HandshakeTypeOf(ht protocol.HandshakeType) Type {
	return Type{Content: protocol.ContentHandshake, Handshake: ht}
}

// Meta is the bookkeeping shared by all messages.
type Meta struct {
	// Raw is the message as last parsed or serialized.
	Raw []byte
	// Optional marks an expected message a receive may go without.
	Optional bool
}

// Message is one protocol message.
type Message interface {
	Type() Type
	Meta() *Meta
	// Fields addresses the overridable fields by name.
	Fields() map[string]modvar.Field
	// Entry returns the codec of the variant.
	Entry() *Entry
}

// base is embedded by messages that are not handshake messages.
type base struct {
	meta Meta
}

func (b *base) Meta() *Meta {
	return &b.meta
}

// Handshake is the header every handshake message starts with. DTLS adds
// the message sequence and fragment fields.
//
//	TLS:  | msg_type(1) | length(3) | body |
//	DTLS: | msg_type(1) | length(3) | message_seq(2) | fragment_offset(3) | fragment_length(3) | body |
type Handshake struct {
	meta Meta

	MessageType    modvar.Value[uint8]
	Length         modvar.Value[uint32]
	MessageSeq     modvar.Value[uint16]
	FragmentOffset modvar.Value[uint32]
	FragmentLength modvar.Value[uint32]

	// DTLS selects the header layout. It is set when the message is parsed
	// or prepared.
	DTLS bool
}

func (h *Handshake) Meta() *Meta {
	return &h.meta
}

func (h *Handshake) header() *Handshake {
	return h
}

// headerFields adds the header fields to fields and returns it.
func (h *Handshake) headerFields(fields map[string]modvar.Field) map[string]modvar.Field {
	fields["msg_type"] = &h.MessageType
	fields["length"] = &h.Length
	if h.DTLS {
		fields["message_seq"] = &h.MessageSeq
		fields["fragment_offset"] = &h.FragmentOffset
		fields["fragment_length"] = &h.FragmentLength
	}
	return fields
}

// handshaker is implemented by every message carrying a [Handshake] header.
type handshaker interface {
	Message
	header() *Handshake
}

// HeaderOf returns the handshake header of m, or nil if m has none.
func HeaderOf(m Message) *Handshake {
	if hs, ok := m.(handshaker); ok {
		return hs.header()
	}
	return nil
}

// IsHandshake reports whether m is carried in handshake records.
func IsHandshake(m Message) bool {
	return m.Type().Content == protocol.ContentHandshake
}

// Name returns the registered name of m's variant.
func Name(m Message) string {
	return m.Entry().Name
}
