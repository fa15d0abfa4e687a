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
Package record models TLS and DTLS records and their protection.

TLS record layout from [RFC 8446] and DTLS from [RFC 6347]:

	| type(1) | version(2) | length(2) | fragment ... |
	| type(1) | version(2) | epoch(2) | sequence_number(6) | length(2) | fragment ... |

Every header field is a [modvar.Value], so a record can carry a wrong length,
a stale epoch or a foreign version on purpose. [Parse] frames bytes strictly,
[ParseSoftly] recovers what it can, and a [Protector] applies the cipher of
the current epoch in either direction.

[RFC 8446]: https://datatracker.ietf.org/doc/html/rfc8446#section-5.1
[RFC 6347]: https://datatracker.ietf.org/doc/html/rfc6347#section-4.1
*/
package record

import (
	"github.com/Jigsaw-Code/tlsprobe/modvar"
	"github.com/Jigsaw-Code/tlsprobe/protocol"
)

const (
	HeaderLen     = 5
	DTLSHeaderLen = 13
	// MaxPlaintextLen is the largest fragment a conforming sender produces.
	MaxPlaintextLen = 1 << 14
	maxSequence     = 1<<48 - 1
)

// Record is one record, sent or received.
type Record struct {
	ContentType    modvar.Value[uint8]
	Version        modvar.Value[uint16]
	Epoch          modvar.Value[uint16]
	SequenceNumber modvar.Value[uint64]
	Length         modvar.Value[uint16]
	// Fragment is the payload as it appears on the wire, ciphertext once an
	// epoch is keyed.
	Fragment modvar.Value[[]byte]

	// Plaintext is the message data protected into Fragment on send.
	Plaintext []byte
	// CleanBytes is the message data recovered from Fragment on receive. For
	// records that fail authentication it holds the best-effort plaintext, or
	// the ciphertext when nothing could be decrypted.
	CleanBytes []byte
	// InnerContentType is the TLS 1.3 content type hidden inside the
	// encrypted fragment. It is zero until the record is protected or
	// unprotected.
	InnerContentType protocol.ContentType
	// InnerPadding is appended after the inner content type in TLS 1.3.
	InnerPadding modvar.Value[[]byte]

	Computations Computations

	// DTLS selects the DTLS header layout.
	DTLS bool
	// Blob marks trailing bytes that could not be framed as a record. Blob
	// records have no header; Fragment holds the bytes.
	Blob bool
	// Raw is the complete record as last parsed or serialized.
	Raw []byte
}

// Computations are the values protection derives for one record. MACValid
// and PaddingValid are nil when the cipher does not check them.
type Computations struct {
	// AuthenticatedLength overrides the length bound into the MAC or AEAD
	// additional data of TLS 1.2 and earlier. When unset the plaintext length
	// is used.
	AuthenticatedLength modvar.Value[uint16]
	// ExplicitNonce is the per-record nonce of TLS 1.2 AES-GCM or the
	// explicit IV of CBC suites.
	ExplicitNonce modvar.Value[[]byte]
	MAC           modvar.Value[[]byte]
	Padding       modvar.Value[[]byte]

	AuthenticatedData []byte
	Nonce             []byte

	MACValid     *bool
	PaddingValid *bool
}

// New returns a record whose header naturals are set for sending.
func New(ct protocol.ContentType, version protocol.ProtocolVersion, dtls bool) *Record {
	r := &Record{DTLS: dtls}
	r.ContentType.SetNatural(uint8(ct))
	r.Version.SetNatural(uint16(version))
	return r
}

// ContentMessageType is the type of the messages carried by the record: the
// inner type for decrypted TLS 1.3 records, the header type otherwise.
func (r *Record) ContentMessageType() protocol.ContentType {
	if r.InnerContentType != 0 {
		return r.InnerContentType
	}
	return protocol.ContentType(r.ContentType.Get())
}

// AuthenticationFailed reports whether unprotection flagged the MAC or padding.
func (r *Record) AuthenticationFailed() bool {
	c := r.Computations
	return (c.MACValid != nil && !*c.MACValid) || (c.PaddingValid != nil && !*c.PaddingValid)
}

// Prepare computes the length natural from the fragment.
func (r *Record) Prepare() {
	r.Length.SetNatural(uint16(len(r.Fragment.Get())))
}

// Resolve freezes every header field before serialization.
func (r *Record) Resolve() {
	for _, f := range r.Fields() {
		f.Freeze()
	}
}

// Reset clears everything computed for the record, keeping modifiers, so it
// can be sent again.
func (r *Record) Reset() {
	for _, f := range r.Fields() {
		f.Reset()
	}
	r.Plaintext, r.CleanBytes, r.Raw = nil, nil, nil
	r.InnerContentType = 0
	r.Computations.AuthenticatedData = nil
	r.Computations.Nonce = nil
	r.Computations.MACValid = nil
	r.Computations.PaddingValid = nil
}

// Fields addresses the overridable fields by name.
func (r *Record) Fields() map[string]modvar.Field {
	return map[string]modvar.Field{
		"content_type":         &r.ContentType,
		"version":              &r.Version,
		"epoch":                &r.Epoch,
		"sequence_number":      &r.SequenceNumber,
		"length":               &r.Length,
		"fragment":             &r.Fragment,
		"inner_padding":        &r.InnerPadding,
		"authenticated_length": &r.Computations.AuthenticatedLength,
		"explicit_nonce":       &r.Computations.ExplicitNonce,
		"mac":                  &r.Computations.MAC,
		"padding":              &r.Computations.Padding,
	}
}

func boolPtr(b bool) *bool {
	return &b
}
