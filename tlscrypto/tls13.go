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

package tlscrypto

import (
	"crypto"
	"io"

	"github.com/Jigsaw-Code/tlsprobe/protocol"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/hkdf"
)

// ExpandLabel implements HKDF-Expand-Label from RFC 8446, section 7.1. DTLS
// 1.3 uses the "dtls13" label prefix.
func ExpandLabel(version protocol.ProtocolVersion, h crypto.Hash, secret []byte, label string, context []byte, length int) []byte {
	prefix := "tls13 "
	if version.IsDTLS() {
		prefix = "dtls13"
	}
	var b cryptobyte.Builder
	b.AddUint16(uint16(length))
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes([]byte(prefix))
		b.AddBytes([]byte(label))
	})
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(context)
	})
	out := make([]byte, length)
	// Labels are tiny and length is bounded by the hash, so neither can fail.
	if _, err := io.ReadFull(hkdf.Expand(h.New, secret, b.BytesOrPanic()), out); err != nil {
		panic("tlscrypto: HKDF-Expand-Label failed: " + err.Error())
	}
	return out
}

// DeriveSecret implements Derive-Secret over an already computed transcript hash.
func DeriveSecret(version protocol.ProtocolVersion, h crypto.Hash, secret []byte, label string, transcriptHash []byte) []byte {
	return ExpandLabel(version, h, secret, label, transcriptHash, h.Size())
}

// Extract is HKDF-Extract. A nil secret or salt stands for a string of zeros.
func Extract(h crypto.Hash, secret, salt []byte) []byte {
	if secret == nil {
		secret = make([]byte, h.Size())
	}
	return hkdf.Extract(h.New, secret, salt)
}

// TrafficKeys derives the record key and IV from a traffic secret.
func TrafficKeys(version protocol.ProtocolVersion, suite protocol.CipherSuite, secret []byte) Keys {
	return Keys{
		Key: ExpandLabel(version, suite.PRFHash, secret, "key", nil, suite.KeyLen),
		IV:  ExpandLabel(version, suite.PRFHash, secret, "iv", nil, suite.FixedIVLen),
	}
}

// Schedule holds the secrets of the TLS 1.3 key schedule.
type Schedule struct {
	Version protocol.ProtocolVersion
	Suite   protocol.CipherSuite

	Early     []byte
	Handshake []byte
	Master    []byte

	ClientHandshakeTraffic   []byte
	ServerHandshakeTraffic   []byte
	ClientApplicationTraffic []byte
	ServerApplicationTraffic []byte
}

// NewSchedule starts a schedule without a pre-shared key.
func NewSchedule(version protocol.ProtocolVersion, suite protocol.CipherSuite) *Schedule {
	return &Schedule{Version: version, Suite: suite, Early: Extract(suite.PRFHash, nil, nil)}
}

func (s *Schedule) emptyHash() []byte {
	return s.Suite.PRFHash.New().Sum(nil)
}

// SetSharedSecret computes the handshake secret and both handshake traffic
// secrets. helloHash is the transcript hash through ServerHello.
func (s *Schedule) SetSharedSecret(shared, helloHash []byte) {
	h := s.Suite.PRFHash
	derived := DeriveSecret(s.Version, h, s.Early, "derived", s.emptyHash())
	s.Handshake = Extract(h, shared, derived)
	s.ClientHandshakeTraffic = DeriveSecret(s.Version, h, s.Handshake, "c hs traffic", helloHash)
	s.ServerHandshakeTraffic = DeriveSecret(s.Version, h, s.Handshake, "s hs traffic", helloHash)
}

// DeriveApplicationSecrets computes the master secret and the application
// traffic secrets. finishedHash is the transcript hash through the server
// Finished message.
func (s *Schedule) DeriveApplicationSecrets(finishedHash []byte) {
	h := s.Suite.PRFHash
	derived := DeriveSecret(s.Version, h, s.Handshake, "derived", s.emptyHash())
	s.Master = Extract(h, nil, derived)
	s.ClientApplicationTraffic = DeriveSecret(s.Version, h, s.Master, "c ap traffic", finishedHash)
	s.ServerApplicationTraffic = DeriveSecret(s.Version, h, s.Master, "s ap traffic", finishedHash)
}

// HandshakeTraffic returns the handshake traffic secret of the writer end.
func (s *Schedule) HandshakeTraffic(end protocol.ConnectionEnd) []byte {
	if end == protocol.Client {
		return s.ClientHandshakeTraffic
	}
	return s.ServerHandshakeTraffic
}

// ApplicationTraffic returns the application traffic secret of the writer end.
func (s *Schedule) ApplicationTraffic(end protocol.ConnectionEnd) []byte {
	if end == protocol.Client {
		return s.ClientApplicationTraffic
	}
	return s.ServerApplicationTraffic
}
