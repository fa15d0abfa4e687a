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
	"fmt"

	"github.com/Jigsaw-Code/tlsprobe/modvar"
	"github.com/Jigsaw-Code/tlsprobe/protocol"
	"github.com/Jigsaw-Code/tlsprobe/tlscrypto"
	"github.com/Jigsaw-Code/tlsprobe/tlsctx"
	"golang.org/x/crypto/cryptobyte"
)

const randomLen = 32

// legacyVersion is the version hello messages and record headers carry for
// v. TLS 1.3 hides behind TLS 1.2.
func legacyVersion(v protocol.ProtocolVersion) protocol.ProtocolVersion {
	switch v {
	case protocol.VersionTLS13:
		return protocol.VersionTLS12
	case protocol.VersionDTLS13:
		return protocol.VersionDTLS12
	}
	return v
}

func readVector8(s *cryptobyte.String, length *modvar.Value[uint8], data *modvar.Value[[]byte]) bool {
	var n uint8
	var b []byte
	if !s.ReadUint8(&n) || !s.ReadBytes(&b, int(n)) {
		return false
	}
	length.SetNatural(n)
	data.SetNatural(b)
	return true
}

func readVector16(s *cryptobyte.String, length *modvar.Value[uint16], data *modvar.Value[[]byte]) bool {
	var n uint16
	var b []byte
	if !s.ReadUint16(&n) || !s.ReadBytes(&b, int(n)) {
		return false
	}
	length.SetNatural(n)
	data.SetNatural(b)
	return true
}

// ClientHello opens the handshake.
type ClientHello struct {
	Handshake
	ProtocolVersion modvar.Value[uint16]
	Random          modvar.Value[[]byte]
	SessionIDLength modvar.Value[uint8]
	SessionID       modvar.Value[[]byte]
	// Cookie fields are only sent in DTLS.
	CookieLength             modvar.Value[uint8]
	Cookie                   modvar.Value[[]byte]
	CipherSuitesLength       modvar.Value[uint16]
	CipherSuites             modvar.Value[[]byte]
	CompressionMethodsLength modvar.Value[uint8]
	CompressionMethods       modvar.Value[[]byte]
	extensionBlock
}

func (m *ClientHello) Type() Type    { return clientHelloType }
func (m *ClientHello) Entry() *Entry { return clientHelloEntry }

func (m *ClientHello) Fields() map[string]modvar.Field {
	fields := map[string]modvar.Field{
		"protocol_version":           &m.ProtocolVersion,
		"random":                     &m.Random,
		"session_id_length":          &m.SessionIDLength,
		"session_id":                 &m.SessionID,
		"cipher_suites_length":       &m.CipherSuitesLength,
		"cipher_suites":              &m.CipherSuites,
		"compression_methods_length": &m.CompressionMethodsLength,
		"compression_methods":        &m.CompressionMethods,
	}
	if m.DTLS {
		fields["cookie_length"] = &m.CookieLength
		fields["cookie"] = &m.Cookie
	}
	return m.addFields(m.headerFields(fields))
}

// CipherSuiteIDs decodes the current cipher suite list.
func (m *ClientHello) CipherSuiteIDs() []uint16 {
	b := m.CipherSuites.Get()
	ids := make([]uint16, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		ids = append(ids, uint16(b[i])<<8|uint16(b[i+1]))
	}
	return ids
}

func defaultClientExtensions(ctx *tlsctx.Context) []*Extension {
	var kinds []protocol.ExtensionType
	if ctx.Config.SNIHostname != "" {
		kinds = append(kinds, protocol.ExtServerName)
	}
	kinds = append(kinds, protocol.ExtSupportedGroups, protocol.ExtECPointFormats, protocol.ExtSignatureAlgorithms)
	if ctx.Config.HighestProtocolVersion.IsTLS13() {
		kinds = append(kinds, protocol.ExtSupportedVersions, protocol.ExtKeyShare)
	} else {
		kinds = append(kinds, protocol.ExtExtendedMasterSecret, protocol.ExtRenegotiationInfo)
	}
	if ctx.Config.DefaultMaxRecordData > 0 && ctx.Config.DefaultMaxRecordData < 1<<14 {
		kinds = append(kinds, protocol.ExtRecordSizeLimit)
	}
	return extensionsOf(kinds...)
}

func prepareClientHello(m *ClientHello, ctx *tlsctx.Context) error {
	m.ProtocolVersion.SetNatural(uint16(legacyVersion(ctx.Version)))
	if !m.Random.HasNatural() {
		random := ctx.ClientRandom
		if random == nil {
			random = randomBytes(randomLen)
		}
		m.Random.SetNatural(random)
	}
	m.SessionID.SetNatural(append([]byte{}, ctx.SessionID...))
	m.SessionIDLength.SetNatural(uint8(len(m.SessionID.Get())))
	if ctx.IsDTLS() {
		m.Cookie.SetNatural(append([]byte{}, ctx.DTLSCookie...))
		m.CookieLength.SetNatural(uint8(len(m.Cookie.Get())))
	}
	suites := make([]byte, 0, 2*len(ctx.Config.SupportedCipherSuites))
	for _, id := range ctx.Config.SupportedCipherSuites {
		suites = append(suites, byte(id>>8), byte(id))
	}
	m.CipherSuites.SetNatural(suites)
	m.CipherSuitesLength.SetNatural(uint16(len(m.CipherSuites.Get())))
	m.CompressionMethods.SetNatural([]byte{0})
	m.CompressionMethodsLength.SetNatural(uint8(len(m.CompressionMethods.Get())))
	if m.Extensions == nil {
		m.Extensions = defaultClientExtensions(ctx)
	}
	return m.extensionBlock.prepare(clientHelloType, ctx)
}

func parseClientHello(m *ClientHello, s *cryptobyte.String, ctx *tlsctx.Context) bool {
	var version uint16
	var random []byte
	if !s.ReadUint16(&version) || !s.ReadBytes(&random, randomLen) {
		return false
	}
	m.ProtocolVersion.SetNatural(version)
	m.Random.SetNatural(random)
	if !readVector8(s, &m.SessionIDLength, &m.SessionID) {
		return false
	}
	if m.DTLS && !readVector8(s, &m.CookieLength, &m.Cookie) {
		return false
	}
	return readVector16(s, &m.CipherSuitesLength, &m.CipherSuites) &&
		readVector8(s, &m.CompressionMethodsLength, &m.CompressionMethods) &&
		m.extensionBlock.parse(s)
}

func serializeClientHello(m *ClientHello, b *cryptobyte.Builder, ctx *tlsctx.Context) {
	b.AddUint16(m.ProtocolVersion.Get())
	b.AddBytes(m.Random.Get())
	b.AddUint8(m.SessionIDLength.Get())
	b.AddBytes(m.SessionID.Get())
	if m.DTLS {
		b.AddUint8(m.CookieLength.Get())
		b.AddBytes(m.Cookie.Get())
	}
	b.AddUint16(m.CipherSuitesLength.Get())
	b.AddBytes(m.CipherSuites.Get())
	b.AddUint8(m.CompressionMethodsLength.Get())
	b.AddBytes(m.CompressionMethods.Get())
	m.extensionBlock.serialize(b)
}

func handleClientHello(m *ClientHello, ctx *tlsctx.Context) error {
	ctx.SetRandom(protocol.Client, m.Random.Get())
	ctx.SessionID = m.SessionID.Get()
	return m.extensionBlock.handle(clientHelloType, ctx)
}

var clientHelloEntry = NewEntry("ClientHello", clientHelloType,
	func() *ClientHello { return &ClientHello{} },
	Codec[*ClientHello]{
		Parse:     parseClientHello,
		Prepare:   prepareClientHello,
		Serialize: serializeClientHello,
		Handle:    handleClientHello,
	})

// ServerHello answers the ClientHello with the negotiated parameters.
type ServerHello struct {
	Handshake
	ProtocolVersion   modvar.Value[uint16]
	Random            modvar.Value[[]byte]
	SessionIDLength   modvar.Value[uint8]
	SessionID         modvar.Value[[]byte]
	CipherSuite       modvar.Value[uint16]
	CompressionMethod modvar.Value[uint8]
	extensionBlock
}

func (m *ServerHello) Type() Type    { return serverHelloType }
func (m *ServerHello) Entry() *Entry { return serverHelloEntry }

func (m *ServerHello) Fields() map[string]modvar.Field {
	return m.addFields(m.headerFields(map[string]modvar.Field{
		"protocol_version":   &m.ProtocolVersion,
		"random":             &m.Random,
		"session_id_length":  &m.SessionIDLength,
		"session_id":         &m.SessionID,
		"cipher_suite":       &m.CipherSuite,
		"compression_method": &m.CompressionMethod,
	}))
}

func defaultServerExtensions(ctx *tlsctx.Context) []*Extension {
	if ctx.Version.IsTLS13() {
		return extensionsOf(protocol.ExtSupportedVersions, protocol.ExtKeyShare)
	}
	kinds := []protocol.ExtensionType{protocol.ExtRenegotiationInfo}
	if ctx.UseExtendedMasterSecret {
		kinds = append(kinds, protocol.ExtExtendedMasterSecret)
	}
	if ctx.Suite().KeyExchange == protocol.KeyExchangeECDHE {
		kinds = append(kinds, protocol.ExtECPointFormats)
	}
	return extensionsOf(kinds...)
}

func prepareServerHello(m *ServerHello, ctx *tlsctx.Context) error {
	m.ProtocolVersion.SetNatural(uint16(legacyVersion(ctx.Version)))
	if !m.Random.HasNatural() {
		random := ctx.ServerRandom
		if random == nil {
			random = randomBytes(randomLen)
		}
		m.Random.SetNatural(random)
	}
	m.SessionID.SetNatural(append([]byte{}, ctx.SessionID...))
	m.SessionIDLength.SetNatural(uint8(len(m.SessionID.Get())))
	m.CipherSuite.SetNatural(ctx.SelectedCipherSuite)
	m.CompressionMethod.SetNatural(0)
	if m.Extensions == nil {
		m.Extensions = defaultServerExtensions(ctx)
	}
	return m.extensionBlock.prepare(serverHelloType, ctx)
}

func parseServerHello(m *ServerHello, s *cryptobyte.String, _ *tlsctx.Context) bool {
	var version, suite uint16
	var random []byte
	var compression uint8
	if !s.ReadUint16(&version) || !s.ReadBytes(&random, randomLen) {
		return false
	}
	m.ProtocolVersion.SetNatural(version)
	m.Random.SetNatural(random)
	if !readVector8(s, &m.SessionIDLength, &m.SessionID) || !s.ReadUint16(&suite) || !s.ReadUint8(&compression) {
		return false
	}
	m.CipherSuite.SetNatural(suite)
	m.CompressionMethod.SetNatural(compression)
	return m.extensionBlock.parse(s)
}

func serializeServerHello(m *ServerHello, b *cryptobyte.Builder, _ *tlsctx.Context) {
	b.AddUint16(m.ProtocolVersion.Get())
	b.AddBytes(m.Random.Get())
	b.AddUint8(m.SessionIDLength.Get())
	b.AddBytes(m.SessionID.Get())
	b.AddUint16(m.CipherSuite.Get())
	b.AddUint8(m.CompressionMethod.Get())
	m.extensionBlock.serialize(b)
}

func handleServerHello(m *ServerHello, ctx *tlsctx.Context) error {
	ctx.SetRandom(protocol.Server, m.Random.Get())
	ctx.SessionID = m.SessionID.Get()
	ctx.SelectedCipherSuite = m.CipherSuite.Get()
	ctx.Version = protocol.ProtocolVersion(m.ProtocolVersion.Get())
	if err := m.extensionBlock.handle(serverHelloType, ctx); err != nil {
		return err
	}
	ctx.RecordVersion = legacyVersion(ctx.Version)
	if !ctx.Version.IsTLS13() {
		return nil
	}
	return startKeySchedule(ctx)
}

// startKeySchedule derives the TLS 1.3 handshake secrets from the key
// shares and the transcript through ServerHello, and switches both
// directions to handshake traffic keys.
func startKeySchedule(ctx *tlsctx.Context) error {
	shared, err := sharedSecret(ctx.KeySharePrivate, ctx.PeerKeyShare)
	if err != nil {
		return fmt.Errorf("%w: %v", tlsctx.ErrNoKeyMaterial, err)
	}
	ctx.SharedSecret = shared
	ctx.Schedule = tlscrypto.NewSchedule(ctx.Version, ctx.Suite())
	ctx.Schedule.SetSharedSecret(shared, ctx.TranscriptHash())
	if err := ctx.ActivateReadKeys(); err != nil {
		return err
	}
	return ctx.ActivateWriteKeys()
}

var serverHelloEntry = NewEntry("ServerHello", serverHelloType,
	func() *ServerHello { return &ServerHello{} },
	Codec[*ServerHello]{
		Parse:     parseServerHello,
		Prepare:   prepareServerHello,
		Serialize: serializeServerHello,
		Handle:    handleServerHello,
		ChangesWriteKeys: func(_ *ServerHello, ctx *tlsctx.Context) bool {
			return ctx.Version.IsTLS13()
		},
	})

// HelloVerifyRequest is the DTLS cookie exchange.
type HelloVerifyRequest struct {
	Handshake
	ProtocolVersion modvar.Value[uint16]
	CookieLength    modvar.Value[uint8]
	Cookie          modvar.Value[[]byte]
}

var helloVerifyRequestType = HandshakeTypeOf(protocol.HandshakeHelloVerifyRequest)

func (m *HelloVerifyRequest) Type() Type    { return helloVerifyRequestType }
func (m *HelloVerifyRequest) Entry() *Entry { return helloVerifyRequestEntry }

func (m *HelloVerifyRequest) Fields() map[string]modvar.Field {
	return m.headerFields(map[string]modvar.Field{
		"protocol_version": &m.ProtocolVersion,
		"cookie_length":    &m.CookieLength,
		"cookie":           &m.Cookie,
	})
}

var helloVerifyRequestEntry = NewEntry("HelloVerifyRequest", helloVerifyRequestType,
	func() *HelloVerifyRequest { return &HelloVerifyRequest{} },
	Codec[*HelloVerifyRequest]{
		Parse: func(m *HelloVerifyRequest, s *cryptobyte.String, _ *tlsctx.Context) bool {
			var version uint16
			if !s.ReadUint16(&version) {
				return false
			}
			m.ProtocolVersion.SetNatural(version)
			return readVector8(s, &m.CookieLength, &m.Cookie)
		},
		Prepare: func(m *HelloVerifyRequest, ctx *tlsctx.Context) error {
			// RFC 6347 pins server_version to DTLS 1.0.
			m.ProtocolVersion.SetNatural(uint16(protocol.VersionDTLS10))
			if !m.Cookie.HasNatural() {
				cookie := ctx.DTLSCookie
				if cookie == nil {
					cookie = randomBytes(ctx.Config.DTLSCookieLength)
				}
				m.Cookie.SetNatural(cookie)
			}
			m.CookieLength.SetNatural(uint8(len(m.Cookie.Get())))
			return nil
		},
		Serialize: func(m *HelloVerifyRequest, b *cryptobyte.Builder, _ *tlsctx.Context) {
			b.AddUint16(m.ProtocolVersion.Get())
			b.AddUint8(m.CookieLength.Get())
			b.AddBytes(m.Cookie.Get())
		},
		// The cookie exchange restarts the transcript.
		Handle: func(m *HelloVerifyRequest, ctx *tlsctx.Context) error {
			ctx.DTLSCookie = m.Cookie.Get()
			ctx.Digest.Reset()
			return nil
		},
		OwnsDigest: true,
	})
