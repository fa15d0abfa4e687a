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
	"bytes"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"fmt"

	"github.com/Jigsaw-Code/tlsprobe/modvar"
	"github.com/Jigsaw-Code/tlsprobe/protocol"
	"github.com/Jigsaw-Code/tlsprobe/tlscrypto"
	"github.com/Jigsaw-Code/tlsprobe/tlsctx"
	"golang.org/x/crypto/cryptobyte"
)

// signsWithAlgorithm reports whether v names the signature algorithm next to
// each signature.
func signsWithAlgorithm(v protocol.ProtocolVersion) bool {
	return v == protocol.VersionTLS12 || v == protocol.VersionDTLS12 || v.IsTLS13()
}

// Certificate carries the sender's certificate chain.
type Certificate struct {
	Handshake
	// Request context fields are only present in TLS 1.3.
	RequestContextLength modvar.Value[uint8]
	RequestContext       modvar.Value[[]byte]
	CertificatesLength   modvar.Value[uint32]
	// Certificates is the encoded certificate_list.
	Certificates modvar.Value[[]byte]

	// Chain holds the DER certificates Prepare encodes.
	Chain [][]byte

	tls13 bool
}

var certificateType = HandshakeTypeOf(protocol.HandshakeCertificate)

func (m *Certificate) Type() Type    { return certificateType }
func (m *Certificate) Entry() *Entry { return certificateEntry }

func (m *Certificate) Fields() map[string]modvar.Field {
	fields := map[string]modvar.Field{
		"certificates_length": &m.CertificatesLength,
		"certificates":        &m.Certificates,
	}
	if m.tls13 {
		fields["request_context_length"] = &m.RequestContextLength
		fields["request_context"] = &m.RequestContext
	}
	return m.headerFields(fields)
}

func encodeCertificates(chain [][]byte, tls13 bool) []byte {
	var b cryptobyte.Builder
	for _, der := range chain {
		b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(der) })
		if tls13 {
			b.AddUint16(0) // no per-certificate extensions
		}
	}
	return b.BytesOrPanic()
}

func decodeCertificates(list []byte, tls13 bool) ([][]byte, error) {
	s := cryptobyte.String(list)
	var chain [][]byte
	for !s.Empty() {
		var der, exts cryptobyte.String
		if !s.ReadUint24LengthPrefixed(&der) {
			return nil, fmt.Errorf("certificate list: %w", ErrMalformed)
		}
		if tls13 && !s.ReadUint16LengthPrefixed(&exts) {
			return nil, fmt.Errorf("certificate entry: %w", ErrMalformed)
		}
		chain = append(chain, []byte(der))
	}
	return chain, nil
}

var certificateEntry = NewEntry("Certificate", certificateType,
	func() *Certificate { return &Certificate{} },
	Codec[*Certificate]{
		Parse: func(m *Certificate, s *cryptobyte.String, ctx *tlsctx.Context) bool {
			m.tls13 = ctx.Version.IsTLS13()
			if m.tls13 && !readVector8(s, &m.RequestContextLength, &m.RequestContext) {
				return false
			}
			var n uint32
			var list []byte
			if !s.ReadUint24(&n) || !s.ReadBytes(&list, int(n)) {
				return false
			}
			m.CertificatesLength.SetNatural(n)
			m.Certificates.SetNatural(list)
			return true
		},
		Prepare: func(m *Certificate, ctx *tlsctx.Context) error {
			m.tls13 = ctx.Version.IsTLS13()
			if m.tls13 {
				m.RequestContext.SetNatural([]byte{})
				m.RequestContextLength.SetNatural(uint8(len(m.RequestContext.Get())))
			}
			m.Certificates.SetNatural(encodeCertificates(m.Chain, m.tls13))
			m.CertificatesLength.SetNatural(uint32(len(m.Certificates.Get())))
			return nil
		},
		Serialize: func(m *Certificate, b *cryptobyte.Builder, _ *tlsctx.Context) {
			if m.tls13 {
				b.AddUint8(m.RequestContextLength.Get())
				b.AddBytes(m.RequestContext.Get())
			}
			b.AddUint24(m.CertificatesLength.Get())
			b.AddBytes(m.Certificates.Get())
		},
		Handle: func(m *Certificate, ctx *tlsctx.Context) error {
			if !ctx.IsPeerTalking() {
				return nil
			}
			chain, err := decodeCertificates(m.Certificates.Get(), m.tls13)
			if err != nil {
				return err
			}
			ctx.PeerCertificates = chain
			return nil
		},
	})

// ServerKeyExchange carries the server's ephemeral ECDHE share.
type ServerKeyExchange struct {
	Handshake
	CurveType          modvar.Value[uint8]
	NamedGroup         modvar.Value[uint16]
	PublicKeyLength    modvar.Value[uint8]
	PublicKey          modvar.Value[[]byte]
	SignatureAlgorithm modvar.Value[uint16]
	SignatureLength    modvar.Value[uint16]
	Signature          modvar.Value[[]byte]

	withAlgorithm bool
	privateKey    *ecdh.PrivateKey
}

var serverKeyExchangeType = HandshakeTypeOf(protocol.HandshakeServerKeyExchange)

const namedCurve = 3

func (m *ServerKeyExchange) Type() Type    { return serverKeyExchangeType }
func (m *ServerKeyExchange) Entry() *Entry { return serverKeyExchangeEntry }

func (m *ServerKeyExchange) Fields() map[string]modvar.Field {
	fields := map[string]modvar.Field{
		"curve_type":        &m.CurveType,
		"named_group":       &m.NamedGroup,
		"public_key_length": &m.PublicKeyLength,
		"public_key":        &m.PublicKey,
		"signature_length":  &m.SignatureLength,
		"signature":         &m.Signature,
	}
	if m.withAlgorithm {
		fields["signature_algorithm"] = &m.SignatureAlgorithm
	}
	return m.headerFields(fields)
}

var serverKeyExchangeEntry = NewEntry("ServerKeyExchange", serverKeyExchangeType,
	func() *ServerKeyExchange { return &ServerKeyExchange{} },
	Codec[*ServerKeyExchange]{
		Parse: func(m *ServerKeyExchange, s *cryptobyte.String, ctx *tlsctx.Context) bool {
			m.withAlgorithm = signsWithAlgorithm(ctx.Version)
			var curveType uint8
			var group uint16
			if !s.ReadUint8(&curveType) || !s.ReadUint16(&group) {
				return false
			}
			m.CurveType.SetNatural(curveType)
			m.NamedGroup.SetNatural(group)
			if !readVector8(s, &m.PublicKeyLength, &m.PublicKey) {
				return false
			}
			if m.withAlgorithm {
				var alg uint16
				if !s.ReadUint16(&alg) {
					return false
				}
				m.SignatureAlgorithm.SetNatural(alg)
			}
			return readVector16(s, &m.SignatureLength, &m.Signature)
		},
		Prepare: func(m *ServerKeyExchange, ctx *tlsctx.Context) error {
			m.withAlgorithm = signsWithAlgorithm(ctx.Version)
			if m.privateKey == nil {
				key, err := generateKey(protocol.GroupX25519)
				if err != nil {
					return err
				}
				m.privateKey = key
			}
			m.CurveType.SetNatural(namedCurve)
			m.NamedGroup.SetNatural(uint16(protocol.GroupX25519))
			m.PublicKey.SetNatural(m.privateKey.PublicKey().Bytes())
			m.PublicKeyLength.SetNatural(uint8(len(m.PublicKey.Get())))
			// There is no signing key; the signature stays empty unless overridden.
			m.SignatureAlgorithm.SetNatural(0x0804)
			m.Signature.SetNatural([]byte{})
			m.SignatureLength.SetNatural(uint16(len(m.Signature.Get())))
			return nil
		},
		Serialize: func(m *ServerKeyExchange, b *cryptobyte.Builder, _ *tlsctx.Context) {
			b.AddUint8(m.CurveType.Get())
			b.AddUint16(m.NamedGroup.Get())
			b.AddUint8(m.PublicKeyLength.Get())
			b.AddBytes(m.PublicKey.Get())
			if m.withAlgorithm {
				b.AddUint16(m.SignatureAlgorithm.Get())
			}
			b.AddUint16(m.SignatureLength.Get())
			b.AddBytes(m.Signature.Get())
		},
		Handle: func(m *ServerKeyExchange, ctx *tlsctx.Context) error {
			if !ctx.IsPeerTalking() {
				ctx.KeySharePrivate = m.privateKey
				return nil
			}
			ctx.PeerKeyShareGroup = protocol.NamedGroup(m.NamedGroup.Get())
			ctx.PeerKeyShare = m.PublicKey.Get()
			return nil
		},
	})

// CertificateRequest asks the client for a certificate. Its body is kept
// raw.
type CertificateRequest struct {
	Handshake
	Body modvar.Value[[]byte]
}

var certificateRequestType = HandshakeTypeOf(protocol.HandshakeCertificateRequest)

func (m *CertificateRequest) Type() Type    { return certificateRequestType }
func (m *CertificateRequest) Entry() *Entry { return certificateRequestEntry }

func (m *CertificateRequest) Fields() map[string]modvar.Field {
	return m.headerFields(map[string]modvar.Field{"body": &m.Body})
}

var certificateRequestEntry = NewEntry("CertificateRequest", certificateRequestType,
	func() *CertificateRequest { return &CertificateRequest{} },
	Codec[*CertificateRequest]{
		Parse: func(m *CertificateRequest, s *cryptobyte.String, _ *tlsctx.Context) bool {
			m.Body.SetNatural(readRest(s))
			return true
		},
		Prepare: func(m *CertificateRequest, ctx *tlsctx.Context) error {
			switch {
			case ctx.Version.IsTLS13():
				// Empty context and a signature_algorithms extension with rsa_pss_rsae_sha256.
				m.Body.SetNatural([]byte{0x00, 0x00, 0x08, 0x00, 0x0d, 0x00, 0x04, 0x00, 0x02, 0x08, 0x04})
			case signsWithAlgorithm(ctx.Version):
				m.Body.SetNatural([]byte{0x01, 0x01, 0x00, 0x02, 0x04, 0x01, 0x00, 0x00})
			default:
				m.Body.SetNatural([]byte{0x01, 0x01, 0x00, 0x00})
			}
			return nil
		},
		Serialize: func(m *CertificateRequest, b *cryptobyte.Builder, _ *tlsctx.Context) {
			b.AddBytes(m.Body.Get())
		},
	})

// ServerHelloDone ends the server's first flight. It has no body.
type ServerHelloDone struct {
	Handshake
}

var serverHelloDoneType = HandshakeTypeOf(protocol.HandshakeServerHelloDone)

func (m *ServerHelloDone) Type() Type    { return serverHelloDoneType }
func (m *ServerHelloDone) Entry() *Entry { return serverHelloDoneEntry }

func (m *ServerHelloDone) Fields() map[string]modvar.Field {
	return m.headerFields(map[string]modvar.Field{})
}

var serverHelloDoneEntry = NewEntry("ServerHelloDone", serverHelloDoneType,
	func() *ServerHelloDone { return &ServerHelloDone{} },
	Codec[*ServerHelloDone]{
		Parse: func(*ServerHelloDone, *cryptobyte.String, *tlsctx.Context) bool { return true },
	})

// ClientKeyExchange carries the client's share of the premaster secret:
// an ECDHE public key or an RSA encrypted premaster secret, depending on
// the selected cipher suite.
type ClientKeyExchange struct {
	Handshake
	PublicKeyLength                modvar.Value[uint8]
	PublicKey                      modvar.Value[[]byte]
	EncryptedPreMasterSecretLength modvar.Value[uint16]
	EncryptedPreMasterSecret       modvar.Value[[]byte]
	// PreMasterSecret is computed and never sent. Overriding it changes the
	// keys the client derives.
	PreMasterSecret modvar.Value[[]byte]

	rsa        bool
	ssl        bool
	privateKey *ecdh.PrivateKey
	// encryptedFor caches the last RSA encryption so Prepare stays idempotent.
	encryptedFor, encrypted []byte
}

var clientKeyExchangeType = HandshakeTypeOf(protocol.HandshakeClientKeyExchange)

func (m *ClientKeyExchange) Type() Type    { return clientKeyExchangeType }
func (m *ClientKeyExchange) Entry() *Entry { return clientKeyExchangeEntry }

func (m *ClientKeyExchange) Fields() map[string]modvar.Field {
	fields := map[string]modvar.Field{"premaster_secret": &m.PreMasterSecret}
	if m.rsa {
		fields["encrypted_premaster_secret_length"] = &m.EncryptedPreMasterSecretLength
		fields["encrypted_premaster_secret"] = &m.EncryptedPreMasterSecret
	} else {
		fields["public_key_length"] = &m.PublicKeyLength
		fields["public_key"] = &m.PublicKey
	}
	return m.headerFields(fields)
}

func (m *ClientKeyExchange) setKeyExchange(ctx *tlsctx.Context) {
	m.rsa = ctx.Suite().KeyExchange == protocol.KeyExchangeRSA
	m.ssl = ctx.Version.IsSSL()
}

func prepareClientKeyExchange(m *ClientKeyExchange, ctx *tlsctx.Context) error {
	m.setKeyExchange(ctx)
	if m.rsa {
		return prepareRSAKeyExchange(m, ctx)
	}
	group := ctx.PeerKeyShareGroup
	if group == 0 {
		group = protocol.GroupX25519
	}
	if m.privateKey == nil {
		key, err := generateKey(group)
		if err != nil {
			return err
		}
		m.privateKey = key
	}
	m.PublicKey.SetNatural(m.privateKey.PublicKey().Bytes())
	m.PublicKeyLength.SetNatural(uint8(len(m.PublicKey.Get())))
	if !m.PreMasterSecret.HasNatural() {
		// Without a usable peer share the premaster secret is all zeros.
		pms, err := sharedSecret(m.privateKey, ctx.PeerKeyShare)
		if err != nil {
			pms = make([]byte, 32)
		}
		m.PreMasterSecret.SetNatural(pms)
	}
	return nil
}

func prepareRSAKeyExchange(m *ClientKeyExchange, ctx *tlsctx.Context) error {
	if !m.PreMasterSecret.HasNatural() {
		pms := append(legacyVersion(ctx.Config.HighestProtocolVersion).Bytes(), randomBytes(46)...)
		m.PreMasterSecret.SetNatural(pms)
	}
	pms := m.PreMasterSecret.Get()
	if m.encrypted == nil || !bytes.Equal(m.encryptedFor, pms) {
		encrypted, err := encryptPreMaster(ctx.PeerCertificates, pms)
		if err != nil {
			return err
		}
		m.encryptedFor, m.encrypted = append([]byte{}, pms...), encrypted
	}
	m.EncryptedPreMasterSecret.SetNatural(m.encrypted)
	m.EncryptedPreMasterSecretLength.SetNatural(uint16(len(m.EncryptedPreMasterSecret.Get())))
	return nil
}

// encryptPreMaster encrypts pms to the peer's leaf certificate. Without a
// certificate the premaster secret is sent in the clear.
func encryptPreMaster(chain [][]byte, pms []byte) ([]byte, error) {
	if len(chain) == 0 {
		return append([]byte{}, pms...), nil
	}
	cert, err := x509.ParseCertificate(chain[0])
	if err != nil {
		return nil, fmt.Errorf("peer certificate: %w", err)
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("peer certificate key is %T, not RSA", cert.PublicKey)
	}
	return rsa.EncryptPKCS1v15(rand.Reader, pub, pms)
}

func parseClientKeyExchange(m *ClientKeyExchange, s *cryptobyte.String, ctx *tlsctx.Context) bool {
	m.setKeyExchange(ctx)
	switch {
	case !m.rsa:
		return readVector8(s, &m.PublicKeyLength, &m.PublicKey)
	case m.ssl:
		m.EncryptedPreMasterSecret.SetNatural(readRest(s))
		return true
	}
	return readVector16(s, &m.EncryptedPreMasterSecretLength, &m.EncryptedPreMasterSecret)
}

func serializeClientKeyExchange(m *ClientKeyExchange, b *cryptobyte.Builder, _ *tlsctx.Context) {
	if !m.rsa {
		b.AddUint8(m.PublicKeyLength.Get())
		b.AddBytes(m.PublicKey.Get())
		return
	}
	if !m.ssl {
		b.AddUint16(m.EncryptedPreMasterSecretLength.Get())
	}
	b.AddBytes(m.EncryptedPreMasterSecret.Get())
}

func handleClientKeyExchange(m *ClientKeyExchange, ctx *tlsctx.Context) error {
	switch {
	case !ctx.IsPeerTalking():
		if m.privateKey != nil {
			ctx.KeySharePrivate = m.privateKey
		}
		ctx.PreMasterSecret = m.PreMasterSecret.Get()
	case m.rsa:
		return fmt.Errorf("%w: no RSA key to decrypt the premaster secret", tlsctx.ErrNoKeyMaterial)
	default:
		pms, err := sharedSecret(ctx.KeySharePrivate, m.PublicKey.Get())
		if err != nil {
			return err
		}
		ctx.PreMasterSecret = pms
	}
	return ctx.ComputeMasterSecret()
}

var clientKeyExchangeEntry = NewEntry("ClientKeyExchange", clientKeyExchangeType,
	func() *ClientKeyExchange { return &ClientKeyExchange{} },
	Codec[*ClientKeyExchange]{
		Parse:     parseClientKeyExchange,
		Prepare:   prepareClientKeyExchange,
		Serialize: serializeClientKeyExchange,
		Handle:    handleClientKeyExchange,
	})

// EncryptedExtensions carries the TLS 1.3 server extensions that need no
// cleartext.
type EncryptedExtensions struct {
	Handshake
	extensionBlock
}

var encryptedExtensionsType = HandshakeTypeOf(protocol.HandshakeEncryptedExtensions)

func (m *EncryptedExtensions) Type() Type    { return encryptedExtensionsType }
func (m *EncryptedExtensions) Entry() *Entry { return encryptedExtensionsEntry }

func (m *EncryptedExtensions) Fields() map[string]modvar.Field {
	return m.addFields(m.headerFields(map[string]modvar.Field{}))
}

var encryptedExtensionsEntry = NewEntry("EncryptedExtensions", encryptedExtensionsType,
	func() *EncryptedExtensions { return &EncryptedExtensions{} },
	Codec[*EncryptedExtensions]{
		Parse: func(m *EncryptedExtensions, s *cryptobyte.String, _ *tlsctx.Context) bool {
			m.mandatory = true
			return m.extensionBlock.parse(s)
		},
		Prepare: func(m *EncryptedExtensions, ctx *tlsctx.Context) error {
			m.mandatory = true
			if m.Extensions == nil {
				m.Extensions = []*Extension{}
			}
			return m.extensionBlock.prepare(encryptedExtensionsType, ctx)
		},
		Serialize: func(m *EncryptedExtensions, b *cryptobyte.Builder, _ *tlsctx.Context) {
			m.extensionBlock.serialize(b)
		},
		Handle: func(m *EncryptedExtensions, ctx *tlsctx.Context) error {
			return m.extensionBlock.handle(encryptedExtensionsType, ctx)
		},
	})

// Finished proves both ends saw the same handshake.
type Finished struct {
	Handshake
	VerifyData modvar.Value[[]byte]
}

var finishedType = HandshakeTypeOf(protocol.HandshakeFinished)

func (m *Finished) Type() Type    { return finishedType }
func (m *Finished) Entry() *Entry { return finishedEntry }

func (m *Finished) Fields() map[string]modvar.Field {
	return m.headerFields(map[string]modvar.Field{"verify_data": &m.VerifyData})
}

func prepareFinished(m *Finished, ctx *tlsctx.Context) error {
	secret, err := ctx.VerifyDataSecret(ctx.ConnectionEnd)
	if err != nil {
		if m.VerifyData.Modifier() != nil {
			m.VerifyData.SetNatural([]byte{})
			return nil
		}
		return err
	}
	m.VerifyData.SetNatural(tlscrypto.VerifyData(ctx.Version, ctx.Suite(), secret, ctx.ConnectionEnd, ctx.TranscriptHash()))
	return nil
}

// handleFinished records the verify data and extends the transcript. In TLS
// 1.3 the server Finished completes the transcript the application secrets
// derive from, and each Finished switches its sender's direction to them.
func handleFinished(m *Finished, ctx *tlsctx.Context) error {
	writer := ctx.TalkingPeer
	if writer == protocol.Client {
		ctx.ClientVerifyData = m.VerifyData.Get()
	} else {
		ctx.ServerVerifyData = m.VerifyData.Get()
	}
	ctx.Digest.Append(m.Meta().Raw)
	if !ctx.Version.IsTLS13() {
		return nil
	}
	if ctx.Schedule == nil {
		return fmt.Errorf("%w: key schedule not started", tlsctx.ErrNoKeyMaterial)
	}
	if writer == protocol.Server {
		ctx.Schedule.DeriveApplicationSecrets(ctx.TranscriptHash())
	}
	if ctx.IsPeerTalking() {
		return ctx.ActivateReadKeys()
	}
	return ctx.ActivateWriteKeys()
}

var finishedEntry = NewEntry("Finished", finishedType,
	func() *Finished { return &Finished{} },
	Codec[*Finished]{
		Parse: func(m *Finished, s *cryptobyte.String, _ *tlsctx.Context) bool {
			m.VerifyData.SetNatural(readRest(s))
			return true
		},
		Prepare: prepareFinished,
		Serialize: func(m *Finished, b *cryptobyte.Builder, _ *tlsctx.Context) {
			b.AddBytes(m.VerifyData.Get())
		},
		Handle: handleFinished,
		ChangesWriteKeys: func(_ *Finished, ctx *tlsctx.Context) bool {
			return ctx.Version.IsTLS13()
		},
		OwnsDigest: true,
	})

// readRest consumes and returns everything left in s.
func readRest(s *cryptobyte.String) []byte {
	var b []byte
	s.ReadBytes(&b, len(*s))
	return b
}
