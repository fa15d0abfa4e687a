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
	"crypto/ecdh"
	"errors"
	"fmt"

	"github.com/Jigsaw-Code/tlsprobe/modvar"
	"github.com/Jigsaw-Code/tlsprobe/protocol"
	"github.com/Jigsaw-Code/tlsprobe/tlsctx"
	"golang.org/x/crypto/cryptobyte"
)

// Extension is one hello extension. Kind selects how the natural data is
// computed and handled; Type is what goes on the wire.
//
//	| extension_type(2) | extension_length(2) | extension_data |
type Extension struct {
	Kind   protocol.ExtensionType
	Type   modvar.Value[uint16]
	Length modvar.Value[uint16]
	Data   modvar.Value[[]byte]

	// Key share state, kept across Prepare calls.
	group      protocol.NamedGroup
	privateKey *ecdh.PrivateKey
}

// NewExtension returns an empty extension of kind.
func NewExtension(kind protocol.ExtensionType) *Extension {
	return &Extension{Kind: kind}
}

func (e *Extension) addFields(fields map[string]modvar.Field, i int) {
	prefix := fmt.Sprintf("extension[%d].", i)
	fields[prefix+"type"] = &e.Type
	fields[prefix+"length"] = &e.Length
	fields[prefix+"data"] = &e.Data
}

// Fields addresses the overridable fields of e by name.
func (e *Extension) Fields() map[string]modvar.Field {
	return map[string]modvar.Field{"type": &e.Type, "length": &e.Length, "data": &e.Data}
}

// extensionCodec computes and consumes the data of one extension type. in
// is the message the extension travels in.
type extensionCodec struct {
	prepare func(e *Extension, in Type, ctx *tlsctx.Context) ([]byte, error)
	handle  func(e *Extension, in Type, ctx *tlsctx.Context) error
}

var (
	clientHelloType = HandshakeTypeOf(protocol.HandshakeClientHello)
	serverHelloType = HandshakeTypeOf(protocol.HandshakeServerHello)
)

var errBadExtension = errors.New("malformed extension data")

var extensionCodecs = map[protocol.ExtensionType]extensionCodec{
	protocol.ExtServerName:           {prepare: prepareServerName, handle: handleServerName},
	protocol.ExtSupportedVersions:    {prepare: prepareSupportedVersions, handle: handleSupportedVersions},
	protocol.ExtKeyShare:             {prepare: prepareKeyShare, handle: handleKeyShare},
	protocol.ExtRecordSizeLimit:      {prepare: prepareRecordSizeLimit, handle: handleRecordSizeLimit},
	protocol.ExtCookie:               {prepare: prepareCookie, handle: handleCookie},
	protocol.ExtExtendedMasterSecret: {prepare: constantData(), handle: handleExtendedMasterSecret},
	protocol.ExtRenegotiationInfo:    {prepare: prepareRenegotiationInfo},
	protocol.ExtSupportedGroups: {prepare: constantData(0x00, 0x06,
		0x00, byte(protocol.GroupX25519), 0x00, byte(protocol.GroupSecp256r1), 0x00, byte(protocol.GroupSecp384r1))},
	protocol.ExtECPointFormats: {prepare: constantData(0x01, 0x00)},
	protocol.ExtSignatureAlgorithms: {prepare: constantData(0x00, 0x12,
		0x04, 0x03, 0x08, 0x04, 0x04, 0x01, 0x05, 0x03, 0x08, 0x05, 0x05, 0x01, 0x08, 0x06, 0x06, 0x01, 0x02, 0x01)},
	protocol.ExtHeartbeat:            {prepare: constantData(0x01)},
	protocol.ExtEncryptThenMAC:       {prepare: constantData()},
	protocol.ExtTruncatedHMAC:        {prepare: constantData()},
	protocol.ExtClientCertificateURL: {prepare: constantData()},
	protocol.ExtClientAuthz:          {prepare: constantData(0x01, 0x00)},
	protocol.ExtServerAuthz:          {prepare: constantData(0x01, 0x00)},
	protocol.ExtPWDProtect:           {prepare: constantData(0x00)},
	protocol.ExtCertificateType:      {prepare: prepareCertificateType},
	protocol.ExtClientCertType:       {prepare: prepareCertificateType},
	protocol.ExtServerCertType:       {prepare: prepareCertificateType},
}

func constantData(b ...byte) func(*Extension, Type, *tlsctx.Context) ([]byte, error) {
	return func(*Extension, Type, *tlsctx.Context) ([]byte, error) {
		return append([]byte{}, b...), nil
	}
}

func prepareServerName(_ *Extension, in Type, ctx *tlsctx.Context) ([]byte, error) {
	if in != clientHelloType {
		return []byte{}, nil
	}
	var b cryptobyte.Builder
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint8(0) // host_name
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes([]byte(ctx.Config.SNIHostname))
		})
	})
	return b.Bytes()
}

func handleServerName(e *Extension, in Type, ctx *tlsctx.Context) error {
	if in != clientHelloType || !ctx.IsPeerTalking() {
		return nil
	}
	s := cryptobyte.String(e.Data.Get())
	var list cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&list) {
		return fmt.Errorf("server_name: %w", errBadExtension)
	}
	for !list.Empty() {
		var nameType uint8
		var name cryptobyte.String
		if !list.ReadUint8(&nameType) || !list.ReadUint16LengthPrefixed(&name) {
			return fmt.Errorf("server_name: %w", errBadExtension)
		}
		if nameType == 0 {
			ctx.ServerName = string(name)
			return nil
		}
	}
	return nil
}

func prepareSupportedVersions(_ *Extension, in Type, ctx *tlsctx.Context) ([]byte, error) {
	if in != clientHelloType {
		return ctx.Version.Bytes(), nil
	}
	versions := []protocol.ProtocolVersion{ctx.Config.HighestProtocolVersion}
	switch ctx.Config.HighestProtocolVersion {
	case protocol.VersionTLS13:
		versions = append(versions, protocol.VersionTLS12)
	case protocol.VersionDTLS13:
		versions = append(versions, protocol.VersionDTLS12)
	}
	b := []byte{byte(2 * len(versions))}
	for _, v := range versions {
		b = append(b, v.Bytes()...)
	}
	return b, nil
}

func handleSupportedVersions(e *Extension, in Type, ctx *tlsctx.Context) error {
	if in != serverHelloType {
		return nil
	}
	s := cryptobyte.String(e.Data.Get())
	var v uint16
	if !s.ReadUint16(&v) {
		return fmt.Errorf("supported_versions: %w", errBadExtension)
	}
	ctx.Version = protocol.ProtocolVersion(v)
	return nil
}

func prepareKeyShare(e *Extension, in Type, ctx *tlsctx.Context) ([]byte, error) {
	if e.privateKey == nil {
		group := protocol.GroupX25519
		if in == serverHelloType && ctx.PeerKeyShareGroup != 0 {
			group = ctx.PeerKeyShareGroup
		}
		key, err := generateKey(group)
		if err != nil {
			return nil, err
		}
		e.group, e.privateKey = group, key
	}
	var b cryptobyte.Builder
	entry := func(b *cryptobyte.Builder) {
		b.AddUint16(uint16(e.group))
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes(e.privateKey.PublicKey().Bytes())
		})
	}
	if in == clientHelloType {
		b.AddUint16LengthPrefixed(entry)
	} else {
		entry(&b)
	}
	return b.Bytes()
}

func handleKeyShare(e *Extension, in Type, ctx *tlsctx.Context) error {
	if !ctx.IsPeerTalking() {
		if e.privateKey != nil {
			ctx.KeySharePrivate = e.privateKey
		}
		return nil
	}
	s := cryptobyte.String(e.Data.Get())
	if in == clientHelloType {
		var shares cryptobyte.String
		if !s.ReadUint16LengthPrefixed(&shares) {
			return fmt.Errorf("key_share: %w", errBadExtension)
		}
		s = shares
	}
	for !s.Empty() {
		var group uint16
		var key cryptobyte.String
		if !s.ReadUint16(&group) || !s.ReadUint16LengthPrefixed(&key) {
			return fmt.Errorf("key_share: %w", errBadExtension)
		}
		if _, ok := curveFor(protocol.NamedGroup(group)); ok {
			ctx.PeerKeyShareGroup = protocol.NamedGroup(group)
			ctx.PeerKeyShare = []byte(key)
			return nil
		}
	}
	return nil
}

func prepareRecordSizeLimit(_ *Extension, _ Type, ctx *tlsctx.Context) ([]byte, error) {
	limit := min(max(ctx.Config.DefaultMaxRecordData, 64), 1<<14)
	if ctx.Config.HighestProtocolVersion.IsTLS13() {
		limit++
	}
	return []byte{byte(limit >> 8), byte(limit)}, nil
}

func handleRecordSizeLimit(e *Extension, _ Type, ctx *tlsctx.Context) error {
	if !ctx.IsPeerTalking() {
		return nil
	}
	s := cryptobyte.String(e.Data.Get())
	var limit uint16
	if !s.ReadUint16(&limit) {
		return fmt.Errorf("record_size_limit: %w", errBadExtension)
	}
	if limit < 64 {
		return fmt.Errorf("record_size_limit: limit %d below 64", limit)
	}
	ctx.PeerRecordSizeLimit = int(limit)
	return nil
}

func prepareCookie(_ *Extension, _ Type, ctx *tlsctx.Context) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(ctx.DTLSCookie)
	})
	return b.Bytes()
}

func handleCookie(e *Extension, _ Type, ctx *tlsctx.Context) error {
	if !ctx.IsPeerTalking() {
		return nil
	}
	s := cryptobyte.String(e.Data.Get())
	var cookie cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&cookie) {
		return fmt.Errorf("cookie: %w", errBadExtension)
	}
	ctx.DTLSCookie = []byte(cookie)
	return nil
}

// handleExtendedMasterSecret turns extended master secret on when the server
// agrees, or when a client offers it to us.
func handleExtendedMasterSecret(_ *Extension, in Type, ctx *tlsctx.Context) error {
	if in == serverHelloType || (in == clientHelloType && ctx.IsPeerTalking()) {
		ctx.UseExtendedMasterSecret = true
	}
	return nil
}

func prepareRenegotiationInfo(_ *Extension, in Type, ctx *tlsctx.Context) ([]byte, error) {
	data := append([]byte{}, ctx.ClientVerifyData...)
	if in == serverHelloType {
		data = append(data, ctx.ServerVerifyData...)
	}
	return append([]byte{byte(len(data))}, data...), nil
}

func prepareCertificateType(_ *Extension, in Type, _ *tlsctx.Context) ([]byte, error) {
	// X.509 only.
	if in == clientHelloType {
		return []byte{0x01, 0x00}, nil
	}
	return []byte{0x00}, nil
}

func prepareExtension(e *Extension, in Type, ctx *tlsctx.Context) error {
	e.Type.SetNatural(uint16(e.Kind))
	if c, ok := extensionCodecs[e.Kind]; ok && c.prepare != nil {
		data, err := c.prepare(e, in, ctx)
		if err != nil {
			return fmt.Errorf("extension %v: %w", e.Kind, err)
		}
		e.Data.SetNatural(data)
	} else if !e.Data.HasNatural() {
		e.Data.SetNatural([]byte{})
	}
	e.Length.SetNatural(uint16(len(e.Data.Get())))
	return nil
}

func handleExtension(e *Extension, in Type, ctx *tlsctx.Context) error {
	if c, ok := extensionCodecs[e.Kind]; ok && c.handle != nil {
		return c.handle(e, in, ctx)
	}
	return nil
}

// extensionBlock is the extension list closing a hello or encrypted
// extensions message.
type extensionBlock struct {
	ExtensionsLength modvar.Value[uint16]
	// Extensions are the extensions in wire order. A nil list is filled with
	// defaults by Prepare where the message has defaults; an empty non-nil
	// list sends none.
	Extensions []*Extension
	// mandatory blocks are written even when empty.
	mandatory bool
}

// Extension returns the first extension of kind.
func (x *extensionBlock) Extension(kind protocol.ExtensionType) (*Extension, bool) {
	for _, e := range x.Extensions {
		if e.Kind == kind {
			return e, true
		}
	}
	return nil, false
}

func (x *extensionBlock) addFields(fields map[string]modvar.Field) map[string]modvar.Field {
	fields["extensions_length"] = &x.ExtensionsLength
	for i, e := range x.Extensions {
		e.addFields(fields, i)
	}
	return fields
}

func (x *extensionBlock) present() bool {
	return x.mandatory || len(x.Extensions) > 0 || x.ExtensionsLength.IsSet()
}

func (x *extensionBlock) prepare(in Type, ctx *tlsctx.Context) error {
	total := 0
	for _, e := range x.Extensions {
		if err := prepareExtension(e, in, ctx); err != nil {
			return err
		}
		total += 4 + len(e.Data.Get())
	}
	if len(x.Extensions) > 0 || x.mandatory {
		x.ExtensionsLength.SetNatural(uint16(total))
	}
	return nil
}

func (x *extensionBlock) parse(s *cryptobyte.String) bool {
	if s.Empty() && !x.mandatory {
		return true
	}
	var length uint16
	var block []byte
	if !s.ReadUint16(&length) || !s.ReadBytes(&block, int(length)) {
		return false
	}
	x.ExtensionsLength.SetNatural(length)
	x.Extensions = []*Extension{}
	list := cryptobyte.String(block)
	for !list.Empty() {
		var typ, n uint16
		var data []byte
		if !list.ReadUint16(&typ) || !list.ReadUint16(&n) || !list.ReadBytes(&data, int(n)) {
			return false
		}
		e := NewExtension(protocol.ExtensionType(typ))
		e.Type.SetNatural(typ)
		e.Length.SetNatural(n)
		e.Data.SetNatural(data)
		x.Extensions = append(x.Extensions, e)
	}
	return true
}

func (x *extensionBlock) serialize(b *cryptobyte.Builder) {
	if !x.present() {
		return
	}
	b.AddUint16(x.ExtensionsLength.Get())
	for _, e := range x.Extensions {
		b.AddUint16(e.Type.Get())
		b.AddUint16(e.Length.Get())
		b.AddBytes(e.Data.Get())
	}
}

func (x *extensionBlock) handle(in Type, ctx *tlsctx.Context) error {
	for _, e := range x.Extensions {
		if err := handleExtension(e, in, ctx); err != nil {
			return err
		}
	}
	return nil
}

func extensionsOf(kinds ...protocol.ExtensionType) []*Extension {
	exts := make([]*Extension, len(kinds))
	for i, k := range kinds {
		exts[i] = NewExtension(k)
	}
	return exts
}
