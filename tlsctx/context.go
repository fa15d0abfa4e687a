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
Package tlsctx holds the mutable state of one connection.

A [Context] is owned by exactly one connection and is passed explicitly into
every layer and handler call that needs it. Handlers and preparators mutate
it; the record layer reads the key states it publishes through
[Context.ActivateReadKeys] and [Context.ActivateWriteKeys]. Nothing in this
package is safe for concurrent use; a connection is driven by a single
goroutine.
*/
package tlsctx

import (
	"crypto/ecdh"
	"errors"
	"fmt"

	"github.com/Jigsaw-Code/tlsprobe/config"
	"github.com/Jigsaw-Code/tlsprobe/protocol"
	"github.com/Jigsaw-Code/tlsprobe/tlscrypto"
)

// ErrNoKeyMaterial is returned when keys are activated before the secrets
// they derive from exist.
var ErrNoKeyMaterial = errors.New("tlsctx: no key material")

// KeyState is the published record protection state of one direction.
type KeyState struct {
	Epoch   uint16
	Version protocol.ProtocolVersion
	Suite   protocol.CipherSuite
	Keys    tlscrypto.Keys
}

// Context is the state of one connection.
type Context struct {
	Config *config.Config
	// ConnectionEnd is the role this side plays.
	ConnectionEnd protocol.ConnectionEnd
	// TalkingPeer is the end that sent the message currently being processed.
	TalkingPeer protocol.ConnectionEnd

	// Version and SelectedCipherSuite start from configuration and are
	// replaced by what the hellos negotiate.
	Version             protocol.ProtocolVersion
	SelectedCipherSuite uint16
	// RecordVersion is written into record headers.
	RecordVersion protocol.ProtocolVersion

	ClientRandom []byte
	ServerRandom []byte
	SessionID    []byte
	DTLSCookie   []byte

	PreMasterSecret         []byte
	MasterSecret            []byte
	UseExtendedMasterSecret bool
	// Schedule is the TLS 1.3 key schedule, created by ServerHello.
	Schedule *tlscrypto.Schedule

	// Key exchange material. Private keys belong to this side.
	KeySharePrivate   *ecdh.PrivateKey
	PeerKeyShare      []byte
	PeerKeyShareGroup protocol.NamedGroup
	PeerCertificates  [][]byte
	SharedSecret      []byte

	Digest tlscrypto.Digest

	ClientVerifyData []byte
	ServerVerifyData []byte

	// DTLS handshake message_seq counters.
	NextSendMessageSeq    uint16
	NextReceiveMessageSeq uint16

	// LastHandledApplicationData is the payload of the last application data
	// message processed in either direction.
	LastHandledApplicationData []byte
	// PeerRecordSizeLimit is the record_size_limit the peer advertised; zero
	// when absent.
	PeerRecordSizeLimit int
	ServerName          string

	// Sticky flags consulted by the executor.
	EarlyCleanShutdown     bool
	ReceivedFatalAlert     bool
	ReceivedTransportError bool

	readKeys, writeKeys KeyState
	hasRead, hasWrite   bool
}

// New returns the initial state of a connection playing end.
func New(cfg *config.Config, end protocol.ConnectionEnd) *Context {
	c := &Context{
		Config:              cfg,
		ConnectionEnd:       end,
		TalkingPeer:         end,
		Version:             cfg.HighestProtocolVersion,
		SelectedCipherSuite: cfg.DefaultSelectedCipherSuite,
	}
	c.RecordVersion = c.initialRecordVersion()
	return c
}

func (c *Context) initialRecordVersion() protocol.ProtocolVersion {
	switch {
	case c.Version == protocol.VersionDTLS13:
		return protocol.VersionDTLS12
	case c.Version.IsDTLS():
		return protocol.VersionDTLS10
	case c.Version.IsTLS13():
		return protocol.VersionTLS12
	}
	return protocol.VersionTLS10
}

func (c *Context) IsDTLS() bool {
	return c.Version.IsDTLS()
}

// Suite returns the selected cipher suite. Unknown IDs yield the null suite
// carrying the ID, so that protection fails cleanly instead of panicking.
func (c *Context) Suite() protocol.CipherSuite {
	if s, ok := protocol.CipherSuiteByID(c.SelectedCipherSuite); ok {
		return s
	}
	s := protocol.NullSuite
	s.ID = c.SelectedCipherSuite
	s.Name = ""
	return s
}

// IsPeerTalking reports whether the message being processed came from the peer.
func (c *Context) IsPeerTalking() bool {
	return c.TalkingPeer != c.ConnectionEnd
}

// MaxRecordPayload is the largest plaintext fragment a sent record may carry.
func (c *Context) MaxRecordPayload() int {
	limit := c.Config.DefaultMaxRecordData
	if limit <= 0 {
		limit = 1 << 14
	}
	if c.PeerRecordSizeLimit > 0 {
		peer := c.PeerRecordSizeLimit
		if c.Version.IsTLS13() {
			// The limit counts the inner content type byte.
			peer--
		}
		limit = min(limit, max(peer, 1))
	}
	return limit
}

// ReadKeys returns the key state records from the peer are protected with.
func (c *Context) ReadKeys() (KeyState, bool) {
	return c.readKeys, c.hasRead
}

// WriteKeys returns the key state sent records are protected with.
func (c *Context) WriteKeys() (KeyState, bool) {
	return c.writeKeys, c.hasWrite
}

// ActivateReadKeys switches the read direction to the next key generation.
func (c *Context) ActivateReadKeys() error {
	ks, err := c.nextKeys(c.ConnectionEnd.Peer(), c.readKeys.Epoch, c.hasRead)
	if err != nil {
		return err
	}
	c.readKeys, c.hasRead = ks, true
	return nil
}

// ActivateWriteKeys switches the write direction to the next key generation.
func (c *Context) ActivateWriteKeys() error {
	ks, err := c.nextKeys(c.ConnectionEnd, c.writeKeys.Epoch, c.hasWrite)
	if err != nil {
		return err
	}
	c.writeKeys, c.hasWrite = ks, true
	return nil
}

// TLS 1.3 epochs as numbered by DTLS 1.3: 2 protects the handshake and 3 the
// first application traffic keys.
const (
	epochHandshake   = 2
	epochApplication = 3
)

func (c *Context) nextKeys(writer protocol.ConnectionEnd, epoch uint16, keyed bool) (KeyState, error) {
	suite, ok := protocol.CipherSuiteByID(c.SelectedCipherSuite)
	if !ok {
		return KeyState{}, fmt.Errorf("%w: unknown cipher suite 0x%04x", ErrNoKeyMaterial, c.SelectedCipherSuite)
	}
	ks := KeyState{Version: c.Version, Suite: suite}
	if c.Version.IsTLS13() {
		if c.Schedule == nil {
			return KeyState{}, fmt.Errorf("%w: key schedule not started", ErrNoKeyMaterial)
		}
		var secret []byte
		if !keyed || epoch < epochHandshake {
			ks.Epoch = epochHandshake
			secret = c.Schedule.HandshakeTraffic(writer)
		} else {
			ks.Epoch = epochApplication
			secret = c.Schedule.ApplicationTraffic(writer)
		}
		if secret == nil {
			return KeyState{}, fmt.Errorf("%w: traffic secret for epoch %d", ErrNoKeyMaterial, ks.Epoch)
		}
		ks.Keys = tlscrypto.TrafficKeys(c.Version, suite, secret)
		return ks, nil
	}
	if c.MasterSecret == nil {
		return KeyState{}, fmt.Errorf("%w: master secret not computed", ErrNoKeyMaterial)
	}
	ks.Epoch = epoch + 1
	block := tlscrypto.KeyBlock(c.Version, suite, c.MasterSecret, c.ClientRandom, c.ServerRandom)
	ks.Keys = block.For(writer)
	return ks, nil
}

// ComputeMasterSecret derives the TLS 1.2 and earlier master secret from the
// pre-master secret.
func (c *Context) ComputeMasterSecret() error {
	if c.PreMasterSecret == nil {
		return fmt.Errorf("%w: pre-master secret not set", ErrNoKeyMaterial)
	}
	suite := c.Suite()
	if c.UseExtendedMasterSecret {
		sessionHash := c.Digest.Sum(c.Version, suite.PRFHash)
		c.MasterSecret = tlscrypto.ExtendedMasterSecret(c.Version, suite, c.PreMasterSecret, sessionHash)
		return nil
	}
	c.MasterSecret = tlscrypto.MasterSecret(c.Version, suite, c.PreMasterSecret, c.ClientRandom, c.ServerRandom)
	return nil
}

// TranscriptHash hashes the digest with the negotiated hash.
func (c *Context) TranscriptHash() []byte {
	return c.Digest.Sum(c.Version, c.Suite().PRFHash)
}

// SetRandom stores the hello random sent by end.
func (c *Context) SetRandom(end protocol.ConnectionEnd, random []byte) {
	if end == protocol.Client {
		c.ClientRandom = random
	} else {
		c.ServerRandom = random
	}
}

// VerifyDataSecret returns the secret the Finished message of writer is
// computed from.
func (c *Context) VerifyDataSecret(writer protocol.ConnectionEnd) ([]byte, error) {
	if c.Version.IsTLS13() {
		if c.Schedule == nil || c.Schedule.HandshakeTraffic(writer) == nil {
			return nil, fmt.Errorf("%w: handshake traffic secret", ErrNoKeyMaterial)
		}
		return c.Schedule.HandshakeTraffic(writer), nil
	}
	if c.MasterSecret == nil {
		return nil, fmt.Errorf("%w: master secret not computed", ErrNoKeyMaterial)
	}
	return c.MasterSecret, nil
}
