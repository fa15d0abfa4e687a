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

// Package tlscrypto derives TLS key material. It wraps the black-box
// primitives (HMAC, HKDF, hashes) into the PRF, key-block and key schedule
// constructions of each protocol version.
package tlscrypto

import (
	"crypto"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"hash"

	"github.com/Jigsaw-Code/tlsprobe/protocol"
)

const (
	masterSecretLen = 48
	verifyDataLen   = 12
)

// Keys is the traffic key material of one writer.
type Keys struct {
	MACKey []byte
	Key    []byte
	IV     []byte
}

// KeySet holds the key material of both directions.
type KeySet struct {
	Client Keys
	Server Keys
}

// For returns the keys used by the writer playing end.
func (k KeySet) For(end protocol.ConnectionEnd) Keys {
	if end == protocol.Client {
		return k.Client
	}
	return k.Server
}

// usesLegacyPRF reports whether v derives keys with the MD5/SHA-1 PRF of
// TLS 1.0 and 1.1.
func usesLegacyPRF(v protocol.ProtocolVersion) bool {
	switch v {
	case protocol.VersionSSL30, protocol.VersionTLS10, protocol.VersionTLS11, protocol.VersionDTLS10:
		return true
	}
	return false
}

func pHash(h func() hash.Hash, secret, seed []byte, out []byte) {
	mac := hmac.New(h, secret)
	mac.Write(seed)
	a := mac.Sum(nil)
	for n := 0; n < len(out); {
		mac.Reset()
		mac.Write(a)
		mac.Write(seed)
		n += copy(out[n:], mac.Sum(nil))
		mac.Reset()
		mac.Write(a)
		a = mac.Sum(nil)
	}
}

// PRF computes the pseudo-random function of version. h selects the TLS 1.2
// hash and is ignored by older versions.
func PRF(version protocol.ProtocolVersion, h crypto.Hash, secret []byte, label string, seed []byte, n int) []byte {
	labelSeed := make([]byte, 0, len(label)+len(seed))
	labelSeed = append(append(labelSeed, label...), seed...)
	out := make([]byte, n)
	if !usesLegacyPRF(version) {
		pHash(h.New, secret, labelSeed, out)
		return out
	}
	half := (len(secret) + 1) / 2
	s1, s2 := secret[:half], secret[len(secret)-half:]
	pHash(md5.New, s1, labelSeed, out)
	tmp := make([]byte, n)
	pHash(sha1.New, s2, labelSeed, tmp)
	for i := range out {
		out[i] ^= tmp[i]
	}
	return out
}

// MasterSecret derives the TLS 1.2 and earlier master secret from the
// pre-master secret and both hello randoms.
func MasterSecret(version protocol.ProtocolVersion, suite protocol.CipherSuite, preMaster, clientRandom, serverRandom []byte) []byte {
	seed := append(append([]byte{}, clientRandom...), serverRandom...)
	return PRF(version, suite.PRFHash, preMaster, "master secret", seed, masterSecretLen)
}

// ExtendedMasterSecret derives the master secret of RFC 7627 from the
// transcript hash up to the client key exchange.
func ExtendedMasterSecret(version protocol.ProtocolVersion, suite protocol.CipherSuite, preMaster, sessionHash []byte) []byte {
	return PRF(version, suite.PRFHash, preMaster, "extended master secret", sessionHash, masterSecretLen)
}

// KeyBlock expands the master secret into the traffic keys of both writers.
func KeyBlock(version protocol.ProtocolVersion, suite protocol.CipherSuite, master, clientRandom, serverRandom []byte) KeySet {
	ivLen := suite.FixedIVLen
	if suite.Kind == protocol.CipherBlock && version.UsesExplicitIV() {
		ivLen = 0
	}
	macLen := suite.MACLen
	seed := append(append([]byte{}, serverRandom...), clientRandom...)
	block := PRF(version, suite.PRFHash, master, "key expansion", seed, 2*(macLen+suite.KeyLen+ivLen))

	next := func(n int) []byte {
		out := block[:n:n]
		block = block[n:]
		return out
	}
	var ks KeySet
	ks.Client.MACKey = next(macLen)
	ks.Server.MACKey = next(macLen)
	ks.Client.Key = next(suite.KeyLen)
	ks.Server.Key = next(suite.KeyLen)
	ks.Client.IV = next(ivLen)
	ks.Server.IV = next(ivLen)
	return ks
}

// VerifyData computes the Finished payload sent by end over handshakeHash.
// For TLS 1.3 secret is the sender's handshake traffic secret; otherwise it
// is the master secret.
func VerifyData(version protocol.ProtocolVersion, suite protocol.CipherSuite, secret []byte, end protocol.ConnectionEnd, handshakeHash []byte) []byte {
	if version.IsTLS13() {
		finishedKey := ExpandLabel(version, suite.PRFHash, secret, "finished", nil, suite.HashLen())
		mac := hmac.New(suite.PRFHash.New, finishedKey)
		mac.Write(handshakeHash)
		return mac.Sum(nil)
	}
	label := "client finished"
	if end == protocol.Server {
		label = "server finished"
	}
	return PRF(version, suite.PRFHash, secret, label, handshakeHash, verifyDataLen)
}
