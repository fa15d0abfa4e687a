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
	"bytes"
	"crypto"
	"encoding/hex"
	"testing"

	"github.com/Jigsaw-Code/tlsprobe/protocol"
	"github.com/stretchr/testify/require"
)

func mustHex(t *testing.T, s string) []byte {
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

// Values from RFC 8448, section 3.
func TestSchedule_EarlySecret(t *testing.T) {
	suite, ok := protocol.CipherSuiteByID(0x1301)
	require.True(t, ok)
	s := NewSchedule(protocol.VersionTLS13, suite)
	require.Equal(t, mustHex(t, "33ad0a1c607ec03b09e6cd9893680ce210adf300aa1f2660e1b22e10f170f92a"), s.Early)

	derived := DeriveSecret(protocol.VersionTLS13, crypto.SHA256, s.Early, "derived", s.emptyHash())
	require.Equal(t, mustHex(t, "6f2615a108c702c5678f54fc9dbab69716c076189c48250cebeac3576c3611ba"), derived)
}

func TestSchedule_DirectionsDiffer(t *testing.T) {
	suite, _ := protocol.CipherSuiteByID(0x1301)
	s := NewSchedule(protocol.VersionTLS13, suite)
	s.SetSharedSecret(bytes.Repeat([]byte{1}, 32), make([]byte, 32))
	require.Len(t, s.ClientHandshakeTraffic, 32)
	require.NotEqual(t, s.ClientHandshakeTraffic, s.ServerHandshakeTraffic)
	s.DeriveApplicationSecrets(make([]byte, 32))
	require.NotEqual(t, s.HandshakeTraffic(protocol.Client), s.ApplicationTraffic(protocol.Client))

	keys := TrafficKeys(protocol.VersionTLS13, suite, s.ClientApplicationTraffic)
	require.Len(t, keys.Key, 16)
	require.Len(t, keys.IV, 12)

	dtls := TrafficKeys(protocol.VersionDTLS13, suite, s.ClientApplicationTraffic)
	require.NotEqual(t, keys.Key, dtls.Key)
}

func TestPRF_VersionsDiffer(t *testing.T) {
	secret := []byte("secret")
	seed := []byte("seed")
	legacy := PRF(protocol.VersionTLS10, crypto.SHA256, secret, "label", seed, 40)
	modern := PRF(protocol.VersionTLS12, crypto.SHA256, secret, "label", seed, 40)
	require.Len(t, legacy, 40)
	require.Len(t, modern, 40)
	require.NotEqual(t, legacy, modern)
	require.Equal(t, modern, PRF(protocol.VersionDTLS12, crypto.SHA256, secret, "label", seed, 40))
	// Output is a prefix-stable stream.
	require.Equal(t, modern[:20], PRF(protocol.VersionTLS12, crypto.SHA256, secret, "label", seed, 20))
}

func TestKeyBlock_Layout(t *testing.T) {
	master := bytes.Repeat([]byte{7}, 48)
	cr := bytes.Repeat([]byte{1}, 32)
	sr := bytes.Repeat([]byte{2}, 32)

	cbc, _ := protocol.CipherSuiteByID(0x002f)
	ks := KeyBlock(protocol.VersionTLS12, cbc, master, cr, sr)
	require.Len(t, ks.Client.MACKey, 20)
	require.Len(t, ks.Server.Key, 16)
	require.Empty(t, ks.Client.IV)

	ks10 := KeyBlock(protocol.VersionTLS10, cbc, master, cr, sr)
	require.Len(t, ks10.Server.IV, 16)

	gcm, _ := protocol.CipherSuiteByID(0xc02f)
	ks = KeyBlock(protocol.VersionTLS12, gcm, master, cr, sr)
	require.Empty(t, ks.Client.MACKey)
	require.Len(t, ks.For(protocol.Client).IV, 4)
	require.NotEqual(t, ks.For(protocol.Client).Key, ks.For(protocol.Server).Key)
}

func TestVerifyData(t *testing.T) {
	suite, _ := protocol.CipherSuiteByID(0xc02f)
	master := bytes.Repeat([]byte{3}, 48)
	hash := bytes.Repeat([]byte{4}, 32)
	client := VerifyData(protocol.VersionTLS12, suite, master, protocol.Client, hash)
	server := VerifyData(protocol.VersionTLS12, suite, master, protocol.Server, hash)
	require.Len(t, client, 12)
	require.NotEqual(t, client, server)

	suite13, _ := protocol.CipherSuiteByID(0x1302)
	require.Len(t, VerifyData(protocol.VersionTLS13, suite13, bytes.Repeat([]byte{5}, 48), protocol.Client, hash), 48)
}

func TestDigest(t *testing.T) {
	var d Digest
	d.Append([]byte("hello"))
	d.Append([]byte(" world"))
	require.Equal(t, []byte("hello world"), d.Bytes())
	require.Len(t, d.Sum(protocol.VersionTLS10, crypto.SHA256), 36)
	require.Len(t, d.Sum(protocol.VersionTLS12, crypto.SHA384), 48)
	d.Reset()
	require.Zero(t, d.Len())
}

func TestMasterSecret(t *testing.T) {
	suite, _ := protocol.CipherSuiteByID(0x009c)
	pre := bytes.Repeat([]byte{9}, 48)
	ms := MasterSecret(protocol.VersionTLS12, suite, pre, make([]byte, 32), make([]byte, 32))
	require.Len(t, ms, 48)
	ems := ExtendedMasterSecret(protocol.VersionTLS12, suite, pre, make([]byte, 32))
	require.NotEqual(t, ms, ems)
}
