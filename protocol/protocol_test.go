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

package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseProtocolVersion(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want ProtocolVersion
	}{
		{"TLS1.2", VersionTLS12},
		{"tls12", VersionTLS12},
		{"TLS_1_3", 0},
		{"DTLS1.2", VersionDTLS12},
		{"0x0301", VersionTLS10},
		{"0xfefd", VersionDTLS12},
	} {
		got, err := ParseProtocolVersion(tc.in)
		if tc.want == 0 {
			require.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.want, got, tc.in)
	}
}

func TestProtocolVersion_Predicates(t *testing.T) {
	require.True(t, VersionDTLS12.IsDTLS())
	require.False(t, VersionTLS12.IsDTLS())
	require.True(t, VersionTLS13.IsTLS13())
	require.True(t, VersionDTLS13.IsTLS13())
	require.False(t, VersionTLS10.UsesExplicitIV())
	require.True(t, VersionTLS11.UsesExplicitIV())
	require.Equal(t, []byte{0x03, 0x03}, VersionTLS12.Bytes())
	require.Equal(t, "0x1234", ProtocolVersion(0x1234).String())
}

func TestContentType_UnknownIsData(t *testing.T) {
	require.True(t, ContentHandshake.IsKnown())
	require.False(t, ContentType(99).IsKnown())
	require.Equal(t, "content(99)", ContentType(99).String())
	require.Equal(t, "handshake(77)", HandshakeType(77).String())
	require.Equal(t, "alert(7)", AlertDescription(7).String())
}

func TestCipherSuiteLookup(t *testing.T) {
	s, ok := CipherSuiteByID(0xc02f)
	require.True(t, ok)
	require.Equal(t, "TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256", s.Name)
	require.Equal(t, CipherAEAD, s.Kind)
	require.Equal(t, 32, s.HashLen())

	_, ok = CipherSuiteByID(0xbeef)
	require.False(t, ok)

	id, err := ParseCipherSuite("tls_aes_128_gcm_sha256")
	require.NoError(t, err)
	require.Equal(t, uint16(0x1301), id)

	id, err = ParseCipherSuite("0xbeef")
	require.NoError(t, err)
	require.Equal(t, uint16(0xbeef), id)
}

func TestConnectionEnd(t *testing.T) {
	require.Equal(t, Server, Client.Peer())
	require.Equal(t, Client, Server.Peer())
	end, err := ParseConnectionEnd("Server")
	require.NoError(t, err)
	require.Equal(t, Server, end)
}

func TestParseExtensionType(t *testing.T) {
	ext, err := ParseExtensionType("record_size_limit")
	require.NoError(t, err)
	require.Equal(t, ExtRecordSizeLimit, ext)
	ext, err = ParseExtensionType("4660")
	require.NoError(t, err)
	require.Equal(t, ExtensionType(4660), ext)
}
