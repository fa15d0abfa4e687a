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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Jigsaw-Code/tlsprobe/protocol"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.True(t, cfg.QuickReceive)
	require.Equal(t, 6, cfg.DTLSCookieLength)
	require.Equal(t, "Test", cfg.DefaultApplicationData)
	conn, ok := cfg.Connection(DefaultAlias)
	require.True(t, ok)
	require.Equal(t, time.Second, conn.EffectiveFirstTimeout())
}

func TestDecode_OnlyDefinedKeysOverride(t *testing.T) {
	cfg, err := Decode(`
quick_receive = false
max_retransmissions = 0
highest_protocol_version = "DTLS1.2"
supported_cipher_suites = ["TLS_RSA_WITH_AES_128_GCM_SHA256", "0xc02f"]
`)
	require.NoError(t, err)
	require.False(t, cfg.QuickReceive)
	require.Equal(t, 0, cfg.MaxRetransmissions)
	require.Equal(t, protocol.VersionDTLS12, cfg.HighestProtocolVersion)
	require.Equal(t, []uint16{0x009c, 0xc02f}, cfg.SupportedCipherSuites)
	// Untouched keys keep their defaults.
	require.True(t, cfg.StopActionsAfterFatalAlert)
	require.Equal(t, Default().Connections, cfg.Connections)
	// The default is not aliased by the override.
	require.Len(t, Default().SupportedCipherSuites, 8)
}

func TestDecode_Connections(t *testing.T) {
	cfg, err := Decode(`
highest_protocol_version = "DTLS1.2"

[[connection]]
alias = "client"
address = "127.0.0.1:4433"
timeout = "250ms"
first_timeout = "2s"
split_sizes = [1, 5]

[[connection]]
alias = "server"
end = "server"
transport = "tcp"
address = ":4434"
capture_path = "server.pcap"
`)
	require.NoError(t, err)
	require.Len(t, cfg.Connections, 2)
	client := cfg.Connections[0]
	require.Equal(t, TransportUDP, client.Transport)
	require.Equal(t, 250*time.Millisecond, client.Timeout)
	require.Equal(t, 2*time.Second, client.EffectiveFirstTimeout())
	require.Equal(t, []int{1, 5}, client.SplitSizes)
	server := cfg.Connections[1]
	require.Equal(t, protocol.Server, server.End)
	require.Equal(t, TransportTCP, server.Transport)
	require.Equal(t, "server.pcap", server.CapturePath)
}

func TestDecode_Errors(t *testing.T) {
	for _, in := range []string{
		`max_retransmissions = -1`,
		`highest_protocol_version = "TLS9"`,
		`no_such_key = true`,
		"[[connection]]\nalias = \"a\"",
		"[[connection]]\naddress = \"x:1\"\ntransport = \"sctp\"",
		"[[connection]]\naddress = \"x:1\"\n[[connection]]\naddress = \"y:1\"",
		"[[connection]]\naddress = \"x:1\"\ntimeout = \"soon\"",
	} {
		_, err := Decode(in)
		require.Error(t, err, in)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "probe.toml")
	require.NoError(t, os.WriteFile(path, []byte(`sni_hostname = " example.com "`), 0o600))
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "example.com", cfg.SNIHostname)

	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}
