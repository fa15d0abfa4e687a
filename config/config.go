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

// Package config holds the knobs that change how messages are built,
// received and how workflows are executed.
package config

import (
	"time"

	"github.com/Jigsaw-Code/tlsprobe/protocol"
)

// TransportType selects the socket kind behind a connection.
type TransportType string

const (
	TransportTCP TransportType = "tcp"
	TransportUDP TransportType = "udp"
)

const DefaultAlias = "default"

// Connection describes one transport endpoint used by a workflow.
type Connection struct {
	// Alias is how actions refer to this connection.
	Alias     string
	Transport TransportType
	// End is the role this side plays. A server connection listens on Address.
	End     protocol.ConnectionEnd
	Address string
	// Timeout bounds every read after the first. FirstTimeout bounds the
	// first read, which often waits for a slow handshake; zero means Timeout.
	Timeout      time.Duration
	FirstTimeout time.Duration
	// ConnectTimeout bounds dialing and accepting.
	ConnectTimeout time.Duration
	// Proxy is the address of a SOCKS5 proxy used by TCP clients.
	Proxy string
	// SplitSizes makes every send go out as several writes of these sizes.
	SplitSizes []int
	// RecordFragmentSize re-frames outgoing TLS records into records carrying
	// at most this many bytes. Zero disables it.
	RecordFragmentSize int
	// CapturePath, when set, records every chunk into a pcap file.
	CapturePath string
	// Timing measures the delay between each send and the next response.
	Timing bool
}

// EffectiveFirstTimeout returns FirstTimeout, falling back to Timeout.
func (c Connection) EffectiveFirstTimeout() time.Duration {
	if c.FirstTimeout > 0 {
		return c.FirstTimeout
	}
	return c.Timeout
}

// Config is the configuration of one workflow run.
type Config struct {
	// Receive behavior.

	// QuickReceive stops a receive as soon as the expected messages arrived.
	QuickReceive bool
	// EarlyStop lets a receive stop once it has as many messages as expected,
	// even if their types differ.
	EarlyStop bool
	// DoNotParseInvalidMACOrPadMessages turns records that failed
	// authentication into a single opaque message.
	DoNotParseInvalidMACOrPadMessages bool
	// HTTPSParsingEnabled lifts application data into HTTP messages.
	HTTPSParsingEnabled bool

	// Executor behavior.

	StopActionsAfterFatalAlert bool
	StopActionsAfterIOError    bool
	// StopTraceAfterUnexpected aborts on the first action that does not
	// execute as planned instead of retransmitting.
	StopTraceAfterUnexpected    bool
	MaxRetransmissions          int
	FinishWithCloseNotify       bool
	ResetTracesBeforeSaving     bool
	WorkflowExecutorShouldOpen  bool
	WorkflowExecutorShouldClose bool

	// Message defaults.

	HighestProtocolVersion     protocol.ProtocolVersion
	DefaultSelectedCipherSuite uint16
	SupportedCipherSuites      []uint16
	ConnectionEnd              protocol.ConnectionEnd
	DefaultMaxRecordData       int
	DTLSCookieLength           int
	DefaultApplicationData     string
	SNIHostname                string
	// HTTPHost is the Host header of prepared HTTP requests; SNIHostname when empty.
	HTTPHost string

	Connections []Connection

	WorkflowInput  string
	WorkflowOutput string
}

// Default returns the configuration used when no file overrides it.
func Default() *Config {
	return &Config{
		QuickReceive:                true,
		EarlyStop:                   false,
		StopActionsAfterFatalAlert:  true,
		StopActionsAfterIOError:     true,
		StopTraceAfterUnexpected:    false,
		MaxRetransmissions:          3,
		FinishWithCloseNotify:       false,
		ResetTracesBeforeSaving:     false,
		WorkflowExecutorShouldOpen:  true,
		WorkflowExecutorShouldClose: true,

		HighestProtocolVersion:     protocol.VersionTLS12,
		DefaultSelectedCipherSuite: 0xc02f,
		SupportedCipherSuites:      []uint16{0xc02f, 0xc030, 0xcca8, 0x009c, 0x002f, 0x1301, 0x1302, 0x1303},
		ConnectionEnd:              protocol.Client,
		DefaultMaxRecordData:       1 << 14,
		DTLSCookieLength:           6,
		DefaultApplicationData:     "Test",

		Connections: []Connection{{
			Alias:          DefaultAlias,
			Transport:      TransportTCP,
			End:            protocol.Client,
			Address:        "localhost:4433",
			Timeout:        time.Second,
			ConnectTimeout: 5 * time.Second,
		}},
	}
}

// IsDTLS reports whether the configured version is a datagram version.
func (c *Config) IsDTLS() bool {
	return c.HighestProtocolVersion.IsDTLS()
}

// Connection returns the connection with alias.
func (c *Config) Connection(alias string) (Connection, bool) {
	for _, conn := range c.Connections {
		if conn.Alias == alias {
			return conn, true
		}
	}
	return Connection{}, false
}
