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
	"fmt"
	"strings"
)

// ProtocolVersion is the two byte version identifier carried in records and hellos.
type ProtocolVersion uint16

const (
	VersionSSL30  ProtocolVersion = 0x0300
	VersionTLS10  ProtocolVersion = 0x0301
	VersionTLS11  ProtocolVersion = 0x0302
	VersionTLS12  ProtocolVersion = 0x0303
	VersionTLS13  ProtocolVersion = 0x0304
	VersionDTLS10 ProtocolVersion = 0xfeff
	VersionDTLS12 ProtocolVersion = 0xfefd
	VersionDTLS13 ProtocolVersion = 0xfefc
)

var versionNames = map[ProtocolVersion]string{
	VersionSSL30:  "SSL3.0",
	VersionTLS10:  "TLS1.0",
	VersionTLS11:  "TLS1.1",
	VersionTLS12:  "TLS1.2",
	VersionTLS13:  "TLS1.3",
	VersionDTLS10: "DTLS1.0",
	VersionDTLS12: "DTLS1.2",
	VersionDTLS13: "DTLS1.3",
}

// IsDTLS reports whether v is one of the datagram versions.
func (v ProtocolVersion) IsDTLS() bool {
	return v == VersionDTLS10 || v == VersionDTLS12 || v == VersionDTLS13
}

// IsTLS13 reports whether v uses the TLS 1.3 record protection and key schedule.
func (v ProtocolVersion) IsTLS13() bool {
	return v == VersionTLS13 || v == VersionDTLS13
}

// IsSSL reports whether v is SSL 3.0, which omits the version from the MAC input.
func (v ProtocolVersion) IsSSL() bool {
	return v == VersionSSL30
}

// UsesExplicitIV reports whether CBC records carry a per-record IV (TLS 1.1 and later).
func (v ProtocolVersion) UsesExplicitIV() bool {
	switch v {
	case VersionSSL30, VersionTLS10:
		return false
	}
	return true
}

// Bytes returns the wire encoding of v.
func (v ProtocolVersion) Bytes() []byte {
	return []byte{byte(v >> 8), byte(v)}
}

func (v ProtocolVersion) String() string {
	if name, ok := versionNames[v]; ok {
		return name
	}
	return fmt.Sprintf("0x%04x", uint16(v))
}

// ParseProtocolVersion accepts the names returned by [ProtocolVersion.String],
// with or without the dot, and hexadecimal literals such as "0x0303".
func ParseProtocolVersion(s string) (ProtocolVersion, error) {
	norm := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "_", "."))
	for v, name := range versionNames {
		if norm == strings.ToUpper(name) || norm == strings.ReplaceAll(strings.ToUpper(name), ".", "") {
			return v, nil
		}
	}
	var raw uint16
	if _, err := fmt.Sscanf(strings.ToLower(s), "0x%x", &raw); err == nil {
		return ProtocolVersion(raw), nil
	}
	return 0, fmt.Errorf("unknown protocol version %q", s)
}
