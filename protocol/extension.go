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

import "fmt"

// ExtensionType identifies a hello extension.
type ExtensionType uint16

const (
	ExtServerName           ExtensionType = 0
	ExtClientCertificateURL ExtensionType = 2
	ExtTruncatedHMAC        ExtensionType = 4
	ExtClientAuthz          ExtensionType = 7
	ExtServerAuthz          ExtensionType = 8
	ExtCertificateType      ExtensionType = 9
	ExtSupportedGroups      ExtensionType = 10
	ExtECPointFormats       ExtensionType = 11
	ExtSignatureAlgorithms  ExtensionType = 13
	ExtHeartbeat            ExtensionType = 15
	ExtClientCertType       ExtensionType = 19
	ExtServerCertType       ExtensionType = 20
	ExtEncryptThenMAC       ExtensionType = 22
	ExtExtendedMasterSecret ExtensionType = 23
	ExtRecordSizeLimit      ExtensionType = 28
	ExtPWDProtect           ExtensionType = 29
	ExtSupportedVersions    ExtensionType = 43
	ExtCookie               ExtensionType = 44
	ExtKeyShare             ExtensionType = 51
	ExtRenegotiationInfo    ExtensionType = 0xff01
)

// NamedGroup identifies an elliptic curve or finite field group.
type NamedGroup uint16

const (
	GroupSecp256r1 NamedGroup = 23
	GroupSecp384r1 NamedGroup = 24
	GroupX25519    NamedGroup = 29
)

var extensionNames = map[ExtensionType]string{
	ExtServerName:           "server_name",
	ExtClientCertificateURL: "client_certificate_url",
	ExtTruncatedHMAC:        "truncated_hmac",
	ExtClientAuthz:          "client_authz",
	ExtServerAuthz:          "server_authz",
	ExtCertificateType:      "cert_type",
	ExtSupportedGroups:      "supported_groups",
	ExtECPointFormats:       "ec_point_formats",
	ExtSignatureAlgorithms:  "signature_algorithms",
	ExtHeartbeat:            "heartbeat",
	ExtClientCertType:       "client_certificate_type",
	ExtServerCertType:       "server_certificate_type",
	ExtEncryptThenMAC:       "encrypt_then_mac",
	ExtExtendedMasterSecret: "extended_master_secret",
	ExtRecordSizeLimit:      "record_size_limit",
	ExtPWDProtect:           "pwd_protect",
	ExtSupportedVersions:    "supported_versions",
	ExtCookie:               "cookie",
	ExtKeyShare:             "key_share",
	ExtRenegotiationInfo:    "renegotiation_info",
}

func (t ExtensionType) String() string {
	if name, ok := extensionNames[t]; ok {
		return name
	}
	return fmt.Sprintf("extension(%d)", uint16(t))
}

// ParseExtensionType accepts the names returned by [ExtensionType.String].
func ParseExtensionType(s string) (ExtensionType, error) {
	for t, name := range extensionNames {
		if name == s {
			return t, nil
		}
	}
	var raw uint16
	if _, err := fmt.Sscanf(s, "%d", &raw); err == nil {
		return ExtensionType(raw), nil
	}
	return 0, fmt.Errorf("unknown extension %q", s)
}
