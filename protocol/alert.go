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

type AlertLevel uint8

const (
	AlertLevelWarning AlertLevel = 1
	AlertLevelFatal   AlertLevel = 2
)

func (l AlertLevel) String() string {
	switch l {
	case AlertLevelWarning:
		return "warning"
	case AlertLevelFatal:
		return "fatal"
	}
	return fmt.Sprintf("level(%d)", uint8(l))
}

type AlertDescription uint8

const (
	AlertCloseNotify              AlertDescription = 0
	AlertUnexpectedMessage        AlertDescription = 10
	AlertBadRecordMAC             AlertDescription = 20
	AlertDecryptionFailed         AlertDescription = 21
	AlertRecordOverflow           AlertDescription = 22
	AlertDecompressionFailure     AlertDescription = 30
	AlertHandshakeFailure         AlertDescription = 40
	AlertNoCertificate            AlertDescription = 41
	AlertBadCertificate           AlertDescription = 42
	AlertUnsupportedCertificate   AlertDescription = 43
	AlertCertificateRevoked       AlertDescription = 44
	AlertCertificateExpired       AlertDescription = 45
	AlertCertificateUnknown       AlertDescription = 46
	AlertIllegalParameter         AlertDescription = 47
	AlertUnknownCA                AlertDescription = 48
	AlertAccessDenied             AlertDescription = 49
	AlertDecodeError              AlertDescription = 50
	AlertDecryptError             AlertDescription = 51
	AlertExportRestriction        AlertDescription = 60
	AlertProtocolVersion          AlertDescription = 70
	AlertInsufficientSecurity     AlertDescription = 71
	AlertInternalError            AlertDescription = 80
	AlertInappropriateFallback    AlertDescription = 86
	AlertUserCanceled             AlertDescription = 90
	AlertNoRenegotiation          AlertDescription = 100
	AlertMissingExtension         AlertDescription = 109
	AlertUnsupportedExtension     AlertDescription = 110
	AlertCertificateUnobtainable  AlertDescription = 111
	AlertUnrecognizedName         AlertDescription = 112
	AlertBadCertificateStatusResp AlertDescription = 113
	AlertBadCertificateHashValue  AlertDescription = 114
	AlertUnknownPSKIdentity       AlertDescription = 115
	AlertCertificateRequired      AlertDescription = 116
	AlertNoApplicationProtocol    AlertDescription = 120
)

var alertNames = map[AlertDescription]string{
	AlertCloseNotify:              "close_notify",
	AlertUnexpectedMessage:        "unexpected_message",
	AlertBadRecordMAC:             "bad_record_mac",
	AlertDecryptionFailed:         "decryption_failed",
	AlertRecordOverflow:           "record_overflow",
	AlertDecompressionFailure:     "decompression_failure",
	AlertHandshakeFailure:         "handshake_failure",
	AlertNoCertificate:            "no_certificate",
	AlertBadCertificate:           "bad_certificate",
	AlertUnsupportedCertificate:   "unsupported_certificate",
	AlertCertificateRevoked:       "certificate_revoked",
	AlertCertificateExpired:       "certificate_expired",
	AlertCertificateUnknown:       "certificate_unknown",
	AlertIllegalParameter:         "illegal_parameter",
	AlertUnknownCA:                "unknown_ca",
	AlertAccessDenied:             "access_denied",
	AlertDecodeError:              "decode_error",
	AlertDecryptError:             "decrypt_error",
	AlertExportRestriction:        "export_restriction",
	AlertProtocolVersion:          "protocol_version",
	AlertInsufficientSecurity:     "insufficient_security",
	AlertInternalError:            "internal_error",
	AlertInappropriateFallback:    "inappropriate_fallback",
	AlertUserCanceled:             "user_canceled",
	AlertNoRenegotiation:          "no_renegotiation",
	AlertMissingExtension:         "missing_extension",
	AlertUnsupportedExtension:     "unsupported_extension",
	AlertCertificateUnobtainable:  "certificate_unobtainable",
	AlertUnrecognizedName:         "unrecognized_name",
	AlertBadCertificateStatusResp: "bad_certificate_status_response",
	AlertBadCertificateHashValue:  "bad_certificate_hash_value",
	AlertUnknownPSKIdentity:       "unknown_psk_identity",
	AlertCertificateRequired:      "certificate_required",
	AlertNoApplicationProtocol:    "no_application_protocol",
}

func (d AlertDescription) String() string {
	if name, ok := alertNames[d]; ok {
		return name
	}
	return fmt.Sprintf("alert(%d)", uint8(d))
}
