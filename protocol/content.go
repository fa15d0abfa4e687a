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

// ContentType is the first byte of every record.
type ContentType uint8

const (
	ContentChangeCipherSpec ContentType = 20
	ContentAlert            ContentType = 21
	ContentHandshake        ContentType = 22
	ContentApplicationData  ContentType = 23
	ContentHeartbeat        ContentType = 24
	ContentTLS12CID         ContentType = 25
)

// IsKnown reports whether c is a content type assigned by IANA.
func (c ContentType) IsKnown() bool {
	return c >= ContentChangeCipherSpec && c <= ContentTLS12CID
}

func (c ContentType) String() string {
	switch c {
	case ContentChangeCipherSpec:
		return "change_cipher_spec"
	case ContentAlert:
		return "alert"
	case ContentHandshake:
		return "handshake"
	case ContentApplicationData:
		return "application_data"
	case ContentHeartbeat:
		return "heartbeat"
	case ContentTLS12CID:
		return "tls12_cid"
	}
	return fmt.Sprintf("content(%d)", uint8(c))
}

// HandshakeType identifies a handshake message inside a handshake record.
type HandshakeType uint8

const (
	HandshakeHelloRequest        HandshakeType = 0
	HandshakeClientHello         HandshakeType = 1
	HandshakeServerHello         HandshakeType = 2
	HandshakeHelloVerifyRequest  HandshakeType = 3
	HandshakeNewSessionTicket    HandshakeType = 4
	HandshakeEndOfEarlyData      HandshakeType = 5
	HandshakeEncryptedExtensions HandshakeType = 8
	HandshakeCertificate         HandshakeType = 11
	HandshakeServerKeyExchange   HandshakeType = 12
	HandshakeCertificateRequest  HandshakeType = 13
	HandshakeServerHelloDone     HandshakeType = 14
	HandshakeCertificateVerify   HandshakeType = 15
	HandshakeClientKeyExchange   HandshakeType = 16
	HandshakeFinished            HandshakeType = 20
	HandshakeKeyUpdate           HandshakeType = 24
	HandshakeMessageHash         HandshakeType = 254
	// HandshakeUnknown is never sent by conforming peers. It tags messages
	// whose handshake type has no registered codec.
	HandshakeUnknown HandshakeType = 255
)

var handshakeNames = map[HandshakeType]string{
	HandshakeHelloRequest:        "hello_request",
	HandshakeClientHello:         "client_hello",
	HandshakeServerHello:         "server_hello",
	HandshakeHelloVerifyRequest:  "hello_verify_request",
	HandshakeNewSessionTicket:    "new_session_ticket",
	HandshakeEndOfEarlyData:      "end_of_early_data",
	HandshakeEncryptedExtensions: "encrypted_extensions",
	HandshakeCertificate:         "certificate",
	HandshakeServerKeyExchange:   "server_key_exchange",
	HandshakeCertificateRequest:  "certificate_request",
	HandshakeServerHelloDone:     "server_hello_done",
	HandshakeCertificateVerify:   "certificate_verify",
	HandshakeClientKeyExchange:   "client_key_exchange",
	HandshakeFinished:            "finished",
	HandshakeKeyUpdate:           "key_update",
	HandshakeMessageHash:         "message_hash",
	HandshakeUnknown:             "unknown",
}

func (h HandshakeType) String() string {
	if name, ok := handshakeNames[h]; ok {
		return name
	}
	return fmt.Sprintf("handshake(%d)", uint8(h))
}
