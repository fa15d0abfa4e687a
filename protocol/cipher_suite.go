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
	"crypto"
	// Register the hashes referenced by the suite table.
	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"fmt"
	"strings"
)

// CipherKind selects the record protection construction.
type CipherKind int

const (
	CipherNull CipherKind = iota
	CipherBlock
	CipherAEAD
)

func (k CipherKind) String() string {
	switch k {
	case CipherNull:
		return "null"
	case CipherBlock:
		return "block"
	case CipherAEAD:
		return "aead"
	}
	return fmt.Sprintf("CipherKind(%d)", int(k))
}

// BulkCipher names the symmetric primitive behind a suite.
type BulkCipher int

const (
	BulkNull BulkCipher = iota
	BulkAES128CBC
	BulkAES256CBC
	BulkAES128GCM
	BulkAES256GCM
	BulkChaCha20Poly1305
)

// KeyExchange names how the pre-master secret is agreed in TLS 1.2 and earlier.
type KeyExchange int

const (
	KeyExchangeNone KeyExchange = iota
	KeyExchangeRSA
	KeyExchangeECDHE
)

// CipherSuite describes the record protection parameters of one suite.
type CipherSuite struct {
	ID          uint16
	Name        string
	Kind        CipherKind
	Bulk        BulkCipher
	KeyExchange KeyExchange
	// KeyLen is the symmetric key length in bytes.
	KeyLen int
	// FixedIVLen is the IV material taken from the key block (or the TLS 1.3
	// traffic IV). CBC suites in TLS 1.0 use a full block here.
	FixedIVLen int
	// RecordIVLen is the explicit per-record nonce or IV carried on the wire.
	RecordIVLen int
	// MAC is the HMAC hash for block suites; zero for AEAD.
	MAC    crypto.Hash
	MACLen int
	// PRFHash is the hash of the TLS 1.2 PRF or the TLS 1.3 key schedule.
	PRFHash crypto.Hash
	TLS13   bool
}

// The zero suite protects nothing. It is the state of every connection
// before keys are activated.
var NullSuite = CipherSuite{ID: 0x0000, Name: "TLS_NULL_WITH_NULL_NULL", Kind: CipherNull, PRFHash: crypto.SHA256}

var cipherSuites = []CipherSuite{
	NullSuite,
	{ID: 0x002f, Name: "TLS_RSA_WITH_AES_128_CBC_SHA", Kind: CipherBlock, Bulk: BulkAES128CBC, KeyExchange: KeyExchangeRSA, KeyLen: 16, FixedIVLen: 16, RecordIVLen: 16, MAC: crypto.SHA1, MACLen: 20, PRFHash: crypto.SHA256},
	{ID: 0x0035, Name: "TLS_RSA_WITH_AES_256_CBC_SHA", Kind: CipherBlock, Bulk: BulkAES256CBC, KeyExchange: KeyExchangeRSA, KeyLen: 32, FixedIVLen: 16, RecordIVLen: 16, MAC: crypto.SHA1, MACLen: 20, PRFHash: crypto.SHA256},
	{ID: 0x003c, Name: "TLS_RSA_WITH_AES_128_CBC_SHA256", Kind: CipherBlock, Bulk: BulkAES128CBC, KeyExchange: KeyExchangeRSA, KeyLen: 16, FixedIVLen: 16, RecordIVLen: 16, MAC: crypto.SHA256, MACLen: 32, PRFHash: crypto.SHA256},
	{ID: 0x003d, Name: "TLS_RSA_WITH_AES_256_CBC_SHA256", Kind: CipherBlock, Bulk: BulkAES256CBC, KeyExchange: KeyExchangeRSA, KeyLen: 32, FixedIVLen: 16, RecordIVLen: 16, MAC: crypto.SHA256, MACLen: 32, PRFHash: crypto.SHA256},
	{ID: 0x009c, Name: "TLS_RSA_WITH_AES_128_GCM_SHA256", Kind: CipherAEAD, Bulk: BulkAES128GCM, KeyExchange: KeyExchangeRSA, KeyLen: 16, FixedIVLen: 4, RecordIVLen: 8, PRFHash: crypto.SHA256},
	{ID: 0x009d, Name: "TLS_RSA_WITH_AES_256_GCM_SHA384", Kind: CipherAEAD, Bulk: BulkAES256GCM, KeyExchange: KeyExchangeRSA, KeyLen: 32, FixedIVLen: 4, RecordIVLen: 8, PRFHash: crypto.SHA384},
	{ID: 0xc013, Name: "TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA", Kind: CipherBlock, Bulk: BulkAES128CBC, KeyExchange: KeyExchangeECDHE, KeyLen: 16, FixedIVLen: 16, RecordIVLen: 16, MAC: crypto.SHA1, MACLen: 20, PRFHash: crypto.SHA256},
	{ID: 0xc014, Name: "TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA", Kind: CipherBlock, Bulk: BulkAES256CBC, KeyExchange: KeyExchangeECDHE, KeyLen: 32, FixedIVLen: 16, RecordIVLen: 16, MAC: crypto.SHA1, MACLen: 20, PRFHash: crypto.SHA256},
	{ID: 0xc02b, Name: "TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256", Kind: CipherAEAD, Bulk: BulkAES128GCM, KeyExchange: KeyExchangeECDHE, KeyLen: 16, FixedIVLen: 4, RecordIVLen: 8, PRFHash: crypto.SHA256},
	{ID: 0xc02f, Name: "TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256", Kind: CipherAEAD, Bulk: BulkAES128GCM, KeyExchange: KeyExchangeECDHE, KeyLen: 16, FixedIVLen: 4, RecordIVLen: 8, PRFHash: crypto.SHA256},
	{ID: 0xc030, Name: "TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384", Kind: CipherAEAD, Bulk: BulkAES256GCM, KeyExchange: KeyExchangeECDHE, KeyLen: 32, FixedIVLen: 4, RecordIVLen: 8, PRFHash: crypto.SHA384},
	{ID: 0xcca8, Name: "TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256", Kind: CipherAEAD, Bulk: BulkChaCha20Poly1305, KeyExchange: KeyExchangeECDHE, KeyLen: 32, FixedIVLen: 12, PRFHash: crypto.SHA256},
	{ID: 0x1301, Name: "TLS_AES_128_GCM_SHA256", Kind: CipherAEAD, Bulk: BulkAES128GCM, KeyLen: 16, FixedIVLen: 12, PRFHash: crypto.SHA256, TLS13: true},
	{ID: 0x1302, Name: "TLS_AES_256_GCM_SHA384", Kind: CipherAEAD, Bulk: BulkAES256GCM, KeyLen: 32, FixedIVLen: 12, PRFHash: crypto.SHA384, TLS13: true},
	{ID: 0x1303, Name: "TLS_CHACHA20_POLY1305_SHA256", Kind: CipherAEAD, Bulk: BulkChaCha20Poly1305, KeyLen: 32, FixedIVLen: 12, PRFHash: crypto.SHA256, TLS13: true},
}

// CipherSuiteByID returns the table entry for id. Unknown IDs are legal on
// the wire, so the boolean is the only signal.
func CipherSuiteByID(id uint16) (CipherSuite, bool) {
	for _, s := range cipherSuites {
		if s.ID == id {
			return s, true
		}
	}
	return CipherSuite{}, false
}

// CipherSuiteByName looks up a suite by its IANA name, ignoring case.
func CipherSuiteByName(name string) (CipherSuite, bool) {
	for _, s := range cipherSuites {
		if strings.EqualFold(s.Name, name) {
			return s, true
		}
	}
	return CipherSuite{}, false
}

// CipherSuites returns a copy of the known suite table.
func CipherSuites() []CipherSuite {
	out := make([]CipherSuite, len(cipherSuites))
	copy(out, cipherSuites)
	return out
}

// ParseCipherSuite accepts a suite name or a hexadecimal ID such as "0xc02f".
func ParseCipherSuite(s string) (uint16, error) {
	if suite, ok := CipherSuiteByName(s); ok {
		return suite.ID, nil
	}
	var id uint16
	if _, err := fmt.Sscanf(strings.ToLower(strings.TrimSpace(s)), "0x%x", &id); err == nil {
		return id, nil
	}
	return 0, fmt.Errorf("unknown cipher suite %q", s)
}

func (s CipherSuite) String() string {
	if s.Name != "" {
		return s.Name
	}
	return fmt.Sprintf("0x%04x", s.ID)
}

// HashLen is the output size of the suite's PRF hash.
func (s CipherSuite) HashLen() int {
	return s.PRFHash.Size()
}
