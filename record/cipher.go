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

package record

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"

	"github.com/Jigsaw-Code/tlsprobe/protocol"
	"github.com/Jigsaw-Code/tlsprobe/tlscrypto"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrBadRecordMAC   = errors.New("record: bad record MAC")
	ErrBadPadding     = errors.New("record: bad padding")
	ErrDecrypt        = errors.New("record: decryption failed")
	ErrUnknownEpoch   = errors.New("record: no keys for epoch")
	ErrEpochRegressed = errors.New("record: epoch must increase")
	ErrUnsupported    = errors.New("record: unsupported cipher suite")
)

// ProtectionKind classifies a [ProtectionError].
type ProtectionKind int

const (
	ProtectionMAC ProtectionKind = iota
	ProtectionPadding
	ProtectionDecrypt
)

func (k ProtectionKind) String() string {
	switch k {
	case ProtectionMAC:
		return "mac"
	case ProtectionPadding:
		return "padding"
	}
	return "decrypt"
}

// ProtectionError is a soft failure: the record is kept, marked and handed on.
type ProtectionError struct {
	Kind     ProtectionKind
	Epoch    uint16
	Sequence uint64
	Err      error
}

func (e *ProtectionError) Error() string {
	return fmt.Sprintf("record: %s failure at epoch %d seq %d: %v", e.Kind, e.Epoch, e.Sequence, e.Err)
}

func (e *ProtectionError) Unwrap() error {
	return e.Err
}

func protectionError(kind ProtectionKind, r *Record, err error) *ProtectionError {
	return &ProtectionError{Kind: kind, Epoch: r.Epoch.Get(), Sequence: r.SequenceNumber.Get(), Err: err}
}

// Cipher protects records of one epoch in one direction. Implementations
// read the record's resolved epoch and sequence number, which the
// [Protector] assigns.
type Cipher interface {
	// Protect turns r.Plaintext into the natural value of r.Fragment.
	Protect(r *Record) error
	// Unprotect recovers r.CleanBytes from r.Fragment. Authentication
	// failures return a *ProtectionError and leave the record marked.
	Unprotect(r *Record) error
}

// Null is the cipher of epoch zero.
type Null struct{}

func (Null) Protect(r *Record) error {
	r.Fragment.SetNatural(r.Plaintext)
	return nil
}

func (Null) Unprotect(r *Record) error {
	r.CleanBytes = r.Fragment.Get()
	return nil
}

// NewCipher builds the cipher for suite from the writer's keys.
func NewCipher(version protocol.ProtocolVersion, suite protocol.CipherSuite, keys tlscrypto.Keys) (Cipher, error) {
	switch suite.Kind {
	case protocol.CipherNull:
		return Null{}, nil
	case protocol.CipherAEAD:
		aead, err := newAEAD(suite, keys.Key)
		if err != nil {
			return nil, err
		}
		if len(keys.IV) != suite.FixedIVLen {
			return nil, fmt.Errorf("%w: IV length %d for %v", ErrUnsupported, len(keys.IV), suite)
		}
		return &aeadCipher{version: version, suite: suite, aead: aead, fixedIV: keys.IV}, nil
	case protocol.CipherBlock:
		block, err := aes.NewCipher(keys.Key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
		}
		c := &cbcCipher{version: version, suite: suite, block: block, macKey: keys.MACKey}
		if !version.UsesExplicitIV() {
			if len(keys.IV) != block.BlockSize() {
				return nil, fmt.Errorf("%w: implicit IV length %d", ErrUnsupported, len(keys.IV))
			}
			c.chainIV = append([]byte(nil), keys.IV...)
		}
		return c, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrUnsupported, suite)
}

func newAEAD(suite protocol.CipherSuite, key []byte) (cipher.AEAD, error) {
	switch suite.Bulk {
	case protocol.BulkAES128GCM, protocol.BulkAES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
		}
		return cipher.NewGCM(block)
	case protocol.BulkChaCha20Poly1305:
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
		}
		return aead, nil
	}
	return nil, fmt.Errorf("%w: bulk cipher %d is not AEAD", ErrUnsupported, suite.Bulk)
}

// AdditionalData returns the bytes authenticated with r's payload:
//
//	TLS 1.3:      type || legacy_version || length
//	TLS <= 1.2:   seq_num(8) || type || version || plaintext_length
//	DTLS <= 1.2:  epoch(2) || seq_num(6) || type || version || plaintext_length
//
// SSL 3.0 omits the version. plaintextLen stands in for the length unless
// r.Computations.AuthenticatedLength carries a value.
func AdditionalData(r *Record, version protocol.ProtocolVersion, plaintextLen int) []byte {
	ct := r.ContentType.Get()
	v := r.Version.Get()
	if version.IsTLS13() {
		n := r.Length.Get()
		return []byte{ct, byte(v >> 8), byte(v), byte(n >> 8), byte(n)}
	}
	ad := make([]byte, 0, 13)
	ad = append(ad, sequencePrefix(r)...)
	ad = append(ad, ct)
	if !version.IsSSL() {
		ad = append(ad, byte(v>>8), byte(v))
	}
	n := uint16(plaintextLen)
	if r.Computations.AuthenticatedLength.IsSet() {
		n = r.Computations.AuthenticatedLength.Get()
	}
	return append(ad, byte(n>>8), byte(n))
}

// sequencePrefix is the 8 byte sequence field of the MAC input and nonce:
// the TLS sequence number, or the DTLS epoch followed by its 48 bit sequence.
func sequencePrefix(r *Record) []byte {
	seq := r.SequenceNumber.Get()
	if r.DTLS {
		seq = uint64(r.Epoch.Get())<<48 | seq&maxSequence
	}
	return []byte{byte(seq >> 56), byte(seq >> 48), byte(seq >> 40), byte(seq >> 32), byte(seq >> 24), byte(seq >> 16), byte(seq >> 8), byte(seq)}
}
