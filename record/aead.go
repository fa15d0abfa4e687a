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
	"crypto/cipher"
	"fmt"

	"github.com/Jigsaw-Code/tlsprobe/protocol"
)

// aeadCipher implements AES-GCM and ChaCha20-Poly1305 records. TLS 1.2
// AES-GCM carries an 8 byte explicit nonce after a 4 byte fixed IV. TLS 1.3
// and ChaCha20-Poly1305 xor the sequence number into a 12 byte IV.
type aeadCipher struct {
	version protocol.ProtocolVersion
	suite   protocol.CipherSuite
	aead    cipher.AEAD
	fixedIV []byte
}

func (c *aeadCipher) explicitNonceLen() int {
	if c.version.IsTLS13() {
		return 0
	}
	return c.suite.RecordIVLen
}

func (c *aeadCipher) nonce(r *Record, explicit []byte) ([]byte, error) {
	if c.explicitNonceLen() > 0 {
		nonce := append(append(make([]byte, 0, c.aead.NonceSize()), c.fixedIV...), explicit...)
		if len(nonce) != c.aead.NonceSize() {
			return nil, fmt.Errorf("%w: nonce length %d", ErrDecrypt, len(nonce))
		}
		return nonce, nil
	}
	nonce := append([]byte(nil), c.fixedIV...)
	seq := sequencePrefix(r)
	for i := range seq {
		nonce[len(nonce)-len(seq)+i] ^= seq[i]
	}
	return nonce, nil
}

func (c *aeadCipher) Protect(r *Record) error {
	plaintext := r.Plaintext
	var explicit []byte
	if n := c.explicitNonceLen(); n > 0 {
		r.Computations.ExplicitNonce.SetNatural(sequencePrefix(r)[8-n:])
		explicit = r.Computations.ExplicitNonce.Resolve()
	}
	nonce, err := c.nonce(r, explicit)
	if err != nil {
		return err
	}
	r.Computations.Nonce = nonce

	if c.version.IsTLS13() {
		inner := make([]byte, 0, len(plaintext)+1+len(r.InnerPadding.Get()))
		inner = append(inner, plaintext...)
		r.InnerContentType = protocol.ContentType(r.ContentType.Get())
		inner = append(inner, r.ContentType.Get())
		inner = append(inner, r.InnerPadding.Resolve()...)
		plaintext = inner
		r.ContentType.SetNatural(uint8(protocol.ContentApplicationData))
		r.Length.SetNatural(uint16(len(plaintext) + c.aead.Overhead()))
	}
	ad := AdditionalData(r, c.version, len(r.Plaintext))
	r.Computations.AuthenticatedData = ad
	sealed := c.aead.Seal(nil, nonce, plaintext, ad)
	r.Fragment.SetNatural(append(append([]byte(nil), explicit...), sealed...))
	return nil
}

func (c *aeadCipher) Unprotect(r *Record) error {
	fragment := r.Fragment.Get()
	n := c.explicitNonceLen()
	if len(fragment) < n+c.aead.Overhead() {
		r.CleanBytes = fragment
		r.Computations.MACValid = boolPtr(false)
		return protectionError(ProtectionDecrypt, r, fmt.Errorf("%w: fragment of %d bytes", ErrDecrypt, len(fragment)))
	}
	explicit, ciphertext := fragment[:n], fragment[n:]
	r.Computations.ExplicitNonce.SetNatural(explicit)
	nonce, err := c.nonce(r, explicit)
	if err != nil {
		r.CleanBytes = ciphertext
		return protectionError(ProtectionDecrypt, r, err)
	}
	r.Computations.Nonce = nonce
	ad := AdditionalData(r, c.version, len(ciphertext)-c.aead.Overhead())
	r.Computations.AuthenticatedData = ad
	plaintext, err := c.aead.Open(make([]byte, 0, len(ciphertext)), nonce, ciphertext, ad)
	if err != nil {
		r.CleanBytes = ciphertext
		r.Computations.MACValid = boolPtr(false)
		return protectionError(ProtectionMAC, r, ErrBadRecordMAC)
	}
	r.Computations.MACValid = boolPtr(true)
	if !c.version.IsTLS13() {
		r.CleanBytes = plaintext
		return nil
	}
	i := len(plaintext) - 1
	for i >= 0 && plaintext[i] == 0 {
		i--
	}
	if i < 0 {
		r.CleanBytes = nil
		return protectionError(ProtectionDecrypt, r, fmt.Errorf("%w: no inner content type", ErrDecrypt))
	}
	r.InnerContentType = protocol.ContentType(plaintext[i])
	r.InnerPadding.SetNatural(plaintext[i+1:])
	r.CleanBytes = plaintext[:i]
	return nil
}
