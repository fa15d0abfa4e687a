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
	"crypto/hmac"
	"crypto/rand"
	"fmt"

	"github.com/Jigsaw-Code/tlsprobe/protocol"
)

// cbcCipher implements MAC-then-encrypt block suites. TLS 1.0 chains the IV
// across records; later versions send an explicit IV per record.
type cbcCipher struct {
	version protocol.ProtocolVersion
	suite   protocol.CipherSuite
	block   cipher.Block
	macKey  []byte
	chainIV []byte
}

func (c *cbcCipher) mac(r *Record, data []byte) []byte {
	h := hmac.New(c.suite.MAC.New, c.macKey)
	ad := AdditionalData(r, c.version, len(data))
	r.Computations.AuthenticatedData = ad
	h.Write(ad)
	h.Write(data)
	return h.Sum(nil)
}

func (c *cbcCipher) Protect(r *Record) error {
	bs := c.block.BlockSize()
	r.Computations.MAC.SetNatural(c.mac(r, r.Plaintext))
	mac := r.Computations.MAC.Resolve()

	padLen := bs - (len(r.Plaintext)+len(mac)+1)%bs
	if padLen == bs {
		padLen = 0
	}
	padding := make([]byte, padLen+1)
	for i := range padding {
		padding[i] = byte(padLen)
	}
	r.Computations.Padding.SetNatural(padding)
	padding = r.Computations.Padding.Resolve()

	data := make([]byte, 0, len(r.Plaintext)+len(mac)+len(padding))
	data = append(append(append(data, r.Plaintext...), mac...), padding...)
	if len(data)%bs != 0 {
		return fmt.Errorf("record: CBC input of %d bytes is not block aligned", len(data))
	}

	var iv []byte
	if c.chainIV != nil {
		iv = c.chainIV
	} else {
		if !r.Computations.ExplicitNonce.HasNatural() {
			fresh := make([]byte, bs)
			if _, err := rand.Read(fresh); err != nil {
				return fmt.Errorf("record: generate IV: %w", err)
			}
			r.Computations.ExplicitNonce.SetNatural(fresh)
		}
		iv = r.Computations.ExplicitNonce.Resolve()
		if len(iv) != bs {
			return fmt.Errorf("record: explicit IV of %d bytes", len(iv))
		}
	}
	r.Computations.Nonce = iv
	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(out, data)
	if c.chainIV != nil {
		c.chainIV = append([]byte(nil), out[len(out)-bs:]...)
		r.Fragment.SetNatural(out)
		return nil
	}
	r.Fragment.SetNatural(append(append([]byte(nil), iv...), out...))
	return nil
}

func (c *cbcCipher) Unprotect(r *Record) error {
	bs := c.block.BlockSize()
	fragment := r.Fragment.Get()
	ivLen := 0
	if c.chainIV == nil {
		ivLen = bs
	}
	ciphertext := fragment[min(ivLen, len(fragment)):]
	if len(fragment) < ivLen+bs || len(ciphertext)%bs != 0 {
		r.CleanBytes = ciphertext
		r.Computations.MACValid = boolPtr(false)
		return protectionError(ProtectionDecrypt, r, fmt.Errorf("%w: fragment of %d bytes", ErrDecrypt, len(fragment)))
	}
	iv := c.chainIV
	if iv == nil {
		iv = fragment[:bs]
		r.Computations.ExplicitNonce.SetNatural(iv)
	}
	r.Computations.Nonce = iv
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(c.block, iv).CryptBlocks(plain, ciphertext)
	if c.chainIV != nil {
		c.chainIV = append([]byte(nil), ciphertext[len(ciphertext)-bs:]...)
	}

	padLen := int(plain[len(plain)-1])
	padOK := padLen+1 <= len(plain)
	if padOK {
		for _, p := range plain[len(plain)-padLen-1:] {
			if int(p) != padLen {
				padOK = false
				break
			}
		}
	}
	if !padOK {
		padLen = -1
	} else {
		r.Computations.Padding.SetNatural(plain[len(plain)-padLen-1:])
	}
	r.Computations.PaddingValid = boolPtr(padOK)

	macLen := c.suite.MACLen
	unpadded := plain[:len(plain)-padLen-1]
	if len(unpadded) < macLen {
		r.CleanBytes = unpadded
		r.Computations.MACValid = boolPtr(false)
		if !padOK {
			return protectionError(ProtectionPadding, r, ErrBadPadding)
		}
		return protectionError(ProtectionMAC, r, ErrBadRecordMAC)
	}
	data, mac := unpadded[:len(unpadded)-macLen], unpadded[len(unpadded)-macLen:]
	r.Computations.MAC.SetNatural(mac)
	r.CleanBytes = data
	macOK := hmac.Equal(mac, c.mac(r, data))
	r.Computations.MACValid = boolPtr(macOK)
	switch {
	case !padOK:
		return protectionError(ProtectionPadding, r, ErrBadPadding)
	case !macOK:
		return protectionError(ProtectionMAC, r, ErrBadRecordMAC)
	}
	return nil
}
