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

package tlscrypto

import (
	"crypto"
	"crypto/md5"
	"crypto/sha1"

	"github.com/Jigsaw-Code/tlsprobe/protocol"
)

// Digest accumulates the raw handshake transcript. The hash is chosen late,
// once a suite is negotiated, so the bytes are kept rather than a running hash.
type Digest struct {
	raw []byte
}

// Append adds a serialized handshake message, header included.
func (d *Digest) Append(b []byte) {
	d.raw = append(d.raw, b...)
}

// Bytes returns the accumulated transcript.
func (d *Digest) Bytes() []byte {
	return d.raw
}

func (d *Digest) Len() int {
	return len(d.raw)
}

// Reset drops the transcript, as done after a DTLS HelloVerifyRequest.
func (d *Digest) Reset() {
	d.raw = nil
}

// Sum hashes the transcript the way version computes handshake hashes: the
// MD5 and SHA-1 concatenation before TLS 1.2, h otherwise.
func (d *Digest) Sum(version protocol.ProtocolVersion, h crypto.Hash) []byte {
	if usesLegacyPRF(version) {
		m := md5.Sum(d.raw)
		s := sha1.Sum(d.raw)
		return append(m[:], s[:]...)
	}
	hh := h.New()
	hh.Write(d.raw)
	return hh.Sum(nil)
}
