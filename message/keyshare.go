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

package message

import (
	"crypto/ecdh"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/Jigsaw-Code/tlsprobe/protocol"
)

func curveFor(g protocol.NamedGroup) (ecdh.Curve, bool) {
	switch g {
	case protocol.GroupX25519:
		return ecdh.X25519(), true
	case protocol.GroupSecp256r1:
		return ecdh.P256(), true
	case protocol.GroupSecp384r1:
		return ecdh.P384(), true
	}
	return nil, false
}

func generateKey(g protocol.NamedGroup) (*ecdh.PrivateKey, error) {
	curve, ok := curveFor(g)
	if !ok {
		return nil, fmt.Errorf("unsupported group %v", g)
	}
	return curve.GenerateKey(rand.Reader)
}

// sharedSecret runs ECDH between our private key and the peer's encoded
// public key.
func sharedSecret(private *ecdh.PrivateKey, peer []byte) ([]byte, error) {
	if private == nil {
		return nil, errors.New("no private key share")
	}
	pub, err := private.Curve().NewPublicKey(peer)
	if err != nil {
		return nil, fmt.Errorf("peer key share: %w", err)
	}
	return private.ECDH(pub)
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	// crypto/rand.Read does not fail on supported platforms.
	_, _ = rand.Read(b)
	return b
}
