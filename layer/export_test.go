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


package layer

import (
	"github.com/Jigsaw-Code/tlsprobe/message"
	"github.com/Jigsaw-Code/tlsprobe/protocol"
	"github.com/Jigsaw-Code/tlsprobe/tlsctx"
)

// StallDecoders replaces the decoder chain with one that decodes without
// consuming any bytes. The returned func restores the chain.
func StallDecoders() (restore func()) {
	saved := decoders
	decoders = []decoder{{
		name:    "stall",
		applies: always,
		parse: func(_ []byte, offset int, ct protocol.ContentType, _ *tlsctx.Context) (message.Message, int, error) {
			return message.NewUnknown(ct, nil), offset, nil
		},
	}}
	return func() { decoders = saved }
}
