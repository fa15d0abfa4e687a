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
	"context"

	"github.com/Jigsaw-Code/tlsprobe/tlsctx"
	"github.com/Jigsaw-Code/tlsprobe/transport"
)

// TransportLayer moves raw bytes. Transport failures do not surface as
// errors: they set [tlsctx.Context.ReceivedTransportError] and the layer
// reports nothing sent or received.
type TransportLayer struct {
	handler transport.Handler
}

// Handler returns the transport the layer sends over.
func (l *TransportLayer) Handler() transport.Handler {
	return l.handler
}

// Send writes b in one transport write. It reports whether the write went out.
func (l *TransportLayer) Send(ctx context.Context, tc *tlsctx.Context, b []byte) bool {
	if err := l.handler.Send(ctx, b); err != nil {
		tc.ReceivedTransportError = true
		return false
	}
	return true
}

// Fetch reads the next chunk. An empty chunk means the peer was quiet for
// the timeout or the transport failed.
func (l *TransportLayer) Fetch(ctx context.Context, tc *tlsctx.Context) []byte {
	b, err := l.handler.Fetch(ctx)
	if err != nil {
		tc.ReceivedTransportError = true
		return nil
	}
	return b
}
