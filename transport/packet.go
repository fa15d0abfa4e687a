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

package transport

import (
	"errors"
	"net"
)

// ErrNoPeer is returned when a UDP server sends before any peer wrote to it.
var ErrNoPeer = errors.New("transport: no peer yet")

// peerConn is a [net.Conn] over a listening [net.PacketConn]. It binds to
// the first address it reads from and drops datagrams from anyone else.
type peerConn struct {
	net.PacketConn
	peer net.Addr
}

var _ net.Conn = (*peerConn)(nil)

func (c *peerConn) Read(packet []byte) (int, error) {
	for {
		n, addr, err := c.PacketConn.ReadFrom(packet)
		if err != nil {
			return n, err
		}
		if c.peer == nil {
			c.peer = addr
		}
		if addr.String() != c.peer.String() {
			continue
		}
		return n, nil
	}
}

func (c *peerConn) Write(packet []byte) (int, error) {
	if c.peer == nil {
		return 0, ErrNoPeer
	}
	return c.PacketConn.WriteTo(packet, c.peer)
}

func (c *peerConn) RemoteAddr() net.Addr {
	return c.peer
}
