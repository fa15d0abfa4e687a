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
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/Jigsaw-Code/tlsprobe/config"
)

const (
	defaultTimeout = time.Second
	// Large enough for any datagram.
	readBufferSize = 64 * 1024
)

// ConnHandler is a [Handler] over a [net.Conn].
type ConnHandler struct {
	connect      func(ctx context.Context) (net.Conn, error)
	timeout      time.Duration
	firstTimeout time.Duration

	conn    net.Conn
	fetched bool
	buf     []byte
}

var _ Handler = (*ConnHandler)(nil)

func newConnHandler(c config.Connection, connect func(ctx context.Context) (net.Conn, error)) *ConnHandler {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	first := c.EffectiveFirstTimeout()
	if first <= 0 {
		first = timeout
	}
	return &ConnHandler{connect: connect, timeout: timeout, firstTimeout: first}
}

func newTCPClient(c config.Connection, dialer StreamDialer) *ConnHandler {
	return newConnHandler(c, func(ctx context.Context) (net.Conn, error) {
		return dialer.Dial(ctx, c.Address)
	})
}

func newUDPClient(c config.Connection) *ConnHandler {
	return newConnHandler(c, func(ctx context.Context) (net.Conn, error) {
		d := net.Dialer{Timeout: c.ConnectTimeout}
		return d.DialContext(ctx, "udp", c.Address)
	})
}

func newUDPServer(c config.Connection) *ConnHandler {
	return newConnHandler(c, func(ctx context.Context) (net.Conn, error) {
		var lc net.ListenConfig
		pc, err := lc.ListenPacket(ctx, "udp", c.Address)
		if err != nil {
			return nil, err
		}
		return &peerConn{PacketConn: pc}, nil
	})
}

func (h *ConnHandler) Initialize(ctx context.Context) error {
	if h.conn != nil {
		return nil
	}
	conn, err := h.connect(ctx)
	if err != nil {
		return opError("connect", err)
	}
	h.conn = conn
	h.fetched = false
	return nil
}

func (h *ConnHandler) IsInitialized() bool {
	return h.conn != nil
}

// LocalAddr returns the local address of the connection, or nil before
// [ConnHandler.Initialize].
func (h *ConnHandler) LocalAddr() net.Addr {
	if h.conn == nil {
		return nil
	}
	return h.conn.LocalAddr()
}

// RemoteAddr returns the peer address, or nil when it is not known yet.
func (h *ConnHandler) RemoteAddr() net.Addr {
	if h.conn == nil {
		return nil
	}
	return h.conn.RemoteAddr()
}

func (h *ConnHandler) Send(ctx context.Context, data []byte) error {
	if h.conn == nil {
		return opError("send", ErrNotInitialized)
	}
	deadline, _ := ctx.Deadline()
	if err := h.conn.SetWriteDeadline(deadline); err != nil {
		return opError("send", err)
	}
	_, err := h.conn.Write(data)
	return opError("send", err)
}

func (h *ConnHandler) Fetch(ctx context.Context) ([]byte, error) {
	if h.conn == nil {
		return nil, opError("fetch", ErrNotInitialized)
	}
	if err := ctx.Err(); err != nil {
		return nil, opError("fetch", err)
	}
	timeout := h.timeout
	if !h.fetched {
		timeout = h.firstTimeout
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := h.conn.SetReadDeadline(deadline); err != nil {
		return nil, opError("fetch", err)
	}
	if h.buf == nil {
		h.buf = make([]byte, readBufferSize)
	}
	n, err := h.conn.Read(h.buf)
	h.fetched = true
	if n > 0 {
		return append([]byte(nil), h.buf[:n]...), nil
	}
	var netErr net.Error
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return []byte{}, nil
	case errors.As(err, &netErr) && netErr.Timeout():
		return []byte{}, nil
	}
	return nil, opError("fetch", err)
}

func (h *ConnHandler) Close() error {
	if h.conn == nil {
		return nil
	}
	err := h.conn.Close()
	h.conn = nil
	return opError("close", err)
}

// TCPServer is a [Handler] that accepts a single TCP connection.
type TCPServer struct {
	*ConnHandler
	address        string
	connectTimeout time.Duration
	listener       net.Listener
}

func newTCPServer(c config.Connection) *TCPServer {
	s := &TCPServer{address: c.Address, connectTimeout: c.ConnectTimeout}
	s.ConnHandler = newConnHandler(c, s.accept)
	return s
}

// Listen binds the listening socket without waiting for a peer, and
// returns the bound address. [TCPServer.Initialize] calls it when needed.
func (s *TCPServer) Listen(ctx context.Context) (net.Addr, error) {
	if s.listener == nil {
		var lc net.ListenConfig
		l, err := lc.Listen(ctx, "tcp", s.address)
		if err != nil {
			return nil, opError("listen", err)
		}
		s.listener = l
	}
	return s.listener.Addr(), nil
}

func (s *TCPServer) accept(ctx context.Context) (net.Conn, error) {
	if _, err := s.Listen(ctx); err != nil {
		return nil, err
	}
	var deadline time.Time
	if s.connectTimeout > 0 {
		deadline = time.Now().Add(s.connectTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	if tl, ok := s.listener.(*net.TCPListener); ok {
		if err := tl.SetDeadline(deadline); err != nil {
			return nil, err
		}
	}
	return s.listener.Accept()
}

func (s *TCPServer) Close() error {
	err := s.ConnHandler.Close()
	if s.listener != nil {
		err = errors.Join(err, opError("close", s.listener.Close()))
		s.listener = nil
	}
	return err
}
