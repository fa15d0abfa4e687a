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
	"io"
	"net"
	"testing"
	"time"

	"github.com/Jigsaw-Code/tlsprobe/config"
	"github.com/Jigsaw-Code/tlsprobe/protocol"
	"github.com/stretchr/testify/require"
	"github.com/things-go/go-socks5"
)

func TestTCP_ClientServer(t *testing.T) {
	ctx := context.Background()
	server := newTCPServer(config.Connection{Address: "127.0.0.1:0", Timeout: time.Second, ConnectTimeout: 5 * time.Second})
	addr, err := server.Listen(ctx)
	require.NoError(t, err)
	defer server.Close()

	client, err := New(config.Connection{Alias: "c", Address: addr.String(), Timeout: 50 * time.Millisecond, FirstTimeout: time.Second})
	require.NoError(t, err)
	require.False(t, client.IsInitialized())
	errc := make(chan error, 1)
	go func() { errc <- server.Initialize(ctx) }()
	require.NoError(t, client.Initialize(ctx))
	require.NoError(t, <-errc)
	require.True(t, client.IsInitialized())

	require.NoError(t, client.Send(ctx, []byte("ping")))
	got, err := server.Fetch(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("ping"), got)

	require.NoError(t, server.Send(ctx, []byte("pong")))
	got, err = client.Fetch(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("pong"), got)

	// Nothing more to read: the timeout yields an empty chunk.
	got, err = client.Fetch(ctx)
	require.NoError(t, err)
	require.Empty(t, got)

	require.NoError(t, server.Close())
	got, err = client.Fetch(ctx)
	require.NoError(t, err)
	require.Empty(t, got)
	require.NoError(t, client.Close())
	require.False(t, client.IsInitialized())
}

func TestTCP_FirstTimeout(t *testing.T) {
	ctx := context.Background()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		time.Sleep(100 * time.Millisecond)
		conn.Write([]byte("late"))
		time.Sleep(time.Second)
	}()

	client, err := New(config.Connection{Address: l.Addr().String(), Timeout: 10 * time.Millisecond, FirstTimeout: 2 * time.Second})
	require.NoError(t, err)
	require.NoError(t, client.Initialize(ctx))
	defer client.Close()
	got, err := client.Fetch(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("late"), got)
	got, err = client.Fetch(ctx)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestUDP_ClientServer(t *testing.T) {
	ctx := context.Background()
	server, err := New(config.Connection{Transport: config.TransportUDP, End: protocol.Server, Address: "127.0.0.1:0", Timeout: time.Second})
	require.NoError(t, err)
	require.NoError(t, server.Initialize(ctx))
	defer server.Close()

	err = server.Send(ctx, []byte("nobody"))
	require.ErrorIs(t, err, ErrNoPeer)

	addr := server.(*ConnHandler).LocalAddr()
	client, err := New(config.Connection{Transport: config.TransportUDP, Address: addr.String(), Timeout: time.Second})
	require.NoError(t, err)
	require.NoError(t, client.Initialize(ctx))
	defer client.Close()

	require.NoError(t, client.Send(ctx, []byte("hello")))
	got, err := server.Fetch(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)

	require.NoError(t, server.Send(ctx, []byte("world")))
	got, err = client.Fetch(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("world"), got)
}

func TestTCPClient_SOCKS5(t *testing.T) {
	ctx := context.Background()
	echo, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer echo.Close()
	go func() {
		conn, err := echo.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()

	proxyListener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer proxyListener.Close()
	proxySrv := socks5.NewServer()
	go proxySrv.Serve(proxyListener)

	client, err := New(config.Connection{Address: echo.Addr().String(), Proxy: proxyListener.Addr().String(), Timeout: 2 * time.Second})
	require.NoError(t, err)
	require.NoError(t, client.Initialize(ctx))
	defer client.Close()
	require.NoError(t, client.Send(ctx, []byte("ping")))
	got, err := client.Fetch(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("ping"), got)
}

func TestNew_Errors(t *testing.T) {
	_, err := New(config.Connection{Alias: "x"})
	require.Error(t, err)
	_, err = New(config.Connection{Address: "127.0.0.1:1", Transport: "sctp"})
	require.Error(t, err)
	_, err = New(config.Connection{Address: "127.0.0.1:1", Transport: config.TransportUDP, Proxy: "127.0.0.1:1080"})
	require.Error(t, err)
}

func TestConnHandler_NotInitialized(t *testing.T) {
	h, err := New(config.Connection{Address: "127.0.0.1:1"})
	require.NoError(t, err)
	err = h.Send(context.Background(), []byte{1})
	require.ErrorIs(t, err, ErrNotInitialized)
	var te *Error
	require.ErrorAs(t, err, &te)
	require.Equal(t, "send", te.Op)
	_, err = h.Fetch(context.Background())
	require.ErrorIs(t, err, ErrNotInitialized)
	require.NoError(t, h.Close())
}

func TestStreamHandler(t *testing.T) {
	ctx := context.Background()
	a, b := net.Pipe()
	h := NewStreamHandler(a, 50*time.Millisecond)
	require.NoError(t, h.Initialize(ctx))
	require.True(t, h.IsInitialized())

	go b.Write([]byte("hi"))
	got, err := h.Fetch(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("hi"), got)

	got, err = h.Fetch(ctx)
	require.NoError(t, err)
	require.Empty(t, got)

	read := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 16)
		n, _ := b.Read(buf)
		read <- buf[:n]
	}()
	require.NoError(t, h.Send(ctx, []byte("yo")))
	require.Equal(t, []byte("yo"), <-read)

	require.NoError(t, b.Close())
	got, err = h.Fetch(ctx)
	require.NoError(t, err)
	require.Empty(t, got)
	require.NoError(t, h.Close())
}

// endlessStream always has data to read, even after Close.
type endlessStream struct{}

func (endlessStream) Read(p []byte) (int, error)  { return copy(p, "x"), nil }
func (endlessStream) Write(p []byte) (int, error) { return len(p), nil }
func (endlessStream) Close() error                { return nil }

func TestStreamHandler_CloseStopsReader(t *testing.T) {
	h := NewStreamHandler(endlessStream{}, 10*time.Millisecond)
	require.NoError(t, h.Initialize(context.Background()))
	require.Eventually(t, func() bool { return len(h.chunks) == cap(h.chunks) }, time.Second, time.Millisecond)

	require.NoError(t, h.Close())
	stopped := make(chan struct{})
	go func() {
		for range h.chunks {
		}
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("reader still running after Close")
	}
}
