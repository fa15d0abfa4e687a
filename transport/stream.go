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
	"fmt"
	"net"

	"github.com/Jigsaw-Code/tlsprobe/config"
	"golang.org/x/net/proxy"
)

// StreamDialer establishes stream connections to a destination.
type StreamDialer interface {
	// Dial connects to `raddr`.
	// `raddr` has the form `host:port`, where `host` can be a domain name or IP address.
	Dial(ctx context.Context, raddr string) (net.Conn, error)
}

// TCPDialer is a [StreamDialer] that uses the standard [net.Dialer] to dial.
type TCPDialer struct {
	Dialer net.Dialer
}

var _ StreamDialer = (*TCPDialer)(nil)

func (d *TCPDialer) Dial(ctx context.Context, raddr string) (net.Conn, error) {
	return d.Dialer.DialContext(ctx, "tcp", raddr)
}

type socksDialer struct {
	dialer proxy.ContextDialer
}

// NewSOCKS5Dialer returns a [StreamDialer] that reaches destinations through
// the SOCKS5 proxy at proxyAddr, connecting to the proxy with base.
func NewSOCKS5Dialer(proxyAddr string, base *TCPDialer) (StreamDialer, error) {
	if base == nil {
		return nil, errors.New("argument base must not be nil")
	}
	d, err := proxy.SOCKS5("tcp", proxyAddr, nil, &base.Dialer)
	if err != nil {
		return nil, fmt.Errorf("transport: socks5 %s: %w", proxyAddr, err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("transport: socks5 dialer %T does not support contexts", d)
	}
	return &socksDialer{dialer: cd}, nil
}

func (d *socksDialer) Dial(ctx context.Context, raddr string) (net.Conn, error) {
	return d.dialer.DialContext(ctx, "tcp", raddr)
}

// NewStreamDialer returns the dialer of a TCP client connection: direct, or
// through c.Proxy when set.
func NewStreamDialer(c config.Connection) (StreamDialer, error) {
	base := &TCPDialer{Dialer: net.Dialer{Timeout: c.ConnectTimeout}}
	if c.Proxy == "" {
		return base, nil
	}
	return NewSOCKS5Dialer(c.Proxy, base)
}
