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

/*
Package transport moves the raw bytes of one connection.

A [Handler] hides whether the bytes travel over TCP, UDP or an in-memory
script. Layers above only see chunks: [Handler.Fetch] returns whatever
arrived within the read timeout and an empty chunk when nothing did, which
is how a receive knows the peer has finished talking.

Behaviors such as splitting writes, re-framing records or capturing traffic
are decorators that wrap another Handler. See the split, tlsfrag and pcap
subpackages and [NewTimingHandler].
*/
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/Jigsaw-Code/tlsprobe/config"
	"github.com/Jigsaw-Code/tlsprobe/protocol"
)

// ErrNotInitialized is returned when bytes move before [Handler.Initialize].
var ErrNotInitialized = errors.New("transport: not initialized")

// Handler is the byte-level boundary of one connection. Handlers are driven
// by a single goroutine.
type Handler interface {
	// Initialize connects, or binds and waits for a peer.
	Initialize(ctx context.Context) error
	IsInitialized() bool
	// Send writes data in one piece, unless a decorator says otherwise.
	Send(ctx context.Context, data []byte) error
	// Fetch returns the next chunk of bytes. A read that times out returns an
	// empty chunk and no error.
	Fetch(ctx context.Context) ([]byte, error)
	Close() error
}

// Error is an I/O failure of a [Handler].
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func opError(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return err
	}
	return &Error{Op: op, Err: err}
}

// New returns the socket handler c describes, without decorators.
func New(c config.Connection) (Handler, error) {
	if c.Address == "" {
		return nil, fmt.Errorf("transport: connection %q has no address", c.Alias)
	}
	switch c.Transport {
	case config.TransportTCP, "":
		if c.End == protocol.Server {
			return newTCPServer(c), nil
		}
		dialer, err := NewStreamDialer(c)
		if err != nil {
			return nil, err
		}
		return newTCPClient(c, dialer), nil
	case config.TransportUDP:
		if c.Proxy != "" {
			return nil, fmt.Errorf("transport: connection %q: proxy requires tcp", c.Alias)
		}
		if c.End == protocol.Server {
			return newUDPServer(c), nil
		}
		return newUDPClient(c), nil
	}
	return nil, fmt.Errorf("transport: connection %q: unknown transport %q", c.Alias, c.Transport)
}
