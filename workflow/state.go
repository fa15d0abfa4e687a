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

package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Jigsaw-Code/tlsprobe/config"
	"github.com/Jigsaw-Code/tlsprobe/layer"
	"github.com/Jigsaw-Code/tlsprobe/tlsctx"
	"github.com/Jigsaw-Code/tlsprobe/transport"
	"github.com/Jigsaw-Code/tlsprobe/transport/pcap"
	"github.com/Jigsaw-Code/tlsprobe/transport/split"
	"github.com/Jigsaw-Code/tlsprobe/transport/tlsfrag"
	"golang.org/x/sync/errgroup"
)

var (
	ErrAlreadyExecuted   = errors.New("workflow: action already executed")
	ErrUnknownConnection = errors.New("workflow: unknown connection")
)

// Connection is one configured endpoint with its protocol state.
type Connection struct {
	Config  config.Connection
	Context *tlsctx.Context
	Stack   *layer.Stack
	Handler transport.Handler
}

// State is everything a workflow run works on.
type State struct {
	Config *config.Config
	Trace  *Trace

	connections map[string]*Connection
	aliases     []string
}

// StateOption configures [NewState].
type StateOption func(*stateOptions)

type stateOptions struct {
	handlers map[string]transport.Handler
	logger   *slog.Logger
}

// WithHandler makes the connection alias use h instead of a transport built
// from its configuration.
func WithHandler(alias string, h transport.Handler) StateOption {
	return func(o *stateOptions) {
		o.handlers[alias] = h
	}
}

// WithStateLogger sets the logger of the connection stacks.
func WithStateLogger(l *slog.Logger) StateOption {
	return func(o *stateOptions) {
		o.logger = l
	}
}

// NewState builds a connection for every entry of cfg.Connections.
func NewState(cfg *config.Config, trace *Trace, opts ...StateOption) (*State, error) {
	o := stateOptions{handlers: map[string]transport.Handler{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if trace == nil {
		trace = &Trace{}
	}
	s := &State{Config: cfg, Trace: trace, connections: map[string]*Connection{}}
	for _, c := range cfg.Connections {
		if _, dup := s.connections[c.Alias]; dup {
			return nil, fmt.Errorf("workflow: connection %q configured twice", c.Alias)
		}
		h, ok := o.handlers[c.Alias]
		if !ok {
			var err error
			if h, err = OpenHandler(c, cfg.IsDTLS()); err != nil {
				return nil, fmt.Errorf("workflow: connection %q: %w", c.Alias, err)
			}
		}
		s.connections[c.Alias] = &Connection{
			Config:  c,
			Context: tlsctx.New(cfg, c.End),
			Stack:   layer.New(h, cfg.IsDTLS(), layer.WithLogger(o.logger.With("connection", c.Alias))),
			Handler: h,
		}
		s.aliases = append(s.aliases, c.Alias)
	}
	return s, nil
}

// Connection returns the connection named alias.
func (s *State) Connection(alias string) (*Connection, error) {
	c, ok := s.connections[alias]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownConnection, alias)
	}
	return c, nil
}

// Connections returns every connection in configuration order.
func (s *State) Connections() []*Connection {
	out := make([]*Connection, 0, len(s.aliases))
	for _, alias := range s.aliases {
		out = append(out, s.connections[alias])
	}
	return out
}

// ReceivedFatalAlert reports whether any connection received a fatal alert.
func (s *State) ReceivedFatalAlert() bool {
	for _, c := range s.connections {
		if c.Context.ReceivedFatalAlert {
			return true
		}
	}
	return false
}

// ReceivedTransportError reports whether any connection failed on I/O.
func (s *State) ReceivedTransportError() bool {
	for _, c := range s.connections {
		if c.Context.ReceivedTransportError {
			return true
		}
	}
	return false
}

// OpenHandler builds the transport of c with the decorators it configures.
// Captures see the bytes as they hit the socket, after splitting and record
// fragmentation.
func OpenHandler(c config.Connection, dtls bool) (transport.Handler, error) {
	h, err := transport.New(c)
	if err != nil {
		return nil, err
	}
	if c.CapturePath != "" {
		if h, err = pcap.Create(h, c.CapturePath, c.Transport == config.TransportUDP || dtls); err != nil {
			return nil, err
		}
	}
	if len(c.SplitSizes) > 0 {
		if h, err = split.NewHandler(h, c.SplitSizes...); err != nil {
			return nil, err
		}
	}
	if c.RecordFragmentSize > 0 {
		if h, err = tlsfrag.NewHandler(h, c.RecordFragmentSize); err != nil {
			return nil, err
		}
	}
	if c.Timing {
		h = transport.NewTimingHandler(h)
	}
	return h, nil
}

// initialize opens every transport that is not open yet. Transports open
// concurrently, so a listening connection can accept one dialed by another
// connection of the same run.
func (s *State) initialize(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range s.Connections() {
		c := c
		if c.Handler.IsInitialized() {
			continue
		}
		g.Go(func() error {
			if err := c.Handler.Initialize(ctx); err != nil {
				return fmt.Errorf("workflow: open connection %q: %w", c.Config.Alias, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// close closes every transport and joins the failures.
func (s *State) close() error {
	var errs []error
	for _, c := range s.Connections() {
		if err := c.Handler.Close(); err != nil {
			errs = append(errs, fmt.Errorf("workflow: close connection %q: %w", c.Config.Alias, err))
		}
	}
	return errors.Join(errs...)
}
