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
	"fmt"
	"sort"

	"github.com/Jigsaw-Code/tlsprobe/tlsctx"
	"golang.org/x/crypto/cryptobyte"
)

// Codec holds the typed steps of one message variant. Any step may be nil.
type Codec[M Message] struct {
	// Parse reads the message body from s. For handshake messages s holds
	// exactly the body and must be consumed completely.
	Parse func(M, *cryptobyte.String, *tlsctx.Context) bool
	// Prepare sets the natural values of the body fields.
	Prepare func(M, *tlsctx.Context) error
	// Serialize writes the body using the current values of the fields.
	Serialize func(M, *cryptobyte.Builder, *tlsctx.Context)
	// Handle applies the message to the connection state.
	Handle func(M, *tlsctx.Context) error
	// ChangesWriteKeys reports whether handling the message switches the
	// keys records are sent with.
	ChangesWriteKeys func(M, *tlsctx.Context) bool
	// OwnsDigest stops [Adjust] from adding the message to the transcript;
	// the handler does so itself.
	OwnsDigest bool
}

// Entry is the type-erased form of a [Codec], as stored in the dispatch table.
type Entry struct {
	Name string
	Type Type
	New  func() Message

	parse            func(Message, *cryptobyte.String, *tlsctx.Context) bool
	prepare          func(Message, *tlsctx.Context) error
	serialize        func(Message, *cryptobyte.Builder, *tlsctx.Context)
	handle           func(Message, *tlsctx.Context) error
	changesWriteKeys func(Message, *tlsctx.Context) bool
	ownsDigest       bool
}

// NewEntry erases the type of c.
func NewEntry[M Message](name string, t Type, newMessage func() M, c Codec[M]) *Entry {
	e := &Entry{
		Name:       name,
		Type:       t,
		New:        func() Message { return newMessage() },
		ownsDigest: c.OwnsDigest,
	}
	if c.Parse != nil {
		e.parse = func(m Message, s *cryptobyte.String, ctx *tlsctx.Context) bool { return c.Parse(m.(M), s, ctx) }
	}
	if c.Prepare != nil {
		e.prepare = func(m Message, ctx *tlsctx.Context) error { return c.Prepare(m.(M), ctx) }
	}
	if c.Serialize != nil {
		e.serialize = func(m Message, b *cryptobyte.Builder, ctx *tlsctx.Context) { c.Serialize(m.(M), b, ctx) }
	}
	if c.Handle != nil {
		e.handle = func(m Message, ctx *tlsctx.Context) error { return c.Handle(m.(M), ctx) }
	}
	if c.ChangesWriteKeys != nil {
		e.changesWriteKeys = func(m Message, ctx *tlsctx.Context) bool { return c.ChangesWriteKeys(m.(M), ctx) }
	}
	return e
}

var (
	registry = map[Type]*Entry{}
	byName   = map[string]*Entry{}
)

// Register adds e to the dispatch table. Parsing a message of e.Type uses
// e from then on.
func Register(e *Entry) {
	registry[e.Type] = e
	byName[e.Name] = e
}

// RegisterName makes e available to [New] without adding it to the
// dispatch table.
func RegisterName(e *Entry) {
	byName[e.Name] = e
}

// Lookup returns the entry parsing messages of type t.
func Lookup(t Type) (*Entry, bool) {
	e, ok := registry[t]
	return e, ok
}

// New returns an empty message of the variant registered as name.
func New(name string) (Message, error) {
	e, ok := byName[name]
	if !ok {
		return nil, fmt.Errorf("message: unknown message %q", name)
	}
	return e.New(), nil
}

// Names lists the registered variants.
func Names() []string {
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	for _, e := range []*Entry{
		clientHelloEntry,
		serverHelloEntry,
		helloVerifyRequestEntry,
		certificateEntry,
		serverKeyExchangeEntry,
		certificateRequestEntry,
		serverHelloDoneEntry,
		clientKeyExchangeEntry,
		encryptedExtensionsEntry,
		finishedEntry,
		changeCipherSpecEntry,
		alertEntry,
		applicationDataEntry,
		heartbeatEntry,
	} {
		Register(e)
	}
	// Fallback variants are reachable by name only.
	for _, e := range []*Entry{unknownHandshakeEntry, unknownEntry, dtlsHandshakeFragmentEntry} {
		RegisterName(e)
	}
}
