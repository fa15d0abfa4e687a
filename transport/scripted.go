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
	"sync"
)

// ScriptedHandler is an in-memory [Handler] that replays canned chunks and
// records what was sent. An empty chunk in the script reads as a timeout;
// so does the end of the script.
type ScriptedHandler struct {
	mu          sync.Mutex
	script      [][]byte
	sent        [][]byte
	initialized bool
	closed      bool

	// OnSend, when set, is called for every send. The chunks it returns are
	// appended to the script, letting a test play a reactive peer.
	OnSend func(data []byte) [][]byte
	// SendErr and FetchErr, when set, fail the matching operation.
	SendErr  error
	FetchErr error
}

var _ Handler = (*ScriptedHandler)(nil)

// NewScriptedHandler returns a handler that will fetch chunks in order.
func NewScriptedHandler(chunks ...[]byte) *ScriptedHandler {
	return &ScriptedHandler{script: chunks}
}

// Push appends chunks to the script.
func (h *ScriptedHandler) Push(chunks ...[]byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.script = append(h.script, chunks...)
}

// Sent returns every chunk passed to Send so far.
func (h *ScriptedHandler) Sent() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]byte(nil), h.sent...)
}

// Remaining is the number of chunks not fetched yet.
func (h *ScriptedHandler) Remaining() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.script)
}

func (h *ScriptedHandler) Initialize(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.initialized = true
	h.closed = false
	return nil
}

func (h *ScriptedHandler) IsInitialized() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.initialized && !h.closed
}

func (h *ScriptedHandler) Send(_ context.Context, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.initialized || h.closed {
		return opError("send", ErrNotInitialized)
	}
	if h.SendErr != nil {
		return opError("send", h.SendErr)
	}
	h.sent = append(h.sent, append([]byte(nil), data...))
	if h.OnSend != nil {
		h.script = append(h.script, h.OnSend(data)...)
	}
	return nil
}

func (h *ScriptedHandler) Fetch(ctx context.Context) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.initialized || h.closed {
		return nil, opError("fetch", ErrNotInitialized)
	}
	if err := ctx.Err(); err != nil {
		return nil, opError("fetch", err)
	}
	if h.FetchErr != nil {
		return nil, opError("fetch", h.FetchErr)
	}
	if len(h.script) == 0 {
		return []byte{}, nil
	}
	next := h.script[0]
	h.script = h.script[1:]
	if next == nil {
		next = []byte{}
	}
	return next, nil
}

func (h *ScriptedHandler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}
