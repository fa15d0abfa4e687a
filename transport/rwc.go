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
	"sync"
	"time"
)

type chunk struct {
	data []byte
	err  error
}

// StreamHandler is a [Handler] over any [io.ReadWriteCloser], such as a
// pipe or a connection set up elsewhere. A background goroutine reads the
// stream so Fetch can time out on streams without deadlines.
type StreamHandler struct {
	rwc     io.ReadWriteCloser
	timeout time.Duration

	once      sync.Once
	closeOnce sync.Once
	chunks    chan chunk
	closed    chan struct{}
	done      bool
}

var _ Handler = (*StreamHandler)(nil)

// NewStreamHandler returns a handler reading rwc with timeout per Fetch.
func NewStreamHandler(rwc io.ReadWriteCloser, timeout time.Duration) *StreamHandler {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &StreamHandler{rwc: rwc, timeout: timeout, closed: make(chan struct{})}
}

func (h *StreamHandler) Initialize(ctx context.Context) error {
	h.once.Do(func() {
		h.chunks = make(chan chunk, 16)
		go h.readLoop()
	})
	return nil
}

func (h *StreamHandler) IsInitialized() bool {
	return h.chunks != nil
}

// deliver queues c for Fetch. It reports false once the handler is closed.
func (h *StreamHandler) deliver(c chunk) bool {
	select {
	case h.chunks <- c:
		return true
	case <-h.closed:
		return false
	}
}

func (h *StreamHandler) readLoop() {
	defer close(h.chunks)
	for {
		buf := make([]byte, readBufferSize)
		n, err := h.rwc.Read(buf)
		if n > 0 && !h.deliver(chunk{data: buf[:n]}) {
			return
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				h.deliver(chunk{err: err})
			}
			return
		}
	}
}

func (h *StreamHandler) Send(ctx context.Context, data []byte) error {
	if h.chunks == nil {
		return opError("send", ErrNotInitialized)
	}
	_, err := h.rwc.Write(data)
	return opError("send", err)
}

func (h *StreamHandler) Fetch(ctx context.Context) ([]byte, error) {
	if h.chunks == nil {
		return nil, opError("fetch", ErrNotInitialized)
	}
	if h.done {
		return []byte{}, nil
	}
	timer := time.NewTimer(h.timeout)
	defer timer.Stop()
	select {
	case c, ok := <-h.chunks:
		if !ok {
			h.done = true
			return []byte{}, nil
		}
		if c.err != nil {
			return nil, opError("fetch", c.err)
		}
		return c.data, nil
	case <-timer.C:
		return []byte{}, nil
	case <-ctx.Done():
		return nil, opError("fetch", ctx.Err())
	}
}

func (h *StreamHandler) Close() error {
	h.closeOnce.Do(func() { close(h.closed) })
	return opError("close", h.rwc.Close())
}
