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

package split

import (
	"context"
	"errors"

	"github.com/Jigsaw-Code/tlsprobe/transport"
)

type splitHandler struct {
	transport.Handler
	sizes []int
}

// NewHandler creates a [transport.Handler] that sends every chunk through a
// [Writer] with sizes.
func NewHandler(h transport.Handler, sizes ...int) (transport.Handler, error) {
	if h == nil {
		return nil, errors.New("argument h must not be nil")
	}
	return &splitHandler{Handler: h, sizes: sizes}, nil
}

func (h *splitHandler) Send(ctx context.Context, data []byte) error {
	_, err := NewWriter(&sendWriter{ctx, h.Handler}, h.sizes...).Write(data)
	return err
}

type sendWriter struct {
	ctx context.Context
	h   transport.Handler
}

func (w *sendWriter) Write(p []byte) (int, error) {
	if err := w.h.Send(w.ctx, p); err != nil {
		return 0, err
	}
	return len(p), nil
}
