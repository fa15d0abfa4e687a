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
	"time"
)

// TimingHandler wraps a [Handler] and measures, for every send, the delay
// until the first non-empty chunk that follows it.
type TimingHandler struct {
	Handler
	now          func() time.Time
	sentAt       time.Time
	waiting      bool
	measurements []time.Duration
}

// NewTimingHandler returns a decorator measuring response latency of h.
func NewTimingHandler(h Handler) *TimingHandler {
	return &TimingHandler{Handler: h, now: time.Now}
}

func (h *TimingHandler) Send(ctx context.Context, data []byte) error {
	if err := h.Handler.Send(ctx, data); err != nil {
		return err
	}
	if !h.waiting {
		h.sentAt = h.now()
		h.waiting = true
	}
	return nil
}

func (h *TimingHandler) Fetch(ctx context.Context) ([]byte, error) {
	data, err := h.Handler.Fetch(ctx)
	if err == nil && len(data) > 0 && h.waiting {
		h.measurements = append(h.measurements, h.now().Sub(h.sentAt))
		h.waiting = false
	}
	return data, err
}

// Measurements returns the latencies recorded so far, oldest first.
func (h *TimingHandler) Measurements() []time.Duration {
	return append([]time.Duration(nil), h.measurements...)
}

// LastMeasurement returns the latest latency, if any.
func (h *TimingHandler) LastMeasurement() (time.Duration, bool) {
	if len(h.measurements) == 0 {
		return 0, false
	}
	return h.measurements[len(h.measurements)-1], true
}
