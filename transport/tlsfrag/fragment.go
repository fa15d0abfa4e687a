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

package tlsfrag

import (
	"context"
	"encoding/binary"
	"errors"
	"io"

	"github.com/Jigsaw-Code/tlsprobe/transport"
)

// TLS record layout from [RFC 8446]:
//
//	+-------------+ 0
//	| RecordType  |
//	+-------------+ 1
//	|  Protocol   |
//	|  Version    |
//	+-------------+ 3
//	|   Record    |
//	|   Length    |
//	+-------------+ 5
//	|   Message   |
//	|    Data     |
//	|     ...     |
//	+-------------+ Message Length + 5
//
// [RFC 8446]: https://datatracker.ietf.org/doc/html/rfc8446#section-5.1
const recordHeaderLen = 5

// Fragment returns data with every complete record whose payload exceeds
// size cut into records of at most size bytes. The header of the original
// record is repeated with the length adjusted. Bytes after the last complete
// record are kept as they are.
func Fragment(data []byte, size int) []byte {
	if size <= 0 {
		return data
	}
	out := make([]byte, 0, len(data))
	for len(data) >= recordHeaderLen {
		payloadLen := int(binary.BigEndian.Uint16(data[3:5]))
		if len(data) < recordHeaderLen+payloadLen {
			break
		}
		hdr, payload := data[:3], data[recordHeaderLen:recordHeaderLen+payloadLen]
		if payloadLen <= size {
			out = append(out, data[:recordHeaderLen+payloadLen]...)
		}
		for payloadLen > size && len(payload) > 0 {
			n := min(size, len(payload))
			out = append(out, hdr...)
			out = binary.BigEndian.AppendUint16(out, uint16(n))
			out = append(out, payload[:n]...)
			payload = payload[n:]
		}
		data = data[recordHeaderLen+payloadLen:]
	}
	return append(out, data...)
}

type fragWriter struct {
	base io.Writer
	size int
}

// NewWriter creates an [io.Writer] that fragments the records of every Write
// with [Fragment]. Each Write must carry whole records to be fragmented.
func NewWriter(base io.Writer, size int) (io.Writer, error) {
	if base == nil {
		return nil, errors.New("base writer must not be nil")
	}
	return &fragWriter{base: base, size: size}, nil
}

func (w *fragWriter) Write(p []byte) (int, error) {
	if _, err := w.base.Write(Fragment(p, w.size)); err != nil {
		return 0, err
	}
	return len(p), nil
}

type fragHandler struct {
	transport.Handler
	size int
}

// NewHandler creates a [transport.Handler] that fragments the TLS records of
// every send into records of at most size bytes. Datagram records have a
// different header and must not go through it.
func NewHandler(h transport.Handler, size int) (transport.Handler, error) {
	if h == nil {
		return nil, errors.New("argument h must not be nil")
	}
	if size <= 0 {
		return nil, errors.New("fragment size must be positive")
	}
	return &fragHandler{Handler: h, size: size}, nil
}

func (h *fragHandler) Send(ctx context.Context, data []byte) error {
	return h.Handler.Send(ctx, Fragment(data, h.size))
}
