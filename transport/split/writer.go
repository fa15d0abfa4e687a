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

// Package split sends every write as several smaller writes, so that each
// piece leaves in its own TCP segment.
package split

import (
	"io"
)

// Writer splits every Write into pieces of the configured sizes.
type Writer struct {
	writer io.Writer
	sizes  []int
}

var _ io.Writer = (*Writer)(nil)

// NewWriter creates a Writer that cuts each Write into pieces of sizes[0],
// sizes[1], and so on, writing whatever remains as a last piece. Sizes that
// are not positive are skipped.
// For example, with sizes [1 3] a write of [0123456789] becomes the writes
// [0], [123] and [456789].
func NewWriter(writer io.Writer, sizes ...int) *Writer {
	return &Writer{writer, sizes}
}

func (w *Writer) Write(data []byte) (written int, err error) {
	for _, size := range w.sizes {
		if size <= 0 {
			continue
		}
		if size >= len(data) {
			break
		}
		n, err := w.writer.Write(data[:size])
		written += n
		if err != nil {
			return written, err
		}
		data = data[n:]
	}
	if len(data) == 0 {
		return written, nil
	}
	n, err := w.writer.Write(data)
	written += n
	return written, err
}
