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
	"bytes"
	"context"
	"testing"

	"github.com/Jigsaw-Code/tlsprobe/transport"
	"github.com/stretchr/testify/require"
)

func record(ct byte, payload string) []byte {
	return append([]byte{ct, 0x03, 0x03, byte(len(payload) >> 8), byte(len(payload))}, payload...)
}

func TestFragment(t *testing.T) {
	in := append(record(22, "abcdefg"), record(21, "xy")...)
	want := bytes.Join([][]byte{
		record(22, "abc"),
		record(22, "def"),
		record(22, "g"),
		record(21, "xy"),
	}, nil)
	require.Equal(t, want, Fragment(in, 3))
}

func TestFragment_KeepsTail(t *testing.T) {
	in := append(record(23, "abcd"), 0x17, 0x03)
	require.Equal(t, append(append(record(23, "ab"), record(23, "cd")...), 0x17, 0x03), Fragment(in, 2))

	truncated := record(22, "abcdef")[:8]
	require.Equal(t, truncated, Fragment(truncated, 2))
}

func TestFragment_NoOp(t *testing.T) {
	in := record(22, "abc")
	require.Equal(t, in, Fragment(in, 3))
	require.Equal(t, in, Fragment(in, 0))
	require.Equal(t, record(22, ""), Fragment(record(22, ""), 1))
}

func TestWriter(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, 4)
	require.NoError(t, err)
	in := record(22, "0123456789")
	n, err := w.Write(in)
	require.NoError(t, err)
	require.Equal(t, len(in), n)
	require.Equal(t, 3*recordHeaderLen+10, buf.Len())
}

func TestHandler(t *testing.T) {
	inner := transport.NewScriptedHandler()
	h, err := NewHandler(inner, 2)
	require.NoError(t, err)
	require.NoError(t, h.Initialize(context.Background()))
	require.NoError(t, h.Send(context.Background(), record(22, "abc")))
	require.Equal(t, [][]byte{append(record(22, "ab"), record(22, "c")...)}, inner.Sent())

	_, err = NewHandler(inner, 0)
	require.Error(t, err)
}
