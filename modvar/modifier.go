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

package modvar

// Modifier transforms a natural value into the value that goes on the wire.
// Implementations must be pure: they must not mutate their input, so that
// resolving the same field twice yields the same bytes.
type Modifier[T any] interface {
	Modify(T) T
}

// ModifierFunc adapts a function to [Modifier].
type ModifierFunc[T any] func(T) T

func (f ModifierFunc[T]) Modify(t T) T {
	return f(t)
}

// Integer is the set of field types arithmetic modifiers accept.
type Integer interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64 | ~int | ~int8 | ~int16 | ~int32 | ~int64
}

// Explicit replaces the natural value.
type Explicit[T any] struct {
	Value T
}

func (m Explicit[T]) Modify(T) T {
	return m.Value
}

// Add adds Delta to the natural value, wrapping on overflow.
type Add[T Integer] struct {
	Delta T
}

func (m Add[T]) Modify(t T) T {
	return t + m.Delta
}

// XorBytes xors Mask into the value starting at Offset. Mask bytes past the
// end of the value are ignored.
type XorBytes struct {
	Offset int
	Mask   []byte
}

func (m XorBytes) Modify(b []byte) []byte {
	out := clone(b)
	for i, x := range m.Mask {
		j := m.Offset + i
		if j < 0 || j >= len(out) {
			continue
		}
		out[j] ^= x
	}
	return out
}

type AppendBytes struct {
	Bytes []byte
}

func (m AppendBytes) Modify(b []byte) []byte {
	out := make([]byte, 0, len(b)+len(m.Bytes))
	return append(append(out, b...), m.Bytes...)
}

type PrependBytes struct {
	Bytes []byte
}

func (m PrependBytes) Modify(b []byte) []byte {
	out := make([]byte, 0, len(b)+len(m.Bytes))
	return append(append(out, m.Bytes...), b...)
}

// InsertBytes inserts Bytes before Offset. Offsets outside the value are
// clamped to its bounds.
type InsertBytes struct {
	Offset int
	Bytes  []byte
}

func (m InsertBytes) Modify(b []byte) []byte {
	at := clamp(m.Offset, len(b))
	out := make([]byte, 0, len(b)+len(m.Bytes))
	out = append(out, b[:at]...)
	out = append(out, m.Bytes...)
	return append(out, b[at:]...)
}

// DeleteBytes removes Count bytes starting at Offset, clamped to the value.
type DeleteBytes struct {
	Offset int
	Count  int
}

func (m DeleteBytes) Modify(b []byte) []byte {
	from := clamp(m.Offset, len(b))
	to := clamp(from+max(m.Count, 0), len(b))
	out := make([]byte, 0, len(b)-(to-from))
	out = append(out, b[:from]...)
	return append(out, b[to:]...)
}

// Chain applies modifiers in order.
type Chain[T any] []Modifier[T]

func (c Chain[T]) Modify(t T) T {
	for _, m := range c {
		t = m.Modify(t)
	}
	return t
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func clamp(i, n int) int {
	return min(max(i, 0), n)
}
