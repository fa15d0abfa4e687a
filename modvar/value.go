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

/*
Package modvar provides overridable protocol fields.

A [Value] holds the natural value a preparator computes from connection state
and an optional [Modifier] a test author attaches to corrupt or replace it.
Nothing is applied implicitly: [Value.Resolve] runs the modifier once, right
before serialization, and freezes the result. From then on the resolved value
is what was sent, and digests or MACs computed over the message must use it.

	var v modvar.Value[uint16]
	v.SetNatural(0x0303)
	v.SetModifier(modvar.Add[uint16]{Delta: 1})
	v.Resolve() // 0x0304
*/
package modvar

import "fmt"

// Kind reports which of the natural or overridden values a field carries.
type Kind int

const (
	Unset Kind = iota
	Natural
	Overridden
)

func (k Kind) String() string {
	switch k {
	case Unset:
		return "unset"
	case Natural:
		return "natural"
	case Overridden:
		return "overridden"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Value is a protocol field with a natural value and an optional modifier.
// The zero Value is unset.
type Value[T any] struct {
	natural    T
	hasNatural bool
	modifier   Modifier[T]
	resolved   T
	isResolved bool
}

// Of returns a Value whose natural value is t.
func Of[T any](t T) Value[T] {
	return Value[T]{natural: t, hasNatural: true}
}

// SetNatural records the computed value. It discards any frozen resolution
// so the next Resolve sees the new input.
func (v *Value[T]) SetNatural(t T) {
	v.natural = t
	v.hasNatural = true
	v.isResolved = false
}

// Natural returns the computed value, ignoring any modifier.
func (v *Value[T]) Natural() (T, bool) {
	return v.natural, v.hasNatural
}

// HasNatural reports whether a preparator or parser has populated the field.
func (v *Value[T]) HasNatural() bool {
	return v.hasNatural
}

// SetModifier attaches m, replacing any previous modifier. A nil m clears it.
func (v *Value[T]) SetModifier(m Modifier[T]) {
	v.modifier = m
	v.isResolved = false
}

func (v *Value[T]) Modifier() Modifier[T] {
	return v.modifier
}

// IsSet reports whether Get would return anything other than the zero value
// by construction.
func (v *Value[T]) IsSet() bool {
	return v.hasNatural || v.modifier != nil
}

// Kind classifies the field.
func (v *Value[T]) Kind() Kind {
	switch {
	case v.modifier != nil:
		return Overridden
	case v.hasNatural:
		return Natural
	}
	return Unset
}

// Get returns the frozen value if the field was resolved, otherwise the
// modifier applied to the natural value. With no natural value the modifier
// sees the zero T, which makes an explicit modifier work on an unset field.
func (v *Value[T]) Get() T {
	if v.isResolved {
		return v.resolved
	}
	return v.compute()
}

// Resolve applies the modifier and freezes the result.
func (v *Value[T]) Resolve() T {
	v.resolved = v.compute()
	v.isResolved = true
	return v.resolved
}

// Freeze is Resolve without the result, for type-erased callers.
func (v *Value[T]) Freeze() {
	v.Resolve()
}

// Resolved returns the frozen value, if any.
func (v *Value[T]) Resolved() (T, bool) {
	return v.resolved, v.isResolved
}

// Reset clears the natural and frozen values. The modifier survives so a
// reset action sends the same corruption again.
func (v *Value[T]) Reset() {
	var zero T
	v.natural, v.resolved = zero, zero
	v.hasNatural, v.isResolved = false, false
}

// Any returns Get as an untyped value for traces and dumps.
func (v *Value[T]) Any() any {
	return v.Get()
}

func (v *Value[T]) compute() T {
	if v.modifier == nil {
		return v.natural
	}
	return v.modifier.Modify(v.natural)
}

func (v *Value[T]) String() string {
	switch v.Kind() {
	case Unset:
		return "<unset>"
	case Overridden:
		return fmt.Sprintf("%v (natural %v)", v.Get(), v.natural)
	}
	return fmt.Sprintf("%v", v.Get())
}

// Field is the type-erased view of a Value used to address fields by name.
type Field interface {
	Kind() Kind
	IsSet() bool
	Any() any
	Modify(Modification) error
	Freeze()
	Reset()
}
