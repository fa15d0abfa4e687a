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

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ModificationType names a serializable modifier.
type ModificationType string

const (
	ModExplicit ModificationType = "explicit"
	ModAdd      ModificationType = "add"
	ModXor      ModificationType = "xor"
	ModAppend   ModificationType = "append"
	ModPrepend  ModificationType = "prepend"
	ModInsert   ModificationType = "insert"
	ModDelete   ModificationType = "delete"
)

var (
	ErrUnsupportedModification = errors.New("modvar: modification not supported for field type")
	ErrUnknownModification     = errors.New("modvar: unknown modification type")
)

// HexBytes is a byte slice that travels as a hex string in text formats.
type HexBytes []byte

func (h HexBytes) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(h)), nil
}

func (h *HexBytes) UnmarshalText(text []byte) error {
	s := strings.TrimPrefix(strings.ReplaceAll(string(text), " ", ""), "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid hex bytes: %w", err)
	}
	*h = b
	return nil
}

// Modification is the declarative form of a modifier, as written in workflow
// traces. Integer fields use Int; byte fields use Bytes, Offset and Count.
type Modification struct {
	Type   ModificationType `yaml:"type"`
	Int    int64            `yaml:"int,omitempty"`
	Bytes  HexBytes         `yaml:"bytes,omitempty"`
	Offset int              `yaml:"offset,omitempty"`
	Count  int              `yaml:"count,omitempty"`
}

func (m Modification) String() string {
	switch m.Type {
	case ModExplicit, ModAdd:
		if m.Bytes != nil {
			return fmt.Sprintf("%s(%x)", m.Type, []byte(m.Bytes))
		}
		return fmt.Sprintf("%s(%d)", m.Type, m.Int)
	case ModDelete:
		return fmt.Sprintf("delete(%d,%d)", m.Offset, m.Count)
	}
	return fmt.Sprintf("%s(%d,%x)", m.Type, m.Offset, []byte(m.Bytes))
}

// Modify builds the modifier m describes and attaches it to v. An existing
// modifier is kept and runs first.
func (v *Value[T]) Modify(m Modification) error {
	mod, err := modifierFor[T](m)
	if err != nil {
		return err
	}
	if v.modifier != nil {
		mod = Chain[T]{v.modifier, mod}
	}
	v.SetModifier(mod)
	return nil
}

func modifierFor[T any](m Modification) (Modifier[T], error) {
	var zero T
	var mod any
	var err error
	switch any(zero).(type) {
	case []byte:
		mod, err = bytesModifier(m)
	case string:
		mod, err = stringModifier(m)
	case bool:
		if m.Type != ModExplicit {
			return nil, fmt.Errorf("%w: %s on bool", ErrUnsupportedModification, m.Type)
		}
		mod = Explicit[bool]{Value: m.Int != 0}
	case uint8:
		mod, err = intModifier[uint8](m)
	case uint16:
		mod, err = intModifier[uint16](m)
	case uint32:
		mod, err = intModifier[uint32](m)
	case uint64:
		mod, err = intModifier[uint64](m)
	case int:
		mod, err = intModifier[int](m)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedModification, zero)
	}
	if err != nil {
		return nil, err
	}
	return mod.(Modifier[T]), nil
}

func intModifier[T Integer](m Modification) (Modifier[T], error) {
	switch m.Type {
	case ModExplicit:
		return Explicit[T]{Value: T(m.Int)}, nil
	case ModAdd:
		return Add[T]{Delta: T(m.Int)}, nil
	case ModXor:
		mask := T(m.Int)
		return ModifierFunc[T](func(t T) T { return t ^ mask }), nil
	case ModAppend, ModPrepend, ModInsert, ModDelete:
		return nil, fmt.Errorf("%w: %s on integer", ErrUnsupportedModification, m.Type)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownModification, m.Type)
}

func bytesModifier(m Modification) (Modifier[[]byte], error) {
	b := []byte(m.Bytes)
	switch m.Type {
	case ModExplicit:
		return Explicit[[]byte]{Value: b}, nil
	case ModXor:
		return XorBytes{Offset: m.Offset, Mask: b}, nil
	case ModAppend:
		return AppendBytes{Bytes: b}, nil
	case ModPrepend:
		return PrependBytes{Bytes: b}, nil
	case ModInsert:
		return InsertBytes{Offset: m.Offset, Bytes: b}, nil
	case ModDelete:
		return DeleteBytes{Offset: m.Offset, Count: m.Count}, nil
	case ModAdd:
		return nil, fmt.Errorf("%w: add on bytes", ErrUnsupportedModification)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownModification, m.Type)
}

func stringModifier(m Modification) (Modifier[string], error) {
	bm, err := bytesModifier(m)
	if err != nil {
		return nil, err
	}
	return ModifierFunc[string](func(s string) string { return string(bm.Modify([]byte(s))) }), nil
}
