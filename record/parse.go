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

package record

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

// ErrTruncated is reported when the bytes end inside a record.
var ErrTruncated = errors.New("record: truncated")

// ParseError reports where framing failed.
type ParseError struct {
	Offset int
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("record: parse failed at offset %d: %v", e.Offset, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Parse frames b into records. It fails if b does not end on a record boundary.
func Parse(b []byte, dtls bool) ([]*Record, error) {
	records, n := parseAll(b, dtls)
	if n != len(b) {
		return nil, &ParseError{Offset: n, Err: ErrTruncated}
	}
	return records, nil
}

// ParseSoftly frames as many complete records as b holds and turns whatever
// follows into a single blob record. It never fails.
func ParseSoftly(b []byte, dtls bool) []*Record {
	records, n := parseAll(b, dtls)
	if n < len(b) {
		blob := &Record{DTLS: dtls, Blob: true, Raw: b[n:]}
		blob.Fragment.SetNatural(b[n:])
		records = append(records, blob)
	}
	return records
}

// parseAll returns the complete records at the start of b and the number of
// bytes they cover.
func parseAll(b []byte, dtls bool) ([]*Record, int) {
	var records []*Record
	consumed := 0
	for consumed < len(b) {
		r, n, ok := parseOne(b[consumed:], dtls)
		if !ok {
			break
		}
		records = append(records, r)
		consumed += n
	}
	return records, consumed
}

func parseOne(b []byte, dtls bool) (*Record, int, bool) {
	s := cryptobyte.String(b)
	r := &Record{DTLS: dtls}
	var ct uint8
	var version, length uint16
	if !s.ReadUint8(&ct) || !s.ReadUint16(&version) {
		return nil, 0, false
	}
	r.ContentType.SetNatural(ct)
	r.Version.SetNatural(version)
	if dtls {
		var epoch uint16
		var seq []byte
		if !s.ReadUint16(&epoch) || !s.ReadBytes(&seq, 6) {
			return nil, 0, false
		}
		r.Epoch.SetNatural(epoch)
		r.SequenceNumber.SetNatural(uint48(seq))
	}
	var fragment []byte
	if !s.ReadUint16(&length) || !s.ReadBytes(&fragment, int(length)) {
		return nil, 0, false
	}
	r.Length.SetNatural(length)
	r.Fragment.SetNatural(fragment)
	n := len(b) - len(s)
	r.Raw = b[:n:n]
	return r, n, true
}

// Serialize renders the resolved header and fragment of r and records the
// result in r.Raw.
func Serialize(r *Record) []byte {
	r.Resolve()
	if r.Blob {
		r.Raw = append([]byte(nil), r.Fragment.Get()...)
		return r.Raw
	}
	var b cryptobyte.Builder
	b.AddUint8(r.ContentType.Get())
	b.AddUint16(r.Version.Get())
	if r.DTLS {
		b.AddUint16(r.Epoch.Get())
		b.AddBytes(putUint48(r.SequenceNumber.Get()))
	}
	b.AddUint16(r.Length.Get())
	b.AddBytes(r.Fragment.Get())
	r.Raw = b.BytesOrPanic()
	return r.Raw
}

func uint48(b []byte) uint64 {
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return v
}

func putUint48(v uint64) []byte {
	return []byte{byte(v >> 40), byte(v >> 32), byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}
