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

import "fmt"

// ProtectorState is the epoch state machine: Initial until the first keys
// arrive, then KeyedForEpoch(n).
type ProtectorState struct {
	Keyed bool
	Epoch uint16
}

func (s ProtectorState) String() string {
	if !s.Keyed {
		return "Initial"
	}
	return fmt.Sprintf("KeyedForEpoch(%d)", s.Epoch)
}

type epochState struct {
	cipher Cipher
	seq    uint64
}

// Protector owns the record protection of one direction of a connection.
// Epochs only move forward. In DTLS older epochs stay available to
// unprotect retransmitted records; in TLS only the current one exists.
type Protector struct {
	dtls    bool
	current uint16
	keyed   bool
	epochs  map[uint16]*epochState
}

// NewProtector returns a protector in the Initial state, protecting nothing.
func NewProtector(dtls bool) *Protector {
	return &Protector{
		dtls:   dtls,
		epochs: map[uint16]*epochState{0: {cipher: Null{}}},
	}
}

func (p *Protector) State() ProtectorState {
	return ProtectorState{Keyed: p.keyed, Epoch: p.current}
}

// Epoch is the epoch new records are protected under.
func (p *Protector) Epoch() uint16 {
	return p.current
}

// Rekey moves to epoch, protected by c.
func (p *Protector) Rekey(epoch uint16, c Cipher) error {
	if epoch <= p.current {
		return fmt.Errorf("%w: %d after %d", ErrEpochRegressed, epoch, p.current)
	}
	if !p.dtls {
		clear(p.epochs)
	}
	p.epochs[epoch] = &epochState{cipher: c}
	p.current = epoch
	p.keyed = true
	return nil
}

// NextSequence is the sequence number the next protected record receives.
func (p *Protector) NextSequence() uint64 {
	return p.epochs[p.current].seq
}

// Protect assigns the epoch and sequence number of r and protects it with
// the current cipher.
func (p *Protector) Protect(r *Record) error {
	st := p.epochs[p.current]
	r.DTLS = p.dtls
	if p.dtls {
		r.Epoch.SetNatural(p.current)
	}
	r.SequenceNumber.SetNatural(st.seq)
	st.seq++
	return st.cipher.Protect(r)
}

// ProtectPlaintext frames r without protection or sequence consumption, as
// TLS 1.3 does for compatibility ChangeCipherSpec records.
func (p *Protector) ProtectPlaintext(r *Record) {
	r.DTLS = p.dtls
	if p.dtls {
		r.Epoch.SetNatural(p.current)
	}
	r.Fragment.SetNatural(r.Plaintext)
}

// Unprotect recovers the clean bytes of r. Blob records pass through. A
// *ProtectionError is soft: r is still usable and marked.
func (p *Protector) Unprotect(r *Record) error {
	if r.Blob {
		r.CleanBytes = r.Fragment.Get()
		return nil
	}
	var st *epochState
	if p.dtls {
		st = p.epochs[r.Epoch.Get()]
		if st == nil {
			r.CleanBytes = r.Fragment.Get()
			return protectionError(ProtectionDecrypt, r, ErrUnknownEpoch)
		}
	} else {
		st = p.epochs[p.current]
		r.SequenceNumber.SetNatural(st.seq)
		st.seq++
	}
	return st.cipher.Unprotect(r)
}

// PassThrough marks r as unprotected, without touching sequence numbers.
func PassThrough(r *Record) {
	r.CleanBytes = r.Fragment.Get()
}
