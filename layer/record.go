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

package layer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Jigsaw-Code/tlsprobe/protocol"
	"github.com/Jigsaw-Code/tlsprobe/record"
	"github.com/Jigsaw-Code/tlsprobe/tlsctx"
)

// RecordLayer frames message bytes into records and owns the protector of
// each direction.
type RecordLayer struct {
	transport *TransportLayer
	dtls      bool
	read      *record.Protector
	write     *record.Protector
	logger    *slog.Logger
}

func newRecordLayer(t *TransportLayer, dtls bool, logger *slog.Logger) *RecordLayer {
	return &RecordLayer{
		transport: t,
		dtls:      dtls,
		read:      record.NewProtector(dtls),
		write:     record.NewProtector(dtls),
		logger:    logger,
	}
}

// ReadProtector unprotects records from the peer.
func (l *RecordLayer) ReadProtector() *record.Protector {
	return l.read
}

// WriteProtector protects sent records.
func (l *RecordLayer) WriteProtector() *record.Protector {
	return l.write
}

// syncKeys moves p to ks when the context published a newer epoch.
func syncKeys(p *record.Protector, ks tlsctx.KeyState, ok bool) error {
	if !ok || (p.State().Keyed && ks.Epoch <= p.Epoch()) {
		return nil
	}
	c, err := record.NewCipher(ks.Version, ks.Suite, ks.Keys)
	if err != nil {
		return fmt.Errorf("layer: keys for epoch %d: %w", ks.Epoch, err)
	}
	return p.Rekey(ks.Epoch, c)
}

func (l *RecordLayer) syncWriteKeys(tc *tlsctx.Context) error {
	ks, ok := tc.WriteKeys()
	return syncKeys(l.write, ks, ok)
}

func (l *RecordLayer) syncReadKeys(tc *tlsctx.Context) error {
	ks, ok := tc.ReadKeys()
	return syncKeys(l.read, ks, ok)
}

// plaintextCCS reports whether records of type ct bypass protection, as
// compatibility ChangeCipherSpec records do in TLS 1.3.
func plaintextCCS(tc *tlsctx.Context, ct protocol.ContentType) bool {
	return ct == protocol.ContentChangeCipherSpec && tc.Version.IsTLS13()
}

// frame cuts data of type ct into records of at most tc.MaxRecordPayload
// bytes, protects them and returns their wire bytes. Records are taken from
// templates first, so that configured field overrides apply, and created
// when the templates run out. The unused templates are returned.
func (l *RecordLayer) frame(tc *tlsctx.Context, ct protocol.ContentType, data []byte, templates []*record.Record) ([]*record.Record, []*record.Record, []byte, error) {
	if err := l.syncWriteKeys(tc); err != nil {
		return nil, templates, nil, err
	}
	size := tc.MaxRecordPayload()
	var sent []*record.Record
	var out []byte
	for first := true; first || len(data) > 0; first = false {
		n := min(size, len(data))
		var r *record.Record
		if len(templates) > 0 {
			r, templates = templates[0], templates[1:]
		} else {
			r = record.New(ct, tc.RecordVersion, l.dtls)
		}
		r.DTLS = l.dtls
		r.ContentType.SetNatural(uint8(ct))
		r.Version.SetNatural(uint16(tc.RecordVersion))
		r.Plaintext = data[:n:n]
		data = data[n:]
		if plaintextCCS(tc, ct) {
			l.write.ProtectPlaintext(r)
		} else if err := l.write.Protect(r); err != nil {
			return sent, templates, out, fmt.Errorf("layer: protect %v record: %w", ct, err)
		}
		r.Prepare()
		out = append(out, record.Serialize(r)...)
		sent = append(sent, r)
	}
	return sent, templates, out, nil
}

// SendRecords serializes already prepared records as they are and sends
// them in one write.
func (l *RecordLayer) SendRecords(ctx context.Context, tc *tlsctx.Context, records []*record.Record) bool {
	var out []byte
	for _, r := range records {
		out = append(out, record.Serialize(r)...)
	}
	return l.transport.Send(ctx, tc, out)
}

// fetchRecords reads the next chunk and frames it. A chunk that ends inside
// a record is completed with further reads; if the peer stops sending, the
// complete records are kept and the rest becomes a blob.
func (l *RecordLayer) fetchRecords(ctx context.Context, tc *tlsctx.Context) []*record.Record {
	data := l.transport.Fetch(ctx, tc)
	if len(data) == 0 {
		return nil
	}
	for {
		records, err := record.Parse(data, l.dtls)
		if err == nil {
			return records
		}
		var perr *record.ParseError
		if !errors.As(err, &perr) {
			return record.ParseSoftly(data, l.dtls)
		}
		more := l.transport.Fetch(ctx, tc)
		if len(more) == 0 {
			l.logger.Debug("Record framing incomplete", "offset", perr.Offset, "bytes", len(data))
			return record.ParseSoftly(data, l.dtls)
		}
		data = append(data[:len(data):len(data)], more...)
	}
}

// unprotect recovers the clean bytes of r. Failures are logged and leave r
// marked; they never stop the receive.
func (l *RecordLayer) unprotect(tc *tlsctx.Context, r *record.Record) error {
	if r.Blob || plaintextCCS(tc, protocol.ContentType(r.ContentType.Get())) {
		record.PassThrough(r)
		return nil
	}
	if err := l.syncReadKeys(tc); err != nil {
		record.PassThrough(r)
		return err
	}
	if err := l.read.Unprotect(r); err != nil {
		var perr *record.ProtectionError
		if !errors.As(err, &perr) {
			return err
		}
		l.logger.Warn("Record protection check failed", "kind", perr.Kind, "epoch", perr.Epoch, "sequence", perr.Sequence, "error", perr.Err)
	}
	return nil
}
