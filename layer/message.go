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
	"fmt"
	"log/slog"

	"github.com/Jigsaw-Code/tlsprobe/message"
	"github.com/Jigsaw-Code/tlsprobe/protocol"
	"github.com/Jigsaw-Code/tlsprobe/record"
	"github.com/Jigsaw-Code/tlsprobe/tlsctx"
)

// MessageLayer turns messages into record payloads and back.
type MessageLayer struct {
	records *RecordLayer
	logger  *slog.Logger
}

// sendBuffer collects serialized messages of one content type until they
// are framed into records.
type sendBuffer struct {
	ct        protocol.ContentType
	data      []byte
	templates []*record.Record
	out       []byte
	sent      []*record.Record
}

func (b *sendBuffer) flush(l *RecordLayer, tc *tlsctx.Context) error {
	if len(b.data) == 0 {
		return nil
	}
	sent, rest, out, err := l.frame(tc, b.ct, b.data, b.templates)
	b.templates = rest
	b.sent = append(b.sent, sent...)
	b.out = append(b.out, out...)
	b.data = nil
	return err
}

// send prepares, serializes and adjusts msgs in order and frames them into
// records. Consecutive messages of one content type share records. A
// message that switches the write keys flushes what precedes it, so those
// bytes leave under the old keys.
func (l *MessageLayer) send(tc *tlsctx.Context, msgs []message.Message, templates []*record.Record) (*sendBuffer, error) {
	buf := &sendBuffer{templates: templates}
	for _, m := range msgs {
		ct := m.Type().Content
		if ct != buf.ct {
			if err := buf.flush(l.records, tc); err != nil {
				return buf, err
			}
			buf.ct = ct
		}
		if err := message.Prepare(m, tc); err != nil {
			return buf, err
		}
		b, err := message.Serialize(m, tc)
		if err != nil {
			return buf, err
		}
		buf.data = append(buf.data, b...)
		if l.logger.Enabled(context.Background(), slog.LevelDebug) {
			l.logger.Debug("Prepared message", "name", message.Name(m), "fields", dump{m})
		}
		if message.ChangesWriteKeys(m, tc) {
			if err := buf.flush(l.records, tc); err != nil {
				return buf, err
			}
		}
		if err := message.Adjust(m, tc); err != nil {
			return buf, fmt.Errorf("layer: adjust sent %s: %w", message.Name(m), err)
		}
	}
	return buf, buf.flush(l.records, tc)
}
