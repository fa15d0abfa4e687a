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

package message

import (
	"github.com/Jigsaw-Code/tlsprobe/modvar"
	"github.com/Jigsaw-Code/tlsprobe/protocol"
	"github.com/Jigsaw-Code/tlsprobe/tlsctx"
	"golang.org/x/crypto/cryptobyte"
)

// ChangeCipherSpec switches the sender's direction to the pending keys. In
// TLS 1.3 it is a compatibility no-op.
type ChangeCipherSpec struct {
	base
	CCSType modvar.Value[uint8]
}

var changeCipherSpecType = Type{Content: protocol.ContentChangeCipherSpec}

func (m *ChangeCipherSpec) Type() Type    { return changeCipherSpecType }
func (m *ChangeCipherSpec) Entry() *Entry { return changeCipherSpecEntry }

func (m *ChangeCipherSpec) Fields() map[string]modvar.Field {
	return map[string]modvar.Field{"ccs_type": &m.CCSType}
}

var changeCipherSpecEntry = NewEntry("ChangeCipherSpec", changeCipherSpecType,
	func() *ChangeCipherSpec { return &ChangeCipherSpec{} },
	Codec[*ChangeCipherSpec]{
		Parse: func(m *ChangeCipherSpec, s *cryptobyte.String, _ *tlsctx.Context) bool {
			var v uint8
			if !s.ReadUint8(&v) {
				return false
			}
			m.CCSType.SetNatural(v)
			return true
		},
		Prepare: func(m *ChangeCipherSpec, _ *tlsctx.Context) error {
			m.CCSType.SetNatural(1)
			return nil
		},
		Serialize: func(m *ChangeCipherSpec, b *cryptobyte.Builder, _ *tlsctx.Context) {
			b.AddUint8(m.CCSType.Get())
		},
		Handle: func(_ *ChangeCipherSpec, ctx *tlsctx.Context) error {
			if ctx.Version.IsTLS13() {
				return nil
			}
			if ctx.IsPeerTalking() {
				return ctx.ActivateReadKeys()
			}
			return ctx.ActivateWriteKeys()
		},
		ChangesWriteKeys: func(_ *ChangeCipherSpec, ctx *tlsctx.Context) bool {
			return !ctx.Version.IsTLS13()
		},
	})

// Alert signals a warning or an error. Level and Description default to the
// configured alert, itself defaulting to a close_notify warning.
type Alert struct {
	base
	Level       modvar.Value[uint8]
	Description modvar.Value[uint8]

	ConfiguredLevel       protocol.AlertLevel
	ConfiguredDescription protocol.AlertDescription
}

var alertType = Type{Content: protocol.ContentAlert}

// NewAlert returns an alert configured to send level and description.
func NewAlert(level protocol.AlertLevel, description protocol.AlertDescription) *Alert {
	return &Alert{ConfiguredLevel: level, ConfiguredDescription: description}
}

func (m *Alert) Type() Type    { return alertType }
func (m *Alert) Entry() *Entry { return alertEntry }

func (m *Alert) Fields() map[string]modvar.Field {
	return map[string]modvar.Field{"level": &m.Level, "description": &m.Description}
}

var alertEntry = NewEntry("Alert", alertType,
	func() *Alert { return &Alert{} },
	Codec[*Alert]{
		Parse: func(m *Alert, s *cryptobyte.String, _ *tlsctx.Context) bool {
			var level, description uint8
			if !s.ReadUint8(&level) || !s.ReadUint8(&description) {
				return false
			}
			m.Level.SetNatural(level)
			m.Description.SetNatural(description)
			return true
		},
		Prepare: func(m *Alert, _ *tlsctx.Context) error {
			level := m.ConfiguredLevel
			if level == 0 {
				level = protocol.AlertLevelWarning
			}
			m.Level.SetNatural(uint8(level))
			m.Description.SetNatural(uint8(m.ConfiguredDescription))
			return nil
		},
		Serialize: func(m *Alert, b *cryptobyte.Builder, _ *tlsctx.Context) {
			b.AddUint8(m.Level.Get())
			b.AddUint8(m.Description.Get())
		},
		Handle: func(m *Alert, ctx *tlsctx.Context) error {
			if !ctx.IsPeerTalking() {
				return nil
			}
			if protocol.AlertLevel(m.Level.Get()) == protocol.AlertLevelFatal {
				ctx.ReceivedFatalAlert = true
			}
			if protocol.AlertDescription(m.Description.Get()) == protocol.AlertCloseNotify {
				ctx.EarlyCleanShutdown = true
			}
			return nil
		},
	})

// ApplicationData carries opaque application bytes.
type ApplicationData struct {
	base
	Data modvar.Value[[]byte]

	// Payload is what Prepare sends; the configured default when nil.
	Payload []byte
}

var applicationDataType = Type{Content: protocol.ContentApplicationData}

func (m *ApplicationData) Type() Type    { return applicationDataType }
func (m *ApplicationData) Entry() *Entry { return applicationDataEntry }

func (m *ApplicationData) Fields() map[string]modvar.Field {
	return map[string]modvar.Field{"data": &m.Data}
}

var applicationDataEntry = NewEntry("ApplicationData", applicationDataType,
	func() *ApplicationData { return &ApplicationData{} },
	Codec[*ApplicationData]{
		Parse: func(m *ApplicationData, s *cryptobyte.String, _ *tlsctx.Context) bool {
			m.Data.SetNatural(readRest(s))
			return true
		},
		Prepare: func(m *ApplicationData, ctx *tlsctx.Context) error {
			payload := m.Payload
			if payload == nil {
				payload = []byte(ctx.Config.DefaultApplicationData)
			}
			m.Data.SetNatural(payload)
			return nil
		},
		Serialize: func(m *ApplicationData, b *cryptobyte.Builder, _ *tlsctx.Context) {
			b.AddBytes(m.Data.Get())
		},
		Handle: func(m *ApplicationData, ctx *tlsctx.Context) error {
			ctx.LastHandledApplicationData = m.Data.Get()
			return nil
		},
	})

// Heartbeat is a heartbeat request or response of RFC 6520.
type Heartbeat struct {
	base
	HeartbeatType modvar.Value[uint8]
	PayloadLength modvar.Value[uint16]
	Payload       modvar.Value[[]byte]
	Padding       modvar.Value[[]byte]
}

const (
	heartbeatRequest    = 1
	heartbeatPaddingLen = 16
)

var heartbeatType = Type{Content: protocol.ContentHeartbeat}

func (m *Heartbeat) Type() Type    { return heartbeatType }
func (m *Heartbeat) Entry() *Entry { return heartbeatEntry }

func (m *Heartbeat) Fields() map[string]modvar.Field {
	return map[string]modvar.Field{
		"heartbeat_type": &m.HeartbeatType,
		"payload_length": &m.PayloadLength,
		"payload":        &m.Payload,
		"padding":        &m.Padding,
	}
}

var heartbeatEntry = NewEntry("Heartbeat", heartbeatType,
	func() *Heartbeat { return &Heartbeat{} },
	Codec[*Heartbeat]{
		Parse: func(m *Heartbeat, s *cryptobyte.String, _ *tlsctx.Context) bool {
			var t uint8
			if !s.ReadUint8(&t) || !readVector16(s, &m.PayloadLength, &m.Payload) {
				return false
			}
			m.HeartbeatType.SetNatural(t)
			m.Padding.SetNatural(readRest(s))
			return true
		},
		Prepare: func(m *Heartbeat, _ *tlsctx.Context) error {
			m.HeartbeatType.SetNatural(heartbeatRequest)
			if !m.Payload.HasNatural() {
				m.Payload.SetNatural(randomBytes(heartbeatPaddingLen))
			}
			m.PayloadLength.SetNatural(uint16(len(m.Payload.Get())))
			if !m.Padding.HasNatural() {
				m.Padding.SetNatural(randomBytes(heartbeatPaddingLen))
			}
			return nil
		},
		Serialize: func(m *Heartbeat, b *cryptobyte.Builder, _ *tlsctx.Context) {
			b.AddUint8(m.HeartbeatType.Get())
			b.AddUint16(m.PayloadLength.Get())
			b.AddBytes(m.Payload.Get())
			b.AddBytes(m.Padding.Get())
		},
	})
