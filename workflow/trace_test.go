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

package workflow

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Jigsaw-Code/tlsprobe/config"
	"github.com/Jigsaw-Code/tlsprobe/message"
	"github.com/Jigsaw-Code/tlsprobe/modvar"
	"github.com/Jigsaw-Code/tlsprobe/protocol"
	"github.com/Jigsaw-Code/tlsprobe/transport"
	"github.com/stretchr/testify/require"
)

const traceText = `
actions:
  - $type: send
    messages:
      - $type: ClientHello
        modifications:
          protocol_version: {type: explicit, int: 769}
      - $type: Alert
        modifications:
          level: {type: explicit, int: 2}
    records:
      - modifications:
          version: {type: explicit, int: 768}
  - $type: receive
    connection: default
    messages:
      - $type: ServerHello
      - $type: Certificate
        optional: true
  - $type: receive_till
    till: ServerHelloDone
  - $type: generic_receive
  - $type: wait
    duration: 10ms
`

func TestReadTrace(t *testing.T) {
	trace, err := ReadTrace(strings.NewReader(traceText))
	require.NoError(t, err)
	require.Len(t, trace.Actions, 5)

	send := trace.Actions[0].(*SendAction)
	require.Equal(t, config.DefaultAlias, send.ConnectionAlias())
	require.Equal(t, []string{"ClientHello", "Alert"}, messageNames(send.Messages))
	require.Equal(t, uint16(0x0301), send.Messages[0].(*message.ClientHello).ProtocolVersion.Get())
	require.Equal(t, uint8(2), send.Messages[1].(*message.Alert).Level.Get())
	require.Len(t, send.Records, 1)
	require.Equal(t, uint16(0x0300), send.Records[0].Version.Get())

	recv := trace.Actions[1].(*ReceiveAction)
	require.Equal(t, []string{"ServerHello", "Certificate"}, messageNames(recv.Expected))
	require.False(t, recv.Expected[0].Meta().Optional)
	require.True(t, recv.Expected[1].Meta().Optional)

	require.Equal(t, "ServerHelloDone", trace.Actions[2].(*ReceiveTillAction).Till)
	require.IsType(t, &GenericReceiveAction{}, trace.Actions[3])
	require.Equal(t, 10*time.Millisecond, trace.Actions[4].(*WaitAction).Duration)
}

func TestReadTrace_Errors(t *testing.T) {
	for name, text := range map[string]string{
		"unknown action":   "actions: [{$type: dance}]",
		"unknown message":  "actions: [{$type: send, messages: [{$type: Hello}]}]",
		"unknown till":     "actions: [{$type: receive_till, till: Nothing}]",
		"unknown key":      "actions: [{$type: send, bogus: 1}]",
		"unknown field":    "actions: [{$type: send, messages: [{$type: Alert, modifications: {colour: {type: explicit, int: 1}}}]}]",
		"bad modification": "actions: [{$type: send, messages: [{$type: Alert, modifications: {level: {type: append, bytes: '01'}}}]}]",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ReadTrace(strings.NewReader(text))
			require.Error(t, err)
		})
	}
}

func TestReadTrace_Empty(t *testing.T) {
	trace, err := ReadTrace(strings.NewReader(""))
	require.NoError(t, err)
	require.Empty(t, trace.Actions)
}

func TestTrace_WriteKeepsModifications(t *testing.T) {
	trace, err := ReadTrace(strings.NewReader(traceText))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, trace.Write(&buf))
	again, err := ReadTrace(&buf)
	require.NoError(t, err)

	send := again.Actions[0].(*SendAction)
	require.Equal(t, modvar.Modification{Type: modvar.ModExplicit, Int: 769}, send.MessageMods[0]["protocol_version"])
	require.Equal(t, modvar.Modification{Type: modvar.ModExplicit, Int: 768}, send.RecordMods[0]["version"])
	require.True(t, again.Actions[1].(*ReceiveAction).Expected[1].Meta().Optional)
}

func TestTrace_WriteResults(t *testing.T) {
	cfg := testConfig()
	trace := helloTrace()
	s, _ := newTestState(t, cfg, trace, flight("ServerHello", "Certificate", "ServerHelloDone"))
	require.Equal(t, Completed, NewExecutor(s).Run(context.Background()).Status)

	var buf bytes.Buffer
	require.NoError(t, trace.Write(&buf))
	out := buf.String()
	require.Contains(t, out, "executed_as_planned: true")
	require.Contains(t, out, "received:")
	require.Contains(t, out, "$type: ServerHelloDone")
	require.Contains(t, out, "sent_records:")
	require.Contains(t, out, "random:")
}

func TestSendAction_Modify(t *testing.T) {
	a := NewSendAction(message.NewAlert(protocol.AlertLevelWarning, protocol.AlertCloseNotify))
	require.NoError(t, a.Modify(0, Mods{"description": {Type: modvar.ModAdd, Int: 10}}))
	require.NoError(t, a.Modify(0, Mods{"level": {Type: modvar.ModExplicit, Int: 2}}))
	require.Len(t, a.MessageMods[0], 2)
	require.Error(t, a.Modify(1, Mods{}))
	require.Error(t, a.ModifyRecord(0, Mods{}))

	s, h := newTestState(t, testConfig(), NewTrace(a))
	require.NoError(t, h.Initialize(context.Background()))
	require.NoError(t, a.Execute(context.Background(), s))
	require.True(t, a.ExecutedAsPlanned())
	require.Equal(t, []byte{2, 10}, h.Sent()[0][5:])

	require.ErrorIs(t, a.Execute(context.Background(), s), ErrAlreadyExecuted)
	a.Reset()
	require.False(t, a.Executed())
	require.Nil(t, a.SentRecords)
	require.NoError(t, a.Execute(context.Background(), s))
	require.Equal(t, h.Sent()[0], h.Sent()[1])
}

func TestWaitAction(t *testing.T) {
	a := &WaitAction{Duration: time.Millisecond}
	require.NoError(t, a.Execute(context.Background(), nil))
	require.True(t, a.ExecutedAsPlanned())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b := &WaitAction{Duration: time.Hour}
	require.NoError(t, b.Execute(ctx, nil))
	require.True(t, b.Executed())
	require.False(t, b.ExecutedAsPlanned())
}

func TestOpenHandler_Decorators(t *testing.T) {
	c := config.Connection{
		Alias:              "probe",
		Transport:          config.TransportTCP,
		End:                protocol.Client,
		Address:            "127.0.0.1:1",
		SplitSizes:         []int{1, 2},
		RecordFragmentSize: 16,
		CapturePath:        filepath.Join(t.TempDir(), "probe.pcap"),
		Timing:             true,
	}
	h, err := OpenHandler(c, false)
	require.NoError(t, err)
	require.IsType(t, &transport.TimingHandler{}, h)
	require.NoError(t, h.Close())

	_, err = OpenHandler(config.Connection{Alias: "none"}, false)
	require.Error(t, err)
}

func TestNewState_DuplicateAlias(t *testing.T) {
	cfg := testConfig()
	cfg.Connections = append(cfg.Connections, cfg.Connections[0])
	_, err := NewState(cfg, nil)
	require.Error(t, err)
}
