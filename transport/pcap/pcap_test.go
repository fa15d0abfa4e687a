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

package pcap

import (
	"bytes"
	"context"
	"testing"

	"github.com/Jigsaw-Code/tlsprobe/transport"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/require"
)

type packet struct {
	payload []byte
	srcPort uint16
	seq     uint32
	udp     bool
}

func readPackets(t *testing.T, b []byte) []packet {
	t.Helper()
	r, err := pcapgo.NewReader(bytes.NewReader(b))
	require.NoError(t, err)
	require.Equal(t, layers.LinkTypeRaw, r.LinkType())
	var packets []packet
	for {
		data, _, err := r.ReadPacketData()
		if err != nil {
			break
		}
		p := gopacket.NewPacket(data, layers.LayerTypeIPv4, gopacket.Default)
		var got packet
		if tcp, ok := p.TransportLayer().(*layers.TCP); ok {
			got.srcPort, got.seq = uint16(tcp.SrcPort), tcp.Seq
		}
		if udp, ok := p.TransportLayer().(*layers.UDP); ok {
			got.srcPort, got.udp = uint16(udp.SrcPort), true
		}
		if app := p.ApplicationLayer(); app != nil {
			got.payload = app.Payload()
		}
		packets = append(packets, got)
	}
	return packets
}

func TestHandler_TCP(t *testing.T) {
	ctx := context.Background()
	inner := transport.NewScriptedHandler([]byte("hello client"), nil)
	var buf bytes.Buffer
	h, err := NewHandler(inner, &buf, false)
	require.NoError(t, err)
	require.NoError(t, h.Initialize(ctx))

	require.NoError(t, h.Send(ctx, []byte("hello server")))
	data, err := h.Fetch(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("hello client"), data)
	data, err = h.Fetch(ctx)
	require.NoError(t, err)
	require.Empty(t, data)
	require.NoError(t, h.Send(ctx, []byte("bye")))

	packets := readPackets(t, buf.Bytes())
	require.Len(t, packets, 3)
	require.Equal(t, []byte("hello server"), packets[0].payload)
	require.Equal(t, defaultLocal.port, packets[0].srcPort)
	require.Equal(t, []byte("hello client"), packets[1].payload)
	require.Equal(t, defaultRemote.port, packets[1].srcPort)
	require.Equal(t, packets[0].seq+uint32(len("hello server")), packets[2].seq)
}

func TestHandler_UDP(t *testing.T) {
	ctx := context.Background()
	inner := transport.NewScriptedHandler()
	var buf bytes.Buffer
	h, err := NewHandler(inner, &buf, true)
	require.NoError(t, err)
	require.NoError(t, h.Initialize(ctx))
	require.NoError(t, h.Send(ctx, []byte{0x16, 0xfe, 0xfd}))

	packets := readPackets(t, buf.Bytes())
	require.Len(t, packets, 1)
	require.True(t, packets[0].udp)
	require.Equal(t, []byte{0x16, 0xfe, 0xfd}, packets[0].payload)
}

func TestHandler_SendFailureIsNotCaptured(t *testing.T) {
	ctx := context.Background()
	inner := transport.NewScriptedHandler()
	var buf bytes.Buffer
	h, err := NewHandler(inner, &buf, false)
	require.NoError(t, err)
	require.Error(t, h.Send(ctx, []byte("early")))
	require.Empty(t, readPackets(t, buf.Bytes()))
}
