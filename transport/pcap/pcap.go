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

// Package pcap records the chunks a [transport.Handler] moves into a pcap
// file, wrapped in synthetic IP and TCP or UDP headers so packet analyzers
// can dissect the TLS inside.
package pcap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/Jigsaw-Code/tlsprobe/transport"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

const snapLen = 262144

type endpoint struct {
	ip   net.IP
	port uint16
}

var (
	defaultLocal  = endpoint{net.IPv4(127, 0, 0, 1), 50000}
	defaultRemote = endpoint{net.IPv4(127, 0, 0, 2), 4433}
)

// Handler wraps a [transport.Handler] and writes every sent and fetched
// chunk as one packet.
type Handler struct {
	transport.Handler
	w      *pcapgo.Writer
	closer io.Closer
	udp    bool
	now    func() time.Time

	local, remote *endpoint
	// next sequence number of the local and the remote direction
	seq [2]uint32
}

// NewHandler returns a capturing decorator of h writing to w. Set udp for
// datagram connections.
func NewHandler(h transport.Handler, w io.Writer, udp bool) (*Handler, error) {
	if h == nil {
		return nil, errors.New("argument h must not be nil")
	}
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(snapLen, layers.LinkTypeRaw); err != nil {
		return nil, fmt.Errorf("pcap: write header: %w", err)
	}
	return &Handler{Handler: h, w: pw, udp: udp, now: time.Now, seq: [2]uint32{1, 1}}, nil
}

// Create is [NewHandler] writing to a new file at path. Closing the handler
// closes the file.
func Create(h transport.Handler, path string, udp bool) (*Handler, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("pcap: %w", err)
	}
	ch, err := NewHandler(h, f, udp)
	if err != nil {
		f.Close()
		return nil, err
	}
	ch.closer = f
	return ch, nil
}

func (h *Handler) Send(ctx context.Context, data []byte) error {
	if err := h.Handler.Send(ctx, data); err != nil {
		return err
	}
	return h.capture(data, true)
}

func (h *Handler) Fetch(ctx context.Context) ([]byte, error) {
	data, err := h.Handler.Fetch(ctx)
	if err != nil || len(data) == 0 {
		return data, err
	}
	return data, h.capture(data, false)
}

func (h *Handler) Close() error {
	err := h.Handler.Close()
	if h.closer != nil {
		err = errors.Join(err, h.closer.Close())
		h.closer = nil
	}
	return err
}

func toEndpoint(addr net.Addr, fallback endpoint) *endpoint {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return &endpoint{a.IP, uint16(a.Port)}
	case *net.UDPAddr:
		return &endpoint{a.IP, uint16(a.Port)}
	}
	return &fallback
}

// endpoints resolves the addresses of the wrapped handler once they are
// known, using placeholders otherwise.
func (h *Handler) endpoints() (*endpoint, *endpoint) {
	type addresser interface {
		LocalAddr() net.Addr
		RemoteAddr() net.Addr
	}
	if h.local == nil || h.remote == nil {
		var local, remote net.Addr
		if a, ok := h.Handler.(addresser); ok {
			local, remote = a.LocalAddr(), a.RemoteAddr()
		}
		if local != nil && remote != nil {
			h.local, h.remote = toEndpoint(local, defaultLocal), toEndpoint(remote, defaultRemote)
		} else {
			return &defaultLocal, &defaultRemote
		}
	}
	return h.local, h.remote
}

func (h *Handler) capture(data []byte, outgoing bool) error {
	src, dst := h.endpoints()
	dir := 0
	if !outgoing {
		src, dst = dst, src
		dir = 1
	}

	var network gopacket.NetworkLayer
	proto := layers.IPProtocolTCP
	if h.udp {
		proto = layers.IPProtocolUDP
	}
	if src.ip.To4() != nil && dst.ip.To4() != nil {
		network = &layers.IPv4{Version: 4, TTL: 64, Protocol: proto, SrcIP: src.ip.To4(), DstIP: dst.ip.To4()}
	} else {
		network = &layers.IPv6{Version: 6, HopLimit: 64, NextHeader: proto, SrcIP: src.ip.To16(), DstIP: dst.ip.To16()}
	}

	var segment interface {
		gopacket.SerializableLayer
		SetNetworkLayerForChecksum(gopacket.NetworkLayer) error
	}
	if h.udp {
		segment = &layers.UDP{SrcPort: layers.UDPPort(src.port), DstPort: layers.UDPPort(dst.port)}
	} else {
		segment = &layers.TCP{
			SrcPort: layers.TCPPort(src.port),
			DstPort: layers.TCPPort(dst.port),
			Seq:     h.seq[dir],
			Ack:     h.seq[1-dir],
			ACK:     true,
			PSH:     true,
			Window:  65535,
		}
		h.seq[dir] += uint32(len(data))
	}
	if err := segment.SetNetworkLayerForChecksum(network); err != nil {
		return fmt.Errorf("pcap: %w", err)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, network.(gopacket.SerializableLayer), segment, gopacket.Payload(data)); err != nil {
		return fmt.Errorf("pcap: serialize: %w", err)
	}
	packet := buf.Bytes()
	ci := gopacket.CaptureInfo{Timestamp: h.now(), CaptureLength: len(packet), Length: len(packet)}
	if err := h.w.WritePacket(ci, packet); err != nil {
		return fmt.Errorf("pcap: write packet: %w", err)
	}
	return nil
}
