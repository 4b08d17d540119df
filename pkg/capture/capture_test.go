// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package capture

import (
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/gchux/evelog-cli/pkg/flowstate"
)

func tcpPacket(t *testing.T, srcIP, dstIP string, srcPort, dstPort uint16, payload []byte) gopacket.Packet {
	t.Helper()

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01},
		DstMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.ParseIP(srcIP),
		DstIP:    net.ParseIP(dstIP),
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(srcPort),
		DstPort: layers.TCPPort(dstPort),
		ACK:     true,
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatalf("must bind checksum layer: %v", err)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload(payload)); err != nil {
		t.Fatalf("must serialize packet: %v", err)
	}
	return gopacket.NewPacket(buf.Bytes(), layers.LayerTypeEthernet, gopacket.Default)
}

func TestTranslate(t *testing.T) {
	registry := flowstate.NewRegistry()
	engine := NewEngine(&Config{Iface: "eth0"}, registry)

	t.Run("must-map-addressing-and-payload", func(t *testing.T) {
		payload := []byte("GET / HTTP/1.1\r\n")
		p := engine.translate(tcpPacket(t, "192.0.2.1", "198.51.100.2", 41414, 80, payload))

		if p.SrcIP.String() != "192.0.2.1" || p.DstIP.String() != "198.51.100.2" {
			t.Fatalf("addresses must survive translation, got %s -> %s", p.SrcIP, p.DstIP)
		}
		if p.SrcPort != 41414 || p.DstPort != 80 {
			t.Fatalf("ports must survive translation, got %d -> %d", p.SrcPort, p.DstPort)
		}
		if !p.IsTCP() {
			t.Fatal("protocol must be TCP")
		}
		if string(p.Payload) != string(payload) {
			t.Fatalf("payload must survive translation, got %q", p.Payload)
		}
		if p.Iface != "eth0" {
			t.Fatalf("iface must be carried, got %q", p.Iface)
		}
		if len(p.Data) == 0 {
			t.Fatal("the raw frame must be carried")
		}
		if !p.HasAddressing() {
			t.Fatal("an IPv4 packet must report addressing")
		}
	})

	t.Run("must-bind-both-directions-to-one-flow", func(t *testing.T) {
		forward := engine.translate(tcpPacket(t, "192.0.2.1", "198.51.100.2", 41414, 80, nil))
		reverse := engine.translate(tcpPacket(t, "198.51.100.2", "192.0.2.1", 80, 41414, nil))

		if forward.Flow == nil || reverse.Flow == nil {
			t.Fatal("both packets must be flow-bound")
		}
		if forward.Flow != reverse.Flow {
			t.Fatal("both directions must share one flow")
		}
		if forward.Direction != flowstate.ToServer || reverse.Direction != flowstate.ToClient {
			t.Fatalf("directions must be inferred from ports, got %s / %s",
				forward.Direction, reverse.Direction)
		}
	})

	t.Run("must-assign-ascending-serials", func(t *testing.T) {
		a := engine.translate(tcpPacket(t, "192.0.2.1", "198.51.100.2", 41414, 80, nil))
		b := engine.translate(tcpPacket(t, "192.0.2.1", "198.51.100.2", 41414, 80, nil))
		if b.Serial != a.Serial+1 {
			t.Fatalf("serials must ascend, got %d then %d", a.Serial, b.Serial)
		}
	})

	t.Run("must-leave-non-ip-frames-unaddressed", func(t *testing.T) {
		eth := &layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01},
			DstMAC:       net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
			EthernetType: layers.EthernetTypeARP,
		}
		arp := &layers.ARP{
			AddrType:          layers.LinkTypeEthernet,
			Protocol:          layers.EthernetTypeIPv4,
			HwAddressSize:     6,
			ProtAddressSize:   4,
			Operation:         layers.ARPRequest,
			SourceHwAddress:   eth.SrcMAC,
			SourceProtAddress: net.ParseIP("192.0.2.1").To4(),
			DstHwAddress:      net.HardwareAddr{0, 0, 0, 0, 0, 0},
			DstProtAddress:    net.ParseIP("192.0.2.2").To4(),
		}

		buf := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{FixLengths: true}
		if err := gopacket.SerializeLayers(buf, opts, eth, arp); err != nil {
			t.Fatalf("must serialize frame: %v", err)
		}
		frame := gopacket.NewPacket(buf.Bytes(), layers.LayerTypeEthernet, gopacket.Default)

		p := engine.translate(frame)
		if p.HasAddressing() {
			t.Fatal("a frame without a network layer must stay unaddressed")
		}
		if p.Flow != nil {
			t.Fatal("an unaddressed frame must not be flow-bound")
		}
	})
}
