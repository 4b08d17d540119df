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

package detect

import (
	"net/netip"
	"testing"
)

func filterPacket(src, dst string, srcPort, dstPort uint16, proto uint8) *Packet {
	return &Packet{
		SrcIP:   netip.MustParseAddr(src),
		DstIP:   netip.MustParseAddr(dst),
		SrcPort: srcPort,
		DstPort: dstPort,
		Proto:   proto,
	}
}

func TestInterestFilter(t *testing.T) {
	t.Run("must-match-everything-when-empty", func(t *testing.T) {
		f := NewInterestFilter()
		if !f.Matches(filterPacket("192.0.2.1", "198.51.100.2", 41414, 80, ProtoTCP)) {
			t.Fatal("an empty filter must match every addressed packet")
		}
	})

	t.Run("must-never-match-without-addressing", func(t *testing.T) {
		f := NewInterestFilter()
		if f.Matches(&Packet{}) {
			t.Fatal("a packet without a network layer must never match")
		}
	})

	t.Run("must-match-either-endpoint-by-network", func(t *testing.T) {
		f := NewInterestFilter()
		f.AddRanges("198.51.100.0/24")

		if !f.Matches(filterPacket("192.0.2.1", "198.51.100.2", 41414, 80, ProtoTCP)) {
			t.Fatal("destination inside the range must match")
		}
		if !f.Matches(filterPacket("198.51.100.2", "192.0.2.1", 80, 41414, ProtoTCP)) {
			t.Fatal("source inside the range must match")
		}
		if f.Matches(filterPacket("192.0.2.1", "203.0.113.9", 41414, 80, ProtoTCP)) {
			t.Fatal("neither endpoint inside the range must not match")
		}
	})

	t.Run("must-match-single-addresses", func(t *testing.T) {
		f := NewInterestFilter()
		f.AddIPs("203.0.113.9", "2001:db8::1", "not-an-ip")

		if !f.Matches(filterPacket("192.0.2.1", "203.0.113.9", 41414, 80, ProtoTCP)) {
			t.Fatal("the listed IPv4 address must match")
		}
		if !f.Matches(filterPacket("2001:db8::1", "2001:db8::2", 41414, 80, ProtoTCP)) {
			t.Fatal("the listed IPv6 address must match")
		}
	})

	t.Run("must-restrict-by-port-and-proto", func(t *testing.T) {
		f := NewInterestFilter()
		f.AddPorts(80)
		f.AddProtos(ProtoTCP)

		if !f.Matches(filterPacket("192.0.2.1", "198.51.100.2", 41414, 80, ProtoTCP)) {
			t.Fatal("matching port and protocol must pass")
		}
		if f.Matches(filterPacket("192.0.2.1", "198.51.100.2", 41414, 443, ProtoTCP)) {
			t.Fatal("a foreign port must not pass")
		}
		if f.Matches(filterPacket("192.0.2.1", "198.51.100.2", 41414, 80, 0x11)) {
			t.Fatal("a foreign protocol must not pass")
		}
	})
}
