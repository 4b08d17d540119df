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
	"bytes"
	"net/netip"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/btree"
	"github.com/wissance/stringFormatter"
)

type (
	// InterestFilter selects the packets the capture harness tags with
	// the synthetic signature. Empty dimensions match everything.
	InterestFilter struct {
		// match IPs in O(log N)
		networks4 *btree.BTreeG[netip.Prefix]
		networks6 *btree.BTreeG[netip.Prefix]
		// match ports and protocols in O(1)
		ports  mapset.Set[uint16]
		protos mapset.Set[uint8]
	}
)

func prefixLessThanFunc(a, b netip.Prefix) bool {
	if a.Overlaps(b) {
		return false
	}
	return bytes.Compare(a.Addr().AsSlice(), b.Addr().AsSlice()) < 0
}

func NewInterestFilter() *InterestFilter {
	return &InterestFilter{
		networks4: btree.NewG[netip.Prefix](2, prefixLessThanFunc),
		networks6: btree.NewG[netip.Prefix](2, prefixLessThanFunc),
		ports:     mapset.NewSet[uint16](),
		protos:    mapset.NewSet[uint8](),
	}
}

func (f *InterestFilter) addNetwork(ipRange string) {
	prefix, err := netip.ParsePrefix(ipRange)
	if err != nil {
		return
	}
	if prefix.Addr().Is4() {
		f.networks4.ReplaceOrInsert(prefix)
	} else {
		f.networks6.ReplaceOrInsert(prefix)
	}
}

func (f *InterestFilter) AddRanges(ipRanges ...string) {
	for _, ipRange := range ipRanges {
		f.addNetwork(ipRange)
	}
}

func (f *InterestFilter) AddIPs(ips ...string) {
	for _, ip := range ips {
		if addr, err := netip.ParseAddr(ip); err == nil {
			if addr.Is4() {
				f.addNetwork(stringFormatter.Format("{0}/32", ip))
			} else {
				f.addNetwork(stringFormatter.Format("{0}/128", ip))
			}
		}
	}
}

func (f *InterestFilter) AddPorts(ports ...uint16) {
	f.ports.Append(ports...)
}

func (f *InterestFilter) AddProtos(protos ...uint8) {
	f.protos.Append(protos...)
}

func (f *InterestFilter) allowsIP(ip netip.Addr) bool {
	if f.networks4.Len() == 0 && f.networks6.Len() == 0 {
		return true
	}
	if ip.Is4() {
		return f.networks4.Has(netip.PrefixFrom(ip, 32))
	}
	return f.networks6.Has(netip.PrefixFrom(ip, 128))
}

func (f *InterestFilter) allowsPort(port uint16) bool {
	return f.ports.IsEmpty() || f.ports.Contains(port)
}

func (f *InterestFilter) allowsProto(proto uint8) bool {
	return f.protos.IsEmpty() || f.protos.Contains(proto)
}

// Matches reports whether either endpoint of the packet is of interest.
func (f *InterestFilter) Matches(p *Packet) bool {
	if !p.HasAddressing() {
		return false
	}
	if !f.allowsProto(p.Proto) {
		return false
	}
	if !f.allowsIP(p.SrcIP) && !f.allowsIP(p.DstIP) {
		return false
	}
	return f.allowsPort(p.SrcPort) || f.allowsPort(p.DstPort)
}
