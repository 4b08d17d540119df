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

package alertlog

import (
	"encoding/base64"
	"strconv"
	"time"

	"github.com/Jeffail/gabs/v2"
	"github.com/itchyny/timefmt-go"

	"github.com/gchux/evelog-cli/pkg/detect"
	"github.com/gchux/evelog-cli/pkg/flowstate"
)

const isoTimestampFormat = "%Y-%m-%dT%H:%M:%S.%6f%z"

var ipProtoNames = map[uint8]string{
	0x01: "ICMP",
	0x06: "TCP",
	0x11: "UDP",
	0x3A: "IPv6-ICMP",
	0x84: "SCTP",
}

func formatTimestamp(ts time.Time) string {
	return timefmt.Format(ts, isoTimestampFormat)
}

func protoName(proto uint8) string {
	if name, ok := ipProtoNames[proto]; ok {
		return name
	}
	return strconv.FormatUint(uint64(proto), 10)
}

// newRecordEnvelope builds the fields shared by every record of a
// packet: timestamp, flow tuple and event type. Per-alert sections are
// added and discarded on top of it, the envelope itself is built once.
func newRecordEnvelope(p *detect.Packet) *gabs.Container {
	js := gabs.New()

	js.Set(formatTimestamp(p.Timestamp), "timestamp")
	if p.Flow != nil {
		js.Set(strconv.FormatUint(p.Flow.ID, 10), "flow_id")
	}
	if p.Iface != "" {
		js.Set(p.Iface, "in_iface")
	}
	js.Set("alert", "event_type")

	js.Set(p.SrcIP.String(), "src_ip")
	js.Set(p.DstIP.String(), "dest_ip")
	switch p.Proto {
	case 0x06, 0x11, 0x84:
		js.Set(p.SrcPort, "src_port")
		js.Set(p.DstPort, "dest_port")
	}
	js.Set(protoName(p.Proto), "proto")

	return js
}

// httpSummary renders the externally gathered transaction snapshot.
func httpSummary(tx txSnapshot) *gabs.Container {
	hjs := gabs.New()
	hjs.Set(tx.hostname, "hostname")
	hjs.Set(tx.url, "url")
	hjs.Set(tx.method, "http_method")
	hjs.Set(tx.protocol, "protocol")
	if tx.status > 0 {
		hjs.Set(tx.status, "status")
	}
	hjs.Set(tx.length, "length")
	return hjs
}

// txSnapshot is copied out of a transaction while the flow read lock is
// held, so record assembly never runs under the lock.
type txSnapshot struct {
	hostname string
	url      string
	method   string
	protocol string
	status   int
	length   int64
}

func snapshotTx(tx *flowstate.Transaction) txSnapshot {
	return txSnapshot{
		hostname: tx.Hostname,
		url:      tx.URL,
		method:   tx.Method,
		protocol: tx.Protocol,
		status:   tx.Status,
		length:   tx.Length,
	}
}

func base64Of(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// appendPrintable writes a printable-sanitized rendition of `data`:
// printable ASCII is kept, everything else becomes a dot. Content is
// truncated at the buffer's bound.
func appendPrintable(buf *MemBuffer, data []byte) {
	for _, c := range data {
		if c < 0x20 || c > 0x7e {
			c = '.'
		}
		if buf.WriteByte(c) != nil {
			return
		}
	}
}
