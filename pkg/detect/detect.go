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
	"sync/atomic"
	"time"

	"github.com/gchux/evelog-cli/pkg/flowstate"
)

type (
	// Action is the bitset of verdicts attached to an alert.
	Action uint8

	// AlertFlag qualifies how an alert was matched.
	AlertFlag uint8

	// Signature identifies the rule that raised an alert.
	Signature struct {
		GID      uint32
		ID       uint32
		Rev      uint32
		Msg      string
		Category string
		Priority int
	}

	// PacketAlert is one alert raised on a packet.
	PacketAlert struct {
		Action    Action
		Flags     AlertFlag
		TxID      uint64
		Signature *Signature
	}

	// Packet is the per-packet view handed to the log pipeline:
	// capture metadata, addressing, raised alerts and (optionally)
	// the flow the packet belongs to.
	Packet struct {
		Serial    uint64
		Timestamp time.Time
		Iface     string

		// invalid addresses mean the packet carries no network layer
		// (pure decoder/tunnel events)
		SrcIP   netip.Addr
		DstIP   netip.Addr
		SrcPort uint16
		DstPort uint16
		Proto   uint8

		Direction flowstate.Direction
		Flow      *flowstate.Flow

		// Payload is the L4 payload; Data is the whole packet
		Payload []byte
		Data    []byte

		Alerts []PacketAlert
	}
)

const (
	ActionAlert Action = 1 << iota
	ActionDrop
	ActionReject
	ActionRejectDst
	ActionRejectBoth
	ActionPass
)

const (
	// AlertFlagTx marks a transaction-scoped alert.
	AlertFlagTx AlertFlag = 1 << iota
	// AlertFlagStateMatch marks an alert raised on app-layer state.
	AlertFlagStateMatch
	// AlertFlagStreamMatch marks an alert raised on reassembled stream data.
	AlertFlagStreamMatch
)

const ProtoTCP = uint8(0x06)

func (a Action) Has(action Action) bool {
	return a&action != 0
}

func (f AlertFlag) Has(flag AlertFlag) bool {
	return f&flag != 0
}

// engine mode is set once at startup and read by every worker
var engineModeIPS atomic.Bool

// SetEngineModeIPS flags the engine as inline: drops become blocks.
func SetEngineModeIPS() {
	engineModeIPS.Store(true)
}

func EngineModeIsIPS() bool {
	return engineModeIPS.Load()
}

func (p *Packet) HasAlerts() bool {
	return len(p.Alerts) > 0
}

// HasAddressing reports whether the packet carries network-layer
// source and destination addresses.
func (p *Packet) HasAddressing() bool {
	return p.SrcIP.IsValid() && p.DstIP.IsValid()
}

func (p *Packet) IsTCP() bool {
	return p.Proto == ProtoTCP
}
