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

// Package capture feeds live packets into the alert log pipeline.
package capture

import (
	"context"
	"net"
	"net/netip"
	"regexp"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/pkg/errors"

	"github.com/gchux/evelog-cli/pkg/detect"
	"github.com/gchux/evelog-cli/pkg/flowstate"
	"github.com/gchux/evelog-cli/pkg/logging"
)

type (
	Config struct {
		Iface   string
		Snaplen int
		Promisc bool
		Filter  string
	}

	// Device is a capturable interface and its addresses.
	Device struct {
		Index int
		Name  string
		Addrs mapset.Set[string]
	}

	// ApplyFn receives every captured packet, already flow-bound.
	ApplyFn func(context.Context, *detect.Packet) error

	Engine struct {
		config   *Config
		registry *flowstate.Registry
		isActive atomic.Bool
		serial   atomic.Uint64
	}
)

var captureLogger = logging.For("capture")

// FindDevicesByRegex lists capturable devices whose name matches `exp`.
func FindDevicesByRegex(exp *regexp.Regexp) ([]*Device, error) {
	devices, err := pcap.FindAllDevs()
	if err != nil {
		return nil, err
	}

	var devs []*Device
	for _, device := range devices {
		if !exp.MatchString(device.Name) {
			continue
		}
		iface, err := net.InterfaceByName(device.Name)
		if err != nil {
			continue
		}
		addrs := mapset.NewSet[string]()
		for _, addr := range device.Addresses {
			addrs.Add(addr.IP.String())
		}
		devs = append(devs, &Device{Index: iface.Index, Name: device.Name, Addrs: addrs})
	}
	return devs, nil
}

func NewEngine(config *Config, registry *flowstate.Registry) *Engine {
	return &Engine{config: config, registry: registry}
}

func (e *Engine) IsActive() bool {
	return e.isActive.Load()
}

func (e *Engine) newHandle() (*pcap.Handle, error) {
	cfg := e.config

	inactive, err := pcap.NewInactiveHandle(cfg.Iface)
	if err != nil {
		return nil, errors.Wrap(err, cfg.Iface)
	}
	defer inactive.CleanUp()

	if err = inactive.SetSnapLen(cfg.Snaplen); err != nil {
		return nil, errors.Wrap(err, "snaplen")
	}
	if err = inactive.SetPromisc(cfg.Promisc); err != nil {
		return nil, errors.Wrap(err, "promisc")
	}
	if err = inactive.SetTimeout(100 * time.Millisecond); err != nil {
		return nil, errors.Wrap(err, "timeout")
	}

	handle, err := inactive.Activate()
	if err != nil {
		return nil, errors.Wrap(err, "activate")
	}

	if cfg.Filter != "" {
		if err := handle.SetBPFFilter(cfg.Filter); err != nil {
			handle.Close()
			return nil, errors.Wrap(err, "bpf")
		}
	}
	return handle, nil
}

// Start captures until the context is done, translating every packet
// and handing it to `apply`.
func (e *Engine) Start(ctx context.Context, apply ApplyFn) error {
	handle, err := e.newHandle()
	if err != nil {
		return err
	}
	defer handle.Close()

	e.isActive.Store(true)
	defer e.isActive.Store(false)

	source := gopacket.NewPacketSource(handle, handle.LinkType())
	packets := source.Packets()

	captureLogger.Info().Str("iface", e.config.Iface).Msg("capturing")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case packet, ok := <-packets:
			if !ok {
				return nil
			}
			if err := apply(ctx, e.translate(packet)); err != nil {
				captureLogger.Warn().Err(err).Msg("packet not applied")
			}
		}
	}
}

// translate maps a captured packet into the pipeline's packet view,
// binding it to its flow when it carries network addressing.
func (e *Engine) translate(packet gopacket.Packet) *detect.Packet {
	p := &detect.Packet{
		Serial:    e.serial.Add(1),
		Timestamp: packet.Metadata().CaptureInfo.Timestamp,
		Iface:     e.config.Iface,
		Data:      packet.Data(),
	}

	switch layer := packet.NetworkLayer().(type) {
	case *layers.IPv4:
		p.SrcIP, _ = netip.AddrFromSlice(layer.SrcIP)
		p.DstIP, _ = netip.AddrFromSlice(layer.DstIP)
		p.Proto = uint8(layer.Protocol)
	case *layers.IPv6:
		p.SrcIP, _ = netip.AddrFromSlice(layer.SrcIP)
		p.DstIP, _ = netip.AddrFromSlice(layer.DstIP)
		p.Proto = uint8(layer.NextHeader)
	default:
		// decoder event: no network layer addressing
		return p
	}

	switch layer := packet.TransportLayer().(type) {
	case *layers.TCP:
		p.SrcPort, p.DstPort = uint16(layer.SrcPort), uint16(layer.DstPort)
		p.Payload = layer.Payload
	case *layers.UDP:
		p.SrcPort, p.DstPort = uint16(layer.SrcPort), uint16(layer.DstPort)
		p.Payload = layer.Payload
	}

	// without a reassembler, the service side is guessed from ports
	if p.SrcPort < p.DstPort {
		p.Direction = flowstate.ToClient
	} else {
		p.Direction = flowstate.ToServer
	}

	if e.registry != nil {
		id := flowstate.FlowID(p.Proto, p.SrcIP, p.DstIP, p.SrcPort, p.DstPort)
		p.Flow = e.registry.Lookup(id, p.Proto)
	}
	return p
}
