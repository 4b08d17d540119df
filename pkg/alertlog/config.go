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
	"dario.cat/mergo"
	"github.com/Jeffail/gabs/v2"
	"github.com/pkg/errors"

	"github.com/gchux/evelog-cli/pkg/conf"
	"github.com/gchux/evelog-cli/pkg/sink"
	"github.com/gchux/evelog-cli/pkg/xff"
)

type (
	// Config selects the optional enrichment sections of every alert
	// record. Built once at startup, read-only afterwards.
	Config struct {
		HTTP             bool
		Payload          bool // base64 payload
		PayloadPrintable bool
		Packet           bool

		RecordBufferSize  int
		PayloadBufferSize int

		XFF *xff.Config
	}

	// OutputContext is the shared, read-only binding of config and sink
	// that every worker's thread context references.
	OutputContext struct {
		Config *Config
		Sink   sink.Sink
	}
)

const (
	defaultRecordBufferSize  = 65535
	defaultPayloadBufferSize = 4096
)

var (
	errUnavailableSink   = errors.New("sink is unavailable")
	errUnavailableConfig = errors.New("output config is unavailable")
)

func DefaultConfig() *Config {
	return &Config{
		RecordBufferSize:  defaultRecordBufferSize,
		PayloadBufferSize: defaultPayloadBufferSize,
		XFF:               xff.ConfigFromNode(nil),
	}
}

// ConfigFromNode resolves an `alert` output subtree; absent values keep
// their defaults, unknown values never fail the resolution.
func ConfigFromNode(node *gabs.Container) *Config {
	cfg := &Config{}

	if node != nil {
		cfg.HTTP = conf.ChildIsTrue(node, "http")
		cfg.Payload = conf.ChildIsTrue(node, "payload")
		cfg.PayloadPrintable = conf.ChildIsTrue(node, "payload-printable")
		cfg.Packet = conf.ChildIsTrue(node, "packet")
		cfg.XFF = xff.ConfigFromNode(node.Search("xff"))
	}

	// fill anything the subtree left unset
	if err := mergo.Merge(cfg, DefaultConfig()); err != nil {
		return DefaultConfig()
	}
	return cfg
}

func NewOutputContext(cfg *Config, s sink.Sink) (*OutputContext, error) {
	if cfg == nil {
		return nil, errUnavailableConfig
	}
	if s == nil {
		return nil, errUnavailableSink
	}
	return &OutputContext{Config: cfg, Sink: s}, nil
}
