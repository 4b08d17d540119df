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

// Package xff resolves a client-identifying IP address from chained
// "forwarded-for" style request headers observed on inspected HTTP flows.
package xff

import (
	"net/netip"
	"strings"

	"github.com/Jeffail/gabs/v2"

	"github.com/gchux/evelog-cli/pkg/conf"
	"github.com/gchux/evelog-cli/pkg/flowstate"
	"github.com/gchux/evelog-cli/pkg/logging"
)

type (
	// Mode selects what happens with a resolved XFF address.
	// Exactly one mode is ever active.
	Mode uint8

	// Config is built once at startup and is read-only afterwards;
	// concurrent readers need no synchronization.
	Config struct {
		Mode   Mode
		Header string
	}
)

const (
	// Disabled: no XFF resolution at all.
	Disabled Mode = iota
	// ExtraData: attach the resolved address as a side field.
	ExtraData
	// Overwrite: substitute the logged src/dst address.
	Overwrite
)

const (
	// DefaultHeader is used when no header name is configured.
	DefaultHeader = "X-Forwarded-For"

	// accepted header value length: [chainMinLen, chainMaxLen)
	chainMinLen = 7
	chainMaxLen = 256
)

var xffLogger = logging.For("xff")

func (m Mode) String() string {
	switch m {
	case ExtraData:
		return "extra-data"
	case Overwrite:
		return "overwrite"
	}
	return "disabled"
}

// ConfigFromNode resolves an `xff` configuration subtree into a Config.
// It never fails: a missing subtree or `enabled` not true yields Disabled,
// anything unrecognized falls back to documented defaults with a warning.
func ConfigFromNode(node *gabs.Container) *Config {
	if node == nil || !conf.ChildIsTrue(node, "enabled") {
		return &Config{Mode: Disabled, Header: DefaultHeader}
	}

	cfg := &Config{Mode: ExtraData, Header: DefaultHeader}

	mode, hasMode := conf.ChildString(node, "mode")
	switch {
	case hasMode && strings.EqualFold(mode, "overwrite"):
		cfg.Mode = Overwrite
	case !hasMode:
		xffLogger.Warn().Msg("XFF mode not defined, falling back to extra-data mode")
	case !strings.EqualFold(mode, "extra-data"):
		xffLogger.Warn().Str("mode", mode).Msg("invalid XFF mode, falling back to extra-data mode")
	}

	if header, ok := conf.ChildString(node, "header"); ok {
		cfg.Header = header
	} else {
		xffLogger.Warn().Str("default", DefaultHeader).Msg("XFF header not defined, using the default")
	}

	return cfg
}

func (c *Config) IsDisabled() bool {
	return c == nil || c.Mode == Disabled
}

// fromTx resolves the XFF address from one transaction's request headers.
//
// The header value carries a comma/space separated forwarding chain; the
// rightmost token (the entry nearest the current hop) is the candidate.
// This is inherited behavior: most deployments treat the leftmost token
// as the original client, this extractor intentionally does not.
func fromTx(tx *flowstate.Transaction, header string) (string, bool) {
	value, ok := tx.RequestHeader(header)
	if !ok {
		return "", false
	}

	if len(value) < chainMinLen || len(value) >= chainMaxLen {
		return "", false
	}

	candidate := value
	if i := strings.LastIndexByte(value, ' '); i >= 0 {
		candidate = value[i+1:]
	}

	// candidate must be a literal IPv4 or IPv6 address;
	// on failure there is no fallback to earlier chain tokens
	if _, err := netip.ParseAddr(candidate); err != nil {
		return "", false
	}

	return candidate, true
}

// FromTx resolves the XFF address from the transaction at `txID`.
// Missing state, an out-of-range index, a missing header, or a
// malformed value all report not-found, never an error.
func FromTx(state *flowstate.HTTPState, txID uint64, header string) (string, bool) {
	if state == nil {
		return "", false
	}
	if txID >= state.TxCount() {
		return "", false
	}
	tx, ok := state.Tx(txID)
	if !ok {
		return "", false
	}
	return fromTx(tx, header)
}

// FromFlow scans the flow's transactions in ascending index order and
// returns the address resolved from the first transaction that matches.
func FromFlow(state *flowstate.HTTPState, header string) (string, bool) {
	if state == nil {
		return "", false
	}

	var ip string
	var found bool
	state.Ascend(func(tx *flowstate.Transaction) bool {
		ip, found = fromTx(tx, header)
		return !found
	})
	return ip, found
}
