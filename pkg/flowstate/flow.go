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

package flowstate

import (
	"net/netip"
	"sync"

	"github.com/alphadose/haxmap"
	"github.com/segmentio/fasthash/fnv1a"
)

type (
	// Direction of a packet relative to the flow originator.
	Direction uint8

	// AppProto is the application protocol detected on a flow.
	AppProto uint8

	// Flow is the connection state shared by every packet of a 5-tuple.
	// Application state reads must go through `Inspect` so that the
	// read lock is scoped to the inspection and never held across
	// serialization or sink writes.
	Flow struct {
		ID    uint64
		Proto uint8

		mu       sync.RWMutex
		appProto AppProto
		http     *HTTPState
		segments [2]*segmentStore
	}

	// Registry tracks flows by ID; safe for concurrent use.
	Registry struct {
		flows *haxmap.Map[uint64, *Flow]
	}
)

const (
	ToServer Direction = iota
	ToClient
)

const (
	AppProtoUnknown AppProto = iota
	AppProtoHTTP
)

func (d Direction) Opposite() Direction {
	if d == ToServer {
		return ToClient
	}
	return ToServer
}

func (d Direction) String() string {
	if d == ToClient {
		return "to_client"
	}
	return "to_server"
}

// FlowID produces a direction-agnostic flow identifier:
// hashing both endpoints and adding the results is commutative,
// so both directions of a connection map to the same ID.
func FlowID(proto uint8, srcIP, dstIP netip.Addr, srcPort, dstPort uint16) uint64 {
	src := fnv1a.HashBytes64(srcIP.AsSlice()) + uint64(srcPort)
	dst := fnv1a.HashBytes64(dstIP.AsSlice()) + uint64(dstPort)
	return fnv1a.HashUint64(uint64(proto) + src + dst)
}

func NewFlow(id uint64, proto uint8) *Flow {
	return &Flow{
		ID:       id,
		Proto:    proto,
		appProto: AppProtoUnknown,
		segments: [2]*segmentStore{newSegmentStore(), newSegmentStore()},
	}
}

// SetHTTPState binds parsed HTTP state to the flow and flips the
// detected application protocol to HTTP.
func (f *Flow) SetHTTPState(state *HTTPState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.http = state
	f.appProto = AppProtoHTTP
}

// Inspect runs `read` while holding the flow read lock.
// The HTTP state argument is nil when the flow carries no HTTP.
func (f *Flow) Inspect(read func(proto AppProto, state *HTTPState)) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	read(f.appProto, f.http)
}

func NewRegistry() *Registry {
	return &Registry{flows: haxmap.New[uint64, *Flow]()}
}

// Lookup returns the flow for `id`, creating it on first sight.
func (r *Registry) Lookup(id uint64, proto uint8) *Flow {
	flow, _ := r.flows.GetOrSet(id, NewFlow(id, proto))
	return flow
}

func (r *Registry) Get(id uint64) (*Flow, bool) {
	return r.flows.Get(id)
}

func (r *Registry) Len() uintptr {
	return r.flows.Len()
}

func (r *Registry) Clear() {
	r.flows.Clear()
}
