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
	"github.com/zhangyunhao116/skipmap"
)

// SegmentVisitor receives one reassembled TCP segment; returning false
// stops the iteration.
type SegmentVisitor func(segment []byte) bool

// segmentStore holds reassembled segment payloads of one direction,
// keyed by TCP sequence number so iteration follows stream order.
type segmentStore struct {
	segments *skipmap.Uint32Map[[]byte]
}

func newSegmentStore() *segmentStore {
	return &segmentStore{segments: skipmap.NewUint32[[]byte]()}
}

// AddSegment records the reassembled payload at `seq` for `dir`.
// The payload is copied: segment buffers are reused by the reassembler.
func (f *Flow) AddSegment(dir Direction, seq uint32, payload []byte) {
	if len(payload) == 0 {
		return
	}
	owned := make([]byte, len(payload))
	copy(owned, payload)
	f.segments[dir].segments.Store(seq, owned)
}

// ForEachSegment visits the reassembled segments of `dir` in sequence
// order; the store is lock-free, no flow lock is required.
func (f *Flow) ForEachSegment(dir Direction, visit SegmentVisitor) {
	f.segments[dir].segments.Range(func(_ uint32, segment []byte) bool {
		return visit(segment)
	})
}
