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
	"io"

	"github.com/pkg/errors"
)

// MemBuffer is an explicitly bounded, reusable scratch buffer.
// The bound is fixed at construction no matter how large the inspected
// packet is; callers must Reset before reuse.
type MemBuffer struct {
	buf   []byte
	limit int
}

var errInvalidBufferSize = errors.New("buffer size must be positive")

func NewMemBuffer(limit int) (*MemBuffer, error) {
	if limit <= 0 {
		return nil, errors.Wrapf(errInvalidBufferSize, "%d", limit)
	}
	return &MemBuffer{buf: make([]byte, 0, limit), limit: limit}, nil
}

func (b *MemBuffer) Reset() {
	b.buf = b.buf[:0]
}

// Write appends up to the remaining capacity and reports
// io.ErrShortWrite when `p` had to be truncated.
func (b *MemBuffer) Write(p []byte) (int, error) {
	free := b.limit - len(b.buf)
	if free <= 0 {
		return 0, io.ErrShortWrite
	}
	n := len(p)
	if n > free {
		n = free
	}
	b.buf = append(b.buf, p[:n]...)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// WriteByte appends one byte when capacity remains.
func (b *MemBuffer) WriteByte(c byte) error {
	if len(b.buf) >= b.limit {
		return io.ErrShortWrite
	}
	b.buf = append(b.buf, c)
	return nil
}

func (b *MemBuffer) Len() int {
	return len(b.buf)
}

func (b *MemBuffer) Cap() int {
	return b.limit
}

// Bytes exposes the buffered content; valid until the next Reset.
func (b *MemBuffer) Bytes() []byte {
	return b.buf
}

func (b *MemBuffer) String() string {
	return string(b.buf)
}
