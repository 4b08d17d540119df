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
	"testing"

	"github.com/pkg/errors"
)

func TestMemBuffer(t *testing.T) {
	t.Run("must-reject-non-positive-bounds", func(t *testing.T) {
		for _, limit := range []int{0, -1} {
			if _, err := NewMemBuffer(limit); err == nil {
				t.Errorf("limit %d must be rejected", limit)
			}
		}
	})

	t.Run("must-accumulate-within-bound", func(t *testing.T) {
		buf, err := NewMemBuffer(16)
		if err != nil {
			t.Fatalf("must create buffer: %v", err)
		}
		if _, err := buf.Write([]byte("hello ")); err != nil {
			t.Fatalf("must write: %v", err)
		}
		if _, err := buf.Write([]byte("world")); err != nil {
			t.Fatalf("must write: %v", err)
		}
		if buf.String() != "hello world" {
			t.Fatalf("buffer must hold %q, got %q", "hello world", buf.String())
		}
		if buf.Len() != 11 || buf.Cap() != 16 {
			t.Fatalf("len/cap must be 11/16, got %d/%d", buf.Len(), buf.Cap())
		}
	})

	t.Run("must-truncate-at-bound", func(t *testing.T) {
		buf, err := NewMemBuffer(4)
		if err != nil {
			t.Fatalf("must create buffer: %v", err)
		}
		n, err := buf.Write([]byte("overflow"))
		if !errors.Is(err, io.ErrShortWrite) {
			t.Fatalf("must report a short write, got %v", err)
		}
		if n != 4 || buf.String() != "over" {
			t.Fatalf("must keep the leading bytes, got n=%d %q", n, buf.String())
		}

		if err := buf.WriteByte('!'); err == nil {
			t.Fatal("a full buffer must refuse further bytes")
		}
	})

	t.Run("must-be-reusable-after-reset", func(t *testing.T) {
		buf, err := NewMemBuffer(8)
		if err != nil {
			t.Fatalf("must create buffer: %v", err)
		}
		if _, err := buf.Write([]byte("12345678")); err != nil {
			t.Fatalf("must write: %v", err)
		}
		buf.Reset()
		if buf.Len() != 0 {
			t.Fatalf("reset buffer must be empty, got %d", buf.Len())
		}
		if _, err := buf.Write([]byte("again")); err != nil {
			t.Fatalf("must write after reset: %v", err)
		}
		if buf.String() != "again" {
			t.Fatalf("buffer must hold %q, got %q", "again", buf.String())
		}
	})
}
