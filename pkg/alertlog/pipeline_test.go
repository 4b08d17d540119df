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
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/gchux/evelog-cli/pkg/detect"
	"github.com/gchux/evelog-cli/pkg/sink"
)

func pipelinePacket(serial uint64) *detect.Packet {
	p := testPacket(detect.PacketAlert{
		Action:    detect.ActionAlert,
		Signature: testSignature(uint32(serial)),
	})
	p.Serial = serial
	return p
}

func runPipeline(t *testing.T, workers int, ordered bool, packets ...*detect.Packet) []map[string]any {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var out bytes.Buffer
	s := sink.NewLockedWriter("test", &out)

	pipeline, err := NewAlertPipeline(ctx, DefaultConfig(), []sink.Sink{s}, workers, ordered)
	if err != nil {
		t.Fatalf("must create pipeline: %v", err)
	}

	for _, p := range packets {
		if err := pipeline.Apply(ctx, p); err != nil {
			t.Fatalf("must apply packet %d: %v", p.Serial, err)
		}
	}
	pipeline.WaitDone(ctx, 5*time.Second)

	return decodeRecords(t, out.Bytes())
}

func TestPipelineEmitsAllPackets(t *testing.T) {
	packets := make([]*detect.Packet, 8)
	for i := range packets {
		packets[i] = pipelinePacket(uint64(i + 1))
	}

	records := runPipeline(t, 3, false, packets...)
	if len(records) != len(packets) {
		t.Fatalf("must emit one record per packet, got %d", len(records))
	}

	seen := map[float64]bool{}
	for _, record := range records {
		seen[alertSection(t, record)["signature_id"].(float64)] = true
	}
	for i := range packets {
		if !seen[float64(i+1)] {
			t.Errorf("packet %d must be emitted", i+1)
		}
	}
}

func TestPipelinePreservesOrder(t *testing.T) {
	packets := make([]*detect.Packet, 16)
	for i := range packets {
		packets[i] = pipelinePacket(uint64(i + 1))
	}

	records := runPipeline(t, 4, true, packets...)
	if len(records) != len(packets) {
		t.Fatalf("must emit one record per packet, got %d", len(records))
	}
	for i, record := range records {
		if id := alertSection(t, record)["signature_id"]; id != float64(i+1) {
			t.Fatalf("record %d must carry signature %d, got %v", i, i+1, id)
		}
	}
}

func TestPipelineSkipsAlertlessPackets(t *testing.T) {
	records := runPipeline(t, 2, false, testPacket(), testPacket())
	if len(records) != 0 {
		t.Fatalf("packets without alerts must emit nothing, got %d records", len(records))
	}
}

func TestPipelineFansOutToEverySink(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var first, second bytes.Buffer
	sinks := []sink.Sink{
		sink.NewLockedWriter("first", &first),
		sink.NewLockedWriter("second", &second),
	}

	pipeline, err := NewAlertPipeline(ctx, DefaultConfig(), sinks, 2, false)
	if err != nil {
		t.Fatalf("must create pipeline: %v", err)
	}
	if err := pipeline.Apply(ctx, pipelinePacket(1)); err != nil {
		t.Fatalf("must apply packet: %v", err)
	}
	pipeline.WaitDone(ctx, 5*time.Second)

	if len(decodeRecords(t, first.Bytes())) != 1 || len(decodeRecords(t, second.Bytes())) != 1 {
		t.Fatal("every sink must receive the record")
	}
}

func TestPipelineRejectsCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pipeline, err := NewAlertPipeline(ctx, DefaultConfig(), []sink.Sink{sink.NewCapture()}, 1, false)
	if err != nil {
		t.Fatalf("must create pipeline: %v", err)
	}

	cancel()
	if err := pipeline.Apply(ctx, pipelinePacket(1)); err == nil {
		t.Fatal("a canceled context must refuse new packets")
	}
	pipeline.WaitDone(ctx, time.Second)
}

func TestPipelineStartup(t *testing.T) {
	ctx := context.Background()

	t.Run("must-require-sinks", func(t *testing.T) {
		if _, err := NewAlertPipeline(ctx, DefaultConfig(), nil, 1, false); err == nil {
			t.Fatal("must reject an empty sink list")
		}
	})

	t.Run("must-require-workers", func(t *testing.T) {
		if _, err := NewAlertPipeline(ctx, DefaultConfig(), []sink.Sink{sink.NewCapture()}, 0, false); err == nil {
			t.Fatal("must reject zero workers")
		}
	})

	t.Run("must-fail-on-unusable-worker-context", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.RecordBufferSize = -1
		if _, err := NewAlertPipeline(ctx, cfg, []sink.Sink{sink.NewCapture()}, 1, false); err == nil {
			t.Fatal("must surface worker context allocation failures")
		}
	})
}
