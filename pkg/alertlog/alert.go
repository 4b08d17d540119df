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

// Package alertlog builds enriched, structured records for alerts
// raised on inspected traffic and emits them as NDJSON.
package alertlog

import (
	"github.com/Jeffail/gabs/v2"
	"github.com/pkg/errors"

	"github.com/gchux/evelog-cli/pkg/detect"
	"github.com/gchux/evelog-cli/pkg/flowstate"
	"github.com/gchux/evelog-cli/pkg/logging"
	"github.com/gchux/evelog-cli/pkg/metrics"
	"github.com/gchux/evelog-cli/pkg/xff"
)

// ThreadContext carries one worker's scratch buffers and its binding to
// the shared output context. Never share a ThreadContext across workers.
type ThreadContext struct {
	out        *OutputContext
	recordBuf  *MemBuffer
	payloadBuf *MemBuffer
}

const actionBlocks = detect.ActionReject | detect.ActionRejectDst | detect.ActionRejectBoth

var (
	alertLogger = logging.For("alertlog")

	errUnavailableContext = errors.New("thread context is unavailable")

	newline = []byte{'\n'}
)

// NewThreadContext allocates the per-worker scratch buffers and binds
// the shared output context. A failure here is fatal to that worker's
// startup and is reported to the caller; it is never retried.
func NewThreadContext(out *OutputContext) (*ThreadContext, error) {
	if out == nil || out.Config == nil || out.Sink == nil {
		return nil, errUnavailableContext
	}

	recordBuf, err := NewMemBuffer(out.Config.RecordBufferSize)
	if err != nil {
		return nil, errors.Wrap(err, "record buffer")
	}
	payloadBuf, err := NewMemBuffer(out.Config.PayloadBufferSize)
	if err != nil {
		return nil, errors.Wrap(err, "payload buffer")
	}

	return &ThreadContext{out: out, recordBuf: recordBuf, payloadBuf: payloadBuf}, nil
}

// Close releases the worker's buffers; safe on a nil or already-closed
// context.
func (t *ThreadContext) Close() {
	if t == nil {
		return
	}
	t.recordBuf = nil
	t.payloadBuf = nil
	t.out = nil
}

// HasAlerts is the logging condition: a packet qualifies when it
// carries at least one alert.
func HasAlerts(p *detect.Packet) bool {
	return p != nil && p.HasAlerts()
}

// LogPacket emits one record per alert of `p`. A packet without alerts
// is a successful no-op. Emission failures abort the remaining alerts
// of this packet only; the pipeline is expected to keep going.
func (t *ThreadContext) LogPacket(p *detect.Packet) error {
	if t == nil || t.out == nil {
		return errUnavailableContext
	}
	if p == nil || !p.HasAlerts() {
		return nil
	}
	if p.HasAddressing() {
		return t.logAlerts(p)
	}
	return t.logDecoderEvents(p)
}

func (t *ThreadContext) logAlerts(p *detect.Packet) error {
	cfg := t.out.Config
	js := newRecordEnvelope(p)

	for i := range p.Alerts {
		pa := &p.Alerts[i]
		if pa.Signature == nil {
			continue
		}

		setAlertObject(js, pa)

		if cfg.HTTP {
			t.addHTTP(p, js)
		}
		if cfg.Payload || cfg.PayloadPrintable {
			t.addPayload(p, pa, js)
		}
		if cfg.Packet {
			js.Set(base64Of(p.Data), "packet")
		}
		t.addXFF(p, pa, js)

		if err := t.emit(js); err != nil {
			metrics.PacketsAborted.Inc()
			alertLogger.Warn().Err(err).
				Uint64("serial", p.Serial).Int("alert", i).
				Msg("aborting remaining alerts for packet")
			return err
		}

		scrubAlertFields(js, p)
	}
	return nil
}

// logDecoderEvents handles packets without network-layer addressing:
// records carry only a timestamp and the base alert fields.
func (t *ThreadContext) logDecoderEvents(p *detect.Packet) error {
	timestamp := formatTimestamp(p.Timestamp)

	for i := range p.Alerts {
		pa := &p.Alerts[i]
		if pa.Signature == nil {
			continue
		}

		js := gabs.New()
		js.Set(timestamp, "timestamp")
		setAlertObject(js, pa)

		if err := t.emit(js); err != nil {
			metrics.PacketsAborted.Inc()
			return err
		}
	}
	return nil
}

// setAlertObject attaches the `alert` section: verdict and signature
// identity, with empty strings standing in for missing text fields.
func setAlertObject(js *gabs.Container, pa *detect.PacketAlert) {
	action := "allowed"
	if pa.Action.Has(actionBlocks) ||
		(pa.Action.Has(detect.ActionDrop) && detect.EngineModeIsIPS()) {
		action = "blocked"
	}

	ajs, _ := js.Object("alert")
	ajs.Set(action, "action")
	ajs.Set(pa.Signature.GID, "gid")
	ajs.Set(pa.Signature.ID, "signature_id")
	ajs.Set(pa.Signature.Rev, "rev")
	ajs.Set(pa.Signature.Msg, "signature")
	ajs.Set(pa.Signature.Category, "category")
	ajs.Set(pa.Signature.Priority, "severity")
	if pa.Flags.Has(detect.AlertFlagTx) {
		ajs.Set(pa.TxID, "tx_id")
	}
}

func (t *ThreadContext) addHTTP(p *detect.Packet, js *gabs.Container) {
	if p.Flow == nil {
		return
	}

	var snap txSnapshot
	var haveTx bool
	p.Flow.Inspect(func(proto flowstate.AppProto, state *flowstate.HTTPState) {
		if proto != flowstate.AppProtoHTTP || state == nil {
			return
		}
		if tx, ok := state.LoggedTx(); ok {
			snap, haveTx = snapshotTx(tx), true
		}
	})

	// assembly happens outside the flow lock
	if haveTx {
		js.Set(httpSummary(snap).Data(), "http")
	}
}

func (t *ThreadContext) addPayload(p *detect.Packet, pa *detect.PacketAlert, js *gabs.Container) {
	cfg := t.out.Config

	stream := p.IsTCP() && p.Flow != nil &&
		pa.Flags.Has(detect.AlertFlagStateMatch|detect.AlertFlagStreamMatch)

	t.payloadBuf.Reset()
	if stream {
		// a stream alert reports the reassembled bytes flowing in the
		// direction opposite to the current packet
		p.Flow.ForEachSegment(p.Direction.Opposite(), func(segment []byte) bool {
			appendPrintable(t.payloadBuf, segment)
			return t.payloadBuf.Len() < t.payloadBuf.Cap()
		})
	} else {
		appendPrintable(t.payloadBuf, p.Payload)
	}

	if cfg.Payload {
		js.Set(base64Of(t.payloadBuf.Bytes()), "payload")
	}
	if cfg.PayloadPrintable {
		js.Set(t.payloadBuf.String(), "payload_printable")
	}
	if stream {
		js.Set(1, "stream")
	} else {
		js.Set(0, "stream")
	}
}

func (t *ThreadContext) addXFF(p *detect.Packet, pa *detect.PacketAlert, js *gabs.Container) {
	cfg := t.out.Config.XFF
	if cfg.IsDisabled() || p.Flow == nil {
		return
	}

	var ip string
	var found, isHTTP bool
	p.Flow.Inspect(func(proto flowstate.AppProto, state *flowstate.HTTPState) {
		if proto != flowstate.AppProtoHTTP {
			return
		}
		isHTTP = true
		if pa.Flags.Has(detect.AlertFlagTx) {
			ip, found = xff.FromTx(state, pa.TxID, cfg.Header)
		} else {
			ip, found = xff.FromFlow(state, cfg.Header)
		}
	})

	if !isHTTP {
		return
	}
	if !found {
		metrics.XFFMisses.Inc()
		return
	}
	metrics.XFFResolved.WithLabelValues(cfg.Mode.String()).Inc()

	switch cfg.Mode {
	case xff.ExtraData:
		js.Set(ip, "xff")
	case xff.Overwrite:
		if p.Direction == flowstate.ToClient {
			js.Set(ip, "dest_ip")
		} else {
			js.Set(ip, "src_ip")
		}
	}
}

// emit serializes the record through the worker's buffer and hands it
// to the sink; the sink write is the only blocking point.
func (t *ThreadContext) emit(js *gabs.Container) error {
	t.recordBuf.Reset()
	if _, err := t.recordBuf.Write(js.Bytes()); err != nil {
		return errors.Wrap(err, "record exceeds buffer bound")
	}
	if _, err := t.recordBuf.Write(newline); err != nil {
		return errors.Wrap(err, "record exceeds buffer bound")
	}

	if err := t.out.Sink.Write(t.recordBuf.Bytes()); err != nil {
		return errors.Wrap(err, t.out.Sink.Name())
	}
	metrics.RecordsEmitted.Inc()
	return nil
}

// scrubAlertFields drops every per-alert section from the envelope and
// restores addresses an Overwrite-mode substitution may have replaced.
func scrubAlertFields(js *gabs.Container, p *detect.Packet) {
	for _, field := range []string{
		"alert", "http", "payload", "payload_printable", "packet", "stream", "xff",
	} {
		js.Delete(field)
	}
	js.Set(p.SrcIP.String(), "src_ip")
	js.Set(p.DstIP.String(), "dest_ip")
}
