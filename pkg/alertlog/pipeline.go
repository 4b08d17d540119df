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
	"context"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	concurrently "github.com/tejzpr/ordered-concurrently/v3"
	"github.com/wissance/stringFormatter"

	"github.com/gchux/evelog-cli/pkg/detect"
	"github.com/gchux/evelog-cli/pkg/logging"
	"github.com/gchux/evelog-cli/pkg/sink"
)

type (
	// AlertPipeline fans alert records out to every sink, optionally
	// preserving packet order.
	AlertPipeline interface {
		Apply(context.Context, *detect.Packet) error
		WaitDone(context.Context, time.Duration)
	}

	// renderContext pairs a worker's thread context with the capture
	// sink it renders into; checked out of `contexts` per packet.
	renderContext struct {
		tctx    *ThreadContext
		capture *sink.Capture
	}

	logWorker struct {
		pipeline *alertPipeline
		packet   *detect.Packet
	}

	alertPipeline struct {
		name string

		ich chan concurrently.WorkFunction
		och <-chan concurrently.OrderedOutput

		pool *ants.PoolWithFunc

		sinks           []sink.Sink
		numSinks        int
		writeQueues     []chan *[]byte
		writeQueuesDone []chan struct{}

		contexts chan *renderContext

		wg            *sync.WaitGroup
		preserveOrder bool
		apply         func(*logWorker) error
	}
)

var (
	pipelineLogger = logging.For("pipeline")

	errNoSinks   = errors.New("pipeline needs at least one sink")
	errNoWorkers = errors.New("pipeline needs at least one worker")
)

// Run renders the packet's records; used by the ordered queue.
func (w *logWorker) Run(ctx context.Context) interface{} {
	return w.pipeline.render(ctx, w.packet)
}

// render checks a worker context out, logs the packet into its capture
// sink and returns the rendered chunk. Records emitted before a
// mid-packet failure are kept: they were already complete.
func (p *alertPipeline) render(ctx context.Context, packet *detect.Packet) *[]byte {
	select {
	case <-ctx.Done():
		return nil
	default:
	}

	rctx := <-p.contexts
	defer func() { p.contexts <- rctx }()

	if err := rctx.tctx.LogPacket(packet); err != nil {
		pipelineLogger.Warn().Err(err).
			Uint64("serial", packet.Serial).
			Msg("partial packet emission")
	}

	chunk := rctx.capture.Take()
	if len(chunk) == 0 {
		return nil
	}
	return &chunk
}

// publishChunk fans one rendered chunk out to all sink queues; a nil
// chunk rolls the write commitment back.
func (p *alertPipeline) publishChunk(chunk *[]byte) {
	if chunk == nil {
		for range p.numSinks {
			p.wg.Done()
		}
		return
	}
	for _, queue := range p.writeQueues {
		// a saturated/slower sink blocks and delays iterations here
		queue <- chunk
	}
}

func (p *alertPipeline) produceOrdered(ctx context.Context) {
	for output := range p.och {
		chunk, _ := output.Value.(*[]byte)
		p.publishChunk(chunk)
	}
}

func (p *alertPipeline) waitForContextDone(ctx context.Context) {
	<-ctx.Done()
	close(p.ich)
}

// consumeChunks is 1 goroutine per sink; context aware so shutdown
// cannot leak it.
func (p *alertPipeline) consumeChunks(ctx context.Context, index int) {
	for {
		select {
		case <-ctx.Done():
			dropped := 0
			for range p.writeQueues[index] {
				dropped += 1
				p.wg.Done()
			}
			if dropped > 0 {
				pipelineLogger.Warn().
					Str("sink", p.sinks[index].Name()).
					Int("dropped", dropped).
					Msg("dropped chunks at shutdown")
			}
			close(p.writeQueuesDone[index])
			return

		case chunk, ok := <-p.writeQueues[index]:
			if !ok {
				// queue closed by WaitDone: every committed chunk was taken
				close(p.writeQueuesDone[index])
				return
			}
			if err := p.sinks[index].Write(*chunk); err != nil {
				pipelineLogger.Warn().Err(err).
					Str("sink", p.sinks[index].Name()).
					Msg("sink write failed")
			}
			p.wg.Done()
		}
	}
}

// Apply commits the packet to be logged into all sinks. Packets
// without alerts are a successful no-op.
func (p *alertPipeline) Apply(ctx context.Context, packet *detect.Packet) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if !HasAlerts(packet) {
		return nil
	}

	p.wg.Add(p.numSinks)
	return p.apply(&logWorker{pipeline: p, packet: packet})
}

// WaitDone blocks until every committed chunk is written or the
// deadline expires.
func (p *alertPipeline) WaitDone(ctx context.Context, timeout time.Duration) {
	ts := time.Now()
	timer := time.NewTimer(timeout)

	writeDoneChan := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(writeDoneChan)
	}()

	select {
	case <-timer.C:
		pipelineLogger.Warn().Str("pipeline", p.name).
			Msg("timed out waiting for graceful termination")
	case <-writeDoneChan:
		timer.Stop()
		pipelineLogger.Info().Str("pipeline", p.name).
			Dur("latency", time.Since(ts)).Msg("stopped")
	}

	for i, queue := range p.writeQueues {
		close(queue)
		select {
		case <-p.writeQueuesDone[i]:
		case <-time.After(time.Second):
		}
	}

	if remaining := timeout - time.Since(ts); p.pool != nil && remaining > 0 {
		p.pool.ReleaseTimeout(remaining)
	}

	// tear down whatever worker contexts are checked in; a context
	// still out on a straggling render is simply left to the GC
	for draining := true; draining; {
		select {
		case rctx := <-p.contexts:
			rctx.tctx.Close()
		default:
			draining = false
		}
	}

	for _, s := range p.sinks {
		if err := s.Flush(); err != nil {
			pipelineLogger.Warn().Err(err).Str("sink", s.Name()).Msg("flush failed")
		}
	}
}

func provideOrderedQueue(ctx context.Context, p *alertPipeline, workers int) {
	p.ich = make(chan concurrently.WorkFunction, 100)
	p.och = concurrently.Process(ctx, p.ich, &concurrently.Options{
		PoolSize:         workers,
		OutChannelBuffer: 100,
	})

	p.apply = func(worker *logWorker) error {
		select {
		case <-ctx.Done():
			// roll back the write commitment made by `Apply`
			for range p.numSinks {
				p.wg.Done()
			}
			return ctx.Err()
		default:
			p.ich <- worker
		}
		return nil
	}

	go p.waitForContextDone(ctx)
	go p.produceOrdered(ctx)
}

func provideWorkerPool(ctx context.Context, p *alertPipeline, workers int) error {
	poolOpts := ants.Options{
		PreAlloc:       true,
		Nonblocking:    false,
		ExpiryDuration: 10 * time.Second,
	}
	poolOpts.PanicHandler = func(i interface{}) {
		pipelineLogger.Error().Str("pipeline", p.name).Msgf("panic: %v", i)
		for range p.numSinks {
			p.wg.Done()
		}
	}

	poolFn := func(i interface{}) {
		worker := i.(*logWorker)
		p.publishChunk(p.render(ctx, worker.packet))
	}

	pool, err := ants.NewPoolWithFunc(workers, poolFn, ants.WithOptions(poolOpts))
	if err != nil {
		return err
	}
	p.pool = pool

	p.apply = func(worker *logWorker) error {
		return p.pool.Invoke(worker)
	}
	return nil
}

// NewAlertPipeline spins `workers` logging workers writing to `sinks`.
// A worker context that cannot be allocated fails the whole startup.
func NewAlertPipeline(
	ctx context.Context,
	cfg *Config,
	sinks []sink.Sink,
	workers int,
	preserveOrder bool,
) (AlertPipeline, error) {
	if len(sinks) == 0 {
		return nil, errNoSinks
	}
	if workers < 1 {
		return nil, errNoWorkers
	}

	p := &alertPipeline{
		name:            stringFormatter.Format("alerts/sinks:{0}/workers:{1}", len(sinks), workers),
		sinks:           sinks,
		numSinks:        len(sinks),
		writeQueues:     make([]chan *[]byte, len(sinks)),
		writeQueuesDone: make([]chan struct{}, len(sinks)),
		contexts:        make(chan *renderContext, workers),
		wg:              new(sync.WaitGroup),
		preserveOrder:   preserveOrder,
	}

	for range workers {
		capture := sink.NewCapture()
		out, err := NewOutputContext(cfg, capture)
		if err != nil {
			return nil, err
		}
		tctx, err := NewThreadContext(out)
		if err != nil {
			return nil, errors.Wrap(err, "worker context")
		}
		p.contexts <- &renderContext{tctx: tctx, capture: capture}
	}

	if preserveOrder {
		provideOrderedQueue(ctx, p, workers)
	} else {
		if err := provideWorkerPool(ctx, p, workers); err != nil {
			return nil, err
		}
	}

	for i := range sinks {
		p.writeQueues[i] = make(chan *[]byte, 100)
		p.writeQueuesDone[i] = make(chan struct{})
		go p.consumeChunks(ctx, i)
	}

	pipelineLogger.Info().Str("pipeline", p.name).
		Bool("ordered", preserveOrder).Msg("created")

	return p, nil
}
