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

package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dario.cat/mergo"
	"github.com/Jeffail/gabs/v2"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/mitchellh/go-ps"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pterm/pterm"

	"github.com/gchux/evelog-cli/pkg/alertlog"
	"github.com/gchux/evelog-cli/pkg/capture"
	"github.com/gchux/evelog-cli/pkg/detect"
	"github.com/gchux/evelog-cli/pkg/flowstate"
	"github.com/gchux/evelog-cli/pkg/logging"
	"github.com/gchux/evelog-cli/pkg/sink"
)

var (
	iface       = flag.String("i", "any", "Interface to read packets from")
	snaplen     = flag.Int("s", 0, "Snap length (number of bytes max to read per packet)")
	promisc     = flag.Bool("promisc", true, "Set promiscuous mode")
	filter      = flag.String("filter", "", "Set BPF filter to be used")
	configFile  = flag.String("cfg", "", "JSON configuration file (alert/filter/signature subtrees)")
	writeTo     = flag.String("w", "stdout", "Where to write alert records to: stdout or a directory")
	fileName    = flag.String("file", "eve.json", "Alert records file name; only if 'w' is a directory")
	stdout      = flag.Bool("stdout", false, "Also write records to standard output; only if 'w' is not 'stdout'")
	workers     = flag.Int("workers", 8, "Number of logging workers")
	ordered     = flag.Bool("ordered", false, "Write records in packet capture order")
	ips         = flag.Bool("ips", false, "Run inline: dropped packets are reported as blocked")
	timeout     = flag.Int("timeout", 0, "Set capturing total duration in seconds")
	metricsAddr = flag.String("metrics", "", "Address to serve Prometheus metrics on; empty disables")
	logLevel    = flag.String("log", "info", "Log level")
	logPretty   = flag.Bool("pretty", false, "Human friendly logs")
)

type harnessConfig struct {
	Iface       string `validate:"required"`
	Output      string `validate:"required"`
	FileName    string `validate:"required"`
	Workers     int    `validate:"gte=1,lte=256"`
	MaxFileSize int64  `validate:"gte=1"`
	MetricsAddr string `validate:"omitempty,hostname_port"`
}

var defaultHarnessConfig = harnessConfig{
	Iface:       "any",
	Output:      "stdout",
	FileName:    "eve.json",
	Workers:     8,
	MaxFileSize: 256 * 1024 * 1024,
}

var cmdLogger = logging.For("evelog")

func loadConfigTree(path string) *gabs.Container {
	if path == "" {
		return nil
	}
	tree, err := gabs.ParseJSONFile(path)
	if err != nil {
		cmdLogger.Fatal().Err(err).Str("file", path).Msg("unreadable configuration")
	}
	return tree
}

func parseSignature(node *gabs.Container) *detect.Signature {
	sig := &detect.Signature{
		GID:      1,
		ID:       1,
		Rev:      1,
		Msg:      "EVELOG packet of interest",
		Category: "Misc activity",
		Priority: 3,
	}
	if node == nil {
		return sig
	}
	if v, ok := node.Search("gid").Data().(float64); ok {
		sig.GID = uint32(v)
	}
	if v, ok := node.Search("id").Data().(float64); ok {
		sig.ID = uint32(v)
	}
	if v, ok := node.Search("rev").Data().(float64); ok {
		sig.Rev = uint32(v)
	}
	if v, ok := node.Search("msg").Data().(string); ok {
		sig.Msg = v
	}
	if v, ok := node.Search("category").Data().(string); ok {
		sig.Category = v
	}
	if v, ok := node.Search("severity").Data().(float64); ok {
		sig.Priority = int(v)
	}
	return sig
}

func parseInterestFilter(node *gabs.Container) *detect.InterestFilter {
	interest := detect.NewInterestFilter()
	if node == nil {
		return interest
	}
	for _, child := range node.Search("ranges").Children() {
		if v, ok := child.Data().(string); ok {
			interest.AddRanges(v)
		}
	}
	for _, child := range node.Search("ips").Children() {
		if v, ok := child.Data().(string); ok {
			interest.AddIPs(v)
		}
	}
	for _, child := range node.Search("ports").Children() {
		if v, ok := child.Data().(float64); ok {
			interest.AddPorts(uint16(v))
		}
	}
	for _, child := range node.Search("protos").Children() {
		if v, ok := child.Data().(float64); ok {
			interest.AddProtos(uint8(v))
		}
	}
	return interest
}

func provideSinks(cfg *harnessConfig, alsoStdout bool) ([]sink.Sink, error) {
	if cfg.Output == "stdout" {
		return []sink.Sink{sink.NewStdoutSink()}, nil
	}

	fileSink, err := sink.NewRotatingFileSink(cfg.Output, cfg.FileName, cfg.MaxFileSize)
	if err != nil {
		return nil, err
	}

	sinks := []sink.Sink{fileSink}
	if alsoStdout {
		sinks = append(sinks, sink.NewStdoutSink())
	}
	return sinks, nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		cmdLogger.Warn().Err(err).Msg("metrics endpoint stopped")
	}
}

func main() {
	godotenv.Load() // optional .env, ignore absence
	flag.Parse()

	runID := uuid.New().String()
	logging.Init(&logging.Config{
		Level:   *logLevel,
		Pretty:  *logPretty,
		Service: "evelog",
		RunID:   runID,
	})

	if parent, err := ps.FindProcess(os.Getppid()); err == nil && parent != nil {
		cmdLogger.Info().Str("parent", parent.Executable()).Int("pid", parent.Pid()).Msg("starting")
	}

	cfg := harnessConfig{
		Iface:       *iface,
		Output:      *writeTo,
		FileName:    *fileName,
		Workers:     *workers,
		MetricsAddr: *metricsAddr,
	}
	if err := mergo.Merge(&cfg, defaultHarnessConfig); err != nil {
		cmdLogger.Fatal().Err(err).Msg("config defaults")
	}
	if err := validator.New().Struct(&cfg); err != nil {
		cmdLogger.Fatal().Err(err).Msg("invalid configuration")
	}

	if *ips {
		detect.SetEngineModeIPS()
	}

	tree := loadConfigTree(*configFile)
	var alertNode, filterNode, signatureNode *gabs.Container
	if tree != nil {
		alertNode = tree.Search("alert")
		filterNode = tree.Search("filter")
		signatureNode = tree.Search("signature")
	}

	alertCfg := alertlog.ConfigFromNode(alertNode)
	interest := parseInterestFilter(filterNode)
	signature := parseSignature(signatureNode)

	sinks, err := provideSinks(&cfg, *stdout)
	if err != nil {
		cmdLogger.Fatal().Err(err).Msg("sinks unavailable")
	}

	ctx, cancel := context.WithCancel(context.Background())
	if *timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, time.Duration(*timeout)*time.Second)
	}
	defer cancel()

	pipeline, err := alertlog.NewAlertPipeline(ctx, alertCfg, sinks, cfg.Workers, *ordered)
	if err != nil {
		cmdLogger.Fatal().Err(err).Msg("pipeline unavailable")
	}

	registry := flowstate.NewRegistry()
	engine := capture.NewEngine(&capture.Config{
		Iface:   cfg.Iface,
		Snaplen: *snaplen,
		Promisc: *promisc,
		Filter:  *filter,
	}, registry)

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr)
	}

	pterm.Info.Printfln("evelog run:%s iface:%s xff:%s workers:%d ordered:%v",
		runID, cfg.Iface, alertCfg.XFF.Mode, cfg.Workers, *ordered)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signals
		cmdLogger.Info().Str("signal", sig.String()).Msg("terminating")
		cancel()
	}()

	// tag packets of interest with the synthetic signature, then apply;
	// detection proper is the inspection engine's job, not this harness'
	apply := func(ctx context.Context, p *detect.Packet) error {
		if p.HasAddressing() && interest.Matches(p) {
			p.Alerts = append(p.Alerts, detect.PacketAlert{
				Action:    detect.ActionAlert,
				Signature: signature,
			})
		}
		return pipeline.Apply(ctx, p)
	}

	err = engine.Start(ctx, apply)
	switch {
	case err == nil || errors.Is(err, context.DeadlineExceeded):
		cmdLogger.Info().Msg("capture complete")
	case errors.Is(err, context.Canceled):
		cmdLogger.Info().Msg("capture cancelled")
	default:
		cmdLogger.Error().Err(err).Msg("capture failed")
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer drainCancel()
	pipeline.WaitDone(drainCtx, 10*time.Second)

	for _, s := range sinks {
		s.Close()
	}
}
