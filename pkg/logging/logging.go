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

package logging

import (
	"io"
	stdlog "log"
	"os"
	"strings"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

type Config struct {
	Level   string
	Pretty  bool
	Service string
	RunID   string
}

// Init configures the process-wide logger; call it once, before any
// component logger is derived.
func Init(cfg *Config) {
	level := zerolog.InfoLevel
	if l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level))); err == nil && cfg.Level != "" {
		level = l
	}
	zerolog.SetGlobalLevel(level)

	var w io.Writer = os.Stderr
	if cfg.Pretty {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}
	}

	logger := zerolog.New(w).Level(level).With().Timestamp()
	if cfg.Service != "" {
		logger = logger.Str("service", cfg.Service)
	}
	if cfg.RunID != "" {
		logger = logger.Str("run", cfg.RunID)
	}
	zlog.Logger = logger.Logger()

	// route stdlib `log` users through zerolog as well
	stdlog.SetFlags(0)
	stdlog.SetOutput(zlog.Logger)
}

// For returns a component-tagged sub-logger.
func For(component string) zerolog.Logger {
	return zlog.With().Str("component", component).Logger()
}
