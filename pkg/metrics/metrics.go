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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RecordsEmitted counts alert records written to sinks.
	RecordsEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "evelog",
		Name:      "records_emitted_total",
		Help:      "Alert records written to the output sinks.",
	})

	// PacketsAborted counts packets whose remaining alerts were dropped
	// after an assembly or sink failure.
	PacketsAborted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "evelog",
		Name:      "packets_aborted_total",
		Help:      "Packets whose alert emission was aborted mid-way.",
	})

	// XFFResolved counts successful XFF resolutions by mode.
	XFFResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "evelog",
		Name:      "xff_resolved_total",
		Help:      "Client addresses resolved from forwarded-for headers.",
	}, []string{"mode"})

	// XFFMisses counts XFF lookups that found no usable address.
	XFFMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "evelog",
		Name:      "xff_misses_total",
		Help:      "XFF lookups that yielded no valid address.",
	})
)
