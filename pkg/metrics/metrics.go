// Copyright 2025 UMH Systems GmbH
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
	"errors"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/united-manufacturing-hub/salbus/pkg/logger"
	"github.com/united-manufacturing-hub/salbus/pkg/sentry"
)

var (
	// Namespace and subsystem for all metrics.
	namespace = "salbus"
	subsystem = "topic"

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "queue_depth",
			Help:      "Number of samples waiting in a read topic queue",
		},
		[]string{"topic"},
	)

	samplesRead = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "samples_read_total",
			Help:      "Total number of samples queued by read topics",
		},
		[]string{"topic"},
	)

	samplesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "samples_dropped_total",
			Help:      "Total number of samples dropped by reason (overflow, duplicate, decode, index, stale)",
		},
		[]string{"topic", "reason"},
	)

	samplesWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "samples_written_total",
			Help:      "Total number of samples published by write topics",
		},
		[]string{"topic"},
	)

	acksWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "command",
			Name:      "acks_total",
			Help:      "Total number of command acknowledgements written, by command and ack code",
		},
		[]string{"command", "ack"},
	)

	commandDuration = promauto.NewSummaryVec(
		prometheus.SummaryOpts{
			Namespace: namespace,
			Subsystem: "command",
			Name:      "duration_milliseconds",
			Help:      "Time from issuing a command until its final acknowledgement (in milliseconds)",
			Objectives: map[float64]float64{
				0.5:  0.01,
				0.9:  0.01,
				0.99: 0.01,
			},
		},
		[]string{"command", "ack"},
	)

	summaryState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "component",
			Name:      "summary_state",
			Help:      "Current summary state of the component (1=Disabled, 2=Enabled, 3=Fault, 4=Offline, 5=Standby)",
		},
		[]string{"component"},
	)

	errorCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "component",
			Name:      "errors_total",
			Help:      "Total number of errors caught at task boundaries",
		},
		[]string{"component", "operation"},
	)
)

// SetQueueDepth records the current number of queued samples of a read topic.
func SetQueueDepth(topic string, depth int) {
	queueDepth.WithLabelValues(topic).Set(float64(depth))
}

// IncSamplesRead counts a sample accepted by a read topic.
func IncSamplesRead(topic string) {
	samplesRead.WithLabelValues(topic).Inc()
}

// IncSamplesDropped counts a sample that never reached the application or was evicted.
func IncSamplesDropped(topic, reason string) {
	samplesDropped.WithLabelValues(topic, reason).Inc()
}

// IncSamplesWritten counts a published sample.
func IncSamplesWritten(topic string) {
	samplesWritten.WithLabelValues(topic).Inc()
}

// IncAcksWritten counts an acknowledgement written by the receiving side of a command.
func IncAcksWritten(command, ack string) {
	acksWritten.WithLabelValues(command, ack).Inc()
}

// ObserveCommandDuration records how long a remote command took until its final ack.
func ObserveCommandDuration(command, ack string, duration time.Duration) {
	commandDuration.WithLabelValues(command, ack).Observe(float64(duration.Milliseconds()))
}

// SetSummaryState records the summary state of a component.
func SetSummaryState(component string, state int) {
	summaryState.WithLabelValues(component).Set(float64(state))
}

// IncErrorCount counts a failure caught at a task boundary.
func IncErrorCount(component, operation string) {
	errorCounter.WithLabelValues(component, operation).Inc()
}

// SetupMetricsEndpoint starts an HTTP server exposing /metrics and, when health is not nil,
// the healthcheck /live and /ready endpoints.
func SetupMetricsEndpoint(addr string, health healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if health != nil {
		mux.HandleFunc("/live", health.LiveEndpoint)
		mux.HandleFunc("/ready", health.ReadyEndpoint)
	}

	server := &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sentry.ReportIssue(err, sentry.IssueTypeError, logger.For(logger.ComponentMetrics))
		}
	}()

	return server
}
