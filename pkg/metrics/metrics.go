/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package metrics exposes Prometheus collectors for trackers and the prober.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rdregistry"

// Probe results used as the "result" label.
const (
	ProbeAlive       = "alive"
	ProbeUnreachable = "unreachable"
)

var (
	Registry = prometheus.NewRegistry()

	TrackersActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "trackers_active",
		Help:      "Host trackers currently running.",
	})

	TrackerRestarts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tracker_restarts_total",
		Help:      "Trackers restarted by the supervisor after a crash.",
	})

	LeaseRefreshes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lease_refreshes_total",
		Help:      "Lease expiries that cleared a cache and re-requested resources.",
	})

	ResourcesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "resources_received_total",
		Help:      "Resource announcements accepted into a cache.",
	})

	DecodeFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "decode_failures_total",
		Help:      "Broadcast payloads dropped because they could not be decoded.",
	})

	CommandsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commands_published_total",
		Help:      "Commands published on command queues.",
	}, []string{"verb"})

	CommandsIgnored = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commands_ignored_total",
		Help:      "Commands received with an unknown verb.",
	})

	BroadcastsPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "broadcasts_published_total",
		Help:      "Resource announcements published on broadcast topics.",
	})

	Heartbeats = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "prober_heartbeats_total",
		Help:      "Scheduled probe-all rounds.",
	})

	ProbesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "probes_total",
		Help:      "Liveness probes by result.",
	}, []string{"result"})

	ProbeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "probe_duration_seconds",
		Help:      "Latency of liveness probes.",
		// 1ms .. ~16s, the probe timeout sits inside the range.
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
	})

	ProbesInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "probes_in_flight",
		Help:      "Liveness probes currently outstanding.",
	})

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		TrackersActive, TrackerRestarts, LeaseRefreshes, ResourcesReceived,
		DecodeFailures, CommandsPublished, CommandsIgnored, BroadcastsPublished,
		Heartbeats, ProbesTotal, ProbeDuration, ProbesInFlight, uptime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler exposes the registry. Mount it with mux.Handle("/metrics", metrics.Handler()).
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// ObserveProbe records the outcome and latency of one probe.
func ObserveProbe(alive bool, took time.Duration) {
	result := ProbeUnreachable
	if alive {
		result = ProbeAlive
	}

	ProbesTotal.WithLabelValues(result).Inc()
	ProbeDuration.Observe(took.Seconds())
}
