// Copyright 2025 Tom Barlow
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

// Package metrics registers the Prometheus collectors for the daemon.
// Collectors are package vars registered via promauto on the default
// registry; /metrics serves them through promhttp.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// workEnqueued counts queue inserts by source (schedule, run_now,
	// event, retry).
	workEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "baton_work_enqueued_total",
			Help: "Total due-work rows enqueued, by source",
		},
		[]string{"source"},
	)

	// workSuppressed counts enqueue attempts dropped by the occurrence
	// guard or dedupe.
	workSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "baton_work_suppressed_total",
			Help: "Total enqueue attempts suppressed, by source",
		},
		[]string{"source"},
	)

	// leasesTaken counts successful lease grants.
	leasesTaken = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "baton_leases_taken_total",
			Help: "Total leases granted to workers",
		},
	)

	// leasesLost counts commits rejected because the lease had expired
	// and been reclaimed.
	leasesLost = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "baton_leases_lost_total",
			Help: "Total lease-lost rejections at commit or renew time",
		},
	)

	// scheduleLag observes now - run_at at lease time.
	scheduleLag = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "baton_schedule_lag_seconds",
			Help:    "Delay between a row becoming due and a worker leasing it",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300, 900},
		},
	)

	// queueDepth gauges the queue census by state.
	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "baton_queue_depth",
			Help: "Due-work rows by state (ready, leased, scheduled)",
		},
		[]string{"state"},
	)

	// runsRecorded counts terminal runs by outcome.
	runsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "baton_runs_recorded_total",
			Help: "Total runs recorded, by outcome (success, failure, skipped)",
		},
		[]string{"outcome"},
	)

	// runDuration observes pipeline execution time by outcome.
	runDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "baton_run_duration_seconds",
			Help:    "Pipeline execution duration, by outcome",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	// schedulerFires counts trigger fires by schedule kind.
	schedulerFires = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "baton_scheduler_fires_total",
			Help: "Total schedule occurrences fired, by schedule kind",
		},
		[]string{"kind"},
	)

	// schedulerTriggers gauges the live trigger set size.
	schedulerTriggers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "baton_scheduler_triggers",
			Help: "Triggers currently registered with the scheduler",
		},
	)

	// eventsIngested counts bus deliveries by disposition
	// (matched, unmatched, duplicate, malformed).
	eventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "baton_events_ingested_total",
			Help: "Total bus events processed, by disposition",
		},
		[]string{"disposition"},
	)

	// apiRequests counts REST requests by route and status class.
	apiRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "baton_api_requests_total",
			Help: "Total API requests, by route pattern and status",
		},
		[]string{"route", "status"},
	)

	// apiDuration observes request latency by route.
	apiDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "baton_api_request_duration_seconds",
			Help:    "API request latency, by route pattern",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// workersLive gauges workers with a recent heartbeat.
	workersLive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "baton_workers_live",
			Help: "Workers currently running in this process",
		},
	)

	// leaderGauge reports whether this process holds the scheduler
	// leadership lock.
	leaderGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "baton_leader",
			Help: "1 while this process is the scheduler leader",
		},
	)
)

// RecordEnqueued increments the enqueue counter.
func RecordEnqueued(source string) {
	workEnqueued.WithLabelValues(source).Inc()
}

// RecordSuppressed increments the suppressed-enqueue counter.
func RecordSuppressed(source string) {
	workSuppressed.WithLabelValues(source).Inc()
}

// RecordLease increments the lease counter and observes schedule lag.
func RecordLease(lag time.Duration) {
	leasesTaken.Inc()
	if lag > 0 {
		scheduleLag.Observe(lag.Seconds())
	}
}

// RecordLeaseLost increments the lease-lost counter.
func RecordLeaseLost() {
	leasesLost.Inc()
}

// RecordQueueDepth sets the queue census gauges.
func RecordQueueDepth(ready, leased, scheduled int) {
	queueDepth.WithLabelValues("ready").Set(float64(ready))
	queueDepth.WithLabelValues("leased").Set(float64(leased))
	queueDepth.WithLabelValues("scheduled").Set(float64(scheduled))
}

// RecordRun increments the run counter and observes its duration.
func RecordRun(outcome string, d time.Duration) {
	runsRecorded.WithLabelValues(outcome).Inc()
	runDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// RecordFire increments the scheduler fire counter.
func RecordFire(kind string) {
	schedulerFires.WithLabelValues(kind).Inc()
}

// SetTriggerCount sets the live trigger-set gauge.
func SetTriggerCount(n int) {
	schedulerTriggers.Set(float64(n))
}

// RecordEvent increments the bus-event counter.
func RecordEvent(disposition string) {
	eventsIngested.WithLabelValues(disposition).Inc()
}

// RecordAPIRequest increments the request counter and observes latency.
func RecordAPIRequest(route string, status int, d time.Duration) {
	apiRequests.WithLabelValues(route, statusClass(status)).Inc()
	apiDuration.WithLabelValues(route).Observe(d.Seconds())
}

// WorkerStarted bumps the live-worker gauge.
func WorkerStarted() { workersLive.Inc() }

// WorkerStopped drops the live-worker gauge.
func WorkerStopped() { workersLive.Dec() }

// SetLeader records whether this process is the scheduler leader.
func SetLeader(leading bool) {
	if leading {
		leaderGauge.Set(1)
	} else {
		leaderGauge.Set(0)
	}
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
