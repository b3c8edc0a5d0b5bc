// Package telemetry holds the process-level Prometheus collectors
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CallsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "avatarcall_calls_active",
		Help: "Call sessions that have not reached a terminal state",
	})

	CallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avatarcall_calls_total",
		Help: "Calls by terminal state",
	}, []string{"state"})

	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avatarcall_state_transitions_total",
		Help: "Session state transitions",
	}, []string{"from", "to"})

	ConnectDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "avatarcall_connect_duration_seconds",
		Help:    "Time from start to both collaborators connected",
		Buckets: []float64{0.25, 0.5, 1.0, 2.0, 3.0, 5.0, 10.0, 20.0},
	})

	ResponseTime = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "avatarcall_response_time_seconds",
		Help:    "Time from user speech end to first assistant audio",
		Buckets: []float64{0.1, 0.2, 0.5, 0.8, 1.0, 1.5, 2.0, 3.0, 5.0},
	})

	FramesDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avatarcall_frames_dispatched_total",
		Help: "Audio frames sent to the avatar renderer",
	})

	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avatarcall_frames_dropped_total",
		Help: "Audio frames discarded, by reason",
	}, []string{"reason"})

	Interruptions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avatarcall_interruptions_total",
		Help: "User barge-ins on assistant responses",
	})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avatarcall_errors_total",
		Help: "Errors by source",
	}, []string{"source"})

	Finalizations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avatarcall_finalizations_total",
		Help: "Call record finalizations by outcome",
	}, []string{"outcome"})
)
