// SPDX-License-Identifier: MIT

// Package metrics registers the process-wide prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Sessions
	SessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "simbridge_sessions_created_total",
		Help: "Total number of simulator sessions created",
	})
	SessionsDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "simbridge_sessions_deleted_total",
		Help: "Total number of simulator sessions deleted",
	})
	SessionsRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "simbridge_sessions_recovered_total",
		Help: "Total number of orphaned simulator sessions recovered",
	})
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "simbridge_sessions_active",
		Help: "Number of sessions currently tracked",
	})

	// Host driver
	DriverCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simbridge_driver_commands_total",
		Help: "Host driver command invocations by operation and result",
	}, []string{"op", "result"})
	DriverCommandSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "simbridge_driver_command_seconds",
		Help:    "Host driver command wall-clock duration",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"op"})

	// Capture pipeline
	FramesProduced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simbridge_frames_produced_total",
		Help: "Frames produced by capture services, by method",
	}, []string{"method"})
	FramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "simbridge_frames_dropped_total",
		Help: "Frames dropped on full client rings",
	})
	CaptureServices = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "simbridge_capture_services",
		Help: "Live capture services in the resource pool",
	})

	// Connections
	ConnectionsAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simbridge_connections_accepted_total",
		Help: "Accepted transport connections by kind",
	}, []string{"kind"})
	ConnectionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simbridge_connections_rejected_total",
		Help: "Rejected transport connections by reason",
	}, []string{"reason"})

	// Recording
	RecordingsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "simbridge_recordings_started_total",
		Help: "Recording child processes started",
	})
	RecordingsEmergencySaved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "simbridge_recordings_emergency_saved_total",
		Help: "Recordings persisted by the emergency save path",
	})

	// Resource manager
	MemoryCleanups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simbridge_memory_cleanups_total",
		Help: "Memory-pressure cleanup passes by severity",
	}, []string{"severity"})
)
