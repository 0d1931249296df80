// Package metrics exposes Prometheus collectors for the filter engine and
// audit store. All collectors are registered on the default registry and
// served by the gateway's /metrics endpoint when metrics are enabled.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ModuleInvocations counts module invocations by module name and final audit status.
	ModuleInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policygate_module_invocations_total",
			Help: "Total number of filter module invocations by module and status",
		},
		[]string{"module", "status"},
	)

	// ModuleDuration tracks per-module execution time.
	ModuleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "policygate_module_duration_seconds",
			Help:    "Filter module execution time in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"module"},
	)

	// PipeFlags counts pipe runs that ended flagged, by pipe name.
	PipeFlags = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policygate_pipe_flags_total",
			Help: "Total number of pipe runs that ended with the flag set",
		},
		[]string{"pipe"},
	)

	// AuditLockRetries counts audit-store write retries (inserts and deletes)
	// due to lock contention.
	AuditLockRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "policygate_audit_lock_retries_total",
			Help: "Total number of audit write retries due to database lock contention",
		},
	)

	// AuditRecordsWritten counts audit records persisted, by backend.
	AuditRecordsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policygate_audit_records_written_total",
			Help: "Total number of audit records persisted by storage backend",
		},
		[]string{"backend"},
	)
)
