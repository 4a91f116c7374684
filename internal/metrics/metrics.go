package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Batched kernel metrics
	BatchedCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "batched_call_duration_seconds",
		Help:    "Duration of batched factorize/solve/inverse calls including device synchronization",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 18), // 0.5ms to ~65s
	}, []string{"op", "backend"})

	FactorizationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "factorization_failures_total",
		Help: "Total number of batches whose LU factorization reported a nonzero status",
	})

	BatchesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batches_processed_total",
		Help: "Total number of matrices processed by batched calls",
	}, []string{"op"})

	// Device memory metrics
	DeviceMemoryUsedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "device_memory_used_bytes",
		Help: "Device memory in use at the last probe in bytes",
	})

	DeviceMemoryTotalBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "device_memory_total_bytes",
		Help: "Total device memory at the last probe in bytes",
	})

	SolverDeviceMemoryBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "solver_device_memory_bytes",
		Help: "Device memory owned by the last constructed solver of each kind",
	}, []string{"kind"})

	// Workload metrics
	WorkloadIterations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workload_iterations_total",
		Help: "Total number of completed workload iterations",
	}, []string{"workload"})
)

// WriteTextfile dumps every registered metric in the text exposition format,
// for node_exporter's textfile collector.
func WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
		return fmt.Errorf("writing metrics textfile: %w", err)
	}
	return nil
}
