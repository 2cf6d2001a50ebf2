package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Kernel launch metrics
	KernelLaunchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kbench_kernel_launch_latency_ms",
		Help:    "Average kernel launch latency of a timed batch in milliseconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 20), // 1us to ~0.5s
	}, []string{"kernel", "path"})

	KernelLaunches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kbench_kernel_launches_total",
		Help: "The total number of kernel launches enqueued",
	}, []string{"kernel"})

	// Runtime compilation metrics
	CompileDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kbench_rtc_compile_duration_ms",
		Help:    "Duration of runtime kernel compilation in milliseconds",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 16), // 0.1ms to ~3s
	}, []string{"kernel"})

	CompileFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kbench_rtc_compile_failures_total",
		Help: "Total number of runtime compilations rejected by the compiler",
	}, []string{"kernel"})

	// Verification metrics
	VerificationMismatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kbench_verification_mismatches_total",
		Help: "Total number of output elements that disagreed with the CPU reference",
	}, []string{"kernel", "path"})

	BenchmarkRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kbench_benchmark_runs_total",
		Help: "Total number of benchmark runs by outcome",
	}, []string{"kernel", "path", "result"})

	// Device memory metrics
	DeviceMemoryAllocatedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kbench_device_memory_allocated_bytes",
		Help: "Device memory currently held by the session in bytes",
	})

	DeviceBuffersLive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kbench_device_buffers_live",
		Help: "Number of device buffers allocated and not yet freed",
	})
)

// WriteTextfile writes the default registry in the text exposition format,
// for pickup by a node_exporter textfile collector.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}
