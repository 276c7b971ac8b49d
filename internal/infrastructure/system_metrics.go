package infrastructure

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// runtimeMetrics holds the OTel instruments for Go runtime health. These
// complement the business metrics: they answer "is the process healthy"
// rather than "is the engine behaving".
type runtimeMetrics struct {
	goroutines    metric.Int64Gauge
	heapAlloc     metric.Int64Gauge
	heapSys       metric.Int64Gauge
	gcTotal       metric.Int64Counter
	gcPause       metric.Float64Histogram
	processUptime metric.Float64Gauge
}

func newRuntimeMetrics(meter metric.Meter) (*runtimeMetrics, error) {
	goroutines, err := meter.Int64Gauge(
		"runtime_goroutines",
		metric.WithDescription("Number of live goroutines"),
	)
	if err != nil {
		return nil, err
	}

	heapAlloc, err := meter.Int64Gauge(
		"runtime_heap_alloc_bytes",
		metric.WithDescription("Bytes of allocated heap objects"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	heapSys, err := meter.Int64Gauge(
		"runtime_heap_sys_bytes",
		metric.WithDescription("Bytes of heap memory obtained from the OS"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	gcTotal, err := meter.Int64Counter(
		"runtime_gc_total",
		metric.WithDescription("Completed garbage collection cycles"),
	)
	if err != nil {
		return nil, err
	}

	gcPause, err := meter.Float64Histogram(
		"runtime_gc_pause_seconds",
		metric.WithDescription("Garbage collection pause duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	processUptime, err := meter.Float64Gauge(
		"process_uptime_seconds",
		metric.WithDescription("Seconds since the server started"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &runtimeMetrics{
		goroutines:    goroutines,
		heapAlloc:     heapAlloc,
		heapSys:       heapSys,
		gcTotal:       gcTotal,
		gcPause:       gcPause,
		processUptime: processUptime,
	}, nil
}

// SystemMetricsCollector samples Go runtime statistics on a fixed interval
// and records them through the OTel meter so they surface on /metrics.
type SystemMetricsCollector struct {
	metrics   *runtimeMetrics
	startTime time.Time
	interval  time.Duration
	lastGC    uint32
	stopCh    chan struct{}
}

// NewSystemMetricsCollector creates a collector that records runtime metrics
// every interval once Start is called.
func NewSystemMetricsCollector(meter metric.Meter, interval time.Duration) (*SystemMetricsCollector, error) {
	metrics, err := newRuntimeMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("create runtime metrics: %w", err)
	}

	return &SystemMetricsCollector{
		metrics:   metrics,
		startTime: time.Now(),
		interval:  interval,
		stopCh:    make(chan struct{}),
	}, nil
}

// Start samples immediately, then on every tick until Stop or context
// cancellation. It blocks; callers run it in a goroutine.
func (c *SystemMetricsCollector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.collect(ctx)

	for {
		select {
		case <-ticker.C:
			c.collect(ctx)
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop terminates the collection loop.
func (c *SystemMetricsCollector) Stop() {
	close(c.stopCh)
}

func (c *SystemMetricsCollector) collect(ctx context.Context) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	c.metrics.goroutines.Record(ctx, int64(runtime.NumGoroutine()))
	c.metrics.heapAlloc.Record(ctx, int64(mem.Alloc))
	c.metrics.heapSys.Record(ctx, int64(mem.HeapSys))
	c.metrics.processUptime.Record(ctx, time.Since(c.startTime).Seconds())

	// Counters take deltas; record only cycles completed since the last
	// sample, with the pause of the most recent one.
	if mem.NumGC > c.lastGC {
		c.metrics.gcTotal.Add(ctx, int64(mem.NumGC-c.lastGC))
		c.metrics.gcPause.Record(ctx, time.Duration(mem.PauseNs[(mem.NumGC+255)%256]).Seconds())
		c.lastGC = mem.NumGC
	}
}
