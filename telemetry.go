package couchbase

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector adapts an Instance's Metrics to a Prometheus
// collector. Register it on any registry, or use ServeMetrics for a
// standalone endpoint.
type MetricsCollector struct {
	metrics *Metrics

	getOps        *prometheus.Desc
	storeOps      *prometheus.Desc
	arithmeticOps *prometheus.Desc
	removeOps     *prometheus.Desc
	hits          *prometheus.Desc
	misses        *prometheus.Desc
	opErrors      *prometheus.Desc
	bytesSent     *prometheus.Desc
	bytesReceived *prometheus.Desc
	packetsSent   *prometheus.Desc
	packetsParsed *prometheus.Desc
	connects      *prometheus.Desc
	retries       *prometheus.Desc
	failures      *prometheus.Desc
	handshakes    *prometheus.Desc
}

// NewMetricsCollector creates a collector over the instance's metrics.
func NewMetricsCollector(inst *Instance) *MetricsCollector {
	return &MetricsCollector{
		metrics: inst.Metrics(),
		getOps: prometheus.NewDesc("couchbase_client_get_ops_total",
			"Get operations enqueued", nil, nil),
		storeOps: prometheus.NewDesc("couchbase_client_store_ops_total",
			"Store operations enqueued", nil, nil),
		arithmeticOps: prometheus.NewDesc("couchbase_client_arithmetic_ops_total",
			"Arithmetic operations enqueued", nil, nil),
		removeOps: prometheus.NewDesc("couchbase_client_remove_ops_total",
			"Remove operations enqueued", nil, nil),
		hits: prometheus.NewDesc("couchbase_client_hits_total",
			"Get completions that found the key", nil, nil),
		misses: prometheus.NewDesc("couchbase_client_misses_total",
			"Get completions that missed", nil, nil),
		opErrors: prometheus.NewDesc("couchbase_client_op_errors_total",
			"Completions with a non-success, non-miss status", nil, nil),
		bytesSent: prometheus.NewDesc("couchbase_client_sent_bytes_total",
			"Bytes written to cluster connections", nil, nil),
		bytesReceived: prometheus.NewDesc("couchbase_client_received_bytes_total",
			"Bytes read from cluster connections", nil, nil),
		packetsSent: prometheus.NewDesc("couchbase_client_sent_packets_total",
			"Frames buffered for send", nil, nil),
		packetsParsed: prometheus.NewDesc("couchbase_client_parsed_packets_total",
			"Frames parsed from cluster connections", nil, nil),
		connects: prometheus.NewDesc("couchbase_client_connects_total",
			"Successful server connections", nil, nil),
		retries: prometheus.NewDesc("couchbase_client_connect_retries_total",
			"Address candidates that failed during connect fan-out", nil, nil),
		failures: prometheus.NewDesc("couchbase_client_server_failures_total",
			"Servers that transitioned to the failed state", nil, nil),
		handshakes: prometheus.NewDesc("couchbase_client_auth_handshakes_total",
			"Completed SASL handshakes", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.getOps
	ch <- c.storeOps
	ch <- c.arithmeticOps
	ch <- c.removeOps
	ch <- c.hits
	ch <- c.misses
	ch <- c.opErrors
	ch <- c.bytesSent
	ch <- c.bytesReceived
	ch <- c.packetsSent
	ch <- c.packetsParsed
	ch <- c.connects
	ch <- c.retries
	ch <- c.failures
	ch <- c.handshakes
}

// Collect implements prometheus.Collector.
func (c *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.metrics.Snapshot()
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	counter(c.getOps, s.GetOps)
	counter(c.storeOps, s.StoreOps)
	counter(c.arithmeticOps, s.ArithmeticOps)
	counter(c.removeOps, s.RemoveOps)
	counter(c.hits, s.Hits)
	counter(c.misses, s.Misses)
	counter(c.opErrors, s.OpErrors)
	counter(c.bytesSent, s.BytesSent)
	counter(c.bytesReceived, s.BytesReceived)
	counter(c.packetsSent, s.PacketsSent)
	counter(c.packetsParsed, s.PacketsParsed)
	counter(c.connects, s.Connects)
	counter(c.retries, s.ConnectRetries)
	counter(c.failures, s.ServerFailures)
	counter(c.handshakes, s.AuthHandshakes)
}

// ServeMetrics registers the instance's collector on a fresh registry
// and serves /metrics on addr in a background goroutine. If you already
// expose Prometheus elsewhere, register NewMetricsCollector yourself
// instead.
func ServeMetrics(inst *Instance, addr string) error {
	reg := prometheus.NewRegistry()
	if err := reg.Register(NewMetricsCollector(inst)); err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			inst.log.Error("metrics endpoint terminated", "addr", addr, "error", err)
		}
	}()
	return nil
}
