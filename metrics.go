package couchbase

import "sync/atomic"

// Metrics tracks operational statistics for one Instance. All counters
// are atomic so a snapshot may be taken from any goroutine while the
// pipeline runs on its own.
type Metrics struct {
	// Enqueued operation counters
	GetOps        atomic.Uint64
	StoreOps      atomic.Uint64
	ArithmeticOps atomic.Uint64
	RemoveOps     atomic.Uint64

	// Completion counters
	Hits          atomic.Uint64 // get callbacks with StatusSuccess
	Misses        atomic.Uint64 // get callbacks with StatusKeyEnoent
	OpErrors      atomic.Uint64 // callbacks with any other status

	// Wire counters
	BytesSent     atomic.Uint64
	BytesReceived atomic.Uint64
	PacketsSent   atomic.Uint64
	PacketsParsed atomic.Uint64

	// Connection lifecycle
	Connects       atomic.Uint64 // successful server connects
	ConnectRetries atomic.Uint64 // address candidates that failed
	ServerFailures atomic.Uint64 // servers transitioned to Failed
	AuthHandshakes atomic.Uint64 // completed SASL exchanges
}

// MetricsSnapshot is a point-in-time copy of the counters.
type MetricsSnapshot struct {
	GetOps        uint64
	StoreOps      uint64
	ArithmeticOps uint64
	RemoveOps     uint64

	Hits     uint64
	Misses   uint64
	OpErrors uint64

	BytesSent     uint64
	BytesReceived uint64
	PacketsSent   uint64
	PacketsParsed uint64

	Connects       uint64
	ConnectRetries uint64
	ServerFailures uint64
	AuthHandshakes uint64
}

// Snapshot copies the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		GetOps:        m.GetOps.Load(),
		StoreOps:      m.StoreOps.Load(),
		ArithmeticOps: m.ArithmeticOps.Load(),
		RemoveOps:     m.RemoveOps.Load(),

		Hits:     m.Hits.Load(),
		Misses:   m.Misses.Load(),
		OpErrors: m.OpErrors.Load(),

		BytesSent:     m.BytesSent.Load(),
		BytesReceived: m.BytesReceived.Load(),
		PacketsSent:   m.PacketsSent.Load(),
		PacketsParsed: m.PacketsParsed.Load(),

		Connects:       m.Connects.Load(),
		ConnectRetries: m.ConnectRetries.Load(),
		ServerFailures: m.ServerFailures.Load(),
		AuthHandshakes: m.AuthHandshakes.Load(),
	}
}

// recordCompletion folds one callback status into the hit/miss/error
// counters.
func (m *Metrics) recordCompletion(status Status, isGet bool) {
	switch {
	case isGet && status == StatusSuccess:
		m.Hits.Add(1)
	case isGet && status == StatusKeyEnoent:
		m.Misses.Add(1)
	case status != StatusSuccess:
		m.OpErrors.Add(1)
	}
}
