// Package metrics collects the counters surfaced by the stats command.
package metrics

import (
	"sync/atomic"
	"time"
)

// Metrics is a set of atomic counters shared by all connections.
type Metrics struct {
	cmdGet    atomic.Uint64
	cmdSet    atomic.Uint64
	getHits   atomic.Uint64
	getMisses atomic.Uint64

	totalItems atomic.Uint64 // successful stores since start

	currConnections  atomic.Int64
	totalConnections atomic.Uint64

	streamingAborts atomic.Uint64

	startTime time.Time
}

// New creates a metrics collector.
func New() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// RecordGet records a retrieval and whether it hit.
func (m *Metrics) RecordGet(hit bool) {
	m.cmdGet.Add(1)
	if hit {
		m.getHits.Add(1)
	} else {
		m.getMisses.Add(1)
	}
}

// RecordSet records a write and whether it stored.
func (m *Metrics) RecordSet(stored bool) {
	m.cmdSet.Add(1)
	if stored {
		m.totalItems.Add(1)
	}
}

// RecordStreamAbort records a streaming session that ended in an error.
func (m *Metrics) RecordStreamAbort() {
	m.streamingAborts.Add(1)
}

// ConnOpened records a new client connection.
func (m *Metrics) ConnOpened() {
	m.currConnections.Add(1)
	m.totalConnections.Add(1)
}

// ConnClosed records a client disconnect.
func (m *Metrics) ConnClosed() {
	m.currConnections.Add(-1)
}

// Uptime returns the time since the collector was created.
func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.startTime)
}

// CmdGet returns the number of retrieval commands.
func (m *Metrics) CmdGet() uint64 { return m.cmdGet.Load() }

// CmdSet returns the number of write commands.
func (m *Metrics) CmdSet() uint64 { return m.cmdSet.Load() }

// GetHits returns the number of retrievals that found the key.
func (m *Metrics) GetHits() uint64 { return m.getHits.Load() }

// GetMisses returns the number of retrievals that missed.
func (m *Metrics) GetMisses() uint64 { return m.getMisses.Load() }

// TotalItems returns the number of successful stores since start.
func (m *Metrics) TotalItems() uint64 { return m.totalItems.Load() }

// CurrConnections returns the number of open connections.
func (m *Metrics) CurrConnections() int64 { return m.currConnections.Load() }

// TotalConnections returns the number of connections accepted since start.
func (m *Metrics) TotalConnections() uint64 { return m.totalConnections.Load() }

// StreamingAborts returns the number of streaming sessions that ended
// in an error.
func (m *Metrics) StreamingAborts() uint64 { return m.streamingAborts.Load() }
