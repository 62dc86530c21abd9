package ipc

import (
	"github.com/blip/broker/pkg/protocol"
)

// MetricsCollector tracks the latest snapshot reported by each connection
type MetricsCollector struct {
	registry *Registry
}

// NewMetricsCollector creates a collector over registry
func NewMetricsCollector(registry *Registry) *MetricsCollector {
	return &MetricsCollector{registry: registry}
}

// Update validates m and replaces the connection's snapshot with it
func (m *MetricsCollector) Update(c *Connection, snapshot protocol.Metrics) error {
	if err := snapshot.Validate(); err != nil {
		return err
	}
	c.setMetrics(snapshot)
	return nil
}

// Snapshot returns every identified service's latest metrics
func (m *MetricsCollector) Snapshot() protocol.MetricsAll {
	conns := m.registry.List()
	all := make(protocol.MetricsAll, len(conns))
	for _, c := range conns {
		if name := c.Name(); name != "" {
			all[name] = c.Metrics()
		}
	}
	return all
}
