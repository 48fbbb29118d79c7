package metrics

import "time"

// RelayStats is a point-in-time view of a relay's fan-out state
type RelayStats struct {
	Rooms       int
	Connections int
}

// StatsSource is implemented by the broadcast relay
type StatsSource interface {
	Stats() RelayStats
}

// Collector periodically copies relay stats into the relay gauges
type Collector struct {
	source   StatsSource
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a collector sampling source every interval
func NewCollector(source StatsSource, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	stats := c.source.Stats()
	RelayRooms.Set(float64(stats.Rooms))
	RelayConnections.Set(float64(stats.Connections))
}
