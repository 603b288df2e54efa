package metrics

import (
	"time"
)

// Stats is one sampling of agent state for gauge updates.
type Stats struct {
	KernelsByState map[string]int
	Capacity       map[string]float64
	Allocated      map[string]float64
}

// Collector periodically renders agent state into the slot and kernel
// gauges. The sampling function is supplied by the agent so this package
// does not depend on the kernel manager.
type Collector struct {
	sample   func() Stats
	interval time.Duration
	stopCh   chan struct{}

	// lastStates remembers which state labels were set so gauges for
	// emptied states drop back to zero instead of going stale.
	lastStates map[string]bool
}

// NewCollector creates a collector sampling at the given interval.
func NewCollector(sample func() Stats, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		sample:     sample,
		interval:   interval,
		stopCh:     make(chan struct{}),
		lastStates: make(map[string]bool),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
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
	stats := c.sample()

	for state := range c.lastStates {
		if _, ok := stats.KernelsByState[state]; !ok {
			KernelsTotal.WithLabelValues(state).Set(0)
			delete(c.lastStates, state)
		}
	}
	for state, count := range stats.KernelsByState {
		KernelsTotal.WithLabelValues(state).Set(float64(count))
		c.lastStates[state] = true
	}

	for slot, amount := range stats.Capacity {
		SlotCapacity.WithLabelValues(slot).Set(amount)
	}
	for slot, amount := range stats.Allocated {
		SlotAllocated.WithLabelValues(slot).Set(amount)
	}
}
