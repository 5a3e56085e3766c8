package oms

import (
	"sync"
	"time"
)

// LatencyMonitor keeps an exponentially weighted moving average of exchange
// round trips.
type LatencyMonitor struct {
	mu      sync.Mutex
	alpha   float64
	value   float64
	samples int
	last    time.Duration
}

// NewLatencyMonitor creates a monitor; alpha outside (0, 1] defaults to 0.2.
func NewLatencyMonitor(alpha float64) *LatencyMonitor {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.2
	}
	return &LatencyMonitor{alpha: alpha}
}

func (m *LatencyMonitor) Observe(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.samples == 0 {
		m.value = float64(d)
	} else {
		m.value = m.alpha*float64(d) + (1-m.alpha)*m.value
	}
	m.samples++
	m.last = d
}

// Value is the smoothed latency, zero before the first sample.
func (m *LatencyMonitor) Value() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Duration(m.value)
}

func (m *LatencyMonitor) Last() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

func (m *LatencyMonitor) Samples() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.samples
}
