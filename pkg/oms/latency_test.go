package oms

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLatencyMonitor_EWMA(t *testing.T) {
	m := NewLatencyMonitor(0.5)
	assert.Zero(t, m.Value())

	m.Observe(100 * time.Millisecond)
	assert.Equal(t, 100*time.Millisecond, m.Value())

	m.Observe(300 * time.Millisecond)
	assert.Equal(t, 200*time.Millisecond, m.Value())
	assert.Equal(t, 300*time.Millisecond, m.Last())

	m.Observe(0)
	assert.Equal(t, 2, m.Samples(), "non-positive samples are ignored")
}

func TestPendingSet_CountsNestedAdds(t *testing.T) {
	p := NewPendingSet()
	p.Add("a", "a", "")
	p.Done("a")
	assert.True(t, p.Contains("a"))
	p.Done("a")
	assert.False(t, p.Contains("a"))
	assert.Empty(t, p.Keys())
}
