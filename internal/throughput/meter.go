// Package throughput measures operations per second across many goroutines.
package throughput

import (
	"sync"
	"time"
)

// Meter counts operations and reports the rate every threshold operations.
type Meter struct {
	mu        sync.Mutex
	threshold int64
	count     int64
	start     time.Time
	report    func(opsPerSec float64)
	now       func() time.Time
}

// New returns a meter that calls report with the measured rate each time
// threshold operations have been counted. report runs on the goroutine whose
// MeasureOp crossed the threshold, with the meter lock held, so it must not
// call back into the meter.
func New(threshold int64, report func(opsPerSec float64)) *Meter {
	if threshold <= 0 {
		threshold = 1
	}
	m := &Meter{threshold: threshold, report: report, now: time.Now}
	m.start = m.now()
	return m
}

// MeasureOp counts one operation.
func (m *Meter) MeasureOp() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.count++
	if m.count < m.threshold {
		return
	}

	now := m.now()
	elapsed := now.Sub(m.start).Seconds()
	if elapsed <= 0 {
		elapsed = time.Nanosecond.Seconds()
	}
	if m.report != nil {
		m.report(float64(m.count) / elapsed)
	}
	m.count = 0
	m.start = now
}

// Reset discards the partial count and restarts the timer.
func (m *Meter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count = 0
	m.start = m.now()
}
