package throughput

import "time"

// SetClock replaces the time source and restarts the timer.
func (m *Meter) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	m.start = now()
}
