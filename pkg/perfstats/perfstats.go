package perfstats

import (
	"slices"
	"sync"
	"time"
)

// Accumulate samples of how long something took
type TimeAccumulator struct {
	Samples int64
	Total   time.Duration
}

func (a *TimeAccumulator) Reset() {
	a.Samples = 0
	a.Total = 0
}

func (a *TimeAccumulator) AddSample(v time.Duration) {
	a.Samples++
	a.Total += v
}

func (a *TimeAccumulator) Average() time.Duration {
	if a.Samples == 0 {
		return 0
	}
	return time.Duration(a.Total.Nanoseconds() / a.Samples)
}

// FPSMeter estimates the rate of a stream of events (eg processed camera frames),
// from the median of the most recent intervals between events.
// FPSMeter is safe for concurrent use.
type FPSMeter struct {
	lock      sync.Mutex
	last      time.Time
	intervals []time.Duration // ring buffer
	next      int
	window    int
}

// Create a new FPS meter that considers the most recent 'window' intervals
func NewFPSMeter(window int) *FPSMeter {
	return &FPSMeter{
		window: max(window, 1),
	}
}

// Tick records an event at time 'now', and returns the updated rate
func (m *FPSMeter) Tick(now time.Time) float64 {
	m.lock.Lock()
	defer m.lock.Unlock()
	if !m.last.IsZero() {
		iv := now.Sub(m.last)
		if len(m.intervals) < m.window {
			m.intervals = append(m.intervals, iv)
		} else {
			m.intervals[m.next] = iv
			m.next = (m.next + 1) % m.window
		}
	}
	m.last = now
	return m.fpsLocked()
}

// FPS returns the current rate, or zero if fewer than two events have been seen
func (m *FPSMeter) FPS() float64 {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.fpsLocked()
}

func (m *FPSMeter) Reset() {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.last = time.Time{}
	m.intervals = m.intervals[:0]
	m.next = 0
}

func (m *FPSMeter) fpsLocked() float64 {
	if len(m.intervals) == 0 {
		return 0
	}
	sorted := slices.Clone(m.intervals)
	slices.Sort(sorted)
	mid := sorted[len(sorted)/2]
	if mid <= 0 {
		return 0
	}
	return float64(time.Second) / float64(mid)
}
