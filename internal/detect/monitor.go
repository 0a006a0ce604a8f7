package detect

import (
	"sync"
	"time"
)

// Alert is a repeated-shape pattern seen outside any loop scope.
type Alert struct {
	Shape  string
	Sample string
	Count  int
}

// MonitorResult holds the outcome of a Monitor.Record call.
type MonitorResult struct {
	// Matched is true while the shape is at or above the threshold inside
	// the window.
	Matched bool
	// Alert is set only when the threshold is crossed outside the cooldown.
	Alert *Alert
}

// Monitor counts statement shapes over a sliding window and raises N+1
// alerts for statements issued outside loop scopes. It never changes
// execution. Safe for concurrent use.
type Monitor struct {
	mu        sync.Mutex
	threshold int
	window    time.Duration
	cooldown  time.Duration
	seen      map[string][]time.Time
	lastAlert map[string]time.Time
}

// NewMonitor creates a Monitor that alerts after threshold occurrences of a
// shape within window, at most once per cooldown.
func NewMonitor(threshold int, window, cooldown time.Duration) *Monitor {
	if threshold < 2 {
		threshold = 2
	}
	return &Monitor{
		threshold: threshold,
		window:    window,
		cooldown:  cooldown,
		seen:      make(map[string][]time.Time),
		lastAlert: make(map[string]time.Time),
	}
}

// Record registers one occurrence of shape at t. sample is carried into the
// alert for display.
func (m *Monitor) Record(shape, sample string, t time.Time) MonitorResult {
	if shape == "" {
		return MonitorResult{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	times := evict(m.seen[shape], t.Add(-m.window))
	times = append(times, t)
	m.seen[shape] = times

	if len(times) < m.threshold {
		return MonitorResult{}
	}
	res := MonitorResult{Matched: true}
	if last, ok := m.lastAlert[shape]; !ok || t.Sub(last) >= m.cooldown {
		m.lastAlert[shape] = t
		res.Alert = &Alert{Shape: shape, Sample: sample, Count: len(times)}
	}
	return res
}

// Sweep drops shapes with no occurrence inside the window and expired
// cooldowns. It returns the number of shapes still tracked.
func (m *Monitor) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := now.Add(-m.window)
	for shape, times := range m.seen {
		times = evict(times, cutoff)
		if len(times) == 0 {
			delete(m.seen, shape)
			continue
		}
		m.seen[shape] = times
	}
	for shape, last := range m.lastAlert {
		if now.Sub(last) >= m.cooldown {
			if _, live := m.seen[shape]; !live {
				delete(m.lastAlert, shape)
			}
		}
	}
	return len(m.seen)
}

func evict(times []time.Time, cutoff time.Time) []time.Time {
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
