package detect_test

import (
	"testing"
	"time"

	"sqlopt/internal/detect"
)

const monitorShape = "SELECT `id`,`name` FROM `users` WHERE `id`=?"

func TestMonitorBelowThreshold(t *testing.T) {
	t.Parallel()
	m := detect.NewMonitor(5, time.Second, 10*time.Second)
	now := time.Now()
	for i := range 4 {
		r := m.Record(monitorShape, "", now.Add(time.Duration(i)*100*time.Millisecond))
		if r.Matched || r.Alert != nil {
			t.Fatalf("unexpected result before threshold: %+v", r)
		}
	}
}

func TestMonitorAlertAtThreshold(t *testing.T) {
	t.Parallel()
	m := detect.NewMonitor(5, time.Second, 10*time.Second)
	now := time.Now()
	for i := range 4 {
		m.Record(monitorShape, "", now.Add(time.Duration(i)*100*time.Millisecond))
	}
	sample := "SELECT id, name FROM users WHERE id = 5"
	r := m.Record(monitorShape, sample, now.Add(400*time.Millisecond))
	if !r.Matched || r.Alert == nil {
		t.Fatalf("expected alert at threshold: %+v", r)
	}
	if r.Alert.Count != 5 || r.Alert.Sample != sample || r.Alert.Shape != monitorShape {
		t.Fatalf("unexpected alert: %+v", r.Alert)
	}
}

func TestMonitorCooldown(t *testing.T) {
	t.Parallel()
	m := detect.NewMonitor(3, time.Second, 10*time.Second)
	now := time.Now()
	for i := range 3 {
		m.Record(monitorShape, "", now.Add(time.Duration(i)*10*time.Millisecond))
	}
	for i := range 5 {
		r := m.Record(monitorShape, "", now.Add(time.Duration(100+i*100)*time.Millisecond))
		if !r.Matched {
			t.Fatalf("event %d: expected match", i)
		}
		if r.Alert != nil {
			t.Fatalf("event %d: cooldown should suppress the alert", i)
		}
	}
	// Window and cooldown both elapsed.
	later := now.Add(20 * time.Second)
	var last detect.MonitorResult
	for i := range 3 {
		last = m.Record(monitorShape, "", later.Add(time.Duration(i)*time.Millisecond))
	}
	if last.Alert == nil {
		t.Fatal("expected a new alert after cooldown")
	}
}

func TestMonitorWindowExpiry(t *testing.T) {
	t.Parallel()
	m := detect.NewMonitor(3, time.Second, 10*time.Second)
	now := time.Now()
	m.Record(monitorShape, "", now)
	m.Record(monitorShape, "", now.Add(100*time.Millisecond))
	r := m.Record(monitorShape, "", now.Add(2*time.Second))
	if r.Matched {
		t.Fatal("expired occurrences still counted")
	}
}

func TestMonitorShapesIndependent(t *testing.T) {
	t.Parallel()
	m := detect.NewMonitor(2, time.Second, time.Second)
	now := time.Now()
	m.Record("a", "", now)
	if r := m.Record("b", "", now); r.Matched {
		t.Fatal("different shapes share a counter")
	}
	if r := m.Record("", "", now); r.Matched {
		t.Fatal("empty shape matched")
	}
}

func TestMonitorSweep(t *testing.T) {
	t.Parallel()
	m := detect.NewMonitor(2, time.Second, time.Second)
	now := time.Now()
	m.Record("a", "", now)
	m.Record("b", "", now.Add(900*time.Millisecond))
	if got := m.Sweep(now.Add(1500 * time.Millisecond)); got != 1 {
		t.Fatalf("unexpected tracked shapes: %d", got)
	}
	if got := m.Sweep(now.Add(5 * time.Second)); got != 0 {
		t.Fatalf("unexpected tracked shapes: %d", got)
	}
}

func TestMonitorMinimumThreshold(t *testing.T) {
	t.Parallel()
	m := detect.NewMonitor(0, time.Second, time.Second)
	now := time.Now()
	if r := m.Record("a", "", now); r.Matched {
		t.Fatal("a single occurrence matched")
	}
	if r := m.Record("a", "", now); r.Alert == nil {
		t.Fatal("expected alert on second occurrence")
	}
}
