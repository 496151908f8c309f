package diagnostics

import (
	"sort"
	"sync"
	"time"
)

// Activity names used by the controller.
const (
	ActivityDescent       = "descent"
	ActivityEnergyUpdate  = "energy_update"
	ActivityTopology      = "topology"
	ActivityBoundarySplit = "boundary_split"
	ActivityInteriorSplit = "interior_split"
	ActivityMerge         = "merge"
)

// Timer accumulates wall time per named activity. A nil *Timer is a no-op.
type Timer struct {
	mu     sync.Mutex
	now    func() time.Time
	totals map[string]time.Duration
	counts map[string]int
}

// NewTimer returns an empty timer.
func NewTimer() *Timer {
	return &Timer{
		now:    time.Now,
		totals: make(map[string]time.Duration),
		counts: make(map[string]int),
	}
}

// Start begins timing name and returns the func that stops it.
func (t *Timer) Start(name string) func() {
	if t == nil {
		return func() {}
	}
	begin := t.now()
	return func() {
		t.Add(name, t.now().Sub(begin))
	}
}

// Add records d against name.
func (t *Timer) Add(name string, d time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.totals[name] += d
	t.counts[name]++
	t.mu.Unlock()
}

// Total returns the accumulated time of name.
func (t *Timer) Total(name string) time.Duration {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totals[name]
}

// Count returns how many intervals were recorded for name.
func (t *Timer) Count(name string) int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[name]
}

// ActivityTime is one row of Timer.Report.
type ActivityTime struct {
	Name    string  `json:"name" yaml:"name"`
	Count   int     `json:"count" yaml:"count"`
	Seconds float64 `json:"seconds" yaml:"seconds"`
}

// Report lists all activities sorted by name.
func (t *Timer) Report() []ActivityTime {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]ActivityTime, 0, len(t.totals))
	for name, d := range t.totals {
		out = append(out, ActivityTime{Name: name, Count: t.counts[name], Seconds: d.Seconds()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
