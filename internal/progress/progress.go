// Package progress carries step/count updates from collection phases to
// whoever renders them. Delivery is fire-and-forget.
package progress

import (
	"fmt"
	"sync"
)

// Phase locates an update within the run: step out of total, under a label
// that stays the same for the whole phase.
type Phase struct {
	Step  int    `json:"step"`
	Total int    `json:"total"`
	Label string `json:"label"`
}

// Update is one progress report.
type Update struct {
	Phase   Phase  `json:"phase"`
	Message string `json:"message"`
	Count   *int   `json:"count,omitempty"`
}

// Validate checks 1 <= step <= total.
func (u Update) Validate() error {
	if u.Phase.Step < 1 {
		return fmt.Errorf("progress step must be >= 1, got %d", u.Phase.Step)
	}
	if u.Phase.Total < u.Phase.Step {
		return fmt.Errorf("progress total %d is below step %d", u.Phase.Total, u.Phase.Step)
	}
	return nil
}

// Count returns a pointer to n for Update.Count.
func Count(n int) *int {
	return &n
}

// Reporter receives progress updates.
type Reporter interface {
	Report(u Update)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(u Update)

func (f ReporterFunc) Report(u Update) { f(u) }

// Discard drops every update.
var Discard Reporter = ReporterFunc(func(Update) {})

// Tracker sits in front of a Reporter and keeps the stream well formed:
// steps are clamped into [1, total] and counts never go backwards within
// one phase.
type Tracker struct {
	mu       sync.Mutex
	next     Reporter
	step     int
	label    string
	last     int
	hasCount bool
}

// NewTracker wraps r. A nil r discards.
func NewTracker(r Reporter) *Tracker {
	if r == nil {
		r = Discard
	}
	return &Tracker{next: r}
}

func (t *Tracker) Report(u Update) {
	t.mu.Lock()
	if u.Phase.Total < 1 {
		u.Phase.Total = 1
	}
	if u.Phase.Step < 1 {
		u.Phase.Step = 1
	}
	if u.Phase.Step > u.Phase.Total {
		u.Phase.Step = u.Phase.Total
	}

	if u.Phase.Step != t.step || u.Phase.Label != t.label {
		t.step, t.label = u.Phase.Step, u.Phase.Label
		t.hasCount = false
		t.last = 0
	}
	if u.Count != nil {
		n := *u.Count
		if t.hasCount && n < t.last {
			n = t.last
		}
		t.last = n
		t.hasCount = true
		u.Count = Count(n)
	}
	t.mu.Unlock()

	t.next.Report(u)
}
