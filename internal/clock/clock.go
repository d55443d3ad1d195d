// Package clock is the single source of "now" for risk gating and exit
// timing, so tests can drive cooldowns and time-based exits deterministically.
package clock

import (
	"sync"
	"time"
)

// Clock yields the current wall-clock time.
type Clock interface {
	Now() time.Time
}

// Real reads the system clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

// New returns the system clock.
func New() Clock { return Real{} }

// Fake is a settable clock for tests. The zero value starts at the Unix
// epoch; use Set or Advance to move it.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake returns a fake clock pinned to t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}

func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

var _ Clock = (*Fake)(nil)
var _ Clock = Real{}
