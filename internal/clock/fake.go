package clock

import (
	"sync"
	"time"
)

// Fake is a manually advanced clock. Tickers fire and AfterFunc
// callbacks run synchronously inside Advance.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
	timers  []*fakeTimer
}

type fakeTicker struct {
	c       chan time.Time
	period  time.Duration
	next    time.Time
	stopped bool
}

type fakeTimer struct {
	at    time.Time
	f     func()
	fired bool
	done  bool
}

// NewFake returns a Fake positioned at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker period")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ft := &fakeTicker{c: make(chan time.Time, 1), period: d, next: f.now.Add(d)}
	f.tickers = append(f.tickers, ft)
	return &Ticker{C: ft.c, stopFunc: func() {
		f.mu.Lock()
		ft.stopped = true
		f.mu.Unlock()
	}}
}

func (f *Fake) AfterFunc(d time.Duration, fn func()) *Timer {
	f.mu.Lock()
	ft := &fakeTimer{at: f.now.Add(d), f: fn}
	f.timers = append(f.timers, ft)
	f.mu.Unlock()
	if d <= 0 {
		f.Advance(0)
	}
	return &Timer{stopFunc: func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		if ft.fired || ft.done {
			return false
		}
		ft.done = true
		return true
	}}
}

// Advance moves the clock forward by d, delivering due ticks and
// running due timers.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now
	var due []func()
	for _, t := range f.timers {
		if !t.fired && !t.done && !t.at.After(now) {
			t.fired = true
			due = append(due, t.f)
		}
	}
	for _, t := range f.tickers {
		if t.stopped {
			continue
		}
		for !t.next.After(now) {
			select {
			case t.c <- t.next:
			default:
			}
			t.next = t.next.Add(t.period)
		}
	}
	f.mu.Unlock()
	for _, fn := range due {
		fn()
	}
}

// Set jumps the clock to t. Moving backwards only changes Now.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	cur := f.now
	if !t.After(cur) {
		f.now = t
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	f.Advance(t.Sub(cur))
}
