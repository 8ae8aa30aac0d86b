// Package clock abstracts the time operations used by the link and the
// alarm engine so tests can drive them deterministically.
package clock

import "time"

// Clock is injected wherever production code would otherwise call
// time.Now, time.NewTicker or time.AfterFunc directly.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) *Ticker
	AfterFunc(d time.Duration, f func()) *Timer
}

// Ticker delivers ticks on C until Stop is called. C has capacity 1;
// ticks are dropped when the consumer falls behind.
type Ticker struct {
	C <-chan time.Time

	stopFunc func()
}

// Stop turns off the ticker. It does not close C.
func (t *Ticker) Stop() { t.stopFunc() }

// Timer is a pending AfterFunc call.
type Timer struct {
	stopFunc func() bool
}

// Stop cancels the pending call. It reports whether the call was
// stopped before it fired.
func (t *Timer) Stop() bool { return t.stopFunc() }

type realClock struct{}

// Real returns the wall clock.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) NewTicker(d time.Duration) *Ticker {
	t := time.NewTicker(d)
	return &Ticker{C: t.C, stopFunc: t.Stop}
}

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	t := time.AfterFunc(d, f)
	return &Timer{stopFunc: t.Stop}
}
