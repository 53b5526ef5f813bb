package game

import "time"

// Timer abstracts time.Timer so tests can suppress or force deadlines.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

// NewTimerFunc constructs the machine's deadline timers.
type NewTimerFunc func(d time.Duration) Timer

type realTimer struct {
	t *time.Timer
}

func newRealTimer(d time.Duration) Timer {
	return realTimer{t: time.NewTimer(d)}
}

func (t realTimer) C() <-chan time.Time { return t.t.C }
func (t realTimer) Stop() bool          { return t.t.Stop() }

func timerC(t Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C()
}

func stopTimer(t Timer) {
	if t != nil {
		t.Stop()
	}
}
