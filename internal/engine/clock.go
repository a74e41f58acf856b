package engine

import "time"

// Clock abstracts time so deadline logic can be tested against a virtual
// clock instead of waiting on real timers.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock is the real wall clock.
var SystemClock Clock = systemClock{}
