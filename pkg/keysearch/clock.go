package keysearch

import "time"

// Clock is the wall-clock source used for timeout checks.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Elapsed returns the time passed on c since start.
func Elapsed(c Clock, start time.Time) time.Duration {
	return c.Now().Sub(start)
}
