package clock

import "time"

// Clock abstracts the source of "now" so that handlers and the reconciler can be
// tested against a fixed instant, and so the -f flag can freeze server time.
type Clock interface {
	Now() time.Time
}

// SystemClock returns the real wall-clock time.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now()
}

// FixedClock always returns the same instant. Used by the -f flag and by tests.
type FixedClock struct {
	FixedTime time.Time
}

func (c FixedClock) Now() time.Time {
	return c.FixedTime
}
