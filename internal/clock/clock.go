// Package clock provides an injectable time source.
//
// Production code uses Real(); tests use Fake() and drive time with Advance.
// The scheduler only needs Now and After, so the surface stays small.
package clock

import "time"

// Clock abstracts the time operations used by the ticker.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time after d
	// elapses. If d <= 0, the channel receives immediately.
	After(d time.Duration) <-chan time.Time
}

// Real returns a Clock backed by the standard time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// InLocation wraps c so Now reports calendar time in loc.
// A nil loc means time.Local.
func InLocation(c Clock, loc *time.Location) Clock {
	if loc == nil {
		loc = time.Local
	}
	return zoned{Clock: c, loc: loc}
}

type zoned struct {
	Clock
	loc *time.Location
}

func (z zoned) Now() time.Time { return z.Clock.Now().In(z.loc) }
