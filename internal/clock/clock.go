// Package clock abstracts time so windowed analytics are testable.
package clock

import "time"

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// System reads the wall clock.
type System struct{}

func (System) Now() time.Time { return time.Now() }

// Fixed always returns the same instant. Test helper.
type Fixed struct{ T time.Time }

func (f Fixed) Now() time.Time { return f.T }
