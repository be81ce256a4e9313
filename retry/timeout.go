// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package retry

import (
	"errors"
	"time"
)

// Clock returns the current time. A zero time means that the current time
// could not be obtained.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to the Clock interface
type ClockFunc func() time.Time

// Now implements Clock
func (f ClockFunc) Now() time.Time { return f() }

// SystemClock is the wall clock
var SystemClock Clock = ClockFunc(time.Now)

// ErrTime is returned when a start time is undefined or when the current time could not be obtained
var ErrTime = errors.New("Could not determine elapsed time")

// IsTimeoutReached reports whether at least timeout has elapsed since start.
// A zero start time is undefined. A nil clock uses the SystemClock.
func IsTimeoutReached(clock Clock, start time.Time, timeout time.Duration) (bool, error) {
	if start.IsZero() {
		return false, ErrTime
	}
	if clock == nil {
		clock = SystemClock
	}
	now := clock.Now()
	if now.IsZero() {
		return false, ErrTime
	}
	return now.Sub(start) >= timeout, nil
}
