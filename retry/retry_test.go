// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package retry

import (
	"testing"
	"time"

	"github.com/TheThingsNetwork/amqp-device-transport/options"
	. "github.com/smartystreets/goconvey/convey"
)

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }

func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

func TestIsTimeoutReached(t *testing.T) {
	Convey("Given a fake clock", t, func() {
		clock := &fakeClock{now: time.Unix(1000, 0)}
		start := clock.now

		Convey("When the timeout has not elapsed", func() {
			clock.Advance(9 * time.Second)
			reached, err := IsTimeoutReached(clock, start, 10*time.Second)
			So(err, ShouldBeNil)
			So(reached, ShouldBeFalse)
		})

		Convey("When exactly the timeout has elapsed", func() {
			clock.Advance(10 * time.Second)
			reached, err := IsTimeoutReached(clock, start, 10*time.Second)
			So(err, ShouldBeNil)
			So(reached, ShouldBeTrue)
		})

		Convey("When the start time is undefined", func() {
			_, err := IsTimeoutReached(clock, time.Time{}, 10*time.Second)
			So(err, ShouldEqual, ErrTime)
		})

		Convey("When the clock fails", func() {
			clock.now = time.Time{}
			_, err := IsTimeoutReached(clock, start, 10*time.Second)
			So(err, ShouldEqual, ErrTime)
		})
	})

	Convey("When using the system clock", t, func() {
		reached, err := IsTimeoutReached(nil, time.Now().Add(-time.Minute), time.Second)
		So(err, ShouldBeNil)
		So(reached, ShouldBeTrue)
	})
}

func TestControl(t *testing.T) {
	Convey("When creating a Control with a maximum retry duration below a second", t, func() {
		_, err := New(PolicyInterval, 0)
		So(err, ShouldEqual, ErrInvalidMaxRetryDuration)
		_, err = New(PolicyInterval, 999*time.Millisecond)
		So(err, ShouldEqual, ErrInvalidMaxRetryDuration)
	})

	Convey("Given a fixed interval Control", t, func() {
		clock := &fakeClock{now: time.Unix(1000, 0)}
		c, err := New(PolicyInterval, time.Minute)
		So(err, ShouldBeNil)
		c.SetClock(clock)
		So(c.SetOption(OptionInitialWaitTime, 5*time.Second), ShouldBeNil)

		Convey("The first decision should be to retry now", func() {
			action, err := c.ShouldRetry()
			So(err, ShouldBeNil)
			So(action, ShouldEqual, ActionRetryNow)
			So(c.RetryCount(), ShouldEqual, 1)

			Convey("Before the wait elapsed it should retry later", func() {
				clock.Advance(4 * time.Second)
				action, err := c.ShouldRetry()
				So(err, ShouldBeNil)
				So(action, ShouldEqual, ActionRetryLater)
				So(c.RetryCount(), ShouldEqual, 1)
			})

			Convey("After the wait elapsed it should retry now", func() {
				clock.Advance(5 * time.Second)
				action, err := c.ShouldRetry()
				So(err, ShouldBeNil)
				So(action, ShouldEqual, ActionRetryNow)
				So(c.RetryCount(), ShouldEqual, 2)
			})

			Convey("After the maximum retry duration it should stop retrying", func() {
				clock.Advance(time.Minute)
				action, err := c.ShouldRetry()
				So(err, ShouldBeNil)
				So(action, ShouldEqual, ActionStopRetrying)

				Convey("After a reset it should retry now again", func() {
					c.Reset()
					So(c.RetryCount(), ShouldEqual, 0)
					action, err := c.ShouldRetry()
					So(err, ShouldBeNil)
					So(action, ShouldEqual, ActionRetryNow)
				})
			})
		})

		Convey("When the clock fails", func() {
			clock.now = time.Time{}
			_, err := c.ShouldRetry()
			So(err, ShouldEqual, ErrTime)
		})

		Convey("When setting a jitter fraction", func() {
			So(c.SetOption(OptionMaxJitterFraction, 1.0), ShouldBeNil)
			action, _ := c.ShouldRetry()
			So(action, ShouldEqual, ActionRetryNow)
			Convey("The wait should stay within the jitter bounds", func() {
				clock.Advance(4 * time.Second)
				action, _ := c.ShouldRetry()
				So(action, ShouldEqual, ActionRetryLater)
				clock.Advance(6 * time.Second)
				action, _ = c.ShouldRetry()
				So(action, ShouldEqual, ActionRetryNow)
			})
		})
	})

	Convey("Given a Control with an unsupported policy", t, func() {
		c, err := New(PolicyExponentialBackoff, time.Minute)
		So(err, ShouldBeNil)
		Convey("Evaluating it should fail", func() {
			_, err := c.ShouldRetry()
			So(err, ShouldEqual, ErrUnsupportedPolicy)
		})
		Convey("It should not be reported as supported", func() {
			So(PolicyExponentialBackoff.Supported(), ShouldBeFalse)
			So(PolicyInterval.Supported(), ShouldBeTrue)
		})
	})
}

func TestControlOptions(t *testing.T) {
	Convey("Given a Control", t, func() {
		c, _ := New(PolicyInterval, time.Minute)

		Convey("Invalid options should be refused", func() {
			So(c.SetOption("unknown", 1), ShouldEqual, options.ErrUnknownOption)
			So(c.SetOption(OptionMaxJitterFraction, 1.5), ShouldEqual, options.ErrInvalidValue)
			So(c.SetOption(OptionMaxJitterFraction, -0.1), ShouldEqual, options.ErrInvalidValue)
			So(c.SetOption(OptionInitialWaitTime, -time.Second), ShouldEqual, options.ErrInvalidValue)
			So(c.SetOption(OptionInitialWaitTime, "soon"), ShouldEqual, options.ErrInvalidValue)
		})

		Convey("When retrieving options and feeding them into another Control", func() {
			So(c.SetOption(OptionInitialWaitTime, 3), ShouldBeNil)
			So(c.SetOption(OptionMaxJitterFraction, 0.25), ShouldBeNil)
			bundle, err := c.RetrieveOptions()
			So(err, ShouldBeNil)
			other, _ := New(PolicyInterval, time.Minute)
			So(bundle.FeedInto(other), ShouldBeNil)
			Convey("The tunables should be restored", func() {
				So(other.initialWait, ShouldEqual, 3*time.Second)
				So(other.maxJitter, ShouldEqual, 0.25)
			})
		})
	})

	Convey("When parsing policies", t, func() {
		p, err := ParsePolicy("Interval")
		So(err, ShouldBeNil)
		So(p, ShouldEqual, PolicyInterval)
		So(p.String(), ShouldEqual, "interval")
		_, err = ParsePolicy("sometimes")
		So(err, ShouldEqual, ErrUnsupportedPolicy)
	})
}
