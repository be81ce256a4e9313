// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package retry decides whether failed operations should be retried.
package retry

import (
	"errors"
	"math/rand"
	"strings"
	"time"

	"github.com/TheThingsNetwork/amqp-device-transport/options"
)

// Policy is a retry policy
type Policy int

// Retry policies. Only PolicyInterval is evaluated, the others are recognized
// so that configuration can name them.
const (
	PolicyNone Policy = iota
	PolicyImmediate
	PolicyInterval
	PolicyLinearBackoff
	PolicyExponentialBackoff
	PolicyExponentialBackoffWithJitter
	PolicyRandom
)

var policyNames = map[Policy]string{
	PolicyNone:                         "none",
	PolicyImmediate:                    "immediate",
	PolicyInterval:                     "interval",
	PolicyLinearBackoff:                "linear-backoff",
	PolicyExponentialBackoff:           "exponential-backoff",
	PolicyExponentialBackoffWithJitter: "exponential-backoff-with-jitter",
	PolicyRandom:                       "random",
}

func (p Policy) String() string {
	if name, ok := policyNames[p]; ok {
		return name
	}
	return "unknown"
}

// ParsePolicy parses the name of a policy
func ParsePolicy(name string) (Policy, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for policy, policyName := range policyNames {
		if policyName == name {
			return policy, nil
		}
	}
	return PolicyNone, ErrUnsupportedPolicy
}

// Action is the outcome of ShouldRetry
type Action int

// Retry actions
const (
	ActionRetryNow Action = iota
	ActionRetryLater
	ActionStopRetrying
)

func (a Action) String() string {
	switch a {
	case ActionRetryNow:
		return "RetryNow"
	case ActionRetryLater:
		return "RetryLater"
	case ActionStopRetrying:
		return "StopRetrying"
	}
	return "Unknown"
}

// Option names for SetOption
const (
	OptionInitialWaitTime   = "initial_wait_time"
	OptionMaxJitterFraction = "max_jitter_fraction"
)

var (
	// ErrUnsupportedPolicy is returned when a policy can not be evaluated
	ErrUnsupportedPolicy = errors.New("Unsupported retry policy")
	// ErrInvalidMaxRetryDuration is returned when the maximum retry duration is shorter than a second
	ErrInvalidMaxRetryDuration = errors.New("Maximum retry duration must be at least one second")
)

// DefaultInitialWaitTime is the wait between retries of a new Control
var DefaultInitialWaitTime = time.Second

// Control keeps the retry state of one operation. It is not safe for concurrent use.
type Control struct {
	clock Clock
	rand  *rand.Rand

	policy           Policy
	maxRetryDuration time.Duration
	initialWait      time.Duration
	maxJitter        float64

	retryCount  int
	startTime   time.Time
	lastRetry   time.Time
	currentWait time.Duration
}

// New returns a new Control for the given policy. The maximum retry duration
// is counted from creation (or the last Reset) and must be at least a second.
func New(policy Policy, maxRetryDuration time.Duration) (*Control, error) {
	if maxRetryDuration < time.Second {
		return nil, ErrInvalidMaxRetryDuration
	}
	c := &Control{
		clock:            SystemClock,
		rand:             rand.New(rand.NewSource(time.Now().UnixNano())),
		policy:           policy,
		maxRetryDuration: maxRetryDuration,
		initialWait:      DefaultInitialWaitTime,
	}
	c.startTime = c.clock.Now()
	return c, nil
}

// SetClock replaces the clock and restarts the retry window
func (c *Control) SetClock(clock Clock) {
	c.clock = clock
	c.Reset()
}

// Policy returns the policy of the Control
func (c *Control) Policy() Policy { return c.policy }

// MaxRetryDuration returns the maximum retry duration
func (c *Control) MaxRetryDuration() time.Duration { return c.maxRetryDuration }

// RetryCount returns the number of RetryNow decisions since creation or Reset
func (c *Control) RetryCount() int { return c.retryCount }

// Supported returns true if ShouldRetry can evaluate the policy
func (p Policy) Supported() bool {
	return p == PolicyInterval
}

// ShouldRetry evaluates the policy
func (c *Control) ShouldRetry() (Action, error) {
	switch c.policy {
	case PolicyInterval:
		return c.fixedInterval()
	default:
		return ActionStopRetrying, ErrUnsupportedPolicy
	}
}

func (c *Control) fixedInterval() (Action, error) {
	now := c.clock.Now()
	if now.IsZero() {
		return ActionStopRetrying, ErrTime
	}
	if c.maxRetryDuration > 0 {
		stop, err := IsTimeoutReached(c.clock, c.startTime, c.maxRetryDuration)
		if err != nil {
			return ActionStopRetrying, err
		}
		if stop {
			return ActionStopRetrying, nil
		}
	}
	if !c.lastRetry.IsZero() && now.Sub(c.lastRetry) < c.currentWait {
		return ActionRetryLater, nil
	}
	c.lastRetry = now
	c.retryCount++
	c.currentWait = c.initialWait
	if c.maxJitter > 0 {
		c.currentWait += time.Duration(c.rand.Float64() * c.maxJitter * float64(c.initialWait))
	}
	return ActionRetryNow, nil
}

// Reset clears the retry state and restarts the retry window
func (c *Control) Reset() {
	c.retryCount = 0
	c.currentWait = 0
	c.lastRetry = time.Time{}
	c.startTime = c.clock.Now()
}

// SetOption sets a tunable of the Control
func (c *Control) SetOption(name string, value interface{}) error {
	switch name {
	case OptionInitialWaitTime:
		wait, err := options.Duration(value)
		if err != nil {
			return err
		}
		if wait < 0 {
			return options.ErrInvalidValue
		}
		c.initialWait = wait
	case OptionMaxJitterFraction:
		jitter, err := options.Float(value)
		if err != nil {
			return err
		}
		if jitter < 0 || jitter > 1 {
			return options.ErrInvalidValue
		}
		c.maxJitter = jitter
	default:
		return options.ErrUnknownOption
	}
	return nil
}

// RetrieveOptions returns the tunables of the Control as a bundle that can be fed into another Control
func (c *Control) RetrieveOptions() (*options.Bundle, error) {
	bundle := options.NewBundle()
	if err := bundle.Add(OptionInitialWaitTime, c.initialWait); err != nil {
		return nil, err
	}
	if err := bundle.Add(OptionMaxJitterFraction, c.maxJitter); err != nil {
		return nil, err
	}
	return bundle, nil
}
