// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	redis "gopkg.in/redis.v5"

	"github.com/TheThingsNetwork/amqp-device-transport/middleware"
	"github.com/TheThingsNetwork/amqp-device-transport/types"
	"github.com/TheThingsNetwork/go-utils/log"
	"github.com/TheThingsNetwork/go-utils/rate"
)

// Limits per minute
type Limits struct {
	Event   int
	Message int
}

// NewRateLimit returns a middleware that rate-limits events and cloud-to-device messages per device
func NewRateLimit(conf Limits) *RateLimit {
	return &RateLimit{
		log:     log.Get(),
		limits:  conf,
		devices: make(map[string]*limits),
	}
}

// NewRedisRateLimit returns a middleware that rate-limits events and cloud-to-device messages per device.
// The counters are kept in Redis, so that they are shared between transports.
func NewRedisRateLimit(client *redis.Client, conf Limits) *RateLimit {
	l := NewRateLimit(conf)
	l.client = client
	return l
}

// RateLimit events and cloud-to-device messages per device
type RateLimit struct {
	log    log.Interface
	limits Limits
	client *redis.Client

	mu      sync.RWMutex
	devices map[string]*limits
}

func (l *RateLimit) newLimiter(deviceID, kind string, limit int) rate.Limiter {
	if limit == 0 {
		return nil
	}
	var counter rate.Counter
	if l.client != nil {
		counter = rate.NewRedisCounter(l.client, fmt.Sprintf("ratelimit:%s:%s", deviceID, kind), time.Second, time.Minute)
	} else {
		counter = rate.NewCounter(time.Second, time.Minute)
	}
	return rate.NewLimiter(counter, time.Minute, uint64(limit))
}

func (l *RateLimit) newLimits(deviceID string) *limits {
	return &limits{
		event:   l.newLimiter(deviceID, "event", l.limits.Event),
		message: l.newLimiter(deviceID, "message", l.limits.Message),
	}
}

type limits struct {
	event   rate.Limiter
	message rate.Limiter
}

// HandleRegister initializes the rate limiter
func (l *RateLimit) HandleRegister(ctx middleware.Context, deviceID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.devices[deviceID] = l.newLimits(deviceID)
	return nil
}

// HandleUnregister cleans up
func (l *RateLimit) HandleUnregister(ctx middleware.Context, deviceID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.devices, deviceID)
	return nil
}

func (l *RateLimit) get(deviceID string) *limits {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if limits, ok := l.devices[deviceID]; ok {
		return limits
	}
	return nil
}

// ErrRateLimited is returned if the rate limit has been reached
var ErrRateLimited = errors.New("rate limit reached")

func (l *RateLimit) check(deviceID, kind string, limiter rate.Limiter) error {
	if limiter == nil {
		return nil
	}
	limit, err := limiter.Limit()
	if err != nil {
		return err
	}
	if limit {
		l.log.WithField("DeviceID", deviceID).Debugf("Rate-limited %s", kind)
		return ErrRateLimited
	}
	return nil
}

// HandleEvent rate-limits events
func (l *RateLimit) HandleEvent(ctx middleware.Context, deviceID string, msg *types.Message) error {
	if limits := l.get(deviceID); limits != nil {
		return l.check(deviceID, "event", limits.event)
	}
	return nil
}

// HandleMessage rate-limits cloud-to-device messages
func (l *RateLimit) HandleMessage(ctx middleware.Context, deviceID string, msg *types.Message) error {
	if limits := l.get(deviceID); limits != nil {
		return l.check(deviceID, "message", limits.message)
	}
	return nil
}
