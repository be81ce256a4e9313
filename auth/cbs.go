// Copyright © 2016 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package auth

import (
	"fmt"
	"time"

	"github.com/TheThingsNetwork/amqp-device-transport/options"
	"github.com/TheThingsNetwork/amqp-device-transport/retry"
	"github.com/apex/log"
)

var (
	// DefaultCBSRequestTimeout is how long a put-token request may take
	DefaultCBSRequestTimeout = 30 * time.Second
	// DefaultSASTokenRefreshTime is how long a SAS token is used before it is refreshed
	DefaultSASTokenRefreshTime = 30 * time.Minute
	// DefaultSASTokenLifetime is the validity of a new SAS token
	DefaultSASTokenLifetime = time.Hour
)

// CBSAuthentication puts SAS tokens to the CBS node of a session and keeps them fresh
type CBSAuthentication struct {
	ctx      log.Interface
	config   Config
	clock    retry.Clock
	provider TokenProvider
	audience string

	requestTimeout time.Duration
	refreshTime    time.Duration
	lifetime       time.Duration

	state State
	cbs   CBS

	pending      <-chan error
	pendingSince time.Time
	issuedAt     time.Time
}

// Factory creates a CBSAuthentication; it can be used as authentication factory of a device
func Factory(config Config) (Authentication, error) {
	a, err := NewCBS(config)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// NewCBS returns a new CBSAuthentication. A SAS token takes precedence over the device keys.
func NewCBS(config Config) (*CBSAuthentication, error) {
	if config.DeviceID == "" || config.HostName == "" || config.OnStateChanged == nil || config.OnError == nil {
		return nil, ErrInvalidConfig
	}
	var provider TokenProvider
	switch {
	case config.SASToken != "":
		provider = NewStaticTokenProvider(config.SASToken)
	case config.PrimaryKey != "":
		provider = NewKeyTokenProvider(config.PrimaryKey, "")
	case config.SecondaryKey != "":
		provider = NewKeyTokenProvider(config.SecondaryKey, "")
	default:
		return nil, ErrNoCredentials
	}
	a := &CBSAuthentication{
		config:         config,
		clock:          config.Clock,
		provider:       provider,
		audience:       fmt.Sprintf("%s/devices/%s", config.HostName, config.DeviceID),
		requestTimeout: DefaultCBSRequestTimeout,
		refreshTime:    DefaultSASTokenRefreshTime,
		lifetime:       DefaultSASTokenLifetime,
	}
	if a.clock == nil {
		a.clock = retry.SystemClock
	}
	ctx := config.Ctx
	if ctx == nil {
		ctx = log.Log
	}
	a.ctx = ctx.WithField("DeviceID", config.DeviceID).WithField("Component", "CBS")
	return a, nil
}

// Audience of the tokens of this device
func (a *CBSAuthentication) Audience() string { return a.audience }

func (a *CBSAuthentication) setState(state State) {
	if state == a.state {
		return
	}
	previous := a.state
	a.state = state
	a.ctx.WithField("From", previous).WithField("To", state).Debug("Authentication state changed")
	a.config.OnStateChanged(previous, state)
}

func (a *CBSAuthentication) fail(code ErrorCode, err error) {
	ctx := a.ctx.WithField("Code", code)
	if err != nil {
		ctx = ctx.WithError(err)
	}
	ctx.Warn("Authentication failed")
	a.pending = nil
	a.config.OnError(code)
	a.setState(StateError)
}

// Start authenticating on the given CBS node
func (a *CBSAuthentication) Start(cbs CBS) error {
	if cbs == nil {
		return ErrInvalidConfig
	}
	if a.state != StateStopped {
		return ErrInvalidState
	}
	a.cbs = cbs
	a.setState(StateStarting)
	return nil
}

// Stop authenticating. A put-token request that is still in flight is abandoned.
func (a *CBSAuthentication) Stop() error {
	if a.state == StateStopped {
		return ErrInvalidState
	}
	a.pending = nil
	a.cbs = nil
	a.setState(StateStopped)
	return nil
}

// DoWork sends and refreshes tokens and checks for their results
func (a *CBSAuthentication) DoWork() {
	switch a.state {
	case StateStarting:
		if a.pending == nil {
			a.putToken()
			return
		}
		a.checkPending(ErrorAuthTimeout)
	case StateStarted:
		if a.pending != nil {
			a.checkPending(ErrorSASRefreshTimeout)
			return
		}
		if !a.provider.Refreshable() {
			return
		}
		due, err := retry.IsTimeoutReached(a.clock, a.issuedAt, a.refreshTime)
		if err != nil {
			a.fail(ErrorAuthFailed, err)
			return
		}
		if due {
			a.ctx.Debug("Refreshing SAS token")
			a.putToken()
		}
	}
}

func (a *CBSAuthentication) putToken() {
	now := a.clock.Now()
	if now.IsZero() {
		a.fail(ErrorAuthFailed, retry.ErrTime)
		return
	}
	token, err := a.provider.Token(a.audience, now.Add(a.lifetime))
	if err != nil {
		a.fail(ErrorAuthFailed, err)
		return
	}
	result, err := a.cbs.PutToken(a.audience, token)
	if err != nil {
		a.fail(ErrorAuthFailed, err)
		return
	}
	a.pending = result
	a.pendingSince = now
}

func (a *CBSAuthentication) checkPending(timeoutCode ErrorCode) {
	select {
	case err := <-a.pending:
		a.pending = nil
		if err != nil {
			a.fail(ErrorAuthFailed, err)
			return
		}
		a.issuedAt = a.pendingSince
		a.ctx.Debug("SAS token accepted")
		a.setState(StateStarted)
	default:
		timedOut, err := retry.IsTimeoutReached(a.clock, a.pendingSince, a.requestTimeout)
		if err != nil {
			a.fail(timeoutCode, err)
			return
		}
		if timedOut {
			a.fail(timeoutCode, nil)
		}
	}
}

// SetOption implements Authentication
func (a *CBSAuthentication) SetOption(name string, value interface{}) error {
	var target *time.Duration
	switch name {
	case OptionCBSRequestTimeout:
		target = &a.requestTimeout
	case OptionSASTokenRefreshTime:
		target = &a.refreshTime
	case OptionSASTokenLifetime:
		target = &a.lifetime
	default:
		return options.ErrUnknownOption
	}
	d, err := options.PositiveDuration(value)
	if err != nil {
		return err
	}
	*target = d
	return nil
}

// RetrieveOptions implements Authentication
func (a *CBSAuthentication) RetrieveOptions() (*options.Bundle, error) {
	bundle := options.NewBundle()
	for _, option := range []struct {
		name  string
		value time.Duration
	}{
		{OptionCBSRequestTimeout, a.requestTimeout},
		{OptionSASTokenRefreshTime, a.refreshTime},
		{OptionSASTokenLifetime, a.lifetime},
	} {
		if err := bundle.Add(option.name, option.value); err != nil {
			return nil, err
		}
	}
	return bundle, nil
}

// Destroy stops the authentication if needed
func (a *CBSAuthentication) Destroy() {
	if a.state != StateStopped {
		a.Stop()
	}
}
