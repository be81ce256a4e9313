// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package device drives the Authentication and Messenger of a device through
// their start, steady state and stop phases.
//
// A Device does no I/O itself. It is advanced by calling DoWork periodically
// and reports every change of its state through the OnStateChanged callback
// of its Config. All methods must be called from the same goroutine, and all
// callbacks are delivered on that goroutine.
package device

import (
	"errors"
	"time"

	"github.com/TheThingsNetwork/amqp-device-transport/auth"
	"github.com/TheThingsNetwork/amqp-device-transport/messenger"
	"github.com/TheThingsNetwork/amqp-device-transport/retry"
	"github.com/apex/log"
	multierror "github.com/hashicorp/go-multierror"
)

// State of a Device
type State int

// Device states
const (
	StateStopped State = iota
	StateStarting
	StateStarted
	StateStopping
	StateErrorAuth
	StateErrorAuthTimeout
	StateErrorMsg
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateStarting:
		return "STARTING"
	case StateStarted:
		return "STARTED"
	case StateStopping:
		return "STOPPING"
	case StateErrorAuth:
		return "ERROR_AUTH"
	case StateErrorAuthTimeout:
		return "ERROR_AUTH_TIMEOUT"
	case StateErrorMsg:
		return "ERROR_MSG"
	}
	return "UNKNOWN"
}

// IsError returns true for the terminal error states
func (s State) IsError() bool {
	return s == StateErrorAuth || s == StateErrorAuthTimeout || s == StateErrorMsg
}

// AuthenticationMode of a Device
type AuthenticationMode int

// Authentication modes
const (
	AuthenticationModeCBS AuthenticationMode = iota
	AuthenticationModeX509
)

func (m AuthenticationMode) String() string {
	if m == AuthenticationModeX509 {
		return "X509"
	}
	return "CBS"
}

// StateChangedFunc is called on every state transition of a Device
type StateChangedFunc func(previous, new State)

// Config of a Device. It is copied when the Device is created.
type Config struct {
	DeviceID           string
	HostName           string
	AuthenticationMode AuthenticationMode
	PrimaryKey         string
	SecondaryKey       string
	SASToken           string

	OnStateChanged StateChangedFunc

	// NewAuthentication is only used in AuthenticationModeCBS
	NewAuthentication func(auth.Config) (auth.Authentication, error)
	NewMessenger      func(messenger.Config) (messenger.Messenger, error)

	// Clock defaults to retry.SystemClock
	Clock retry.Clock
}

var (
	// DefaultAuthenticationStartTimeout is how long the Authentication may take to start
	DefaultAuthenticationStartTimeout = 60 * time.Second
	// DefaultMessengerStartTimeout is how long the Messenger may take to start
	DefaultMessengerStartTimeout = 60 * time.Second
)

var (
	// ErrInvalidArgument is returned for missing arguments and for operations on a nil or destroyed Device
	ErrInvalidArgument = errors.New("Invalid argument")
	// ErrInvalidState is returned when an operation is not allowed in the current state
	ErrInvalidState = errors.New("Operation not allowed in current device state")
	// ErrNotCBS is returned for authentication options on a device that does not use CBS
	ErrNotCBS = errors.New("Device does not use CBS authentication")
)

// Device is the state machine of a single device
type Device struct {
	ctx    log.Interface
	config Config
	clock  retry.Clock

	state     State
	destroyed bool

	authentication        auth.Authentication
	authState             auth.State
	authError             auth.ErrorCode
	authStateChangedAt    time.Time
	authenticationTimeout time.Duration

	messenger             messenger.Messenger
	messengerState        messenger.State
	messengerStateChanged time.Time
	messengerTimeout      time.Duration

	session messenger.Session
	cbs     auth.CBS

	onMessage MessageReceivedFunc
	sendTasks map[*sendTask]struct{}

	retry *retry.Control
}

// New creates a Device. It creates the Authentication (CBS only) and the
// Messenger through the factories of the config, and does no I/O.
func New(config *Config, ctx log.Interface) (*Device, error) {
	if config == nil || config.DeviceID == "" || config.HostName == "" ||
		config.OnStateChanged == nil || config.NewMessenger == nil {
		return nil, ErrInvalidArgument
	}
	if config.AuthenticationMode == AuthenticationModeCBS && config.NewAuthentication == nil {
		return nil, ErrInvalidArgument
	}
	if ctx == nil {
		ctx = log.Log
	}

	d := &Device{
		ctx:                   ctx.WithField("DeviceID", config.DeviceID),
		config:                *config,
		clock:                 config.Clock,
		authenticationTimeout: DefaultAuthenticationStartTimeout,
		messengerTimeout:      DefaultMessengerStartTimeout,
		sendTasks:             make(map[*sendTask]struct{}),
	}
	if d.clock == nil {
		d.clock = retry.SystemClock
	}

	if config.AuthenticationMode == AuthenticationModeCBS {
		authentication, err := config.NewAuthentication(auth.Config{
			DeviceID:       config.DeviceID,
			HostName:       config.HostName,
			PrimaryKey:     config.PrimaryKey,
			SecondaryKey:   config.SecondaryKey,
			SASToken:       config.SASToken,
			OnStateChanged: d.onAuthenticationStateChanged,
			OnError:        d.onAuthenticationError,
			Clock:          d.clock,
			Ctx:            ctx,
		})
		if err != nil {
			d.ctx.WithError(err).Warn("Could not create authentication")
			return nil, err
		}
		d.authentication = authentication
	}

	m, err := config.NewMessenger(messenger.Config{
		DeviceID:       config.DeviceID,
		HostName:       config.HostName,
		OnStateChanged: d.onMessengerStateChanged,
		Clock:          d.clock,
		Ctx:            ctx,
	})
	if err != nil {
		d.ctx.WithError(err).Warn("Could not create messenger")
		if d.authentication != nil {
			d.authentication.Destroy()
		}
		return nil, err
	}
	d.messenger = m

	d.ctx.WithField("AuthenticationMode", config.AuthenticationMode).Debug("Created device")
	return d, nil
}

func (d *Device) valid() bool {
	return d != nil && !d.destroyed
}

// DeviceID returns the ID of the device
func (d *Device) DeviceID() string {
	if d == nil {
		return ""
	}
	return d.config.DeviceID
}

// State returns the current state
func (d *Device) State() State {
	if d == nil {
		return StateStopped
	}
	return d.state
}

func (d *Device) setState(state State) {
	if state == d.state {
		return
	}
	previous := d.state
	d.state = state
	registerStateTransition(state)
	ctx := d.ctx.WithField("From", previous).WithField("To", state)
	if state.IsError() {
		ctx.Warn("Device state changed")
	} else {
		ctx.Debug("Device state changed")
	}
	d.config.OnStateChanged(previous, state)
}

func (d *Device) onAuthenticationStateChanged(previous, new auth.State) {
	d.authState = new
	if new == auth.StateStarting {
		d.authStateChangedAt = d.clock.Now()
	}
}

func (d *Device) onAuthenticationError(code auth.ErrorCode) {
	d.authError = code
}

func (d *Device) onMessengerStateChanged(previous, new messenger.State) {
	d.messengerState = new
	if new == messenger.StateStarting {
		d.messengerStateChanged = d.clock.Now()
	}
}

func (d *Device) usesCBS() bool {
	return d.config.AuthenticationMode == AuthenticationModeCBS
}

// StartAsync moves a stopped Device to StateStarting. The actual start is done by DoWork.
// The cbs is only used in AuthenticationModeCBS.
func (d *Device) StartAsync(session messenger.Session, cbs auth.CBS) error {
	if !d.valid() || session == nil || (d.usesCBS() && cbs == nil) {
		return ErrInvalidArgument
	}
	if d.state != StateStopped {
		return ErrInvalidState
	}
	d.session = session
	if d.usesCBS() {
		d.cbs = cbs
	}
	d.authError = auth.ErrorAuthFailed
	now := d.clock.Now()
	d.authStateChangedAt, d.messengerStateChanged = now, now
	d.setState(StateStarting)
	return nil
}

func authenticationErrorState(code auth.ErrorCode) State {
	if code == auth.ErrorAuthTimeout {
		return StateErrorAuthTimeout
	}
	return StateErrorAuth
}

// DoWork advances the Device and its Authentication and Messenger
func (d *Device) DoWork() {
	if !d.valid() {
		return
	}

	switch d.state {
	case StateStarting:
		d.doStarting()
	case StateStarted:
		if d.usesCBS() && d.authState != auth.StateStarted {
			d.ctx.WithField("AuthenticationState", d.authState).Warn("Authentication left started state")
			d.setState(StateErrorAuth)
		} else if d.messengerState != messenger.StateStarted {
			d.ctx.WithField("MessengerState", d.messengerState).Warn("Messenger left started state")
			d.setState(StateErrorMsg)
		}
	}

	if d.usesCBS() && d.authState != auth.StateStopped && d.authState != auth.StateError {
		d.authentication.DoWork()
	}
	if d.messengerState != messenger.StateStopped && d.messengerState != messenger.StateError {
		d.messenger.DoWork()
	}
}

func (d *Device) doStarting() {
	if d.usesCBS() {
		switch d.authState {
		case auth.StateStopped:
			if err := d.authentication.Start(d.cbs); err != nil {
				d.ctx.WithError(err).Warn("Could not start authentication")
				d.setState(StateErrorAuth)
			}
			return
		case auth.StateStarting:
			timedOut, err := retry.IsTimeoutReached(d.clock, d.authStateChangedAt, d.authenticationTimeout)
			if err != nil {
				d.ctx.WithError(err).Warn("Could not check authentication start timeout")
				d.setState(StateErrorAuth)
			} else if timedOut {
				d.setState(StateErrorAuthTimeout)
			}
			return
		case auth.StateError:
			d.ctx.WithField("Code", d.authError).Warn("Authentication failed")
			d.setState(authenticationErrorState(d.authError))
			return
		}
		if d.authState != auth.StateStarted {
			return
		}
	}

	switch d.messengerState {
	case messenger.StateStopped:
		if err := d.messenger.Start(d.session); err != nil {
			d.ctx.WithError(err).Warn("Could not start messenger")
			d.setState(StateErrorMsg)
		}
	case messenger.StateStarting:
		timedOut, err := retry.IsTimeoutReached(d.clock, d.messengerStateChanged, d.messengerTimeout)
		if err != nil {
			d.ctx.WithError(err).Warn("Could not check messenger start timeout")
			d.setState(StateErrorMsg)
		} else if timedOut {
			d.ctx.Warn("Messenger did not start in time")
			d.setState(StateErrorMsg)
		}
	case messenger.StateError:
		d.setState(StateErrorMsg)
	case messenger.StateStarted:
		d.setState(StateStarted)
	}
}

// Stop the Messenger and Authentication. A Device can be stopped from any
// state except StateStopped and StateStopping. When a component fails to
// stop, the Device ends in the matching error state and the failures are returned.
func (d *Device) Stop() error {
	if !d.valid() {
		return ErrInvalidArgument
	}
	if d.state == StateStopped || d.state == StateStopping {
		return ErrInvalidState
	}
	d.setState(StateStopping)

	var result error
	var messengerFailed, authenticationFailed bool
	if d.messengerState != messenger.StateStopped && d.messengerState != messenger.StateStopping {
		if err := d.messenger.Stop(); err != nil {
			d.ctx.WithError(err).Warn("Could not stop messenger")
			messengerFailed = true
			result = multierror.Append(result, err)
		}
	}
	if d.usesCBS() && d.authState != auth.StateStopped {
		if err := d.authentication.Stop(); err != nil {
			d.ctx.WithError(err).Warn("Could not stop authentication")
			authenticationFailed = true
			result = multierror.Append(result, err)
		}
	}

	switch {
	case messengerFailed:
		d.setState(StateErrorMsg)
	case authenticationFailed:
		d.setState(StateErrorAuth)
	default:
		d.setState(StateStopped)
	}
	return result
}

// Destroy stops the Device if needed and destroys its Messenger and
// Authentication. Events that are still in flight complete with
// SendResultDeviceDestroyed. The Device can not be used afterwards.
func (d *Device) Destroy() {
	if !d.valid() {
		return
	}
	if d.state == StateStarted || d.state == StateStarting {
		d.Stop()
	}
	d.messenger.Destroy()
	if d.authentication != nil {
		d.authentication.Destroy()
	}
	d.destroyed = true
	d.onMessage = nil
	d.session = nil
	d.cbs = nil
	d.ctx.Debug("Destroyed device")
}
