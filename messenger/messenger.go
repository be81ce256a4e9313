// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package messenger defines the component that carries a device's events and messages.
package messenger

import (
	"errors"

	"github.com/TheThingsNetwork/amqp-device-transport/options"
	"github.com/TheThingsNetwork/amqp-device-transport/retry"
	"github.com/TheThingsNetwork/amqp-device-transport/types"
	"github.com/apex/log"
)

// State of a Messenger
type State int

// Messenger states
const (
	StateStopped State = iota
	StateStarting
	StateStarted
	StateStopping
	StateError
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
	case StateError:
		return "ERROR"
	}
	return "UNKNOWN"
}

// SendResult is the outcome of an event send
type SendResult int

// Send results
const (
	SendResultOK SendResult = iota
	SendResultCannotParse
	SendResultFailSending
	SendResultTimeout
	SendResultMessengerDestroyed
)

func (r SendResult) String() string {
	switch r {
	case SendResultOK:
		return "OK"
	case SendResultCannotParse:
		return "CANNOT_PARSE"
	case SendResultFailSending:
		return "FAIL_SENDING"
	case SendResultTimeout:
		return "TIMEOUT"
	case SendResultMessengerDestroyed:
		return "MESSENGER_DESTROYED"
	}
	return "UNKNOWN"
}

// Disposition tells the Messenger what to do with a received message
type Disposition int

// Dispositions
const (
	DispositionAccepted Disposition = iota
	DispositionRejected
	DispositionAbandoned
)

func (d Disposition) String() string {
	switch d {
	case DispositionAccepted:
		return "ACCEPTED"
	case DispositionRejected:
		return "REJECTED"
	case DispositionAbandoned:
		return "ABANDONED"
	}
	return "UNKNOWN"
}

// SendStatus tells whether a Messenger has events in flight
type SendStatus int

// Send statuses
const (
	SendStatusIdle SendStatus = iota
	SendStatusBusy
)

func (s SendStatus) String() string {
	if s == SendStatusBusy {
		return "BUSY"
	}
	return "IDLE"
}

// OptionEventSendTimeout is how long an event may be in flight before it fails with SendResultTimeout
const OptionEventSendTimeout = "event_send_timeout"

// IsOption returns true if name is a Messenger option
func IsOption(name string) bool {
	return name == OptionEventSendTimeout
}

// Session is the connection a Messenger is started on. Its concrete type is
// defined by the Messenger implementation.
type Session interface{}

// SendCompleteFunc is called exactly once for every accepted event
type SendCompleteFunc func(msg *types.Message, result SendResult)

// MessageReceivedFunc handles a received message and returns its disposition
type MessageReceivedFunc func(msg *types.Message) Disposition

// Config for a Messenger
type Config struct {
	DeviceID       string
	HostName       string
	OnStateChanged func(previous, new State)

	Clock retry.Clock
	Ctx   log.Interface
}

// Messenger sends events and receives messages for one device. Implementations
// deliver every callback from DoWork and are not safe for concurrent use.
type Messenger interface {
	Start(session Session) error
	Stop() error
	DoWork()
	SendAsync(msg *types.Message, onComplete SendCompleteFunc) error
	Subscribe(onMessage MessageReceivedFunc) error
	Unsubscribe() error
	SendStatus() (SendStatus, error)
	SetOption(name string, value interface{}) error
	RetrieveOptions() (*options.Bundle, error)
	Destroy()
}

var (
	// ErrInvalidConfig is returned when a Messenger can not be created from a Config
	ErrInvalidConfig = errors.New("Invalid messenger config")
	// ErrInvalidState is returned when an operation is not allowed in the current state
	ErrInvalidState = errors.New("Operation not allowed in current messenger state")
	// ErrInvalidSession is returned when a Messenger is started on a session of the wrong type
	ErrInvalidSession = errors.New("Invalid session for messenger")
	// ErrNotSubscribed is returned when unsubscribing without a subscription
	ErrNotSubscribed = errors.New("Not subscribed")
)
