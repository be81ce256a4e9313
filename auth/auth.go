// Copyright © 2016 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package auth authenticates devices with claims-based security (CBS).
package auth

import (
	"errors"

	"github.com/TheThingsNetwork/amqp-device-transport/options"
	"github.com/TheThingsNetwork/amqp-device-transport/retry"
	"github.com/apex/log"
)

// State of an Authentication
type State int

// Authentication states
const (
	StateStopped State = iota
	StateStarting
	StateStarted
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
	case StateError:
		return "ERROR"
	}
	return "UNKNOWN"
}

// ErrorCode explains why an Authentication moved to StateError
type ErrorCode int

// Authentication error codes
const (
	ErrorAuthFailed ErrorCode = iota
	ErrorAuthTimeout
	ErrorSASRefreshTimeout
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorAuthFailed:
		return "AUTH_FAILED"
	case ErrorAuthTimeout:
		return "AUTH_TIMEOUT"
	case ErrorSASRefreshTimeout:
		return "SAS_REFRESH_TIMEOUT"
	}
	return "UNKNOWN"
}

// Option names
const (
	OptionCBSRequestTimeout   = "cbs_request_timeout"
	OptionSASTokenRefreshTime = "sas_token_refresh_time"
	OptionSASTokenLifetime    = "sas_token_lifetime"
)

// IsOption returns true if name is an Authentication option
func IsOption(name string) bool {
	switch name {
	case OptionCBSRequestTimeout, OptionSASTokenRefreshTime, OptionSASTokenLifetime:
		return true
	}
	return false
}

// Config for an Authentication
type Config struct {
	DeviceID     string
	HostName     string
	PrimaryKey   string
	SecondaryKey string
	SASToken     string

	OnStateChanged func(previous, new State)
	OnError        func(code ErrorCode)

	Clock retry.Clock
	Ctx   log.Interface
}

// CBS is the claims-based security node of an AMQP session. The returned
// channel receives exactly one value: nil when the token was accepted.
type CBS interface {
	PutToken(audience, token string) (<-chan error, error)
}

// Authentication of a single device. Implementations are driven by DoWork
// and are not safe for concurrent use.
type Authentication interface {
	Start(cbs CBS) error
	Stop() error
	DoWork()
	SetOption(name string, value interface{}) error
	RetrieveOptions() (*options.Bundle, error)
	Destroy()
}

var (
	// ErrInvalidConfig is returned when an Authentication can not be created from a Config
	ErrInvalidConfig = errors.New("Invalid authentication config")
	// ErrInvalidState is returned when an operation is not allowed in the current state
	ErrInvalidState = errors.New("Operation not allowed in current authentication state")
	// ErrNoCredentials is returned when neither a key nor a SAS token is configured
	ErrNoCredentials = errors.New("Device has no key or SAS token")
)
