// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package device

import (
	"time"

	"github.com/TheThingsNetwork/amqp-device-transport/auth"
	"github.com/TheThingsNetwork/amqp-device-transport/messenger"
	"github.com/TheThingsNetwork/amqp-device-transport/options"
	"github.com/TheThingsNetwork/amqp-device-transport/retry"
)

// Option names. The authentication and messenger option names of the auth
// and messenger packages are accepted as well.
const (
	OptionSavedAuthenticationOptions = "saved_device_auth_options"
	OptionSavedMessengerOptions      = "saved_device_messenger_options"
	OptionSavedOptions               = "saved_device_options"
	OptionAuthenticationStartTimeout = "authentication_start_timeout"
	OptionMessengerStartTimeout      = "messenger_start_timeout"
)

// SetOption sets an option on the Device or forwards it to its Authentication or Messenger
func (d *Device) SetOption(name string, value interface{}) error {
	if !d.valid() || name == "" || value == nil {
		return ErrInvalidArgument
	}
	switch {
	case auth.IsOption(name):
		if !d.usesCBS() {
			return ErrNotCBS
		}
		return d.authentication.SetOption(name, value)
	case messenger.IsOption(name):
		return d.messenger.SetOption(name, value)
	}
	switch name {
	case OptionSavedAuthenticationOptions:
		if !d.usesCBS() {
			return ErrNotCBS
		}
		return feed(value, d.authentication)
	case OptionSavedMessengerOptions:
		return feed(value, d.messenger)
	case OptionSavedOptions:
		return feed(value, d)
	case OptionAuthenticationStartTimeout:
		return setDuration(value, &d.authenticationTimeout)
	case OptionMessengerStartTimeout:
		return setDuration(value, &d.messengerTimeout)
	}
	return options.ErrUnknownOption
}

func feed(value interface{}, target options.Target) error {
	bundle, err := options.AsBundle(value)
	if err != nil {
		return err
	}
	return bundle.FeedInto(target)
}

func setDuration(value interface{}, target *time.Duration) error {
	d, err := options.PositiveDuration(value)
	if err != nil {
		return err
	}
	*target = d
	return nil
}

// RetrieveOptions returns the options of the Device as a bundle that can be
// passed to SetOption as OptionSavedOptions of another Device.
func (d *Device) RetrieveOptions() (*options.Bundle, error) {
	if !d.valid() {
		return nil, ErrInvalidArgument
	}
	bundle := options.NewBundle()
	if d.usesCBS() {
		authOptions, err := d.authentication.RetrieveOptions()
		if err != nil {
			return nil, err
		}
		if err := bundle.Add(OptionSavedAuthenticationOptions, authOptions); err != nil {
			return nil, err
		}
	}
	messengerOptions, err := d.messenger.RetrieveOptions()
	if err != nil {
		return nil, err
	}
	if err := bundle.Add(OptionSavedMessengerOptions, messengerOptions); err != nil {
		return nil, err
	}
	if err := bundle.Add(OptionAuthenticationStartTimeout, d.authenticationTimeout); err != nil {
		return nil, err
	}
	if err := bundle.Add(OptionMessengerStartTimeout, d.messengerTimeout); err != nil {
		return nil, err
	}
	return bundle, nil
}

// SetRetryPolicy sets the policy that decides when a Device in an error state is restarted.
// Only retry.PolicyInterval can be evaluated; other policies are refused.
func (d *Device) SetRetryPolicy(policy retry.Policy, maxRetryDuration time.Duration) error {
	if !d.valid() {
		return ErrInvalidArgument
	}
	if !policy.Supported() {
		return retry.ErrUnsupportedPolicy
	}
	control, err := retry.New(policy, maxRetryDuration)
	if err != nil {
		return err
	}
	control.SetClock(d.clock)
	d.retry = control
	d.ctx.WithField("Policy", policy).WithField("MaxRetryDuration", maxRetryDuration).Debug("Set retry policy")
	return nil
}

// RetryControl returns the retry control set by SetRetryPolicy, or nil
func (d *Device) RetryControl() *retry.Control {
	if d == nil {
		return nil
	}
	return d.retry
}
