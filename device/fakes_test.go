// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package device

import (
	"errors"
	"time"

	"github.com/TheThingsNetwork/amqp-device-transport/auth"
	"github.com/TheThingsNetwork/amqp-device-transport/messenger"
	"github.com/TheThingsNetwork/amqp-device-transport/options"
	"github.com/TheThingsNetwork/amqp-device-transport/types"
)

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }

func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

type fakeCBS struct{}

func (fakeCBS) PutToken(audience, token string) (<-chan error, error) {
	return nil, errors.New("not used")
}

type fakeAuthentication struct {
	config    auth.Config
	state     auth.State
	startErr  error
	stopErr   error
	startedOn auth.CBS
	doWork    int
	stops     int
	options   *options.Bundle
	destroyed bool
}

func (f *fakeAuthentication) setState(state auth.State) {
	previous := f.state
	f.state = state
	f.config.OnStateChanged(previous, state)
}

func (f *fakeAuthentication) fail(code auth.ErrorCode) {
	f.config.OnError(code)
	f.setState(auth.StateError)
}

func (f *fakeAuthentication) Start(cbs auth.CBS) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.startedOn = cbs
	f.setState(auth.StateStarting)
	return nil
}

func (f *fakeAuthentication) Stop() error {
	f.stops++
	if f.stopErr != nil {
		return f.stopErr
	}
	f.setState(auth.StateStopped)
	return nil
}

func (f *fakeAuthentication) DoWork() { f.doWork++ }

func (f *fakeAuthentication) SetOption(name string, value interface{}) error {
	if !auth.IsOption(name) {
		return options.ErrUnknownOption
	}
	return f.options.Add(name, value)
}

func (f *fakeAuthentication) RetrieveOptions() (*options.Bundle, error) {
	return f.options, nil
}

func (f *fakeAuthentication) Destroy() { f.destroyed = true }

type fakeSend struct {
	msg        *types.Message
	onComplete messenger.SendCompleteFunc
}

type fakeMessenger struct {
	config    messenger.Config
	state     messenger.State
	startErr  error
	stopErr   error
	sendErr   error
	startedOn messenger.Session
	doWork    int
	stops     int
	sends     []fakeSend
	onMessage messenger.MessageReceivedFunc
	options   *options.Bundle
	destroyed bool
}

func (f *fakeMessenger) setState(state messenger.State) {
	previous := f.state
	f.state = state
	f.config.OnStateChanged(previous, state)
}

func (f *fakeMessenger) Start(session messenger.Session) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.startedOn = session
	f.setState(messenger.StateStarting)
	return nil
}

func (f *fakeMessenger) Stop() error {
	f.stops++
	if f.stopErr != nil {
		return f.stopErr
	}
	f.setState(messenger.StateStopped)
	return nil
}

func (f *fakeMessenger) DoWork() { f.doWork++ }

func (f *fakeMessenger) SendAsync(msg *types.Message, onComplete messenger.SendCompleteFunc) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sends = append(f.sends, fakeSend{msg: msg, onComplete: onComplete})
	return nil
}

func (f *fakeMessenger) complete(i int, result messenger.SendResult) {
	f.sends[i].onComplete(f.sends[i].msg, result)
}

func (f *fakeMessenger) Subscribe(onMessage messenger.MessageReceivedFunc) error {
	f.onMessage = onMessage
	return nil
}

func (f *fakeMessenger) Unsubscribe() error {
	if f.onMessage == nil {
		return messenger.ErrNotSubscribed
	}
	f.onMessage = nil
	return nil
}

func (f *fakeMessenger) SendStatus() (messenger.SendStatus, error) {
	if len(f.sends) > 0 {
		return messenger.SendStatusBusy, nil
	}
	return messenger.SendStatusIdle, nil
}

func (f *fakeMessenger) SetOption(name string, value interface{}) error {
	if !messenger.IsOption(name) {
		return options.ErrUnknownOption
	}
	return f.options.Add(name, value)
}

func (f *fakeMessenger) RetrieveOptions() (*options.Bundle, error) {
	return f.options, nil
}

func (f *fakeMessenger) Destroy() {
	f.destroyed = true
	sends := f.sends
	f.sends = nil
	for _, send := range sends {
		send.onComplete(send.msg, messenger.SendResultMessengerDestroyed)
	}
}

type fakes struct {
	clock          *fakeClock
	authentication *fakeAuthentication
	messenger      *fakeMessenger
	transitions    [][2]State
	authErr        error
	messengerErr   error
}

func newFakes() *fakes {
	return &fakes{
		clock:          &fakeClock{now: time.Unix(1500000000, 0)},
		authentication: &fakeAuthentication{options: options.NewBundle()},
		messenger:      &fakeMessenger{options: options.NewBundle()},
	}
}

func (f *fakes) config(mode AuthenticationMode) *Config {
	return &Config{
		DeviceID:           "dev-1",
		HostName:           "hub.example.com",
		AuthenticationMode: mode,
		PrimaryKey:         "c2VjcmV0",
		OnStateChanged: func(previous, new State) {
			f.transitions = append(f.transitions, [2]State{previous, new})
		},
		NewAuthentication: func(config auth.Config) (auth.Authentication, error) {
			if f.authErr != nil {
				return nil, f.authErr
			}
			f.authentication.config = config
			return f.authentication, nil
		},
		NewMessenger: func(config messenger.Config) (messenger.Messenger, error) {
			if f.messengerErr != nil {
				return nil, f.messengerErr
			}
			f.messenger.config = config
			return f.messenger, nil
		},
		Clock: f.clock,
	}
}

func (f *fakes) states() []State {
	states := make([]State, len(f.transitions))
	for i, transition := range f.transitions {
		states[i] = transition[1]
	}
	return states
}
