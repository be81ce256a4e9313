// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package loopback implements an in-memory Messenger and CBS node.
//
// Events sent by a device complete with SendResultOK on the next DoWork. When
// the Session has Echo enabled, every sent event is also delivered back to the
// device as a cloud-to-device message. Other goroutines can deliver messages
// to a device with Session.Inject.
package loopback

import (
	"errors"
	"sync"

	"github.com/TheThingsNetwork/amqp-device-transport/messenger"
	"github.com/TheThingsNetwork/amqp-device-transport/options"
	"github.com/TheThingsNetwork/amqp-device-transport/types"
	"github.com/apex/log"
)

// BufferSize indicates the maximum number of messages that are buffered per device
var BufferSize = 10

// ErrBufferFull is returned when a message could not be injected
var ErrBufferFull = errors.New("Buffer full")

// Session is an in-memory session shared by devices
type Session struct {
	Echo bool

	mu     sync.Mutex
	ctx    log.Interface
	inbox  map[string]chan *types.Message
	closed bool
}

// NewSession returns a new Session
func NewSession(ctx log.Interface) *Session {
	return &Session{
		ctx:   ctx.WithField("Connector", "Loopback"),
		inbox: make(map[string]chan *types.Message),
	}
}

func (s *Session) inboxFor(deviceID string) chan *types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inbox, ok := s.inbox[deviceID]; ok {
		return inbox
	}
	inbox := make(chan *types.Message, BufferSize)
	s.inbox[deviceID] = inbox
	return inbox
}

// Close the session. Messengers on a closed session move to StateError.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// Open a closed session again
func (s *Session) Open() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = false
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Inject a cloud-to-device message for a device. It is safe for concurrent use.
func (s *Session) Inject(deviceID string, msg *types.Message) error {
	select {
	case s.inboxFor(deviceID) <- msg:
		s.ctx.WithField("DeviceID", deviceID).Debug("Injected message")
		return nil
	default:
		s.ctx.WithField("DeviceID", deviceID).Warn("Did not inject message [buffer full]")
		return ErrBufferFull
	}
}

// CBS accepts every token unless Err is set
type CBS struct {
	Err error
}

// PutToken implements auth.CBS
func (c *CBS) PutToken(audience, token string) (<-chan error, error) {
	result := make(chan error, 1)
	result <- c.Err
	return result, nil
}

// Messenger is an in-memory Messenger
type Messenger struct {
	ctx    log.Interface
	config messenger.Config
	state  messenger.State

	session   *Session
	inbox     chan *types.Message
	outbox    *messenger.Outbox
	onMessage messenger.MessageReceivedFunc
}

// New returns a new loopback Messenger; it can be used as messenger factory of a device
func New(config messenger.Config) (messenger.Messenger, error) {
	if config.DeviceID == "" || config.OnStateChanged == nil {
		return nil, messenger.ErrInvalidConfig
	}
	ctx := config.Ctx
	if ctx == nil {
		ctx = log.Log
	}
	return &Messenger{
		ctx:    ctx.WithField("DeviceID", config.DeviceID).WithField("Connector", "Loopback"),
		config: config,
		outbox: messenger.NewOutbox(config.Clock),
	}, nil
}

func (m *Messenger) setState(state messenger.State) {
	if state == m.state {
		return
	}
	previous := m.state
	m.state = state
	m.ctx.WithField("From", previous).WithField("To", state).Debug("Messenger state changed")
	m.config.OnStateChanged(previous, state)
}

// Start implements messenger.Messenger
func (m *Messenger) Start(session messenger.Session) error {
	s, ok := session.(*Session)
	if !ok || s == nil {
		return messenger.ErrInvalidSession
	}
	if m.state != messenger.StateStopped {
		return messenger.ErrInvalidState
	}
	m.session = s
	m.inbox = s.inboxFor(m.config.DeviceID)
	m.setState(messenger.StateStarting)
	return nil
}

// Stop implements messenger.Messenger. Events that did not complete are kept for the next start.
func (m *Messenger) Stop() error {
	if m.state == messenger.StateStopped || m.state == messenger.StateStopping {
		return messenger.ErrInvalidState
	}
	m.setState(messenger.StateStopping)
	m.session = nil
	m.inbox = nil
	m.setState(messenger.StateStopped)
	return nil
}

// DoWork implements messenger.Messenger
func (m *Messenger) DoWork() {
	switch m.state {
	case messenger.StateStarting:
		if m.session.isClosed() {
			m.setState(messenger.StateError)
			return
		}
		m.setState(messenger.StateStarted)
	case messenger.StateStarted:
		if m.session.isClosed() {
			m.ctx.Warn("Session closed")
			m.setState(messenger.StateError)
			return
		}
		for m.state == messenger.StateStarted {
			e := m.outbox.Next()
			if e == nil {
				break
			}
			if m.session.Echo {
				if err := m.session.Inject(m.config.DeviceID, e.Message.Clone()); err != nil {
					m.outbox.Complete(e, messenger.SendResultFailSending)
					continue
				}
			}
			m.outbox.Complete(e, messenger.SendResultOK)
		}
		m.receive()
	}
	m.outbox.ExpireTimedOut()
}

func (m *Messenger) receive() {
	for i := 0; i < BufferSize; i++ {
		if m.onMessage == nil || m.inbox == nil {
			return
		}
		select {
		case msg := <-m.inbox:
			disposition := m.onMessage(msg)
			m.ctx.WithField("Disposition", disposition).Debug("Received message")
		default:
			return
		}
	}
}

// SendAsync implements messenger.Messenger
func (m *Messenger) SendAsync(msg *types.Message, onComplete messenger.SendCompleteFunc) error {
	if msg == nil {
		return messenger.ErrInvalidConfig
	}
	m.outbox.Add(msg, onComplete)
	return nil
}

// Subscribe implements messenger.Messenger
func (m *Messenger) Subscribe(onMessage messenger.MessageReceivedFunc) error {
	if onMessage == nil {
		return messenger.ErrInvalidConfig
	}
	m.onMessage = onMessage
	return nil
}

// Unsubscribe implements messenger.Messenger
func (m *Messenger) Unsubscribe() error {
	if m.onMessage == nil {
		return messenger.ErrNotSubscribed
	}
	m.onMessage = nil
	return nil
}

// SendStatus implements messenger.Messenger
func (m *Messenger) SendStatus() (messenger.SendStatus, error) {
	return m.outbox.Status(), nil
}

// SetOption implements messenger.Messenger
func (m *Messenger) SetOption(name string, value interface{}) error {
	return m.outbox.SetOption(name, value)
}

// RetrieveOptions implements messenger.Messenger
func (m *Messenger) RetrieveOptions() (*options.Bundle, error) {
	return m.outbox.RetrieveOptions()
}

// Destroy implements messenger.Messenger. Events that did not complete fail with SendResultMessengerDestroyed.
func (m *Messenger) Destroy() {
	if m.state != messenger.StateStopped {
		m.Stop()
	}
	m.outbox.CompleteAll(messenger.SendResultMessengerDestroyed)
}
