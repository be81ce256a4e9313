// Copyright © 2016 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package amqp

import (
	"crypto/tls"
	"errors"
	"os"
	"os/user"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/streadway/amqp"
)

// BufferSize indicates the maximum number of AMQP messages that should be buffered per device
var BufferSize = 10

// Routing Key formats for events, messages and CBS requests
var (
	EventRoutingKeyFormat   = "%s.d2c"
	MessageRoutingKeyFormat = "%s.c2d"
	CBSRoutingKey           = "$cbs"
)

// QueueFormat is the format of the cloud-to-device queue of a device: <prefix>.<routing key>
var QueueFormat = "%s.%s"

var (
	// ConnectRetries says how many times the client should retry a failed connection
	ConnectRetries = 10
	// ConnectRetryDelay says how long the client should wait between retries
	ConnectRetryDelay = time.Second
)

// ErrNotConnected is returned when the Session has no connection
var ErrNotConnected = errors.New("Not connected")

// Config contains configuration for AMQP
type Config struct {
	Address        string
	Username       string
	Password       string
	VHost          string
	ExchangeName   string
	QueuePrefix    string
	ConsumerPrefix string
	TLSConfig      *tls.Config
}

func (c Config) url() (url string) {
	if c.TLSConfig != nil {
		url += "amqps://"
	} else {
		url += "amqp://"
	}
	if c.Username != "" {
		url += c.Username
		if c.Password != "" {
			url += ":" + c.Password
		}
		url += "@"
	}
	url += c.Address
	if c.VHost != "" {
		url += "/" + c.VHost
	}
	return
}

// Session is a connection to an AMQP broker that is shared by the devices of a transport
type Session struct {
	config     Config
	ctx        log.Interface
	connection struct {
		*amqp.Connection
		sync.RWMutex
	}
	closing chan struct{}
	once    sync.Once
}

// NewSession returns a new Session
func NewSession(config Config, ctx log.Interface) *Session {
	if config.ExchangeName == "" {
		config.ExchangeName = "amq.topic"
	}

	if config.QueuePrefix == "" {
		config.QueuePrefix = "devices"
	}

	if config.ConsumerPrefix == "" {
		config.ConsumerPrefix = "device"
		if user, err := user.Current(); err == nil {
			config.ConsumerPrefix += "-" + user.Username
		}
		if hostname, err := os.Hostname(); err == nil {
			config.ConsumerPrefix += "@" + hostname
		}
	}

	return &Session{
		config:  config,
		ctx:     ctx.WithField("Connector", "AMQP"),
		closing: make(chan struct{}),
	}
}

func (s *Session) connect() (err error) {
	var conn *amqp.Connection
	if s.config.TLSConfig != nil {
		conn, err = amqp.DialTLS(s.config.url(), s.config.TLSConfig)
	} else {
		conn, err = amqp.Dial(s.config.url())
	}
	if err != nil {
		return err
	}
	s.connection.Lock()
	s.connection.Connection = conn
	s.connection.Unlock()
	return s.setup()
}

func (s *Session) connectWithRetries() (err error) {
	retries := ConnectRetries
	for {
		err = s.connect()
		if err == nil {
			return nil
		}
		s.ctx.WithError(err).Warn("Error trying to connect")
		retries--
		if retries <= 0 {
			return err
		}
		select {
		case <-s.closing:
			return ErrNotConnected
		case <-time.After(ConnectRetryDelay):
		}
	}
}

func (s *Session) connected() bool {
	s.connection.RLock()
	defer s.connection.RUnlock()
	return s.connection.Connection != nil
}

func (s *Session) channel() (*amqp.Channel, error) {
	s.connection.RLock()
	defer s.connection.RUnlock()
	if s.connection.Connection == nil {
		return nil, ErrNotConnected
	}
	return s.connection.Channel()
}

func (s *Session) setup() (err error) {
	ch, err := s.channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	if err := ch.ExchangeDeclarePassive(s.config.ExchangeName, "topic", true, false, false, false, nil); err != nil {
		s.ctx.WithError(err).Warnf("Exchange %s does not exist, trying to create...", s.config.ExchangeName)
		ch, err := s.channel()
		if err != nil {
			return err
		}
		defer ch.Close()
		if err := ch.ExchangeDeclare(s.config.ExchangeName, "topic", true, false, false, false, nil); err != nil {
			return err
		}
	}
	return nil
}

// Connect to AMQP. When the connection is lost later, the Session reconnects
// in the background; messengers on the Session move to their error state and
// can be restarted.
func (s *Session) Connect() error {
	if err := s.connectWithRetries(); err != nil {
		return err
	}
	s.ctx.Info("Connected")
	go s.autoReconnect()
	return nil
}

func (s *Session) autoReconnect() {
	for {
		s.connection.RLock()
		conn := s.connection.Connection
		s.connection.RUnlock()

		// Monitor the connection and reconnect on error
		ch := make(chan *amqp.Error, 1)
		conn.NotifyClose(ch)
		var amqpErr *amqp.Error
		select {
		case <-s.closing:
			return
		case amqpErr = <-ch:
		}
		if amqpErr == nil {
			s.ctx.Info("Connection closed")
			return
		}
		s.ctx.WithError(amqpErr).Warn("Connection closed")
		select {
		case <-s.closing:
			return
		case <-time.After(ConnectRetryDelay):
		}
		if err := s.connectWithRetries(); err != nil {
			s.ctx.WithError(err).Error("Could not reconnect")
			return
		}
		s.ctx.Info("Reconnected")
	}
}

// Close the connection
func (s *Session) Close() error {
	s.once.Do(func() { close(s.closing) })
	s.connection.Lock()
	defer s.connection.Unlock()
	if s.connection.Connection == nil {
		return nil
	}
	return s.connection.Close()
}
