// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package amqp

import (
	"fmt"
	"sync"

	"github.com/TheThingsNetwork/amqp-device-transport/messenger"
	"github.com/TheThingsNetwork/amqp-device-transport/options"
	"github.com/TheThingsNetwork/amqp-device-transport/types"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/streadway/amqp"
)

// Messenger sends events and receives messages for one device over an AMQP Session.
//
// Network I/O happens on a worker goroutine that is started by Start. Its
// results are handed to DoWork, which delivers every callback.
type Messenger struct {
	ctx    log.Interface
	config messenger.Config
	state  messenger.State

	session   *Session
	worker    *worker
	outbox    *messenger.Outbox
	onMessage messenger.MessageReceivedFunc
	held      []amqp.Delivery
}

// NewMessenger returns a new AMQP Messenger; it can be used as messenger factory of a device
func NewMessenger(config messenger.Config) (messenger.Messenger, error) {
	if config.DeviceID == "" || config.OnStateChanged == nil {
		return nil, messenger.ErrInvalidConfig
	}
	ctx := config.Ctx
	if ctx == nil {
		ctx = log.Log
	}
	return &Messenger{
		ctx:    ctx.WithField("DeviceID", config.DeviceID).WithField("Connector", "AMQP"),
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
	m.worker = newWorker(s, m.config.DeviceID, m.ctx)
	go m.worker.run()
	m.setState(messenger.StateStarting)
	return nil
}

// Stop implements messenger.Messenger. Events that did not complete are sent again after the next start.
func (m *Messenger) Stop() error {
	if m.state == messenger.StateStopped || m.state == messenger.StateStopping {
		return messenger.ErrInvalidState
	}
	m.setState(messenger.StateStopping)
	if m.worker != nil {
		m.worker.stop()
		m.worker = nil
	}
	// Unacknowledged deliveries are requeued by the broker when the channel closes
	m.held = nil
	m.outbox.RequeueInFlight()
	m.session = nil
	m.setState(messenger.StateStopped)
	return nil
}

// DoWork implements messenger.Messenger
func (m *Messenger) DoWork() {
	if m.worker != nil && (m.state == messenger.StateStarting || m.state == messenger.StateStarted) {
		m.drain()
	}
	if m.state == messenger.StateStarted {
		m.deliverHeld()
		m.dispatch()
	}
	m.outbox.ExpireTimedOut()
}

func (m *Messenger) drain() {
	for m.worker != nil {
		select {
		case ev := <-m.worker.events:
			m.handle(ev)
		default:
			return
		}
	}
}

func (m *Messenger) handle(ev workerEvent) {
	switch {
	case ev.err != nil:
		m.ctx.WithError(ev.err).Warn("AMQP channel failed")
		m.setState(messenger.StateError)
	case ev.started:
		m.setState(messenger.StateStarted)
	case ev.sent != nil:
		m.outbox.Complete(ev.sent, ev.result)
	case ev.delivery != nil:
		if m.onMessage == nil {
			m.held = append(m.held, *ev.delivery)
			return
		}
		m.deliver(*ev.delivery)
	}
}

func (m *Messenger) deliverHeld() {
	for len(m.held) > 0 && m.onMessage != nil && m.state == messenger.StateStarted {
		d := m.held[0]
		m.held = m.held[1:]
		m.deliver(d)
	}
}

func (m *Messenger) deliver(d amqp.Delivery) {
	disposition := m.onMessage(fromDelivery(d))
	ctx := m.ctx.WithField("MessageID", d.MessageId).WithField("Disposition", disposition)
	var err error
	switch disposition {
	case messenger.DispositionAccepted:
		err = d.Ack(false)
	case messenger.DispositionRejected:
		err = d.Reject(false)
	default:
		err = d.Nack(false, true)
	}
	if err != nil {
		ctx.WithError(err).Warn("Could not settle message")
		return
	}
	ctx.Debug("Received message")
}

func (m *Messenger) dispatch() {
	for m.worker != nil && len(m.worker.outgoing) < cap(m.worker.outgoing) {
		e := m.outbox.Next()
		if e == nil {
			return
		}
		if e.Message.MessageID == "" {
			e.Message.MessageID = uuid.New().String()
		}
		m.worker.outgoing <- e
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

func toPublishing(msg *types.Message) amqp.Publishing {
	p := amqp.Publishing{
		ContentType:   msg.ContentType,
		MessageId:     msg.MessageID,
		CorrelationId: msg.CorrelationID,
		Timestamp:     msg.Timestamp,
		DeliveryMode:  amqp.Persistent,
		Body:          msg.Payload,
	}
	if len(msg.Properties) > 0 {
		p.Headers = make(amqp.Table, len(msg.Properties))
		for k, v := range msg.Properties {
			p.Headers[k] = v
		}
	}
	return p
}

func fromDelivery(d amqp.Delivery) *types.Message {
	msg := &types.Message{
		MessageID:     d.MessageId,
		CorrelationID: d.CorrelationId,
		ContentType:   d.ContentType,
		Timestamp:     d.Timestamp,
		Payload:       d.Body,
	}
	if len(d.Headers) > 0 {
		msg.Properties = make(map[string]string, len(d.Headers))
		for k, v := range d.Headers {
			msg.Properties[k] = fmt.Sprint(v)
		}
	}
	return msg
}

// workerEvent is one result of the worker. Exactly one of its fields is set.
type workerEvent struct {
	started  bool
	err      error
	sent     *messenger.Event
	result   messenger.SendResult
	delivery *amqp.Delivery
}

type worker struct {
	session  *Session
	deviceID string
	ctx      log.Interface

	outgoing chan *messenger.Event
	events   chan workerEvent
	stopping chan struct{}
	done     chan struct{}
	once     sync.Once
}

func newWorker(session *Session, deviceID string, ctx log.Interface) *worker {
	return &worker{
		session:  session,
		deviceID: deviceID,
		ctx:      ctx,
		outgoing: make(chan *messenger.Event, BufferSize),
		events:   make(chan workerEvent, 2*BufferSize),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// stop signals the worker and returns without waiting; the worker closes its
// channel when its current broker call returns.
func (w *worker) stop() {
	w.once.Do(func() { close(w.stopping) })
}

func (w *worker) post(ev workerEvent) bool {
	select {
	case <-w.stopping:
		return false
	default:
	}
	select {
	case w.events <- ev:
		return true
	case <-w.stopping:
		return false
	}
}

func (w *worker) run() {
	defer close(w.done)

	ch, err := w.session.channel()
	if err != nil {
		w.post(workerEvent{err: err})
		return
	}
	defer ch.Close()

	confirms, deliveries, err := w.setup(ch)
	if err != nil {
		w.post(workerEvent{err: err})
		return
	}
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))

	if !w.post(workerEvent{started: true}) {
		return
	}

	routingKey := fmt.Sprintf(EventRoutingKeyFormat, w.deviceID)
	var tag uint64
	pending := make(map[uint64]*messenger.Event)

	for {
		select {
		case <-w.stopping:
			return
		case amqpErr, ok := <-closed:
			if !ok || amqpErr == nil {
				w.post(workerEvent{err: ErrNotConnected})
			} else {
				w.post(workerEvent{err: amqpErr})
			}
			return
		case e := <-w.outgoing:
			err := ch.Publish(w.session.config.ExchangeName, routingKey, false, false, toPublishing(e.Message))
			if err != nil {
				w.ctx.WithError(err).Warn("Could not publish event")
				if !w.post(workerEvent{sent: e, result: messenger.SendResultFailSending}) {
					return
				}
				continue
			}
			tag++
			pending[tag] = e
		case confirm, ok := <-confirms:
			if !ok {
				confirms = nil
				continue
			}
			e, found := pending[confirm.DeliveryTag]
			if !found {
				continue
			}
			delete(pending, confirm.DeliveryTag)
			result := messenger.SendResultOK
			if !confirm.Ack {
				result = messenger.SendResultFailSending
			}
			if !w.post(workerEvent{sent: e, result: result}) {
				return
			}
		case d, ok := <-deliveries:
			if !ok {
				deliveries = nil
				continue
			}
			if !w.post(workerEvent{delivery: &d}) {
				return
			}
		}
	}
}

func (w *worker) setup(ch *amqp.Channel) (<-chan amqp.Confirmation, <-chan amqp.Delivery, error) {
	config := w.session.config
	if err := ch.Confirm(false); err != nil {
		return nil, nil, err
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, BufferSize))

	if err := ch.Qos(BufferSize, 0, false); err != nil {
		return nil, nil, err
	}
	routingKey := fmt.Sprintf(MessageRoutingKeyFormat, w.deviceID)
	queue, err := ch.QueueDeclare(fmt.Sprintf(QueueFormat, config.QueuePrefix, routingKey), true, false, false, false, nil)
	if err != nil {
		return nil, nil, err
	}
	if err := ch.QueueBind(queue.Name, routingKey, config.ExchangeName, false, nil); err != nil {
		return nil, nil, err
	}
	deliveries, err := ch.Consume(queue.Name, fmt.Sprintf("%s-%s", config.ConsumerPrefix, w.deviceID), false, false, false, false, nil)
	if err != nil {
		return nil, nil, err
	}
	return confirms, deliveries, nil
}
