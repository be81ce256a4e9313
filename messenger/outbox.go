// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package messenger

import (
	"sort"
	"time"

	"github.com/TheThingsNetwork/amqp-device-transport/options"
	"github.com/TheThingsNetwork/amqp-device-transport/retry"
	"github.com/TheThingsNetwork/amqp-device-transport/types"
)

// DefaultEventSendTimeout is the default for OptionEventSendTimeout
var DefaultEventSendTimeout = 10 * time.Minute

// Event is an outbound message waiting to be sent or in flight
type Event struct {
	Message *types.Message

	onComplete SendCompleteFunc
	seq        uint64
	enqueued   time.Time
	done       bool
}

func (e *Event) complete(result SendResult) {
	if e.done {
		return
	}
	e.done = true
	if e.onComplete != nil {
		e.onComplete(e.Message, result)
	}
}

// Outbox keeps the events of a Messenger until they complete. Every event is
// completed exactly once. It is not safe for concurrent use.
type Outbox struct {
	clock   retry.Clock
	timeout time.Duration

	seq      uint64
	waiting  []*Event
	inFlight map[*Event]struct{}
}

// NewOutbox returns an empty Outbox
func NewOutbox(clock retry.Clock) *Outbox {
	if clock == nil {
		clock = retry.SystemClock
	}
	return &Outbox{
		clock:    clock,
		timeout:  DefaultEventSendTimeout,
		inFlight: make(map[*Event]struct{}),
	}
}

// Add an event
func (o *Outbox) Add(msg *types.Message, onComplete SendCompleteFunc) *Event {
	o.seq++
	e := &Event{Message: msg, onComplete: onComplete, seq: o.seq, enqueued: o.clock.Now()}
	o.waiting = append(o.waiting, e)
	return e
}

// Next returns the oldest waiting event and marks it in flight. It returns nil if nothing is waiting.
func (o *Outbox) Next() *Event {
	if len(o.waiting) == 0 {
		return nil
	}
	e := o.waiting[0]
	o.waiting = o.waiting[1:]
	o.inFlight[e] = struct{}{}
	return e
}

// Complete an event. Events that already completed are ignored.
func (o *Outbox) Complete(e *Event, result SendResult) {
	delete(o.inFlight, e)
	e.complete(result)
}

// RequeueInFlight moves the events that are in flight back to the front of the waiting events
func (o *Outbox) RequeueInFlight() {
	if len(o.inFlight) == 0 {
		return
	}
	var requeued []*Event
	for e := range o.inFlight {
		requeued = append(requeued, e)
		delete(o.inFlight, e)
	}
	sort.Slice(requeued, func(i, j int) bool { return requeued[i].seq < requeued[j].seq })
	o.waiting = append(requeued, o.waiting...)
}

// ExpireTimedOut completes every event that is older than the send timeout with SendResultTimeout
func (o *Outbox) ExpireTimedOut() {
	var waiting []*Event
	for _, e := range o.waiting {
		if o.timedOut(e) {
			e.complete(SendResultTimeout)
			continue
		}
		waiting = append(waiting, e)
	}
	o.waiting = waiting
	for e := range o.inFlight {
		if o.timedOut(e) {
			o.Complete(e, SendResultTimeout)
		}
	}
}

func (o *Outbox) timedOut(e *Event) bool {
	timedOut, err := retry.IsTimeoutReached(o.clock, e.enqueued, o.timeout)
	return err != nil || timedOut
}

// CompleteAll completes every event with the given result
func (o *Outbox) CompleteAll(result SendResult) {
	waiting := o.waiting
	o.waiting = nil
	for _, e := range waiting {
		e.complete(result)
	}
	for e := range o.inFlight {
		o.Complete(e, result)
	}
}

// Len returns the number of events that did not complete yet
func (o *Outbox) Len() int {
	return len(o.waiting) + len(o.inFlight)
}

// Status returns SendStatusBusy when events did not complete yet
func (o *Outbox) Status() SendStatus {
	if o.Len() > 0 {
		return SendStatusBusy
	}
	return SendStatusIdle
}

// SetOption sets OptionEventSendTimeout
func (o *Outbox) SetOption(name string, value interface{}) error {
	if name != OptionEventSendTimeout {
		return options.ErrUnknownOption
	}
	timeout, err := options.PositiveDuration(value)
	if err != nil {
		return err
	}
	o.timeout = timeout
	return nil
}

// RetrieveOptions returns OptionEventSendTimeout
func (o *Outbox) RetrieveOptions() (*options.Bundle, error) {
	bundle := options.NewBundle()
	if err := bundle.Add(OptionEventSendTimeout, o.timeout); err != nil {
		return nil, err
	}
	return bundle, nil
}
