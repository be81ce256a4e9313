// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package device

import (
	"github.com/TheThingsNetwork/amqp-device-transport/messenger"
	"github.com/TheThingsNetwork/amqp-device-transport/types"
)

// SendResult is the outcome of SendEventAsync
type SendResult int

// Send results
const (
	SendResultOK SendResult = iota
	SendResultCannotParse
	SendResultFailSending
	SendResultTimeout
	SendResultDeviceDestroyed
	SendResultUnknown
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
	case SendResultDeviceDestroyed:
		return "DEVICE_DESTROYED"
	}
	return "UNKNOWN"
}

func sendResultFromMessenger(result messenger.SendResult) SendResult {
	switch result {
	case messenger.SendResultOK:
		return SendResultOK
	case messenger.SendResultCannotParse:
		return SendResultCannotParse
	case messenger.SendResultFailSending:
		return SendResultFailSending
	case messenger.SendResultTimeout:
		return SendResultTimeout
	case messenger.SendResultMessengerDestroyed:
		return SendResultDeviceDestroyed
	}
	return SendResultUnknown
}

// Disposition of a received message
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
	}
	return "ABANDONED"
}

func (d Disposition) toMessenger() messenger.Disposition {
	switch d {
	case DispositionAccepted:
		return messenger.DispositionAccepted
	case DispositionRejected:
		return messenger.DispositionRejected
	}
	return messenger.DispositionAbandoned
}

// SendStatus of a Device
type SendStatus int

// Send statuses
const (
	SendStatusIdle SendStatus = iota
	SendStatusBusy
)

// SendCompleteFunc is called exactly once for every event accepted by SendEventAsync
type SendCompleteFunc func(msg *types.Message, result SendResult)

// MessageReceivedFunc handles a cloud-to-device message
type MessageReceivedFunc func(msg *types.Message) Disposition

type sendTask struct {
	message    *types.Message
	onComplete SendCompleteFunc
}

// SendEventAsync hands an event to the Messenger. The onComplete callback is
// optional and is called from DoWork (or Destroy) once the event completes.
func (d *Device) SendEventAsync(msg *types.Message, onComplete SendCompleteFunc) error {
	if !d.valid() || msg == nil {
		return ErrInvalidArgument
	}
	task := &sendTask{message: msg, onComplete: onComplete}
	d.sendTasks[task] = struct{}{}
	err := d.messenger.SendAsync(msg, func(_ *types.Message, result messenger.SendResult) {
		d.onSendComplete(task, result)
	})
	if err != nil {
		delete(d.sendTasks, task)
		d.ctx.WithError(err).Warn("Could not send event")
		return err
	}
	return nil
}

func (d *Device) onSendComplete(task *sendTask, result messenger.SendResult) {
	if _, ok := d.sendTasks[task]; !ok {
		d.ctx.WithField("Result", result).Warn("Got completion for unknown event")
		return
	}
	delete(d.sendTasks, task)
	deviceResult := sendResultFromMessenger(result)
	registerSendResult(deviceResult)
	d.ctx.WithField("Result", deviceResult).Debug("Event send completed")
	if task.onComplete != nil {
		task.onComplete(task.message, deviceResult)
	}
}

// PendingSends returns the number of events that did not complete yet
func (d *Device) PendingSends() int {
	if d == nil {
		return 0
	}
	return len(d.sendTasks)
}

// Subscribe to cloud-to-device messages. A new subscription replaces the previous one.
func (d *Device) Subscribe(onMessage MessageReceivedFunc) error {
	if !d.valid() || onMessage == nil {
		return ErrInvalidArgument
	}
	previous := d.onMessage
	d.onMessage = onMessage
	if err := d.messenger.Subscribe(d.onMessageReceived); err != nil {
		d.onMessage = previous
		d.ctx.WithError(err).Warn("Could not subscribe to messages")
		return err
	}
	return nil
}

// Unsubscribe from cloud-to-device messages
func (d *Device) Unsubscribe() error {
	if !d.valid() {
		return ErrInvalidArgument
	}
	if err := d.messenger.Unsubscribe(); err != nil {
		d.ctx.WithError(err).Warn("Could not unsubscribe from messages")
		return err
	}
	d.onMessage = nil
	return nil
}

func (d *Device) onMessageReceived(msg *types.Message) messenger.Disposition {
	if msg == nil || d.onMessage == nil {
		registerReceived(messenger.DispositionAbandoned)
		return messenger.DispositionAbandoned
	}
	disposition := d.onMessage(msg).toMessenger()
	registerReceived(disposition)
	return disposition
}

// SendStatus returns SendStatusBusy while the Messenger has events in flight
func (d *Device) SendStatus() (SendStatus, error) {
	if !d.valid() {
		return SendStatusIdle, ErrInvalidArgument
	}
	status, err := d.messenger.SendStatus()
	if err != nil {
		return SendStatusIdle, err
	}
	if status == messenger.SendStatusBusy {
		return SendStatusBusy, nil
	}
	return SendStatusIdle, nil
}
