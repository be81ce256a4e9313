// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package deduplicate

import (
	"bytes"
	"errors"
	"sync"

	"github.com/TheThingsNetwork/amqp-device-transport/middleware"
	"github.com/TheThingsNetwork/amqp-device-transport/types"
	"github.com/TheThingsNetwork/go-utils/log"
)

// NewDeduplicate returns a middleware that drops events that are repeated by broken devices
func NewDeduplicate() *Deduplicate {
	return &Deduplicate{
		log:       log.Get(),
		lastEvent: make(map[string]*types.Message),
	}
}

// Deduplicate middleware
type Deduplicate struct {
	log       log.Interface
	mu        sync.RWMutex
	lastEvent map[string]*types.Message
}

// HandleUnregister cleans up
func (d *Deduplicate) HandleUnregister(ctx middleware.Context, deviceID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.lastEvent, deviceID)
	return nil
}

// ErrDuplicateMessage is returned when an event is handled multiple times
var ErrDuplicateMessage = errors.New("deduplicate: already handled this message")

// HandleEvent blocks an event with the same payload and timestamp as the previous event of the device
func (d *Deduplicate) HandleEvent(_ middleware.Context, deviceID string, msg *types.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if lastEvent, ok := d.lastEvent[deviceID]; ok {
		if bytes.Equal(msg.Payload, lastEvent.Payload) && // length check on slice is fast
			msg.Timestamp.Equal(lastEvent.Timestamp) {
			d.log.WithField("DeviceID", deviceID).Debug("Dropped duplicate event")
			return ErrDuplicateMessage
		}
	}
	d.lastEvent[deviceID] = msg.Clone()
	return nil
}
