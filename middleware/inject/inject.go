// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package inject

import (
	"github.com/TheThingsNetwork/amqp-device-transport/middleware"
	"github.com/TheThingsNetwork/amqp-device-transport/types"
	"github.com/TheThingsNetwork/go-utils/log"
)

// Fields to inject
type Fields struct {
	ContentType string
	Properties  map[string]string
}

// NewInject returns a middleware that injects fields into all events
func NewInject(fields Fields) *Inject {
	return &Inject{
		fields: fields,
		log:    log.Get(),
	}
}

// Inject fields into all events
type Inject struct {
	log    log.Interface
	fields Fields
}

// HandleEvent inserts fields into events if not present
func (i *Inject) HandleEvent(ctx middleware.Context, deviceID string, msg *types.Message) error {
	if msg.ContentType == "" {
		msg.ContentType = i.fields.ContentType
	}
	if len(i.fields.Properties) == 0 {
		return nil
	}
	if msg.Properties == nil {
		msg.Properties = make(map[string]string, len(i.fields.Properties))
	}
	for k, v := range i.fields.Properties {
		if _, ok := msg.Properties[k]; !ok {
			msg.Properties[k] = v
		}
	}
	return nil
}
