// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package middleware

import (
	"github.com/TheThingsNetwork/amqp-device-transport/types"
)

// Context for middleware
type Context interface {
	Set(k, v interface{})
	Get(k interface{}) interface{}
}

// NewContext returns a new middleware context
func NewContext() Context {
	return &context{
		data: make(map[interface{}]interface{}),
	}
}

type context struct {
	data map[interface{}]interface{}
}

func (c *context) Set(k, v interface{}) {
	c.data[k] = v
}

func (c *context) Get(k interface{}) interface{} {
	if v, ok := c.data[k]; ok {
		return v
	}
	return nil
}

// Chain of middleware
type Chain []interface{}

// Register middleware
type Register interface {
	HandleRegister(ctx Context, deviceID string) error
}

// ExecuteRegister runs the Register middleware of the chain
func (c Chain) ExecuteRegister(ctx Context, deviceID string) error {
	for _, middleware := range c {
		if m, ok := middleware.(Register); ok {
			if err := m.HandleRegister(ctx, deviceID); err != nil {
				return err
			}
		}
	}
	return nil
}

// Unregister middleware
type Unregister interface {
	HandleUnregister(ctx Context, deviceID string) error
}

// ExecuteUnregister runs the Unregister middleware of the chain
func (c Chain) ExecuteUnregister(ctx Context, deviceID string) error {
	for _, middleware := range c {
		if m, ok := middleware.(Unregister); ok {
			if err := m.HandleUnregister(ctx, deviceID); err != nil {
				return err
			}
		}
	}
	return nil
}

// Event middleware handles events before they are sent
type Event interface {
	HandleEvent(ctx Context, deviceID string, msg *types.Message) error
}

// ExecuteEvent runs the Event middleware of the chain
func (c Chain) ExecuteEvent(ctx Context, deviceID string, msg *types.Message) error {
	for _, middleware := range c {
		if m, ok := middleware.(Event); ok {
			if err := m.HandleEvent(ctx, deviceID, msg); err != nil {
				return err
			}
		}
	}
	return nil
}

// Message middleware handles cloud-to-device messages before they are delivered to the subscriber
type Message interface {
	HandleMessage(ctx Context, deviceID string, msg *types.Message) error
}

// ExecuteMessage runs the Message middleware of the chain
func (c Chain) ExecuteMessage(ctx Context, deviceID string, msg *types.Message) error {
	for _, middleware := range c {
		if m, ok := middleware.(Message); ok {
			if err := m.HandleMessage(ctx, deviceID, msg); err != nil {
				return err
			}
		}
	}
	return nil
}
