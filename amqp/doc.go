// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package amqp connects devices to an AMQP server.
//
// Every device gets its own channel on a shared Session. Events of a device are
// published on the "[device-id].d2c" routing key of the exchange, and an event
// only completes when the server confirms it. Cloud-to-device messages are
// consumed from the durable "[prefix].[device-id].c2d" queue, which is bound to
// the "[device-id].c2d" routing key. Accepted messages are acknowledged,
// rejected messages are dropped and abandoned messages are requeued.
//
// Tokens are put on the claims-based security node by publishing them on the
// "$cbs" routing key with the "operation", "type" and "name" headers set. The
// node should reply to the ReplyTo queue of the request, with the same
// CorrelationId and a "status-code" header of 200 or 202 when it accepts the
// token.
package amqp
