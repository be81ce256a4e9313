// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package device

import (
	"github.com/TheThingsNetwork/amqp-device-transport/messenger"
	"github.com/prometheus/client_golang/prometheus"
)

var stateTransitions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "ttn",
		Subsystem: "device",
		Name:      "state_transitions_total",
		Help:      "Total number of device state transitions.",
	}, []string{"state"},
)

var eventsSent = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "ttn",
		Subsystem: "device",
		Name:      "events_sent_total",
		Help:      "Total number of completed events.",
	}, []string{"result"},
)

var messagesReceived = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "ttn",
		Subsystem: "device",
		Name:      "messages_received_total",
		Help:      "Total number of received messages.",
	}, []string{"disposition"},
)

func registerStateTransition(state State) {
	stateTransitions.WithLabelValues(state.String()).Inc()
}

func registerSendResult(result SendResult) {
	eventsSent.WithLabelValues(result.String()).Inc()
}

func registerReceived(disposition messenger.Disposition) {
	messagesReceived.WithLabelValues(disposition.String()).Inc()
}

func init() {
	prometheus.MustRegister(stateTransitions)
	prometheus.MustRegister(eventsSent)
	prometheus.MustRegister(messagesReceived)
}
