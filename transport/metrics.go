// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package transport

import (
	"github.com/TheThingsNetwork/amqp-device-transport/retry"
	"github.com/prometheus/client_golang/prometheus"
)

var registeredDevices = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "ttn",
		Subsystem: "transport",
		Name:      "devices",
		Help:      "Number of registered devices.",
	},
)

var restartsCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "ttn",
		Subsystem: "transport",
		Name:      "restarts_total",
		Help:      "Total number of retry decisions for devices in an error state.",
	}, []string{"action"},
)

func registerRestart(action retry.Action) {
	restartsCounter.WithLabelValues(action.String()).Inc()
}

func init() {
	prometheus.MustRegister(registeredDevices)
	prometheus.MustRegister(restartsCounter)
}
