// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package cmd

import (
	"encoding/json"
	"math/rand"
	"time"

	"github.com/TheThingsNetwork/amqp-device-transport/device"
	"github.com/TheThingsNetwork/amqp-device-transport/monitor"
	"github.com/TheThingsNetwork/amqp-device-transport/types"
	"github.com/apex/log"
	"github.com/google/uuid"
)

type telemetry struct {
	Sequence    uint64    `json:"seq"`
	Time        time.Time `json:"time"`
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
}

type sender interface {
	SendEvent(deviceID string, msg *types.Message, onComplete device.SendCompleteFunc) error
}

type simulator struct {
	ctx      log.Interface
	sender   sender
	deviceID string
	monitor  *monitor.Server
	seq      uint64
	done     chan struct{}
}

func newSimulator(ctx log.Interface, sender sender, deviceID string, mon *monitor.Server) *simulator {
	return &simulator{
		ctx:      ctx,
		sender:   sender,
		deviceID: deviceID,
		monitor:  mon,
		done:     make(chan struct{}),
	}
}

func (s *simulator) event() (*types.Message, error) {
	s.seq++
	payload, err := json.Marshal(telemetry{
		Sequence:    s.seq,
		Time:        time.Now().UTC(),
		Temperature: 20 + rand.Float64()*5,
		Humidity:    40 + rand.Float64()*20,
	})
	if err != nil {
		return nil, err
	}
	msg := types.NewMessage(payload)
	msg.MessageID = uuid.New().String()
	msg.ContentType = "application/json"
	return msg, nil
}

func (s *simulator) send() {
	msg, err := s.event()
	if err != nil {
		s.ctx.WithError(err).Warn("Could not build event")
		return
	}
	ctx := s.ctx.WithField("MessageID", msg.MessageID)
	err = s.sender.SendEvent(s.deviceID, msg, func(msg *types.Message, result device.SendResult) {
		if result == device.SendResultOK {
			ctx.Debug("Sent event")
		} else {
			ctx.WithField("Result", result).Warn("Could not send event")
		}
		if s.monitor != nil {
			s.monitor.EventSent(s.deviceID, msg, result)
		}
	})
	if err != nil {
		ctx.WithError(err).Warn("Could not queue event")
	}
}

func (s *simulator) run(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.send()
		}
	}
}

func (s *simulator) stop() {
	close(s.done)
}
