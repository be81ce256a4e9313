// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/TheThingsNetwork/amqp-device-transport/device"
	"github.com/TheThingsNetwork/amqp-device-transport/types"
	"github.com/apex/log"
	"github.com/apex/log/handlers/text"
	. "github.com/smartystreets/goconvey/convey"
)

type fakeSender struct {
	err    error
	result device.SendResult
	sent   []*types.Message
}

func (f *fakeSender) SendEvent(deviceID string, msg *types.Message, onComplete device.SendCompleteFunc) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	onComplete(msg, f.result)
	return nil
}

func TestCmd(t *testing.T) {
	Convey("Given a logger", t, func(c C) {
		var logs bytes.Buffer
		ctx = &log.Logger{
			Handler: text.New(&logs),
			Level:   log.DebugLevel,
		}
		defer func() {
			if logs.Len() > 0 {
				c.Printf("\n%s", logs.String())
			}
		}()

		Convey("Event properties should be parsed", func() {
			properties := eventProperties([]string{"a=b", "c=d=e", "invalid"})
			So(properties, ShouldResemble, map[string]string{"a": "b", "c": "d=e"})
			So(logs.String(), ShouldContainSubstring, "Ignoring invalid event property")
		})

		Convey("The AMQP broker format should be parsed", func() {
			parts := amqpRegexp.FindStringSubmatch("guest:guest@localhost:5672")
			So(parts, ShouldResemble, []string{"guest:guest@localhost:5672", "guest", "guest", "localhost:5672"})
			So(amqpRegexp.FindStringSubmatch("loopback"), ShouldBeNil)
		})

		Convey("Given a simulator", func() {
			s := &fakeSender{}
			sim := newSimulator(ctx, s, "dev", nil)

			Convey("When sending events", func() {
				sim.send()
				sim.send()
				Convey("They should be JSON telemetry with unique IDs", func() {
					So(s.sent, ShouldHaveLength, 2)
					So(s.sent[0].MessageID, ShouldNotEqual, s.sent[1].MessageID)
					So(s.sent[0].ContentType, ShouldEqual, "application/json")
					var tm telemetry
					So(json.Unmarshal(s.sent[1].Payload, &tm), ShouldBeNil)
					So(tm.Sequence, ShouldEqual, 2)
				})
			})

			Convey("When sending fails", func() {
				s.result = device.SendResultTimeout
				sim.send()
				So(logs.String(), ShouldContainSubstring, "Could not send event")
			})

			Convey("When the event can not be queued", func() {
				s.err = errors.New("queue full")
				sim.send()
				So(logs.String(), ShouldContainSubstring, "Could not queue event")
			})
		})
	})
}
