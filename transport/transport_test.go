// Copyright © 2016 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package transport

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/TheThingsNetwork/amqp-device-transport/auth"
	"github.com/TheThingsNetwork/amqp-device-transport/device"
	"github.com/TheThingsNetwork/amqp-device-transport/messenger/loopback"
	"github.com/TheThingsNetwork/amqp-device-transport/middleware/inject"
	"github.com/TheThingsNetwork/amqp-device-transport/middleware/ratelimit"
	"github.com/TheThingsNetwork/amqp-device-transport/retry"
	"github.com/TheThingsNetwork/amqp-device-transport/types"
	"github.com/apex/log"
	"github.com/apex/log/handlers/text"
	. "github.com/smartystreets/goconvey/convey"
)

type stateRecorder struct {
	mu     sync.Mutex
	states []device.State
}

func (r *stateRecorder) record(_, new device.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, new)
}

func (r *stateRecorder) seen(state device.State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.states {
		if s == state {
			return true
		}
	}
	return false
}

func eventually(cond func() bool) bool {
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func hasState(t *Transport, deviceID string, want device.State) func() bool {
	return func() bool {
		state, err := t.State(deviceID)
		return err == nil && state == want
	}
}

func deviceConfig(deviceID string, mode device.AuthenticationMode, onStateChanged device.StateChangedFunc) device.Config {
	return device.Config{
		DeviceID:           deviceID,
		HostName:           "hub.example.com",
		AuthenticationMode: mode,
		PrimaryKey:         "c2VjcmV0",
		OnStateChanged:     onStateChanged,
		NewAuthentication:  auth.Factory,
		NewMessenger:       loopback.New,
	}
}

func TestTransport(t *testing.T) {
	Convey("Given a new Context and loopback Session", t, func(c C) {
		var logs bytes.Buffer
		ctx := &log.Logger{
			Handler: text.New(&logs),
			Level:   log.DebugLevel,
		}
		defer func() {
			if logs.Len() > 0 {
				c.Printf("\n%s", logs.String())
			}
		}()

		session := loopback.NewSession(ctx)
		session.Echo = true

		Convey("When creating a new Transport", func() {
			tr := New(ctx, session, &loopback.CBS{})

			Convey("Operations on unknown devices should fail", func() {
				So(tr.Unregister("dev"), ShouldEqual, ErrDeviceNotFound)
				So(tr.SendEvent("dev", types.NewMessage(nil), nil), ShouldEqual, ErrDeviceNotFound)
				So(tr.Subscribe("dev", func(*types.Message) device.Disposition { return device.DispositionAccepted }), ShouldEqual, ErrDeviceNotFound)
				_, err := tr.RetrieveOptions("dev")
				So(err, ShouldEqual, ErrDeviceNotFound)
			})

			Convey("When registering a device before starting", func() {
				So(tr.Register(deviceConfig("dev", device.AuthenticationModeCBS, nil)), ShouldBeNil)

				Convey("It should be starting", func() {
					state, err := tr.State("dev")
					So(err, ShouldBeNil)
					So(state, ShouldEqual, device.StateStarting)
					So(tr.Devices(), ShouldResemble, []string{"dev"})
				})

				Convey("Registering it again should fail", func() {
					So(tr.Register(deviceConfig("dev", device.AuthenticationModeCBS, nil)), ShouldEqual, ErrAlreadyRegistered)
				})

				Convey("An invalid config should fail", func() {
					So(tr.Register(device.Config{DeviceID: "other"}), ShouldEqual, device.ErrInvalidArgument)
					So(tr.Devices(), ShouldHaveLength, 1)
				})

				Convey("When unregistering it", func() {
					So(tr.Unregister("dev"), ShouldBeNil)
					So(tr.Devices(), ShouldBeEmpty)
					_, err := tr.State("dev")
					So(err, ShouldEqual, ErrDeviceNotFound)
				})

				Convey("When stopping the Transport without starting it", func() {
					So(tr.Stop(), ShouldBeNil)
					So(tr.Stop(), ShouldEqual, ErrStopped)
					So(tr.Start(time.Millisecond), ShouldEqual, ErrStopped)
				})
			})

			Convey("When starting the Transport", func() {
				So(tr.Start(5*time.Millisecond), ShouldBeNil)
				So(tr.Start(5*time.Millisecond), ShouldBeNil)
				Reset(func() { tr.Stop() })

				Convey("When registering a CBS device", func() {
					var states stateRecorder
					So(tr.Register(deviceConfig("dev", device.AuthenticationModeCBS, states.record)), ShouldBeNil)

					Convey("It should start", func() {
						So(eventually(hasState(tr, "dev", device.StateStarted)), ShouldBeTrue)
						So(states.seen(device.StateStarting), ShouldBeTrue)
					})

					Convey("When sending an event and echoing it", func() {
						received := make(chan *types.Message, 1)
						So(tr.Subscribe("dev", func(msg *types.Message) device.Disposition {
							received <- msg
							return device.DispositionAccepted
						}), ShouldBeNil)
						results := make(chan device.SendResult, 1)
						So(tr.SendEvent("dev", types.NewMessage([]byte("temperature")), func(_ *types.Message, result device.SendResult) {
							results <- result
						}), ShouldBeNil)

						Convey("It should complete and come back", func() {
							select {
							case <-time.After(3 * time.Second):
								So("Timeout Exceeded", ShouldBeFalse)
							case result := <-results:
								So(result, ShouldEqual, device.SendResultOK)
							}
							select {
							case <-time.After(3 * time.Second):
								So("Timeout Exceeded", ShouldBeFalse)
							case msg := <-received:
								So(msg.Payload, ShouldResemble, []byte("temperature"))
							}
						})
					})

					Convey("Its options should be available", func() {
						So(tr.SetOption("dev", auth.OptionSASTokenLifetime, 2*time.Hour), ShouldBeNil)
						bundle, err := tr.RetrieveOptions("dev")
						So(err, ShouldBeNil)
						_, ok := bundle.Get(device.OptionSavedAuthenticationOptions)
						So(ok, ShouldBeTrue)
					})

					Convey("When unregistering it", func() {
						So(tr.Unregister("dev"), ShouldBeNil)
						Convey("Sending should fail", func() {
							So(tr.SendEvent("dev", types.NewMessage(nil), nil), ShouldEqual, ErrDeviceNotFound)
						})
					})

					Convey("When stopping the Transport", func() {
						eventually(hasState(tr, "dev", device.StateStarted))
						So(tr.Stop(), ShouldBeNil)
						Convey("The device should have stopped", func() {
							So(states.seen(device.StateStopped), ShouldBeTrue)
						})
						Convey("Operations should fail", func() {
							_, err := tr.State("dev")
							So(err, ShouldEqual, ErrStopped)
							So(tr.Register(deviceConfig("other", device.AuthenticationModeX509, nil)), ShouldEqual, ErrStopped)
						})
					})
				})

				Convey("When the session of a started device closes", func() {
					So(tr.SetRetryOption(retry.OptionInitialWaitTime, 20*time.Millisecond), ShouldBeNil)
					var states stateRecorder
					So(tr.Register(deviceConfig("dev", device.AuthenticationModeX509, states.record)), ShouldBeNil)
					So(eventually(hasState(tr, "dev", device.StateStarted)), ShouldBeTrue)
					session.Close()

					Convey("The device should fail", func() {
						So(eventually(func() bool { return states.seen(device.StateErrorMsg) }), ShouldBeTrue)

						Convey("And be restarted when the session opens again", func() {
							session.Open()
							So(eventually(hasState(tr, "dev", device.StateStarted)), ShouldBeTrue)
						})
					})
				})

				Convey("When a device keeps failing", func() {
					So(tr.SetRetryPolicy(retry.PolicyInterval, time.Second), ShouldBeNil)
					So(tr.SetRetryOption(retry.OptionInitialWaitTime, 20*time.Millisecond), ShouldBeNil)
					session.Close()
					So(tr.Register(deviceConfig("dev", device.AuthenticationModeX509, nil)), ShouldBeNil)

					Convey("The Transport should stop restarting it", func() {
						time.Sleep(1500 * time.Millisecond)
						So(eventually(hasState(tr, "dev", device.StateErrorMsg)), ShouldBeTrue)
						session.Open()
						time.Sleep(100 * time.Millisecond)
						state, err := tr.State("dev")
						So(err, ShouldBeNil)
						So(state, ShouldEqual, device.StateErrorMsg)
					})
				})
			})

			Convey("When adding middleware", func() {
				tr.AddMiddleware(
					ratelimit.NewRateLimit(ratelimit.Limits{Event: 1}),
					inject.NewInject(inject.Fields{ContentType: "application/json"}),
				)
				So(tr.Register(deviceConfig("dev", device.AuthenticationModeX509, nil)), ShouldBeNil)

				Convey("Events should pass through it", func() {
					msg := types.NewMessage([]byte("1"))
					So(tr.SendEvent("dev", msg, nil), ShouldBeNil)
					So(msg.ContentType, ShouldEqual, "application/json")
					So(tr.SendEvent("dev", types.NewMessage([]byte("2")), nil), ShouldEqual, ratelimit.ErrRateLimited)
				})

				Convey("Sending nothing should fail", func() {
					So(tr.SendEvent("dev", nil, nil), ShouldEqual, device.ErrInvalidArgument)
				})
			})

			Convey("Invalid retry settings should be refused", func() {
				So(tr.SetRetryPolicy(retry.PolicyInterval, 0), ShouldEqual, retry.ErrInvalidMaxRetryDuration)
				So(tr.SetRetryOption("unknown", 1), ShouldNotBeNil)

				policy, err := retry.ParsePolicy("exponential-backoff")
				So(err, ShouldBeNil)
				So(tr.SetRetryPolicy(policy, time.Minute), ShouldEqual, retry.ErrUnsupportedPolicy)
			})

			Convey("After refusing an unsupported policy, failed devices should still be restarted", func() {
				So(tr.SetRetryPolicy(retry.PolicyExponentialBackoff, time.Minute), ShouldEqual, retry.ErrUnsupportedPolicy)
				So(tr.SetRetryOption(retry.OptionInitialWaitTime, 20*time.Millisecond), ShouldBeNil)
				var states stateRecorder
				So(tr.Register(deviceConfig("dev", device.AuthenticationModeX509, states.record)), ShouldBeNil)
				So(eventually(hasState(tr, "dev", device.StateStarted)), ShouldBeTrue)
				session.Close()
				So(eventually(func() bool { return states.seen(device.StateErrorMsg) }), ShouldBeTrue)
				session.Open()
				So(eventually(hasState(tr, "dev", device.StateStarted)), ShouldBeTrue)
			})
		})
	})
}
