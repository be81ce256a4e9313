// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package auth

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/TheThingsNetwork/amqp-device-transport/options"
	"github.com/apex/log"
	"github.com/apex/log/handlers/text"
	. "github.com/smartystreets/goconvey/convey"
)

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }

type putTokenRequest struct {
	audience string
	token    string
	result   chan error
}

type fakeCBS struct {
	requests []*putTokenRequest
	err      error
}

func (f *fakeCBS) PutToken(audience, token string) (<-chan error, error) {
	if f.err != nil {
		return nil, f.err
	}
	req := &putTokenRequest{audience: audience, token: token, result: make(chan error, 1)}
	f.requests = append(f.requests, req)
	return req.result, nil
}

func (f *fakeCBS) last() *putTokenRequest {
	return f.requests[len(f.requests)-1]
}

func TestCBSAuthentication(t *testing.T) {
	Convey("Given a new Context", t, func(c C) {

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

		clock := &fakeClock{now: time.Unix(1500000000, 0)}
		var states []State
		var codes []ErrorCode
		config := Config{
			DeviceID:   "dev-1",
			HostName:   "hub.example.com",
			PrimaryKey: "c2VjcmV0",
			OnStateChanged: func(previous, new State) {
				states = append(states, new)
			},
			OnError: func(code ErrorCode) {
				codes = append(codes, code)
			},
			Clock: clock,
			Ctx:   ctx,
		}

		Convey("When creating it without credentials", func() {
			config.PrimaryKey = ""
			_, err := NewCBS(config)
			So(err, ShouldEqual, ErrNoCredentials)
		})

		Convey("When creating it without callbacks", func() {
			config.OnError = nil
			_, err := Factory(config)
			So(err, ShouldEqual, ErrInvalidConfig)
		})

		Convey("When creating it", func() {
			a, err := NewCBS(config)
			So(err, ShouldBeNil)
			So(a.Audience(), ShouldEqual, "hub.example.com/devices/dev-1")
			cbs := &fakeCBS{}

			Convey("Stopping it should fail", func() {
				So(a.Stop(), ShouldEqual, ErrInvalidState)
			})

			Convey("When starting it", func() {
				So(a.Start(cbs), ShouldBeNil)
				So(states, ShouldResemble, []State{StateStarting})

				Convey("Starting it again should fail", func() {
					So(a.Start(cbs), ShouldEqual, ErrInvalidState)
				})

				Convey("DoWork should put a token", func() {
					a.DoWork()
					So(cbs.requests, ShouldHaveLength, 1)
					So(cbs.last().audience, ShouldEqual, "hub.example.com/devices/dev-1")
					So(cbs.last().token, ShouldStartWith, "SharedAccessSignature sr=hub.example.com%2Fdevices%2Fdev-1&sig=")

					Convey("When the token is accepted", func() {
						cbs.last().result <- nil
						a.DoWork()
						So(states, ShouldResemble, []State{StateStarting, StateStarted})

						Convey("The token should be refreshed after the refresh time", func() {
							clock.now = clock.now.Add(DefaultSASTokenRefreshTime)
							a.DoWork()
							So(cbs.requests, ShouldHaveLength, 2)

							Convey("A refresh that is not answered in time is a SAS refresh timeout", func() {
								clock.now = clock.now.Add(DefaultCBSRequestTimeout)
								a.DoWork()
								So(codes, ShouldResemble, []ErrorCode{ErrorSASRefreshTimeout})
								So(states[len(states)-1], ShouldEqual, StateError)
							})
						})

						Convey("When stopping it", func() {
							So(a.Stop(), ShouldBeNil)
							So(states[len(states)-1], ShouldEqual, StateStopped)
						})
					})

					Convey("When the token is refused", func() {
						cbs.last().result <- errors.New("401")
						a.DoWork()
						So(codes, ShouldResemble, []ErrorCode{ErrorAuthFailed})
						So(states[len(states)-1], ShouldEqual, StateError)
					})

					Convey("When the token is not answered in time", func() {
						clock.now = clock.now.Add(DefaultCBSRequestTimeout)
						a.DoWork()
						So(codes, ShouldResemble, []ErrorCode{ErrorAuthTimeout})
						So(states[len(states)-1], ShouldEqual, StateError)
					})
				})

				Convey("When the CBS can not send the request", func() {
					cbs.err = errors.New("no link")
					a.DoWork()
					So(codes, ShouldResemble, []ErrorCode{ErrorAuthFailed})
				})

				Convey("When destroying it", func() {
					a.Destroy()
					So(states[len(states)-1], ShouldEqual, StateStopped)
				})
			})

			Convey("When using a SAS token", func() {
				config.SASToken = "SharedAccessSignature sr=x&sig=y&se=1"
				a, err := NewCBS(config)
				So(err, ShouldBeNil)
				a.Start(cbs)
				a.DoWork()
				Convey("The SAS token should be put as is", func() {
					So(cbs.last().token, ShouldEqual, "SharedAccessSignature sr=x&sig=y&se=1")
				})
				Convey("It should never be refreshed", func() {
					cbs.last().result <- nil
					a.DoWork()
					clock.now = clock.now.Add(24 * time.Hour)
					a.DoWork()
					So(cbs.requests, ShouldHaveLength, 1)
				})
			})

			Convey("When setting options", func() {
				So(a.SetOption(OptionCBSRequestTimeout, 10*time.Second), ShouldBeNil)
				So(a.SetOption(OptionSASTokenLifetime, "2h"), ShouldBeNil)
				So(a.SetOption(OptionSASTokenRefreshTime, 0), ShouldEqual, options.ErrInvalidValue)
				So(a.SetOption("unknown", 1), ShouldEqual, options.ErrUnknownOption)

				Convey("They should be retrieved", func() {
					bundle, err := a.RetrieveOptions()
					So(err, ShouldBeNil)
					So(bundle.Keys(), ShouldResemble, []string{OptionCBSRequestTimeout, OptionSASTokenRefreshTime, OptionSASTokenLifetime})
					v, _ := bundle.Get(OptionSASTokenLifetime)
					So(v, ShouldEqual, 2*time.Hour)
				})
			})
		})
	})
}
