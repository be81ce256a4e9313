// Copyright © 2016 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package transport

import (
	"errors"
	"sync"
	"time"

	"github.com/TheThingsNetwork/amqp-device-transport/auth"
	"github.com/TheThingsNetwork/amqp-device-transport/device"
	"github.com/TheThingsNetwork/amqp-device-transport/messenger"
	"github.com/TheThingsNetwork/amqp-device-transport/middleware"
	"github.com/TheThingsNetwork/amqp-device-transport/options"
	"github.com/TheThingsNetwork/amqp-device-transport/retry"
	"github.com/TheThingsNetwork/amqp-device-transport/types"
	"github.com/apex/log"
	"github.com/deckarep/golang-set"
	multierror "github.com/hashicorp/go-multierror"
)

var (
	// DefaultRetryPolicy is the retry policy of devices that are registered on a Transport
	DefaultRetryPolicy = retry.PolicyInterval
	// DefaultRetryMaxDuration is how long a Transport keeps restarting a failing device
	DefaultRetryMaxDuration = 5 * time.Minute
	// WatchdogExpire is how many work intervals may pass without DoWork before the work loop is considered stalled
	WatchdogExpire = 10
)

var (
	// ErrDeviceNotFound is returned for operations on a device that is not registered
	ErrDeviceNotFound = errors.New("Device not found")
	// ErrAlreadyRegistered is returned when registering a device twice
	ErrAlreadyRegistered = errors.New("Device already registered")
	// ErrStopped is returned for operations on a Transport that was stopped
	ErrStopped = errors.New("Transport stopped")
)

type status int

const (
	statusNew status = iota
	statusRunning
	statusStopped
)

type entry struct {
	device *device.Device

	// failing is set while the device is in an error state and the retry control decides on restarts
	failing bool
	gaveUp  bool
}

// Transport drives the devices that share a messenger session and CBS node.
//
// Every device and its callbacks are handled on a single work loop that is
// started by Start. Other goroutines hand their operations to that loop.
// Callbacks run on the work loop and must not call methods of the Transport.
//
// Devices are started when they are registered. A device that falls into an
// error state is stopped and started again whenever its retry control says so.
type Transport struct {
	ctx     log.Interface
	mu      sync.Mutex
	status  status
	work    chan func()
	done    chan struct{}
	stopped chan struct{}
	stopErr error

	session messenger.Session
	cbs     auth.CBS

	retryPolicy      retry.Policy
	retryMaxDuration time.Duration
	retryOptions     *options.Bundle

	middleware middleware.Chain

	devices  map[string]*entry
	registry deviceRegistry
}

// New initializes a new Transport on the given session and CBS node. The cbs
// is only needed for devices that use CBS authentication.
func New(ctx log.Interface, session messenger.Session, cbs auth.CBS) *Transport {
	return &Transport{
		ctx:              ctx.WithField("Component", "Transport"),
		work:             make(chan func()),
		done:             make(chan struct{}),
		stopped:          make(chan struct{}),
		session:          session,
		cbs:              cbs,
		retryPolicy:      DefaultRetryPolicy,
		retryMaxDuration: DefaultRetryMaxDuration,
		retryOptions:     options.NewBundle(),
		devices:          make(map[string]*entry),
		registry:         mapset.NewSet(),
	}
}

// AddMiddleware adds middleware that handles registrations, events and cloud-to-device messages. It must be called before Start.
func (t *Transport) AddMiddleware(m ...interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.middleware = append(t.middleware, m...)
}

func (t *Transport) chain() middleware.Chain {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.middleware
}

// do runs f on the work loop, or directly if the loop was not started yet
func (t *Transport) do(f func() error) error {
	t.mu.Lock()
	switch t.status {
	case statusNew:
		defer t.mu.Unlock()
		return f()
	case statusStopped:
		t.mu.Unlock()
		return ErrStopped
	}
	t.mu.Unlock()

	result := make(chan error, 1)
	select {
	case t.work <- func() { result <- f() }:
		return <-result
	case <-t.done:
		return ErrStopped
	}
}

func (t *Transport) get(deviceID string) (*entry, error) {
	e, ok := t.devices[deviceID]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	return e, nil
}

// SetRetryPolicy sets the retry policy of registered and future devices
func (t *Transport) SetRetryPolicy(policy retry.Policy, maxRetryDuration time.Duration) error {
	if !policy.Supported() {
		return retry.ErrUnsupportedPolicy
	}
	if _, err := retry.New(policy, maxRetryDuration); err != nil {
		return err
	}
	return t.do(func() error {
		t.retryPolicy, t.retryMaxDuration = policy, maxRetryDuration
		for _, e := range t.devices {
			if err := t.setRetryPolicy(e.device); err != nil {
				return err
			}
			e.failing, e.gaveUp = false, false
		}
		return nil
	})
}

// SetRetryOption sets a tunable of the retry control of registered and future devices
func (t *Transport) SetRetryOption(name string, value interface{}) error {
	control, err := retry.New(DefaultRetryPolicy, DefaultRetryMaxDuration)
	if err != nil {
		return err
	}
	if err := control.SetOption(name, value); err != nil {
		return err
	}
	return t.do(func() error {
		if err := t.retryOptions.Add(name, value); err != nil {
			return err
		}
		for _, e := range t.devices {
			if err := e.device.RetryControl().SetOption(name, value); err != nil {
				return err
			}
		}
		return nil
	})
}

func (t *Transport) setRetryPolicy(d *device.Device) error {
	if err := d.SetRetryPolicy(t.retryPolicy, t.retryMaxDuration); err != nil {
		return err
	}
	return t.retryOptions.FeedInto(d.RetryControl())
}

// Register creates a device and starts it. The OnStateChanged callback of the config is optional.
func (t *Transport) Register(config device.Config) error {
	onStateChanged := config.OnStateChanged
	config.OnStateChanged = func(previous, new device.State) {
		if onStateChanged != nil {
			onStateChanged(previous, new)
		}
	}
	chain := t.chain()
	return t.do(func() error {
		ctx := t.ctx.WithField("DeviceID", config.DeviceID)
		if _, ok := t.devices[config.DeviceID]; ok {
			return ErrAlreadyRegistered
		}
		d, err := device.New(&config, t.ctx)
		if err != nil {
			return err
		}
		if err := t.setRetryPolicy(d); err != nil {
			d.Destroy()
			return err
		}
		if err := chain.ExecuteRegister(middleware.NewContext(), config.DeviceID); err != nil {
			d.Destroy()
			return err
		}
		if err := d.StartAsync(t.session, t.cbs); err != nil {
			d.Destroy()
			return err
		}
		t.devices[config.DeviceID] = &entry{device: d}
		if !t.registry.Add(config.DeviceID) {
			ctx.Debug("Registered device that was registered before")
		}
		registeredDevices.Set(float64(len(t.devices)))
		ctx.Info("Registered device")
		return nil
	})
}

// Unregister destroys a device. Its events that did not complete yet fail with device.SendResultDeviceDestroyed.
func (t *Transport) Unregister(deviceID string) error {
	chain := t.chain()
	return t.do(func() error {
		e, err := t.get(deviceID)
		if err != nil {
			return err
		}
		e.device.Destroy()
		if err := chain.ExecuteUnregister(middleware.NewContext(), deviceID); err != nil {
			t.ctx.WithField("DeviceID", deviceID).WithError(err).Warn("Middleware failed to handle unregistration")
		}
		delete(t.devices, deviceID)
		t.registry.Remove(deviceID)
		registeredDevices.Set(float64(len(t.devices)))
		t.ctx.WithField("DeviceID", deviceID).Info("Unregistered device")
		return nil
	})
}

// Devices returns the IDs of the registered devices. This includes devices that were registered when the Redis state was last persisted.
func (t *Transport) Devices() (deviceIDs []string) {
	t.mu.Lock()
	registry := t.registry
	t.mu.Unlock()
	for _, id := range registry.ToSlice() {
		if id, ok := id.(string); ok {
			deviceIDs = append(deviceIDs, id)
		}
	}
	return
}

// SendEvent queues an event of a device. Events that are refused by the middleware are not sent.
func (t *Transport) SendEvent(deviceID string, msg *types.Message, onComplete device.SendCompleteFunc) error {
	if msg == nil {
		return device.ErrInvalidArgument
	}
	if err := t.chain().ExecuteEvent(middleware.NewContext(), deviceID, msg); err != nil {
		return err
	}
	return t.do(func() error {
		e, err := t.get(deviceID)
		if err != nil {
			return err
		}
		return e.device.SendEventAsync(msg, onComplete)
	})
}

// Subscribe to the cloud-to-device messages of a device. Messages that are refused by the middleware are rejected.
func (t *Transport) Subscribe(deviceID string, onMessage device.MessageReceivedFunc) error {
	if chain := t.chain(); onMessage != nil && len(chain) > 0 {
		handler := onMessage
		onMessage = func(msg *types.Message) device.Disposition {
			if err := chain.ExecuteMessage(middleware.NewContext(), deviceID, msg); err != nil {
				t.ctx.WithField("DeviceID", deviceID).WithError(err).Debug("Middleware refused message")
				return device.DispositionRejected
			}
			return handler(msg)
		}
	}
	return t.do(func() error {
		e, err := t.get(deviceID)
		if err != nil {
			return err
		}
		return e.device.Subscribe(onMessage)
	})
}

// Unsubscribe from the cloud-to-device messages of a device
func (t *Transport) Unsubscribe(deviceID string) error {
	return t.do(func() error {
		e, err := t.get(deviceID)
		if err != nil {
			return err
		}
		return e.device.Unsubscribe()
	})
}

// SetOption sets an option of a device
func (t *Transport) SetOption(deviceID string, name string, value interface{}) error {
	return t.do(func() error {
		e, err := t.get(deviceID)
		if err != nil {
			return err
		}
		return e.device.SetOption(name, value)
	})
}

// RetrieveOptions returns the options of a device, which can be restored with device.OptionSavedOptions
func (t *Transport) RetrieveOptions(deviceID string) (bundle *options.Bundle, err error) {
	err = t.do(func() error {
		e, err := t.get(deviceID)
		if err != nil {
			return err
		}
		bundle, err = e.device.RetrieveOptions()
		return err
	})
	return
}

// State returns the state of a device
func (t *Transport) State(deviceID string) (state device.State, err error) {
	err = t.do(func() error {
		e, err := t.get(deviceID)
		if err != nil {
			return err
		}
		state = e.device.State()
		return nil
	})
	return
}

// SendStatus returns the send status of a device
func (t *Transport) SendStatus(deviceID string) (status device.SendStatus, err error) {
	err = t.do(func() error {
		e, err := t.get(deviceID)
		if err != nil {
			return err
		}
		status, err = e.device.SendStatus()
		return err
	})
	return
}

func (t *Transport) doWork() {
	for id, e := range t.devices {
		e.device.DoWork()
		t.supervise(t.ctx.WithField("DeviceID", id), e)
	}
}

func (t *Transport) supervise(ctx log.Interface, e *entry) {
	state := e.device.State()
	switch {
	case state == device.StateStarted:
		if e.failing {
			ctx.WithField("Retries", e.device.RetryControl().RetryCount()).Info("Device recovered")
		}
		e.failing, e.gaveUp = false, false
	case state == device.StateStopped:
		if err := e.device.StartAsync(t.session, t.cbs); err != nil {
			ctx.WithError(err).Warn("Could not start device")
		}
	case state.IsError():
		if e.gaveUp {
			return
		}
		control := e.device.RetryControl()
		if !e.failing {
			ctx.WithField("State", state).Warn("Device failed")
			control.Reset()
			e.failing = true
		}
		action, err := control.ShouldRetry()
		if err != nil {
			ctx.WithError(err).Error("Could not decide on restart, giving up")
			e.gaveUp = true
			return
		}
		switch action {
		case retry.ActionRetryNow:
			registerRestart(action)
			ctx.WithField("Retry", control.RetryCount()).Debug("Restarting device")
			if err := e.device.Stop(); err != nil {
				ctx.WithError(err).Warn("Could not stop device")
				return
			}
			if err := e.device.StartAsync(t.session, t.cbs); err != nil {
				ctx.WithError(err).Warn("Could not start device")
			}
		case retry.ActionStopRetrying:
			registerRestart(action)
			ctx.WithField("State", state).Error("Stopped restarting device")
			e.gaveUp = true
		}
	}
}

// Start the work loop of the Transport. DoWork of every device is called every interval.
func (t *Transport) Start(interval time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.status {
	case statusRunning:
		return nil
	case statusStopped:
		return ErrStopped
	}
	t.status = statusRunning
	go t.run(interval)
	t.ctx.WithField("Interval", interval).Debug("Started")
	return nil
}

func (t *Transport) run(interval time.Duration) {
	defer close(t.stopped)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	watchdog := newWatchdog(time.Duration(WatchdogExpire)*interval, func() {
		t.ctx.Warn("Work loop stalled")
	})
	defer watchdog.Stop()
	for {
		select {
		case <-t.done:
			t.stopErr = t.shutdown()
			return
		case f := <-t.work:
			f()
		case <-ticker.C:
			if watchdog.Kick() {
				t.ctx.Info("Work loop resumed")
			}
			t.doWork()
		}
	}
}

// shutdown stops and destroys every device; they stay in the registry
func (t *Transport) shutdown() error {
	var result error
	for id, e := range t.devices {
		state := e.device.State()
		if state != device.StateStopped && state != device.StateStopping {
			if err := e.device.Stop(); err != nil {
				result = multierror.Append(result, err)
			}
		}
		e.device.Destroy()
		delete(t.devices, id)
	}
	registeredDevices.Set(0)
	return result
}

// Stop the Transport and its devices. The failures to stop devices are returned.
func (t *Transport) Stop() error {
	t.mu.Lock()
	switch t.status {
	case statusStopped:
		t.mu.Unlock()
		return ErrStopped
	case statusNew:
		defer t.mu.Unlock()
		t.status = statusStopped
		close(t.done)
		close(t.stopped)
		return t.shutdown()
	}
	t.status = statusStopped
	close(t.done)
	t.mu.Unlock()
	<-t.stopped
	t.ctx.Debug("Stopped")
	return t.stopErr
}
