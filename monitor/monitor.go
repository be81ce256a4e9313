// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package monitor exposes the devices of a transport on a HTTP page.
//
// Device state changes, sent events and received messages are broadcast to
// websocket clients (socket.io) in the "evts" room. The states of the devices
// are served as JSON on /devices, and the Prometheus metrics on /metrics.
package monitor

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/TheThingsNetwork/amqp-device-transport/device"
	"github.com/TheThingsNetwork/amqp-device-transport/types"
	"github.com/apex/log"
	"github.com/googollee/go-socket.io"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// BufferSize indicates the maximum number of events that are buffered for websocket clients
var BufferSize = 10

const (
	room       = "evts"
	stateEvt   = "device-state"
	eventEvt   = "event"
	messageEvt = "message"
)

// DeviceState is the last known state of a device
type DeviceState struct {
	DeviceID string    `json:"device_id"`
	State    string    `json:"state"`
	Since    time.Time `json:"since"`
}

// Traffic is an event or message of a device
type Traffic struct {
	DeviceID    string            `json:"device_id"`
	MessageID   string            `json:"message_id,omitempty"`
	ContentType string            `json:"content_type,omitempty"`
	Properties  map[string]string `json:"properties,omitempty"`
	Payload     []byte            `json:"payload,omitempty"`
	Outcome     string            `json:"outcome"`
}

func newTraffic(deviceID string, msg *types.Message, outcome string) *Traffic {
	t := &Traffic{DeviceID: deviceID, Outcome: outcome}
	if msg != nil {
		t.MessageID = msg.MessageID
		t.ContentType = msg.ContentType
		t.Properties = msg.Properties
		t.Payload = msg.Payload
	}
	return t
}

// Server is a http server that exposes the devices of a transport
type Server struct {
	ctx     log.Interface
	addr    string
	server  *socketio.Server
	state   chan *DeviceState
	event   chan *Traffic
	message chan *Traffic

	mu      sync.RWMutex // Protects devices
	devices map[string]*DeviceState
}

// NewServer creates a new server
func NewServer(ctx log.Interface, addr string) (*Server, error) {
	server, err := socketio.NewServer(nil)
	if err != nil {
		return nil, err
	}

	return &Server{
		ctx:     ctx.WithField("Connector", "Monitor"),
		server:  server,
		addr:    addr,
		state:   make(chan *DeviceState, BufferSize),
		event:   make(chan *Traffic, BufferSize),
		message: make(chan *Traffic, BufferSize),
		devices: make(map[string]*DeviceState),
	}, nil
}

// Handler returns the HTTP handler of the server
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/socket.io/", s.server)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/devices", func(res http.ResponseWriter, _ *http.Request) {
		res.Header().Add("content-type", "application/json; charset=utf-8")
		enc := json.NewEncoder(res)
		enc.Encode(s.Devices())
	})
	return mux
}

// Listen opens the server and starts listening for http requests
func (s *Server) Listen() {
	s.server.On("connection", func(so socketio.Socket) {
		s.handleConnect(so)
	})

	go s.handleEvents()

	s.ctx.Infof("HTTP server listening on %s", s.addr)
	err := http.ListenAndServe(s.addr, s.Handler())
	if err != nil {
		s.ctx.WithError(err).Fatal("Could not serve HTTP")
	}
}

func (s *Server) handleConnect(so socketio.Socket) {
	ctx := s.ctx.WithField("ID", so.Id())
	ctx.Debug("Socket connected")
	so.Join(room)
	so.On("disconnection", func() {
		ctx.Debug("Socket disconnected")
	})
}

func (s *Server) handleEvents() {
	for {
		select {
		case state := <-s.state:
			s.emit(stateEvt, state)
		case msg := <-s.event:
			s.emit(eventEvt, msg)
		case msg := <-s.message:
			s.emit(messageEvt, msg)
		}
	}
}

func (s *Server) emit(name string, v interface{}) {
	marshalled, err := json.Marshal(v)
	if err != nil {
		s.ctx.WithError(err).Error("Could not marshal event")
		return
	}
	s.server.BroadcastTo(room, name, string(marshalled))
}

// StateChanged records the new state of a device and emits it on the server page
func (s *Server) StateChanged(deviceID string, state device.State) {
	update := &DeviceState{DeviceID: deviceID, State: state.String(), Since: time.Now()}
	s.mu.Lock()
	s.devices[deviceID] = update
	s.mu.Unlock()
	select {
	case s.state <- update:
	default:
		s.ctx.Warn("Dropping device state on websocket")
	}
}

// Unregistered forgets a device
func (s *Server) Unregistered(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices, deviceID)
}

// EventSent emits a completed event on the server page
func (s *Server) EventSent(deviceID string, msg *types.Message, result device.SendResult) {
	select {
	case s.event <- newTraffic(deviceID, msg, result.String()):
	default:
		s.ctx.Warn("Dropping event on websocket")
	}
}

// MessageReceived emits a received message on the server page
func (s *Server) MessageReceived(deviceID string, msg *types.Message, disposition device.Disposition) {
	select {
	case s.message <- newTraffic(deviceID, msg, disposition.String()):
	default:
		s.ctx.Warn("Dropping message on websocket")
	}
}

// Devices returns the last known states of the devices, ordered by ID
func (s *Server) Devices() []*DeviceState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	devices := make([]*DeviceState, 0, len(s.devices))
	for _, state := range s.devices {
		devices = append(devices, state)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].DeviceID < devices[j].DeviceID })
	return devices
}
