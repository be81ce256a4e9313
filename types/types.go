// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package types

import "time"

// Message is a device-to-cloud event or a cloud-to-device message
type Message struct {
	MessageID     string
	CorrelationID string
	ContentType   string
	Timestamp     time.Time
	Properties    map[string]string
	Payload       []byte
}

// NewMessage returns a Message with the given payload
func NewMessage(payload []byte) *Message {
	return &Message{
		Payload:    payload,
		Properties: make(map[string]string),
	}
}

// Clone returns a deep copy of the message
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	if m.Properties != nil {
		out.Properties = make(map[string]string, len(m.Properties))
		for k, v := range m.Properties {
			out.Properties[k] = v
		}
	}
	if m.Payload != nil {
		out.Payload = append([]byte(nil), m.Payload...)
	}
	return &out
}
