// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package amqp

import (
	"errors"
	"strconv"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/streadway/amqp"
)

// CBS request headers
const (
	CBSOperationPutToken = "put-token"
	CBSTokenType         = "servicebus.windows.net:sastoken"
)

// DefaultCBSResponseTimeout is how long a put-token request waits for its response
var DefaultCBSResponseTimeout = 30 * time.Second

var (
	// ErrTokenRejected is returned when the CBS node refuses a token
	ErrTokenRejected = errors.New("Token rejected")
	// ErrNoResponse is returned when the CBS node did not respond in time
	ErrNoResponse = errors.New("No response from CBS node")
)

// CBS sends put-token requests to the claims-based security node behind the exchange of a Session
type CBS struct {
	session *Session
	ctx     log.Interface

	// ResponseTimeout overrides DefaultCBSResponseTimeout
	ResponseTimeout time.Duration
}

// NewCBS returns a CBS client on the given Session
func NewCBS(session *Session) *CBS {
	return &CBS{
		session: session,
		ctx:     session.ctx.WithField("Component", "CBS"),
	}
}

// PutToken implements auth.CBS. The channel is opened and the request is sent
// from a separate goroutine; the outcome is delivered on the returned channel.
func (c *CBS) PutToken(audience, token string) (<-chan error, error) {
	if !c.session.connected() {
		return nil, ErrNotConnected
	}
	result := make(chan error, 1)
	go func() {
		ch, err := c.session.channel()
		if err != nil {
			result <- err
			return
		}
		defer ch.Close()
		result <- c.putToken(ch, audience, token)
	}()
	return result, nil
}

func (c *CBS) putToken(ch *amqp.Channel, audience, token string) error {
	ctx := c.ctx.WithField("Audience", audience)

	replies, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return err
	}
	responses, err := ch.Consume(replies.Name, "", true, true, false, false, nil)
	if err != nil {
		return err
	}
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))

	correlationID := uuid.New().String()
	err = ch.Publish(c.session.config.ExchangeName, CBSRoutingKey, false, false, amqp.Publishing{
		MessageId:     correlationID,
		CorrelationId: correlationID,
		ReplyTo:       replies.Name,
		Headers: amqp.Table{
			"operation": CBSOperationPutToken,
			"type":      CBSTokenType,
			"name":      audience,
		},
		Body: []byte(token),
	})
	if err != nil {
		return err
	}

	timeout := c.ResponseTimeout
	if timeout == 0 {
		timeout = DefaultCBSResponseTimeout
	}
	deadline := time.After(timeout)
	for {
		select {
		case <-deadline:
			return ErrNoResponse
		case amqpErr := <-closed:
			if amqpErr == nil {
				return ErrNotConnected
			}
			return amqpErr
		case response, ok := <-responses:
			if !ok {
				return ErrNotConnected
			}
			if response.CorrelationId != correlationID {
				continue
			}
			code, ok := statusCode(response.Headers["status-code"])
			if !ok || (code != 200 && code != 202) {
				ctx.WithField("StatusCode", response.Headers["status-code"]).
					WithField("Description", response.Headers["status-description"]).
					Warn("Token rejected")
				return ErrTokenRejected
			}
			ctx.Debug("Token accepted")
			return nil
		}
	}
}

func statusCode(value interface{}) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int16:
		return int(v), true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case string:
		code, err := strconv.Atoi(v)
		return code, err == nil
	}
	return 0, false
}
