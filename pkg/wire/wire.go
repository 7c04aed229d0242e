/*
 * Copyright 2025 the Calcifer Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package wire is the NATS adapter between the control plane and the
// controllers. Subjects follow the controller firmware's convention:
//
//	<controller>.<handlerType>.<component>.state        inbound feedback
//	<controller>.<sensorType>.<sensorName>.temperature  inbound readings
//	<controller>.<handlerType>.<component>.set          outbound commands
//
// Payloads are plain ASCII: "0"/"1"/"true"/"false" for relays ("true"/"false"
// on the command side), "0".."4" for fans, a decimal number for temperatures.
package wire

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sony/gobreaker"

	"github.com/dmgiangi/calcifer-sub000/pkg/bus"
	"github.com/dmgiangi/calcifer-sub000/pkg/correlation"
	"github.com/dmgiangi/calcifer-sub000/pkg/health"
	"github.com/dmgiangi/calcifer-sub000/pkg/logger"
	"github.com/dmgiangi/calcifer-sub000/pkg/models"
)

const (
	subjectStateWildcard       = "*.*.*.state"
	subjectTemperatureWildcard = "*.*.*.temperature"

	suffixState       = "state"
	suffixTemperature = "temperature"
	suffixSet         = "set"

	handlerDigitalOutput = "digital_output"
	handlerFan           = "fan"
)

var (
	ErrMalformedSubject = errors.New("malformed wire subject")
	ErrNotConnected     = errors.New("wire adapter is not connected")
)

// Config configures the broker connection.
type Config struct {
	URL            string        `json:"url"`
	Name           string        `json:"name"`
	ConnectTimeout time.Duration `json:"connect_timeout"`
	MaxReconnects  int           `json:"max_reconnects"`
	ReconnectWait  time.Duration `json:"reconnect_wait"`
}

// Connect dials the broker with reconnect handling wired into the logger.
func Connect(cfg Config, log logger.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.Timeout(cfg.ConnectTimeout),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", cfg.URL, err)
	}

	return conn, nil
}

// Adapter bridges broker subjects and bus events. Outbound publishes run
// through a circuit breaker; breaker state feeds the health gate so the
// reconciler stops commanding devices over a dead transport.
type Adapter struct {
	conn    *nats.Conn
	events  bus.Publisher
	gate    health.Reporter
	breaker *gobreaker.CircuitBreaker
	log     logger.Logger

	subs []*nats.Subscription
}

func NewAdapter(conn *nats.Conn, events bus.Publisher, gate health.Reporter, log logger.Logger) *Adapter {
	a := &Adapter{
		conn:   conn,
		events: events,
		gate:   gate,
		log:    log.WithComponent("wire"),
	}

	a.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "nats-publish",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			a.log.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("publish circuit breaker state changed")

			if to == gobreaker.StateOpen {
				a.gate.ReportFailure(health.ComponentMessaging, errors.New("publish circuit open"))
			}

			if to == gobreaker.StateClosed {
				a.gate.ReportRecovery(health.ComponentMessaging)
			}
		},
	})

	return a
}

// Start subscribes to the inbound subject families.
func (a *Adapter) Start() error {
	stateSub, err := a.conn.Subscribe(subjectStateWildcard, a.handleState)
	if err != nil {
		return fmt.Errorf("failed to subscribe to state subjects: %w", err)
	}

	tempSub, err := a.conn.Subscribe(subjectTemperatureWildcard, a.handleTemperature)
	if err != nil {
		return fmt.Errorf("failed to subscribe to temperature subjects: %w", err)
	}

	a.subs = append(a.subs, stateSub, tempSub)

	return nil
}

// Close drains subscriptions and the connection.
func (a *Adapter) Close() {
	for _, sub := range a.subs {
		_ = sub.Unsubscribe()
	}

	if a.conn != nil {
		_ = a.conn.Drain()
	}
}

type subjectParts struct {
	controller string
	middle     string
	component  string
}

func splitSubject(subject, wantSuffix string) (subjectParts, error) {
	parts := strings.Split(subject, ".")
	if len(parts) != 4 || parts[3] != wantSuffix {
		return subjectParts{}, fmt.Errorf("%w: %q", ErrMalformedSubject, subject)
	}

	for _, p := range parts[:3] {
		if p == "" {
			return subjectParts{}, fmt.Errorf("%w: %q", ErrMalformedSubject, subject)
		}
	}

	return subjectParts{controller: parts[0], middle: parts[1], component: parts[2]}, nil
}

func (a *Adapter) handleState(msg *nats.Msg) {
	parts, err := splitSubject(msg.Subject, suffixState)
	if err != nil {
		a.log.Warn().Err(err).Msg("dropping inbound state frame")
		return
	}

	ctx, correlationID := correlation.Ensure(context.Background())

	a.events.Publish(ctx, models.ActuatorFeedbackReceived{
		ControllerID:  parts.controller,
		HandlerType:   parts.middle,
		ComponentID:   parts.component,
		Payload:       string(msg.Data),
		MessageID:     msg.Header.Get(nats.MsgIdHdr),
		CorrelationID: correlationID,
	})
}

func (a *Adapter) handleTemperature(msg *nats.Msg) {
	parts, err := splitSubject(msg.Subject, suffixTemperature)
	if err != nil {
		a.log.Warn().Err(err).Msg("dropping inbound temperature frame")
		return
	}

	celsius, err := strconv.ParseFloat(strings.TrimSpace(string(msg.Data)), 64)
	if err != nil {
		a.log.Warn().Err(err).
			Str("subject", msg.Subject).
			Str("payload", string(msg.Data)).
			Msg("unparseable temperature payload")

		return
	}

	ctx, correlationID := correlation.Ensure(context.Background())

	a.events.Publish(ctx, models.TemperatureReadingReceived{
		Reading: models.TemperatureReading{
			ControllerID: parts.controller,
			SensorType:   parts.middle,
			SensorName:   parts.component,
			Celsius:      celsius,
			ReportedAt:   time.Now().UTC(),
		},
		CorrelationID: correlationID,
	})
}

// HandleCommand publishes a device command. Wired as the bus listener for
// DeviceCommandEvent.
func (a *Adapter) HandleCommand(_ context.Context, event models.DeviceCommandEvent) {
	subject, payload, err := EncodeCommand(event)
	if err != nil {
		a.log.Error().Err(err).Str("device", event.ID.String()).Msg("unencodable device command")
		return
	}

	_, err = a.breaker.Execute(func() (any, error) {
		return nil, a.conn.Publish(subject, []byte(payload))
	})
	if err != nil {
		a.log.Error().Err(err).
			Str("subject", subject).
			Str("device", event.ID.String()).
			Msg("failed to publish device command")
		a.gate.ReportFailure(health.ComponentMessaging, err)

		return
	}

	a.gate.ReportRecovery(health.ComponentMessaging)

	a.log.Debug().
		Str("subject", subject).
		Str("payload", payload).
		Str("correlation_id", event.CorrelationID).
		Msg("device command published")
}

// EncodeCommand maps a command event to its subject and ASCII payload.
func EncodeCommand(event models.DeviceCommandEvent) (subject, payload string, err error) {
	handler, err := handlerTypeFor(event.Type)
	if err != nil {
		return "", "", err
	}

	switch event.Value.Kind() {
	case models.ValueKindRelay:
		payload = strconv.FormatBool(event.Value.RelayOn())
	case models.ValueKindFan:
		payload = strconv.Itoa(event.Value.FanSpeed())
	default:
		return "", "", models.ErrNoValue
	}

	subject = event.ID.ControllerID + "." + handler + "." + event.ID.ComponentID + "." + suffixSet

	return subject, payload, nil
}

func handlerTypeFor(t models.DeviceType) (string, error) {
	switch t {
	case models.DeviceTypeRelay:
		return handlerDigitalOutput, nil
	case models.DeviceTypeFan:
		return handlerFan, nil
	default:
		return "", fmt.Errorf("%w: %q has no command handler", models.ErrUnknownDeviceType, t)
	}
}
