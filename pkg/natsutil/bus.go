/*
 * Copyright 2025 Carver Automation Corporation.
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

// Package natsutil carries the transport bus over a NATS connection.
package natsutil

import (
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/carverauto/rdregistry/pkg/transport"
)

// Bus implements transport.Bus with core NATS subjects. Broadcasts use
// plain subscriptions and command queues use queue groups, so each command
// is delivered to exactly one consumer.
type Bus struct {
	nc *nats.Conn
}

var _ transport.Bus = (*Bus)(nil)

// NewBus wraps an established connection. The caller keeps ownership of nc.
func NewBus(nc *nats.Conn) *Bus {
	return &Bus{nc: nc}
}

func (b *Bus) Publish(subject string, data []byte) error {
	if err := b.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	return nil
}

func (b *Bus) Subscribe(subject string, h transport.Handler) (transport.Subscription, error) {
	sub, err := b.nc.Subscribe(subject, adapt(h))
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}

	return sub, nil
}

func (b *Bus) QueueSubscribe(subject, queue string, h transport.Handler) (transport.Subscription, error) {
	sub, err := b.nc.QueueSubscribe(subject, queue, adapt(h))
	if err != nil {
		return nil, fmt.Errorf("queue subscribe %s/%s: %w", subject, queue, err)
	}

	return sub, nil
}

// Flush round-trips to the server so subscriptions made so far are active.
func (b *Bus) Flush() error {
	return b.nc.Flush()
}

func adapt(h transport.Handler) nats.MsgHandler {
	return func(m *nats.Msg) {
		h(&transport.Message{Subject: m.Subject, Data: m.Data})
	}
}
