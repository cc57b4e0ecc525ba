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

//go:generate mockgen -destination=mock_transport.go -package=transport github.com/carverauto/rdregistry/pkg/transport Bus,Subscription

// Package transport defines the publish/subscribe contract trackers speak
// and the destination names derived from a host identifier.
package transport

// Message is an inbound delivery.
type Message struct {
	Subject string
	Data    []byte
}

// Handler consumes deliveries. Handlers run on the transport's goroutines
// and must not block.
type Handler func(msg *Message)

// Subscription is an active interest in a destination.
type Subscription interface {
	Unsubscribe() error
}

// Bus is a fire-and-forget publish/subscribe transport with topic-style
// (every subscriber) and queue-style (one member of the group) delivery.
type Bus interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	QueueSubscribe(subject, queue string, handler Handler) (Subscription, error)
}
