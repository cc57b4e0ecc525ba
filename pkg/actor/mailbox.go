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

// Package actor provides the inbox used by single-threaded actors such as
// host trackers and the liveness prober.
package actor

import "sync"

// Mailbox is an unbounded FIFO queue. Producers never block; the owning
// actor waits on Ready and drains with Pop, one message per wake-up.
type Mailbox[T any] struct {
	mu     sync.Mutex
	queue  []T
	ready  chan struct{}
	closed bool
}

// NewMailbox returns an open, empty mailbox.
func NewMailbox[T any]() *Mailbox[T] {
	return &Mailbox[T]{
		ready: make(chan struct{}, 1),
	}
}

// Put enqueues msg. It returns false once the mailbox has been closed.
func (m *Mailbox[T]) Put(msg T) bool {
	m.mu.Lock()

	if m.closed {
		m.mu.Unlock()

		return false
	}

	m.queue = append(m.queue, msg)
	m.mu.Unlock()

	m.signal()

	return true
}

// Pop removes the oldest message. If more remain, Ready fires again.
func (m *Mailbox[T]) Pop() (T, bool) {
	var zero T

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.queue) == 0 {
		return zero, false
	}

	msg := m.queue[0]
	m.queue[0] = zero
	m.queue = m.queue[1:]

	if len(m.queue) > 0 {
		m.signal()
	}

	return msg, true
}

// Ready fires when at least one message may be waiting.
func (m *Mailbox[T]) Ready() <-chan struct{} {
	return m.ready
}

// Close rejects further messages and discards queued ones, returning how
// many were dropped.
func (m *Mailbox[T]) Close() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0
	}

	m.closed = true
	dropped := len(m.queue)
	m.queue = nil

	return dropped
}

func (m *Mailbox[T]) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.closed
}

func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.queue)
}

func (m *Mailbox[T]) signal() {
	select {
	case m.ready <- struct{}{}:
	default:
	}
}
