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

// Package tracker implements the per-host actor that owns a host's resource
// cache and lease.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/carverauto/rdregistry/pkg/actor"
	"github.com/carverauto/rdregistry/pkg/cache"
	"github.com/carverauto/rdregistry/pkg/lease"
	"github.com/carverauto/rdregistry/pkg/logger"
	"github.com/carverauto/rdregistry/pkg/metrics"
	"github.com/carverauto/rdregistry/pkg/models"
	"github.com/carverauto/rdregistry/pkg/registry"
	"github.com/carverauto/rdregistry/pkg/transport"
)

var (
	// ErrStopped is returned by queries against a tracker that has exited.
	ErrStopped = errors.New("tracker stopped")
	// ErrAlreadyRegistered means another tracker owns the host.
	ErrAlreadyRegistered = errors.New("host already has a tracker")
	// ErrPanic is the exit reason of a tracker that crashed in a handler.
	ErrPanic = errors.New("tracker crashed")

	errAlreadyStarted = errors.New("tracker already started")
	errNotStarted     = errors.New("tracker not started")
)

// State is the lifecycle position of a tracker.
type State int32

const (
	StateStarting State = iota
	StateActive
	StateTerminating
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateTerminating:
		return "terminating"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type messageKind int

const (
	msgBroadcast messageKind = iota
	msgCommand
	msgFetch
	msgUpdate
	msgStop
)

type message struct {
	kind  messageKind
	data  []byte
	reply chan []models.Resource
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithClock replaces the wall clock used for lease arithmetic.
func WithClock(c lease.Clock) Option {
	return func(t *Tracker) {
		t.clock = c
	}
}

// WithExitHook registers fn to run once the tracker has terminated and
// deregistered. err is nil for Stop, the context error for cancellation,
// and wraps ErrPanic for crashes.
func WithExitHook(fn func(t *Tracker, err error)) Option {
	return func(t *Tracker) {
		t.onExit = fn
	}
}

// Tracker is the actor responsible for one host. All state below the
// mailbox is touched only by the run goroutine.
type Tracker struct {
	id       string
	cfg      Config
	bus      transport.Bus
	registry *registry.Registry
	clock    lease.Clock
	logger   logger.Logger
	onExit   func(*Tracker, error)

	mailbox *actor.Mailbox[message]
	started atomic.Bool
	state   atomic.Int32
	done    chan struct{}
	exitErr error

	cache *cache.Cache
	lease lease.Lease
	subs  []transport.Subscription
}

// New validates cfg and returns a tracker in the Starting state.
func New(cfg Config, bus transport.Bus, reg *registry.Registry, log logger.Logger, opts ...Option) (*Tracker, error) {
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	id := uuid.NewString()

	t := &Tracker{
		id:       id,
		cfg:      cfg,
		bus:      bus,
		registry: reg,
		clock:    lease.RealClock{},
		logger: log.WithFields(map[string]interface{}{
			"host":       cfg.Host,
			"tracker_id": id,
		}),
		mailbox: actor.NewMailbox[message](),
		done:    make(chan struct{}),
		cache:   cache.New(),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t, nil
}

func (t *Tracker) Host() string { return t.cfg.Host }

// ID is unique per tracker instance, so restarts are distinguishable in logs.
func (t *Tracker) ID() string { return t.id }

func (t *Tracker) State() State { return State(t.state.Load()) }

// Done is closed once the tracker has deregistered and released its
// subscriptions.
func (t *Tracker) Done() <-chan struct{} { return t.done }

// Err returns the exit reason. Only meaningful after Done is closed.
func (t *Tracker) Err() error {
	select {
	case <-t.done:
		return t.exitErr
	default:
		return nil
	}
}

// Start registers the tracker, subscribes to the host's destinations, seeds
// or requests the cache and launches the event loop. The loop exits when
// ctx is cancelled, Stop is called, or a handler panics.
func (t *Tracker) Start(ctx context.Context) error {
	if !t.started.CompareAndSwap(false, true) {
		return errAlreadyStarted
	}

	if _, ok := t.registry.TryRegister(t.cfg.Host, t); !ok {
		t.abort(nil)

		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, t.cfg.Host)
	}

	if err := t.subscribe(); err != nil {
		t.abort(err)

		return err
	}

	metrics.TrackersActive.Inc()

	if len(t.cfg.Seed) > 0 {
		for i := range t.cfg.Seed {
			t.cache.Insert(&t.cfg.Seed[i])
		}

		t.logger.Info().Int("resources", len(t.cfg.Seed)).Msg("Tracker seeded")
	} else {
		t.requestResources()
	}

	t.lease = lease.New(t.clock.Now(), t.cfg.Lease, t.cfg.Granularity)
	t.state.Store(int32(StateActive))

	t.logger.Info().
		Dur("lease", t.cfg.Lease).
		Bool("mirror", t.cfg.Mirror).
		Msg("Tracker active")

	go t.run(ctx)

	return nil
}

// Stop asks the tracker to terminate after the messages already queued.
// Stopping a tracker that has exited is a no-op.
func (t *Tracker) Stop() {
	t.mailbox.Put(message{kind: msgStop})
}

// Update nudges the tracker without changing its cache.
func (t *Tracker) Update() {
	t.mailbox.Put(message{kind: msgUpdate})
}

// Fetch returns the current cache contents. It does not touch the lease.
func (t *Tracker) Fetch(ctx context.Context) ([]models.Resource, error) {
	if !t.started.Load() {
		return nil, errNotStarted
	}

	reply := make(chan []models.Resource, 1)
	if !t.mailbox.Put(message{kind: msgFetch, reply: reply}) {
		return nil, ErrStopped
	}

	select {
	case resources := <-reply:
		return resources, nil
	case <-t.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Tracker) onBroadcast(msg *transport.Message) {
	t.mailbox.Put(message{kind: msgBroadcast, data: msg.Data})
}

func (t *Tracker) onCommand(msg *transport.Message) {
	t.mailbox.Put(message{kind: msgCommand, data: msg.Data})
}

func (t *Tracker) run(ctx context.Context) {
	var exitErr error

	defer func() {
		t.terminate(exitErr)
	}()

	timer := time.NewTimer(t.cfg.Lease)
	defer timer.Stop()

	for {
		wait := t.lease.Remaining(t.clock.Now())
		if wait == 0 {
			if err := t.guard(t.expire); err != nil {
				exitErr = err

				return
			}

			continue
		}

		timer.Reset(wait)

		select {
		case <-ctx.Done():
			exitErr = ctx.Err()

			return
		case <-timer.C:
		case <-t.mailbox.Ready():
			msg, ok := t.mailbox.Pop()
			if !ok {
				continue
			}

			if stop, err := t.handle(msg); stop {
				exitErr = err

				return
			}
		}
	}
}

func (t *Tracker) handle(msg message) (stop bool, err error) {
	if msg.kind == msgStop {
		return true, nil
	}

	err = t.guard(func() {
		switch msg.kind {
		case msgBroadcast:
			t.handleBroadcast(msg.data)
		case msgCommand:
			t.handleCommand(msg.data)
		case msgFetch:
			msg.reply <- t.cache.List()
		case msgUpdate:
			t.logger.Debug().Msg("Update received")
		}
	})

	return err != nil, err
}

// guard runs fn and turns a panic into an ErrPanic exit reason.
func (t *Tracker) guard(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Tracker crashed")

			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()

	fn()

	return nil
}

func (t *Tracker) handleBroadcast(data []byte) {
	r, err := models.DecodeResource(data)
	if err != nil {
		metrics.DecodeFailures.Inc()
		t.logger.Error().Err(err).Int("bytes", len(data)).Msg("Dropping undecodable broadcast")

		return
	}

	replaced := t.cache.Insert(&r)
	metrics.ResourcesReceived.Inc()

	t.logger.Debug().
		Str("resource", r.Key().String()).
		Bool("replaced", replaced).
		Msg("Resource cached")
}

func (t *Tracker) handleCommand(data []byte) {
	verb := strings.TrimSpace(string(data))

	switch verb {
	case transport.CommandResources:
		t.announce()
	default:
		metrics.CommandsIgnored.Inc()
		t.logger.Warn().Str("command", verb).Msg("Ignoring unknown command")
	}
}

// announce publishes every cached resource, one message each.
func (t *Tracker) announce() {
	subject := transport.BroadcastSubject(t.cfg.Host)
	resources := t.cache.List()

	for i := range resources {
		data, err := models.EncodeResource(&resources[i])
		if err != nil {
			t.logger.Error().Err(err).Str("resource", resources[i].Key().String()).Msg("Failed to encode resource")

			continue
		}

		if err := t.bus.Publish(subject, data); err != nil {
			t.logger.Warn().Err(err).Str("subject", subject).Msg("Failed to publish resource")

			continue
		}

		metrics.BroadcastsPublished.Inc()
	}

	t.logger.Debug().Int("resources", len(resources)).Msg("Announced resources")
}

func (t *Tracker) requestResources() {
	subject := transport.CommandSubject(t.cfg.Host)

	if err := t.bus.Publish(subject, []byte(transport.CommandResources)); err != nil {
		t.logger.Warn().Err(err).Str("subject", subject).Msg("Failed to request resources")

		return
	}

	metrics.CommandsPublished.WithLabelValues(transport.CommandResources).Inc()
}

// expire drops everything cached and asks the host to announce again.
func (t *Tracker) expire() {
	dropped := t.cache.Clear()

	t.requestResources()

	t.lease = t.lease.Renew(t.clock.Now())
	metrics.LeaseRefreshes.Inc()

	t.logger.Info().Int("dropped", dropped).Msg("Lease expired, cache cleared")
}

func (t *Tracker) subscribe() error {
	subject := transport.BroadcastSubject(t.cfg.Host)

	sub, err := t.bus.Subscribe(subject, t.onBroadcast)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	t.subs = append(t.subs, sub)

	if t.cfg.Mirror {
		return nil
	}

	subject = transport.CommandSubject(t.cfg.Host)

	sub, err = t.bus.QueueSubscribe(subject, subject, t.onCommand)
	if err != nil {
		return fmt.Errorf("failed to consume %s: %w", subject, err)
	}

	t.subs = append(t.subs, sub)

	return nil
}

func (t *Tracker) unsubscribe() {
	for _, sub := range t.subs {
		if err := sub.Unsubscribe(); err != nil {
			t.logger.Warn().Err(err).Msg("Failed to release subscription")
		}
	}

	t.subs = nil
}

// abort unwinds a Start that failed before the loop was launched.
func (t *Tracker) abort(err error) {
	t.state.Store(int32(StateTerminating))
	t.mailbox.Close()
	t.registry.DeregisterByHandle(t)
	t.unsubscribe()
	t.exitErr = err
	close(t.done)
}

func (t *Tracker) terminate(reason error) {
	t.state.Store(int32(StateTerminating))

	dropped := t.mailbox.Close()
	t.registry.DeregisterByHandle(t)
	t.unsubscribe()
	metrics.TrackersActive.Dec()

	t.exitErr = reason
	close(t.done)

	event := t.logger.Info()
	if reason != nil && !errors.Is(reason, context.Canceled) {
		event = t.logger.Warn().Err(reason)
	}

	event.Int("dropped_messages", dropped).Msg("Tracker terminated")

	if t.onExit != nil {
		t.onExit(t, reason)
	}
}
