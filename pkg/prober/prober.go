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

// Package prober periodically checks that tracked hosts are still reachable
// and stops the trackers of hosts that are not.
package prober

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/carverauto/rdregistry/pkg/actor"
	"github.com/carverauto/rdregistry/pkg/liveness"
	"github.com/carverauto/rdregistry/pkg/logger"
	"github.com/carverauto/rdregistry/pkg/metrics"
	"github.com/carverauto/rdregistry/pkg/registry"
)

const (
	DefaultHeartbeat    = 3600 * time.Second
	DefaultProbeTimeout = 10 * time.Second
)

var (
	errAlreadyStarted = errors.New("prober already started")
	errNoReply        = errors.New("peer closed without replying")
)

// DialFunc opens the probe connection.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Config holds prober timings.
type Config struct {
	Heartbeat    time.Duration
	ProbeTimeout time.Duration
	Port         int
}

func (c *Config) setDefaults() {
	if c.Heartbeat <= 0 {
		c.Heartbeat = DefaultHeartbeat
	}

	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}

	if c.Port <= 0 {
		c.Port = liveness.DefaultPort
	}
}

// Option customizes a Prober.
type Option func(*Prober)

// WithExempt skips hosts for which skip returns true. The daemon uses it
// for hosts whose resources it serves itself and which run no responder.
func WithExempt(skip func(host string) bool) Option {
	return func(p *Prober) {
		p.exempt = skip
	}
}

// WithDialer replaces the TCP dialer.
func WithDialer(d DialFunc) Option {
	return func(p *Prober) {
		p.dial = d
	}
}

// WithResultHook is called after every probe with its outcome.
func WithResultHook(fn func(host string, alive bool)) Option {
	return func(p *Prober) {
		p.onResult = fn
	}
}

type request struct {
	host string // empty means every registered host
	stop bool
}

// Prober is the single actor that launches probe tasks. Probe tasks run
// detached; a failed task only sends Stop to the tracker it finds.
type Prober struct {
	cfg      Config
	registry *registry.Registry
	logger   logger.Logger
	dial     DialFunc
	onResult func(string, bool)
	exempt   func(string) bool

	mailbox *actor.Mailbox[request]
	started atomic.Bool
	done    chan struct{}
	probes  sync.WaitGroup
}

// New returns a prober over reg. It does nothing until Start.
func New(cfg Config, reg *registry.Registry, log logger.Logger, opts ...Option) *Prober {
	cfg.setDefaults()

	p := &Prober{
		cfg:      cfg,
		registry: reg,
		logger:   log,
		dial:     (&net.Dialer{}).DialContext,
		mailbox:  actor.NewMailbox[request](),
		done:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Probe schedules a liveness check of one host. Hosts without a tracker
// are ignored.
func (p *Prober) Probe(host string) {
	if host == "" {
		return
	}

	p.mailbox.Put(request{host: host})
}

// ProbeAll schedules a liveness check of every registered host.
func (p *Prober) ProbeAll() {
	p.mailbox.Put(request{})
}

// Start runs the prober loop until ctx is cancelled or Stop is called.
func (p *Prober) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return errAlreadyStarted
	}

	defer close(p.done)
	defer p.mailbox.Close()

	p.logger.Info().
		Dur("heartbeat", p.cfg.Heartbeat).
		Dur("probe_timeout", p.cfg.ProbeTimeout).
		Int("port", p.cfg.Port).
		Msg("Prober started")

	timer := time.NewTimer(p.cfg.Heartbeat)
	defer timer.Stop()

	next := time.Now().Add(p.cfg.Heartbeat)

	for {
		wait := time.Until(next)
		if wait <= 0 {
			metrics.Heartbeats.Inc()
			p.probeAll()

			next = time.Now().Add(p.cfg.Heartbeat)

			continue
		}

		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		case <-p.mailbox.Ready():
			req, ok := p.mailbox.Pop()
			if !ok {
				continue
			}

			switch {
			case req.stop:
				return nil
			case req.host == "":
				p.probeAll()
			default:
				p.probeTracked(req.host)
			}
		}
	}
}

// Stop ends the loop and waits for in-flight probes, bounded by ctx.
func (p *Prober) Stop(ctx context.Context) error {
	p.mailbox.Put(request{stop: true})

	finished := make(chan struct{})

	go func() {
		if p.started.Load() {
			<-p.done
		}

		p.probes.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Prober) probeAll() {
	entries := p.registry.All()

	p.logger.Debug().Int("hosts", len(entries)).Msg("Probing all hosts")

	for _, e := range entries {
		if p.exempt != nil && p.exempt(e.Host) {
			continue
		}

		p.launch(e.Host)
	}
}

// probeTracked launches a probe only for hosts that have a tracker.
func (p *Prober) probeTracked(host string) {
	if _, ok := p.registry.Lookup(host); !ok {
		p.logger.Debug().Str("host", host).Msg("Ignoring probe request for untracked host")

		return
	}

	if p.exempt != nil && p.exempt(host) {
		p.logger.Debug().Str("host", host).Msg("Host is exempt from probing")

		return
	}

	p.launch(host)
}

func (p *Prober) launch(host string) {
	p.probes.Add(1)
	metrics.ProbesInFlight.Inc()

	go func() {
		defer p.probes.Done()
		defer metrics.ProbesInFlight.Dec()

		p.probe(host)
	}()
}

func (p *Prober) probe(host string) {
	addr := p.address(host)
	start := time.Now()

	err := p.check(addr)
	alive := err == nil

	metrics.ObserveProbe(alive, time.Since(start))

	if !alive {
		// The tracker may have been replaced or stopped since launch, so
		// the handle is looked up only now.
		if h, ok := p.registry.Lookup(host); ok {
			h.Stop()
		}

		p.logger.Warn().Err(err).Str("host", host).Str("addr", addr).Msg("Host unreachable, tracker stopped")
	}

	if p.onResult != nil {
		p.onResult(host, alive)
	}
}

func (p *Prober) check(addr string) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ProbeTimeout)
	defer cancel()

	conn, err := p.dial(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	defer func() { _ = conn.Close() }()

	if err := conn.SetDeadline(time.Now().Add(p.cfg.ProbeTimeout)); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}

	if _, err := conn.Write(liveness.Ping); err != nil {
		return fmt.Errorf("write: %w", err)
	}

	buf := make([]byte, len(liveness.Pong))

	n, err := conn.Read(buf)
	if n > 0 {
		return nil
	}

	if err == nil {
		err = errNoReply
	}

	return fmt.Errorf("read: %w", err)
}

// address returns host:port, leaving identifiers that already carry a
// port untouched.
func (p *Prober) address(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}

	return net.JoinHostPort(host, strconv.Itoa(p.cfg.Port))
}
