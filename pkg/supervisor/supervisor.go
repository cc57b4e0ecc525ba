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

// Package supervisor owns the set of trackers on a node: it starts them,
// refuses or supersedes duplicates, restarts crashed ones and feeds them
// hosts found by discovery.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/carverauto/rdregistry/pkg/advertiser"
	"github.com/carverauto/rdregistry/pkg/discovery"
	"github.com/carverauto/rdregistry/pkg/logger"
	"github.com/carverauto/rdregistry/pkg/metrics"
	"github.com/carverauto/rdregistry/pkg/models"
	"github.com/carverauto/rdregistry/pkg/registry"
	"github.com/carverauto/rdregistry/pkg/tracker"
	"github.com/carverauto/rdregistry/pkg/transport"
)

const (
	DefaultMaxRestarts   = 3
	DefaultRestartWindow = time.Minute

	supersedeTimeout = 5 * time.Second
)

var (
	// ErrAlreadyTracked is returned when a host already has a tracker and
	// the duplicate policy is to refuse.
	ErrAlreadyTracked = errors.New("host is already tracked")
	// ErrNotTracked is returned for queries about hosts without a tracker.
	ErrNotTracked = errors.New("host is not tracked")
	// ErrShutdown is returned once Stop has been called.
	ErrShutdown = errors.New("supervisor is shut down")
)

// DuplicatePolicy decides what Track does for a host that is already tracked.
type DuplicatePolicy int

const (
	// Refuse keeps the running tracker and returns ErrAlreadyTracked.
	Refuse DuplicatePolicy = iota
	// Supersede stops the running tracker and starts a new one.
	Supersede
)

// Config holds supervisor settings. Lease and Granularity are passed to
// every tracker.
type Config struct {
	Self          string
	Lease         time.Duration
	Granularity   time.Duration
	MaxRestarts   int
	RestartWindow time.Duration
	Duplicates    DuplicatePolicy
}

func (c *Config) setDefaults() {
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = DefaultMaxRestarts
	}

	if c.RestartWindow <= 0 {
		c.RestartWindow = DefaultRestartWindow
	}
}

// Supervisor starts and restarts trackers. Trackers run under the
// supervisor's own context, so they outlive the caller of Track.
type Supervisor struct {
	cfg      Config
	bus      transport.Bus
	registry *registry.Registry
	logger   logger.Logger
	sources  []discovery.Source

	// OnHostDown, when set, is called for HostDown discovery events. The
	// daemon wires it to a liveness probe rather than stopping the tracker
	// outright.
	OnHostDown func(host string)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	seeds    map[string][]models.Resource
	restarts map[string][]time.Time
}

// New returns a supervisor. sources are run by Start.
func New(cfg Config, bus transport.Bus, reg *registry.Registry, log logger.Logger, sources ...discovery.Source) *Supervisor {
	cfg.setDefaults()

	ctx, cancel := context.WithCancel(context.Background())

	return &Supervisor{
		cfg:      cfg,
		bus:      bus,
		registry: reg,
		logger:   log,
		sources:  sources,
		ctx:      ctx,
		cancel:   cancel,
		seeds:    make(map[string][]models.Resource),
		restarts: make(map[string][]time.Time),
	}
}

// Track starts a tracker for host. A non-empty seed makes this node the
// server of the host's resources: the seed is advertised on the host's
// command queue and the tracker caches it like any other announcement.
// Without a seed the tracker mirrors what the host itself announces.
func (s *Supervisor) Track(host string, seed []models.Resource) error {
	if h, ok := s.registry.Lookup(host); ok {
		if s.cfg.Duplicates != Supersede {
			return fmt.Errorf("%w: %s", ErrAlreadyTracked, host)
		}

		s.logger.Info().Str("host", host).Msg("Superseding running tracker")
		s.retire(h)
	}

	err := s.start(host, seed)
	if errors.Is(err, tracker.ErrAlreadyRegistered) {
		return fmt.Errorf("%w: %s", ErrAlreadyTracked, host)
	}

	return err
}

// Seeded reports whether host is tracked with resources served by this node.
func (s *Supervisor) Seeded(host string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.seeds[host]) > 0
}

// Discover tracks host as a mirror unless it is this node or already tracked.
func (s *Supervisor) Discover(host string) {
	if host == "" || host == s.cfg.Self {
		return
	}

	if _, ok := s.registry.Lookup(host); ok {
		return
	}

	if err := s.start(host, nil); err != nil && !errors.Is(err, tracker.ErrAlreadyRegistered) {
		s.logger.Warn().Err(err).Str("host", host).Msg("Failed to track discovered host")
	}
}

// Untrack stops the host's tracker.
func (s *Supervisor) Untrack(host string) error {
	h, ok := s.registry.Lookup(host)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotTracked, host)
	}

	s.mu.Lock()
	delete(s.seeds, host)
	s.mu.Unlock()

	h.Stop()

	return nil
}

// Fetch returns the resources cached for host.
func (s *Supervisor) Fetch(ctx context.Context, host string) ([]models.Resource, error) {
	h, ok := s.registry.Lookup(host)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotTracked, host)
	}

	tr, ok := h.(*tracker.Tracker)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotTracked, host)
	}

	resources, err := tr.Fetch(ctx)
	if errors.Is(err, tracker.ErrStopped) {
		return nil, fmt.Errorf("%w: %s", ErrNotTracked, host)
	}

	return resources, err
}

// Hosts lists tracked hosts in order.
func (s *Supervisor) Hosts() []string {
	entries := s.registry.All()
	hosts := make([]string, 0, len(entries))

	for _, e := range entries {
		hosts = append(hosts, e.Host)
	}

	return hosts
}

// Start runs the discovery sources until ctx is cancelled.
func (s *Supervisor) Start(ctx context.Context) error {
	var wg sync.WaitGroup

	for _, src := range s.sources {
		wg.Add(1)

		go func() {
			defer wg.Done()

			err := src.Run(ctx, s.handleEvent)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error().Err(err).Str("source", src.Name()).Msg("Discovery source failed")
			}
		}()
	}

	<-ctx.Done()
	wg.Wait()

	return ctx.Err()
}

// Stop terminates every tracker and waits for them, bounded by ctx.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()

	done := make(chan struct{})

	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All trackers stopped")

		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) handleEvent(ev discovery.Event) {
	switch ev.Kind {
	case discovery.HostUp:
		s.Discover(ev.Host)
	case discovery.HostDown:
		if s.OnHostDown != nil {
			s.OnHostDown(ev.Host)
		}
	}
}

func (s *Supervisor) start(host string, seed []models.Resource) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()

		return ErrShutdown
	}

	s.seeds[host] = seed
	s.wg.Add(1)
	s.mu.Unlock()

	stopServing := func() {}

	if len(seed) > 0 {
		cancel, err := s.serve(host, seed)
		if err != nil {
			s.wg.Done()

			return err
		}

		stopServing = cancel
	}

	onExit := func(tr *tracker.Tracker, err error) {
		stopServing()
		s.onExit(tr, err)
	}

	tr, err := tracker.New(tracker.Config{
		Host:        host,
		Lease:       s.cfg.Lease,
		Granularity: s.cfg.Granularity,
		Seed:        seed,
		Mirror:      true,
	}, s.bus, s.registry, s.logger, tracker.WithExitHook(onExit))
	if err != nil {
		stopServing()
		s.wg.Done()

		return err
	}

	if err := tr.Start(s.ctx); err != nil {
		stopServing()
		s.wg.Done()

		return err
	}

	return nil
}

// serve answers RESOURCES requests for a seeded host until the returned
// cancel func is called. The seed is owned by the advertiser, so the
// tracker's cache is refilled after every lease expiry.
func (s *Supervisor) serve(host string, seed []models.Resource) (context.CancelFunc, error) {
	adv := advertiser.New(s.bus, host, seed, s.logger)
	if err := adv.Listen(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(s.ctx)

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		if err := adv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn().Err(err).Str("host", host).Msg("Seeded host advertiser failed")
		}
	}()

	return cancel, nil
}

// onExit runs on the exiting tracker's goroutine after it has deregistered.
func (s *Supervisor) onExit(tr *tracker.Tracker, err error) {
	defer s.wg.Done()

	if !errors.Is(err, tracker.ErrPanic) {
		return
	}

	host := tr.Host()

	seed, ok := s.allowRestart(host)
	if !ok {
		s.logger.Error().Err(err).Str("host", host).
			Int("max_restarts", s.cfg.MaxRestarts).
			Dur("window", s.cfg.RestartWindow).
			Msg("Tracker crashed too often, giving up")

		return
	}

	metrics.TrackerRestarts.Inc()
	s.logger.Warn().Err(err).Str("host", host).Msg("Restarting crashed tracker")

	if err := s.start(host, seed); err != nil {
		s.logger.Error().Err(err).Str("host", host).Msg("Failed to restart tracker")
	}
}

func (s *Supervisor) allowRestart(host string) ([]models.Resource, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, false
	}

	seed, ok := s.seeds[host]
	if !ok {
		return nil, false
	}

	now := time.Now()
	recent := s.restarts[host][:0]

	for _, at := range s.restarts[host] {
		if now.Sub(at) < s.cfg.RestartWindow {
			recent = append(recent, at)
		}
	}

	if len(recent) >= s.cfg.MaxRestarts {
		s.restarts[host] = recent

		return nil, false
	}

	s.restarts[host] = append(recent, now)

	return seed, true
}

// retire stops h and waits briefly for it to release the registry entry.
func (s *Supervisor) retire(h registry.Handle) {
	h.Stop()

	tr, ok := h.(*tracker.Tracker)
	if !ok {
		return
	}

	select {
	case <-tr.Done():
	case <-time.After(supersedeTimeout):
		s.logger.Warn().Str("host", tr.Host()).Msg("Superseded tracker did not exit in time")
	}
}
