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

package discovery

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/carverauto/rdregistry/pkg/logger"
	"github.com/carverauto/rdregistry/pkg/transport"
)

const (
	// DefaultAnnounceInterval is how often a node repeats its presence.
	DefaultAnnounceInterval = 60 * time.Second

	verbUp   = "UP"
	verbDown = "DOWN"
)

// Announcer advertises the local host on the hosts subject and turns other
// nodes' announcements into events. A host heard for the first time gets an
// immediate re-announcement, so newcomers learn about existing nodes without
// waiting a full interval.
type Announcer struct {
	bus      transport.Bus
	self     string
	interval time.Duration
	logger   logger.Logger

	mu   sync.Mutex
	seen map[string]struct{}
}

// NewAnnouncer returns an announcer for self. A zero interval means
// DefaultAnnounceInterval.
func NewAnnouncer(bus transport.Bus, self string, interval time.Duration, log logger.Logger) *Announcer {
	if interval <= 0 {
		interval = DefaultAnnounceInterval
	}

	return &Announcer{
		bus:      bus,
		self:     self,
		interval: interval,
		logger:   log,
		seen:     make(map[string]struct{}),
	}
}

func (*Announcer) Name() string { return "announcer" }

func (a *Announcer) Run(ctx context.Context, emit EmitFunc) error {
	if a.self == "" {
		return errSelfRequired
	}

	sub, err := a.bus.Subscribe(transport.HostsSubject, func(msg *transport.Message) {
		a.receive(msg.Data, emit)
	})
	if err != nil {
		return err
	}

	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to release hosts subscription")
		}
	}()

	a.announce(verbUp)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.announce(verbDown)

			return ctx.Err()
		case <-ticker.C:
			a.announce(verbUp)
		}
	}
}

func (a *Announcer) announce(verb string) {
	if err := a.bus.Publish(transport.HostsSubject, []byte(verb+" "+a.self)); err != nil {
		a.logger.Warn().Err(err).Str("verb", verb).Msg("Failed to announce host")
	}
}

func (a *Announcer) receive(data []byte, emit EmitFunc) {
	verb, host := parseAnnouncement(string(data))
	if host == "" || host == a.self {
		return
	}

	if verb == verbDown {
		a.mu.Lock()
		delete(a.seen, host)
		a.mu.Unlock()

		emit(Event{Host: host, Kind: HostDown})

		return
	}

	a.mu.Lock()
	_, known := a.seen[host]
	a.seen[host] = struct{}{}
	a.mu.Unlock()

	emit(Event{Host: host, Kind: HostUp})

	if !known {
		a.logger.Info().Str("peer", host).Msg("Discovered host")
		a.announce(verbUp)
	}
}

// parseAnnouncement accepts "UP <host>", "DOWN <host>" or a bare host id.
// Ids that cannot name subjects are dropped.
func parseAnnouncement(s string) (verb, host string) {
	verb, host = splitAnnouncement(s)
	if transport.ValidateHost(host) != nil {
		return "", ""
	}

	return verb, host
}

func splitAnnouncement(s string) (verb, host string) {
	fields := strings.Fields(s)

	switch len(fields) {
	case 1:
		return verbUp, fields[0]
	case 2:
		if fields[0] == verbUp || fields[0] == verbDown {
			return fields[0], fields[1]
		}
	}

	return "", ""
}
