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

// Package advertiser serves this node's own resources: it answers
// RESOURCES requests on the node's command queue with one broadcast per
// resource.
package advertiser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/carverauto/rdregistry/pkg/logger"
	"github.com/carverauto/rdregistry/pkg/metrics"
	"github.com/carverauto/rdregistry/pkg/models"
	"github.com/carverauto/rdregistry/pkg/transport"
)

var errSelfRequired = errors.New("advertiser host is required")

// Advertiser publishes the local resource set on request.
type Advertiser struct {
	bus    transport.Bus
	self   string
	logger logger.Logger

	mu        sync.Mutex
	resources []models.Resource

	subMu sync.Mutex
	sub   transport.Subscription
}

// New returns an advertiser for host self.
func New(bus transport.Bus, self string, resources []models.Resource, log logger.Logger) *Advertiser {
	a := &Advertiser{bus: bus, self: self, logger: log.WithFields(map[string]interface{}{"host": self})}
	a.SetResources(resources)

	return a
}

// SetResources replaces the advertised set. Duplicate identities keep the
// last occurrence.
func (a *Advertiser) SetResources(resources []models.Resource) {
	byKey := make(map[models.ResourceKey]int, len(resources))
	out := make([]models.Resource, 0, len(resources))

	for i := range resources {
		r := resources[i].Clone()

		if j, ok := byKey[r.Key()]; ok {
			out[j] = r

			continue
		}

		byKey[r.Key()] = len(out)
		out = append(out, r)
	}

	a.mu.Lock()
	a.resources = out
	a.mu.Unlock()
}

// Resources returns a copy of the advertised set.
func (a *Advertiser) Resources() []models.Resource {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]models.Resource, len(a.resources))
	for i := range a.resources {
		out[i] = a.resources[i].Clone()
	}

	return out
}

// Listen subscribes to the command queue. It is safe to call more than once.
func (a *Advertiser) Listen() error {
	if a.self == "" {
		return errSelfRequired
	}

	a.subMu.Lock()
	defer a.subMu.Unlock()

	if a.sub != nil {
		return nil
	}

	subject := transport.CommandSubject(a.self)

	sub, err := a.bus.QueueSubscribe(subject, subject, a.onCommand)
	if err != nil {
		return fmt.Errorf("failed to consume %s: %w", subject, err)
	}

	a.sub = sub

	return nil
}

func (a *Advertiser) release() {
	a.subMu.Lock()
	defer a.subMu.Unlock()

	if a.sub == nil {
		return
	}

	if err := a.sub.Unsubscribe(); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to release command subscription")
	}

	a.sub = nil
}

// Start consumes the command queue and broadcasts once unprompted, then
// blocks until ctx is cancelled.
func (a *Advertiser) Start(ctx context.Context) error {
	if err := a.Listen(); err != nil {
		return err
	}

	defer a.release()

	a.logger.Info().Int("resources", len(a.Resources())).Msg("Advertising local resources")
	a.Broadcast()

	<-ctx.Done()

	return ctx.Err()
}

// Stop is a no-op; Start returns when its context ends.
func (*Advertiser) Stop(context.Context) error { return nil }

// Broadcast publishes every advertised resource and returns how many were sent.
func (a *Advertiser) Broadcast() int {
	subject := transport.BroadcastSubject(a.self)
	sent := 0

	for _, r := range a.Resources() {
		data, err := models.EncodeResource(&r)
		if err != nil {
			a.logger.Error().Err(err).Str("resource", r.Key().String()).Msg("Failed to encode resource")

			continue
		}

		if err := a.bus.Publish(subject, data); err != nil {
			a.logger.Warn().Err(err).Str("subject", subject).Msg("Failed to publish resource")

			continue
		}

		metrics.BroadcastsPublished.Inc()
		sent++
	}

	return sent
}

func (a *Advertiser) onCommand(msg *transport.Message) {
	verb := strings.TrimSpace(string(msg.Data))

	if verb != transport.CommandResources {
		metrics.CommandsIgnored.Inc()
		a.logger.Warn().Str("command", verb).Msg("Ignoring unknown command")

		return
	}

	n := a.Broadcast()
	a.logger.Debug().Int("resources", n).Msg("Answered resource request")
}
