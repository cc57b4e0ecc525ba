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

package tracker

import (
	"errors"
	"fmt"
	"time"

	"github.com/carverauto/rdregistry/pkg/lease"
	"github.com/carverauto/rdregistry/pkg/models"
	"github.com/carverauto/rdregistry/pkg/transport"
)

// DefaultLease is how long a host's cached resources are trusted before the
// cache is cleared and re-requested.
const DefaultLease = 86400 * time.Second

var (
	errHostRequired  = errors.New("tracker host is required")
	errLeaseTooShort = errors.New("tracker lease must be at least one granularity unit")
	errInvalidSeed   = errors.New("invalid seed resource")
)

// Config describes one tracked host.
type Config struct {
	Host        string
	Lease       time.Duration
	Granularity time.Duration
	Seed        []models.Resource

	// Mirror trackers follow a host whose resources are served by someone
	// else (the host itself). They request and cache, but do not consume
	// the host's command queue.
	Mirror bool
}

func (c *Config) setDefaults() {
	if c.Lease <= 0 {
		c.Lease = DefaultLease
	}

	if c.Granularity <= 0 {
		c.Granularity = lease.DefaultGranularity
	}
}

// Validate implements config validation for a tracker.
func (c *Config) Validate() error {
	if c.Host == "" {
		return errHostRequired
	}

	if err := transport.ValidateHost(c.Host); err != nil {
		return err
	}

	if c.Lease < c.Granularity {
		return fmt.Errorf("%w: lease=%s granularity=%s", errLeaseTooShort, c.Lease, c.Granularity)
	}

	for i := range c.Seed {
		if err := c.Seed[i].Validate(); err != nil {
			return fmt.Errorf("%w %d: %w", errInvalidSeed, i, err)
		}
	}

	return nil
}
