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

package node

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/carverauto/rdregistry/pkg/discovery"
	"github.com/carverauto/rdregistry/pkg/liveness"
	"github.com/carverauto/rdregistry/pkg/logger"
	"github.com/carverauto/rdregistry/pkg/models"
	"github.com/carverauto/rdregistry/pkg/prober"
	"github.com/carverauto/rdregistry/pkg/supervisor"
	"github.com/carverauto/rdregistry/pkg/tracker"
)

const (
	DefaultNATSURL = "nats://127.0.0.1:4222"

	duplicatesRefuse    = "refuse"
	duplicatesSupersede = "supersede"
)

var (
	ErrMissingHostID      = errors.New("host_id is required")
	ErrMissingNATSURL     = errors.New("nats_url is required")
	ErrInvalidPort        = errors.New("liveness_port must be between 1 and 65535")
	ErrLeaseTooShort      = errors.New("resource_lease must be at least one second")
	ErrNegativeDuration   = errors.New("durations must not be negative")
	ErrInvalidDuplicates  = errors.New("duplicates must be 'refuse' or 'supersede'")
	ErrEmptySeed          = errors.New("seeded host has no resources")
	ErrMissingCredentials = errors.New("nats_credentials file not found")
	ErrMissingNkeySeed    = errors.New("nats_nkey_seed file not found")
)

// EtcdConfig enables the etcd discovery source when Endpoints is non-empty.
type EtcdConfig struct {
	Endpoints []string `json:"endpoints"`
	Prefix    string   `json:"prefix,omitempty"`
	LeaseTTL  int64    `json:"lease_ttl"`
}

// Config is the rdnode daemon configuration.
type Config struct {
	HostID          string                 `json:"host_id"`
	NATSURL         string                 `json:"nats_url"`
	NATSCredentials string                 `json:"nats_credentials,omitempty"`
	NATSNkeySeed    string                 `json:"nats_nkey_seed,omitempty"`
	Security        *models.SecurityConfig `json:"security,omitempty"`

	LivenessPort int             `json:"liveness_port"`
	Lease        models.Duration `json:"resource_lease"`
	Heartbeat    models.Duration `json:"heartbeat"`
	ProbeTimeout models.Duration `json:"probe_timeout"`

	// Hosts are tracked as mirrors of what each host advertises. Seeds
	// makes this node the server of a host's resources instead.
	Hosts []string                     `json:"hosts"`
	Seeds map[string][]models.Resource `json:"seeds,omitempty"`

	Resources         []models.Resource `json:"resources,omitempty"`
	AdvertiseHostInfo bool              `json:"advertise_host_info"`
	AnnounceInterval  models.Duration   `json:"announce_interval"`
	Etcd              *EtcdConfig       `json:"etcd,omitempty"`

	Duplicates    string          `json:"duplicates,omitempty"`
	MaxRestarts   int             `json:"max_restarts,omitempty"`
	RestartWindow models.Duration `json:"restart_window,omitempty"`

	ListenAddr string            `json:"listen_addr,omitempty"`
	GRPCAddr   string            `json:"grpc_addr,omitempty"`
	APIKey     string            `json:"api_key,omitempty"`
	CORS       models.CORSConfig `json:"cors"`

	Logging *logger.Config `json:"logging,omitempty"`
}

// Validate fills defaults and checks the result.
func (c *Config) Validate() error {
	c.setDefaults()

	var errs []error

	if c.HostID == "" {
		errs = append(errs, ErrMissingHostID)
	}

	if c.NATSURL == "" {
		errs = append(errs, ErrMissingNATSURL)
	}

	if c.LivenessPort < 1 || c.LivenessPort > 65535 {
		errs = append(errs, fmt.Errorf("%w: %d", ErrInvalidPort, c.LivenessPort))
	}

	if time.Duration(c.Lease) < time.Second {
		errs = append(errs, ErrLeaseTooShort)
	}

	for name, d := range map[string]models.Duration{
		"heartbeat":         c.Heartbeat,
		"probe_timeout":     c.ProbeTimeout,
		"announce_interval": c.AnnounceInterval,
		"restart_window":    c.RestartWindow,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%w: %s", ErrNegativeDuration, name))
		}
	}

	if _, err := c.duplicatePolicy(); err != nil {
		errs = append(errs, err)
	}

	for host, seed := range c.Seeds {
		if len(seed) == 0 {
			errs = append(errs, fmt.Errorf("%w: %s", ErrEmptySeed, host))
		}
	}

	if c.NATSCredentials != "" {
		if _, err := os.Stat(c.NATSCredentials); err != nil {
			errs = append(errs, fmt.Errorf("%w: %w", ErrMissingCredentials, err))
		}
	}

	if c.NATSNkeySeed != "" {
		if _, err := os.Stat(c.NATSNkeySeed); err != nil {
			errs = append(errs, fmt.Errorf("%w: %w", ErrMissingNkeySeed, err))
		}
	}

	return errors.Join(errs...)
}

func (c *Config) setDefaults() {
	if c.HostID == "" {
		if h, err := os.Hostname(); err == nil {
			c.HostID = h
		}
	}

	if c.NATSURL == "" {
		c.NATSURL = DefaultNATSURL
	}

	if c.LivenessPort == 0 {
		c.LivenessPort = liveness.DefaultPort
	}

	if c.Lease == 0 {
		c.Lease = models.Duration(tracker.DefaultLease)
	}

	if c.Heartbeat == 0 {
		c.Heartbeat = models.Duration(prober.DefaultHeartbeat)
	}

	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = models.Duration(prober.DefaultProbeTimeout)
	}

	if c.AnnounceInterval == 0 {
		c.AnnounceInterval = models.Duration(discovery.DefaultAnnounceInterval)
	}

	if c.Etcd != nil {
		if c.Etcd.Prefix == "" {
			c.Etcd.Prefix = discovery.DefaultEtcdPrefix
		}

		if c.Etcd.LeaseTTL <= 0 {
			c.Etcd.LeaseTTL = discovery.DefaultEtcdTTL
		}
	}

	c.Security.NormalizePaths()
}

func (c *Config) duplicatePolicy() (supervisor.DuplicatePolicy, error) {
	switch strings.ToLower(c.Duplicates) {
	case "", duplicatesRefuse:
		return supervisor.Refuse, nil
	case duplicatesSupersede:
		return supervisor.Supersede, nil
	default:
		return supervisor.Refuse, fmt.Errorf("%w: %q", ErrInvalidDuplicates, c.Duplicates)
	}
}

func (c *Config) supervisorConfig() supervisor.Config {
	policy, _ := c.duplicatePolicy()

	return supervisor.Config{
		Self:          c.HostID,
		Lease:         time.Duration(c.Lease),
		MaxRestarts:   c.MaxRestarts,
		RestartWindow: time.Duration(c.RestartWindow),
		Duplicates:    policy,
	}
}

func (c *Config) proberConfig() prober.Config {
	return prober.Config{
		Heartbeat:    time.Duration(c.Heartbeat),
		ProbeTimeout: time.Duration(c.ProbeTimeout),
		Port:         c.LivenessPort,
	}
}
