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

// Package node assembles an rdnode daemon: the resource trackers and their
// supervisor, the liveness prober and responder, the local advertiser, host
// discovery and the HTTP and gRPC front ends.
package node

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/carverauto/rdregistry/pkg/advertiser"
	"github.com/carverauto/rdregistry/pkg/discovery"
	rdgrpc "github.com/carverauto/rdregistry/pkg/grpc"
	"github.com/carverauto/rdregistry/pkg/hostinfo"
	httpapi "github.com/carverauto/rdregistry/pkg/http"
	"github.com/carverauto/rdregistry/pkg/lifecycle"
	"github.com/carverauto/rdregistry/pkg/liveness"
	"github.com/carverauto/rdregistry/pkg/logger"
	"github.com/carverauto/rdregistry/pkg/models"
	"github.com/carverauto/rdregistry/pkg/natsutil"
	"github.com/carverauto/rdregistry/pkg/prober"
	"github.com/carverauto/rdregistry/pkg/registry"
	"github.com/carverauto/rdregistry/pkg/supervisor"
	"github.com/carverauto/rdregistry/pkg/version"
)

const readinessInterval = 5 * time.Second

// Node owns every long-running component of the daemon.
type Node struct {
	cfg    *Config
	logger logger.Logger

	nc   *nats.Conn
	etcd *clientv3.Client

	registry   *registry.Registry
	supervisor *supervisor.Supervisor
	prober     *prober.Prober
	advertiser *advertiser.Advertiser
	collector  *hostinfo.Collector

	services []lifecycle.NamedService
}

// New connects to the broker (and etcd when configured) and builds the
// components. Nothing runs until Run is called. cfg must have been
// validated.
func New(ctx context.Context, cfg *Config, log logger.Logger) (*Node, error) {
	n := &Node{
		cfg:      cfg,
		logger:   log,
		registry: registry.New(),
	}

	var natsOpts []nats.Option
	if cfg.NATSCredentials != "" {
		natsOpts = append(natsOpts, nats.UserCredentials(cfg.NATSCredentials))
	}

	if cfg.NATSNkeySeed != "" {
		opt, err := natsutil.NkeyFromSeedFile(cfg.NATSNkeySeed)
		if err != nil {
			return nil, err
		}

		natsOpts = append(natsOpts, opt)
	}

	nc, err := natsutil.Connect(ctx, cfg.NATSURL, "rdnode-"+cfg.HostID, cfg.Security,
		log.WithComponent("nats"), natsOpts...)
	if err != nil {
		return nil, err
	}

	n.nc = nc
	bus := natsutil.NewBus(nc)

	sources := []discovery.Source{
		&discovery.Static{Hosts: cfg.Hosts},
		discovery.NewAnnouncer(bus, cfg.HostID, time.Duration(cfg.AnnounceInterval), log.WithComponent("announcer")),
	}

	if cfg.Etcd != nil && len(cfg.Etcd.Endpoints) > 0 {
		cli, err := discovery.NewEtcdClient(cfg.Etcd.Endpoints)
		if err != nil {
			n.Close()

			return nil, err
		}

		n.etcd = cli
		sources = append(sources,
			discovery.NewEtcdSource(cli, cfg.HostID, cfg.Etcd.Prefix, cfg.Etcd.LeaseTTL, log.WithComponent("etcd")))
	}

	n.supervisor = supervisor.New(cfg.supervisorConfig(), bus, n.registry, log.WithComponent("supervisor"), sources...)
	n.prober = prober.New(cfg.proberConfig(), n.registry, log.WithComponent("prober"),
		prober.WithExempt(n.supervisor.Seeded))
	n.supervisor.OnHostDown = n.prober.Probe

	n.advertiser = advertiser.New(bus, cfg.HostID, cfg.Resources, log.WithComponent("advertiser"))

	if cfg.AdvertiseHostInfo {
		n.collector = hostinfo.NewCollector(log.WithComponent("hostinfo"))
	}

	responder := liveness.NewResponder(liveness.Addr(cfg.LivenessPort), liveness.DefaultTimeout,
		log.WithComponent("liveness"))

	n.services = []lifecycle.NamedService{
		{Name: "liveness", Service: responder},
		{Name: "prober", Service: n.prober},
		{Name: "supervisor", Service: n.supervisor},
		{Name: "advertiser", Service: n.advertiser},
	}

	if cfg.ListenAddr != "" {
		api := httpapi.NewAPIServer(cfg.ListenAddr, n.supervisor, n.prober,
			httpapi.Options{CORS: cfg.CORS, APIKey: cfg.APIKey}, log.WithComponent("api"))

		n.services = append(n.services, lifecycle.NamedService{Name: "http", Service: api})
	}

	if cfg.GRPCAddr != "" {
		srv, err := rdgrpc.NewServer(cfg.GRPCAddr, log.WithComponent("grpc"),
			rdgrpc.WithReadinessCheck(nc.IsConnected, readinessInterval),
			rdgrpc.WithSecurity(cfg.Security))
		if err != nil {
			n.Close()

			return nil, err
		}

		n.services = append(n.services, lifecycle.NamedService{Name: "grpc", Service: srv})
	}

	return n, nil
}

// Supervisor exposes the tracker supervisor.
func (n *Node) Supervisor() *supervisor.Supervisor { return n.supervisor }

// Registry exposes the process registry.
func (n *Node) Registry() *registry.Registry { return n.registry }

// Run starts the seeded trackers and every service, blocks until ctx is
// cancelled or a service fails, then shuts everything down.
func (n *Node) Run(ctx context.Context) error {
	defer n.Close()

	for host, seed := range n.cfg.Seeds {
		if err := n.supervisor.Track(host, seed); err != nil {
			return fmt.Errorf("failed to track seeded host %s: %w", host, err)
		}
	}

	if n.collector != nil {
		local, err := n.collector.Collect(ctx)
		if err != nil {
			n.logger.Warn().Err(err).Msg("No host information to advertise")
		}

		resources := make([]models.Resource, 0, len(n.cfg.Resources)+len(local))
		resources = append(resources, n.cfg.Resources...)
		n.advertiser.SetResources(append(resources, local...))
	}

	n.logger.Info().
		Str("host_id", n.cfg.HostID).
		Str("version", version.Get().String()).
		Int("static_hosts", len(n.cfg.Hosts)).
		Int("seeded_hosts", len(n.cfg.Seeds)).
		Msg("rdnode starting")

	return lifecycle.Run(ctx, n.logger, n.services...)
}

// Close releases the broker and etcd connections. Run calls it on return.
func (n *Node) Close() {
	if n.nc != nil {
		n.nc.Close()
	}

	if n.etcd != nil {
		if err := n.etcd.Close(); err != nil {
			n.logger.Warn().Err(err).Msg("Failed to close etcd client")
		}
	}
}
