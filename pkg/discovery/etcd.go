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
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/carverauto/rdregistry/pkg/logger"
	"github.com/carverauto/rdregistry/pkg/transport"
)

const (
	// DefaultEtcdPrefix is the key prefix hosts register under.
	DefaultEtcdPrefix = "/rdregistry/hosts/"
	// DefaultEtcdTTL is the registration lease in seconds.
	DefaultEtcdTTL = 30

	etcdDialTimeout = 5 * time.Second
	revokeTimeout   = 5 * time.Second
)

// EtcdClient is the part of *clientv3.Client the etcd source uses.
type EtcdClient interface {
	Grant(ctx context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error)
	KeepAlive(ctx context.Context, id clientv3.LeaseID) (<-chan *clientv3.LeaseKeepAliveResponse, error)
	Revoke(ctx context.Context, id clientv3.LeaseID) (*clientv3.LeaseRevokeResponse, error)
	Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error)
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
	Watch(ctx context.Context, key string, opts ...clientv3.OpOption) clientv3.WatchChan
}

var _ EtcdClient = (*clientv3.Client)(nil)

// NewEtcdClient connects to the given endpoints.
func NewEtcdClient(endpoints []string) (*clientv3.Client, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: etcdDialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	return cli, nil
}

// EtcdSource registers the local host under a leased key and watches the
// prefix for other hosts. Keys disappear when their owner's lease lapses,
// which surfaces as HostDown.
type EtcdSource struct {
	cli    EtcdClient
	self   string
	prefix string
	ttl    int64
	logger logger.Logger
}

// NewEtcdSource returns a source for self. Empty prefix and zero ttl take
// the defaults.
func NewEtcdSource(cli EtcdClient, self, prefix string, ttl int64, log logger.Logger) *EtcdSource {
	if prefix == "" {
		prefix = DefaultEtcdPrefix
	}

	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	if ttl <= 0 {
		ttl = DefaultEtcdTTL
	}

	return &EtcdSource{cli: cli, self: self, prefix: prefix, ttl: ttl, logger: log}
}

func (*EtcdSource) Name() string { return "etcd" }

func (s *EtcdSource) Run(ctx context.Context, emit EmitFunc) error {
	if s.cli == nil {
		return errNoClient
	}

	if s.self == "" {
		return errSelfRequired
	}

	leaseID, err := s.register(ctx)
	if err != nil {
		return err
	}

	defer s.revoke(leaseID)

	resp, err := s.cli.Get(ctx, s.prefix, clientv3.WithPrefix())
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", s.prefix, err)
	}

	for _, kv := range resp.Kvs {
		s.emit(string(kv.Key), HostUp, emit)
	}

	var rev int64
	if resp.Header != nil {
		rev = resp.Header.Revision + 1
	}

	watch := s.cli.Watch(ctx, s.prefix, clientv3.WithPrefix(), clientv3.WithRev(rev))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case wr, ok := <-watch:
			if !ok {
				return ctx.Err()
			}

			if err := wr.Err(); err != nil {
				return fmt.Errorf("etcd watch on %s: %w", s.prefix, err)
			}

			for _, ev := range wr.Events {
				kind := HostUp
				if ev.Type == clientv3.EventTypeDelete {
					kind = HostDown
				}

				s.emit(string(ev.Kv.Key), kind, emit)
			}
		}
	}
}

func (s *EtcdSource) register(ctx context.Context) (clientv3.LeaseID, error) {
	grant, err := s.cli.Grant(ctx, s.ttl)
	if err != nil {
		return 0, fmt.Errorf("failed to grant etcd lease: %w", err)
	}

	key := s.prefix + s.self
	if _, err := s.cli.Put(ctx, key, s.self, clientv3.WithLease(grant.ID)); err != nil {
		return 0, fmt.Errorf("failed to register %s: %w", key, err)
	}

	keepAlive, err := s.cli.KeepAlive(ctx, grant.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to keep etcd lease alive: %w", err)
	}

	go func() {
		for range keepAlive {
		}

		if ctx.Err() == nil {
			s.logger.Warn().Str("key", key).Msg("etcd keepalive ended, registration will lapse")
		}
	}()

	s.logger.Info().Str("key", key).Int64("ttl", s.ttl).Msg("Registered host in etcd")

	return grant.ID, nil
}

func (s *EtcdSource) revoke(id clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), revokeTimeout)
	defer cancel()

	if _, err := s.cli.Revoke(ctx, id); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to revoke etcd lease")
	}
}

func (s *EtcdSource) emit(key string, kind Kind, emit EmitFunc) {
	host := strings.TrimPrefix(key, s.prefix)
	if host == "" || host == s.self {
		return
	}

	if err := transport.ValidateHost(host); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("Ignoring registration with unusable host id")

		return
	}

	emit(Event{Host: host, Kind: kind})
}
