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
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/rdregistry/pkg/config"
	"github.com/carverauto/rdregistry/pkg/discovery"
	"github.com/carverauto/rdregistry/pkg/liveness"
	"github.com/carverauto/rdregistry/pkg/models"
	"github.com/carverauto/rdregistry/pkg/supervisor"
	"github.com/carverauto/rdregistry/pkg/tracker"
)

const sampleConfig = `{
  "host_id": "node-a",
  "nats_url": "nats://127.0.0.1:4222",
  "liveness_port": 4369,
  "resource_lease": "86400s",
  "heartbeat": 3600,
  "probe_timeout": "10s",
  "hosts": ["node-b"],
  "seeds": {"node-c": [{"type": "service", "name": "db", "value": {"port": 5432}}]},
  "resources": [{"type": "service", "name": "web", "value": {"port": 80}}],
  "advertise_host_info": true,
  "announce_interval": "60s",
  "etcd": {"endpoints": ["http://127.0.0.1:2379"]},
  "listen_addr": ":8090",
  "grpc_addr": ":50090",
  "logging": {"level": "info"}
}`

func TestConfigLoadsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rdnode.json")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	var cfg Config
	require.NoError(t, (&config.FileConfigLoader{}).Load(context.Background(), path, &cfg))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "node-a", cfg.HostID)
	assert.Equal(t, 24*time.Hour, time.Duration(cfg.Lease))
	assert.Equal(t, time.Hour, time.Duration(cfg.Heartbeat))
	assert.Equal(t, []string{"node-b"}, cfg.Hosts)
	require.Len(t, cfg.Seeds["node-c"], 1)
	assert.Equal(t, "db", cfg.Seeds["node-c"][0].Name)
	require.Len(t, cfg.Resources, 1)
	assert.True(t, cfg.AdvertiseHostInfo)
	require.NotNil(t, cfg.Etcd)
	assert.Equal(t, discovery.DefaultEtcdPrefix, cfg.Etcd.Prefix)
	assert.Equal(t, int64(discovery.DefaultEtcdTTL), cfg.Etcd.LeaseTTL)
	require.NotNil(t, cfg.Logging)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestValidateFillsDefaults(t *testing.T) {
	cfg := Config{HostID: "node-a"}
	require.NoError(t, cfg.Validate())

	assert.Equal(t, DefaultNATSURL, cfg.NATSURL)
	assert.Equal(t, liveness.DefaultPort, cfg.LivenessPort)
	assert.Equal(t, tracker.DefaultLease, time.Duration(cfg.Lease))
	assert.Equal(t, discovery.DefaultAnnounceInterval, time.Duration(cfg.AnnounceInterval))

	sc := cfg.supervisorConfig()
	assert.Equal(t, "node-a", sc.Self)
	assert.Equal(t, supervisor.Refuse, sc.Duplicates)

	pc := cfg.proberConfig()
	assert.Equal(t, liveness.DefaultPort, pc.Port)
	assert.Equal(t, 10*time.Second, pc.ProbeTimeout)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Config{
		HostID:          "node-a",
		LivenessPort:    70000,
		Lease:           models.Duration(time.Millisecond),
		Heartbeat:       models.Duration(-time.Second),
		Duplicates:      "ignore",
		Seeds:           map[string][]models.Resource{"node-b": nil},
		NATSCredentials: filepath.Join(t.TempDir(), "missing.creds"),
		NATSNkeySeed:    filepath.Join(t.TempDir(), "missing.nk"),
	}

	err := cfg.Validate()
	require.Error(t, err)

	for _, want := range []error{
		ErrInvalidPort, ErrLeaseTooShort, ErrNegativeDuration,
		ErrInvalidDuplicates, ErrEmptySeed, ErrMissingCredentials,
		ErrMissingNkeySeed,
	} {
		assert.ErrorIs(t, err, want)
	}
}

func TestDuplicatePolicy(t *testing.T) {
	cfg := Config{Duplicates: "Supersede"}

	policy, err := cfg.duplicatePolicy()
	require.NoError(t, err)
	assert.Equal(t, supervisor.Supersede, policy)
}
