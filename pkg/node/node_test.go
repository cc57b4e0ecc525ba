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
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/rdregistry/pkg/logger"
	"github.com/carverauto/rdregistry/pkg/models"
	"github.com/carverauto/rdregistry/pkg/natsutil"
	"github.com/carverauto/rdregistry/pkg/transport"
)

func runNATS(t *testing.T) *server.Server {
	t.Helper()

	srv, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	require.NoError(t, err)

	go srv.Start()

	if !srv.ReadyForConnections(10 * time.Second) {
		srv.Shutdown()
		t.Fatalf("embedded NATS server not ready for connections")
	}

	t.Cleanup(srv.Shutdown)

	return srv
}

func freePort(t *testing.T) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	return port
}

func startNode(t *testing.T, cfg *Config) *Node {
	t.Helper()

	require.NoError(t, cfg.Validate())

	n, err := New(context.Background(), cfg, logger.NewTestLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- n.Run(ctx) }()

	t.Cleanup(func() {
		cancel()

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(20 * time.Second):
			t.Errorf("node %s did not stop", cfg.HostID)
		}
	})

	return n
}

// waitAdvertising blocks until host answers RESOURCES on its command queue.
func waitAdvertising(t *testing.T, srv *server.Server, host string) {
	t.Helper()

	nc, err := natsutil.Connect(context.Background(), srv.ClientURL(), "watcher", nil, logger.NewTestLogger())
	require.NoError(t, err)
	defer nc.Close()

	got := make(chan struct{}, 16)

	_, err = nc.Subscribe(transport.BroadcastSubject(host), func(*nats.Msg) {
		select {
		case got <- struct{}{}:
		default:
		}
	})
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	require.Eventually(t, func() bool {
		if err := nc.Publish(transport.CommandSubject(host), []byte(transport.CommandResources)); err != nil {
			return false
		}

		select {
		case <-got:
			return true
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
}

// One node advertises local resources; a second node tracking it learns
// them over the broker.
func TestNodesShareResources(t *testing.T) {
	srv := runNATS(t)

	web, err := models.NewResource("service", "web", map[string]int{"port": 80})
	require.NoError(t, err)

	startNode(t, &Config{
		HostID:       "node-a",
		NATSURL:      srv.ClientURL(),
		LivenessPort: freePort(t),
		Resources:    []models.Resource{web},
	})

	waitAdvertising(t, srv, "node-a")

	b := startNode(t, &Config{
		HostID:       "node-b",
		NATSURL:      srv.ClientURL(),
		LivenessPort: freePort(t),
		Hosts:        []string{"node-a"},
		ListenAddr:   net.JoinHostPort("127.0.0.1", strconv.Itoa(freePort(t))),
	})

	require.Eventually(t, func() bool {
		got, err := b.Supervisor().Fetch(context.Background(), "node-a")

		return err == nil && len(got) == 1 && got[0].Name == "web"
	}, 10*time.Second, 20*time.Millisecond)

	assert.Contains(t, b.Supervisor().Hosts(), "node-a")
	_, ok := b.Registry().Lookup("node-a")
	assert.True(t, ok)

	url := "http://" + b.cfg.ListenAddr + "/api/hosts/node-a/resources"

	require.Eventually(t, func() bool {
		resp, err := http.Get(url) //nolint:noctx // test helper
		if err != nil {
			return false
		}
		defer resp.Body.Close()

		var body struct {
			Resources []models.Resource `json:"resources"`
		}

		return resp.StatusCode == http.StatusOK &&
			json.NewDecoder(resp.Body).Decode(&body) == nil &&
			len(body.Resources) == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSeededHostIsServedLocally(t *testing.T) {
	srv := runNATS(t)

	db, err := models.NewResource("service", "db", map[string]int{"port": 5432})
	require.NoError(t, err)

	n := startNode(t, &Config{
		HostID:       "node-a",
		NATSURL:      srv.ClientURL(),
		LivenessPort: freePort(t),
		ProbeTimeout: models.Duration(100 * time.Millisecond),
		Seeds:        map[string][]models.Resource{"printer-1": {db}},
	})

	require.Eventually(t, func() bool {
		got, err := n.Supervisor().Fetch(context.Background(), "printer-1")

		return err == nil && len(got) == 1
	}, 5*time.Second, 10*time.Millisecond)

	// printer-1 runs no liveness responder. A down report must not stop the
	// tracker this node serves it from.
	n.Supervisor().OnHostDown("printer-1")

	time.Sleep(300 * time.Millisecond)

	_, ok := n.Registry().Lookup("printer-1")
	assert.True(t, ok, "seeded host still tracked")
}

func TestNewFailsWithoutBroker(t *testing.T) {
	cfg := &Config{HostID: "node-a", NATSURL: "nats://127.0.0.1:1"}
	require.NoError(t, cfg.Validate())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := New(ctx, cfg, logger.NewTestLogger())
	require.Error(t, err)
}
