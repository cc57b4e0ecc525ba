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
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/rdregistry/pkg/models"
	"github.com/carverauto/rdregistry/pkg/natsutil"
	"github.com/carverauto/rdregistry/pkg/registry"
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

func natsBus(t *testing.T, srv *server.Server) *natsutil.Bus {
	t.Helper()

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)

	t.Cleanup(nc.Close)

	return natsutil.NewBus(nc)
}

// A mirror on one node learns a host's resources from the seeded tracker
// that serves them on another node.
func TestMirrorLearnsFromServingTrackerOverNATS(t *testing.T) {
	srv := runNATS(t)

	owner := natsBus(t, srv)
	remote := natsBus(t, srv)

	seed := []models.Resource{
		mustResource(t, "service", "web", map[string]int{"port": 80}),
		mustResource(t, "capability", "gpu", true),
	}

	startTracker(t, Config{Seed: seed}, owner, registry.New())
	require.NoError(t, owner.Flush())

	mirror := startTracker(t, Config{Mirror: true}, remote, registry.New())

	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		got, err := mirror.Fetch(ctx)

		return err == nil && len(got) == len(seed)
	}, 5*time.Second, 20*time.Millisecond)

	got := fetch(t, mirror)
	assert.Equal(t, "capability/gpu", got[0].Key().String())
	assert.JSONEq(t, `{"port":80}`, string(got[1].Value))
}
