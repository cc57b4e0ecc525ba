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

package natsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nkeys"
	"github.com/stretchr/testify/require"
)

func writeSeed(t *testing.T, kp nkeys.KeyPair) string {
	t.Helper()

	seed, err := kp.Seed()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "user.nk")
	require.NoError(t, os.WriteFile(path, append(seed, '\n'), 0o600))

	return path
}

func TestNkeyFromSeedFileAuthenticates(t *testing.T) {
	kp, err := nkeys.CreateUser()
	require.NoError(t, err)

	pub, err := kp.PublicKey()
	require.NoError(t, err)

	srv := runServerWith(t, &server.Options{Nkeys: []*server.NkeyUser{{Nkey: pub}}})

	opt, err := NkeyFromSeedFile(writeSeed(t, kp))
	require.NoError(t, err)

	nc, err := nats.Connect(srv.ClientURL(), opt)
	require.NoError(t, err)
	nc.Close()

	_, err = nats.Connect(srv.ClientURL())
	require.Error(t, err, "server requires nkey authentication")
}

func TestNkeyFromSeedFileRejectsBadSeeds(t *testing.T) {
	_, err := NkeyFromSeedFile(filepath.Join(t.TempDir(), "missing.nk"))
	require.Error(t, err)

	garbage := filepath.Join(t.TempDir(), "garbage.nk")
	require.NoError(t, os.WriteFile(garbage, []byte("not a seed"), 0o600))

	_, err = NkeyFromSeedFile(garbage)
	require.Error(t, err)

	account, err := nkeys.CreateAccount()
	require.NoError(t, err)

	_, err = NkeyFromSeedFile(writeSeed(t, account))
	require.ErrorIs(t, err, errNotUserSeed)
}
