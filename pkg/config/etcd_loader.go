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

package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// DefaultEtcdConfigKey is read when no key is given.
const DefaultEtcdConfigKey = "/rdregistry/config"

var errEtcdKeyNotFound = errors.New("key not found in etcd")

// EtcdGetter is the read side of *clientv3.Client.
type EtcdGetter interface {
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
}

// EtcdConfigLoader reads a JSON document stored under one etcd key.
type EtcdConfigLoader struct {
	cli EtcdGetter
}

func NewEtcdConfigLoader(cli EtcdGetter) *EtcdConfigLoader {
	return &EtcdConfigLoader{cli: cli}
}

// Load treats path as the key.
func (l *EtcdConfigLoader) Load(ctx context.Context, path string, dst interface{}) error {
	key := path
	if key == "" {
		key = DefaultEtcdConfigKey
	}

	resp, err := l.cli.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to get key '%s' from etcd: %w", key, err)
	}

	if len(resp.Kvs) == 0 {
		return fmt.Errorf("%w: '%s'", errEtcdKeyNotFound, key)
	}

	if err := json.Unmarshal(resp.Kvs[0].Value, dst); err != nil {
		return fmt.Errorf("failed to unmarshal JSON from key '%s': %w", key, err)
	}

	return nil
}
