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

// Package config loads service configuration from a JSON file, etcd or the
// environment, overlays environment overrides and validates the result.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/carverauto/rdregistry/pkg/logger"
)

const (
	// DefaultEnvPrefix prefixes every environment override.
	DefaultEnvPrefix = "RDREGISTRY_"

	configSourceFile = "file"
	configSourceEnv  = "env"
	configSourceEtcd = "etcd"
)

var (
	errInvalidConfigSource = errors.New("invalid CONFIG_SOURCE value")
	errEtcdNotSet          = errors.New("CONFIG_SOURCE=etcd but no etcd client was provided")
)

// ConfigLoader fills dst from the source identified by path.
type ConfigLoader interface {
	Load(ctx context.Context, path string, dst interface{}) error
}

// Validator is implemented by configs that can check themselves.
type Validator interface {
	Validate() error
}

// Config picks a loader from CONFIG_SOURCE and always applies environment
// overrides on top of what the loader produced.
type Config struct {
	logger    logger.Logger
	envPrefix string
	etcd      EtcdGetter
}

// NewConfig returns a loader using DefaultEnvPrefix.
func NewConfig(log logger.Logger) *Config {
	return &Config{logger: log, envPrefix: DefaultEnvPrefix}
}

// SetEtcd enables CONFIG_SOURCE=etcd.
func (c *Config) SetEtcd(cli EtcdGetter) {
	c.etcd = cli
}

// ValidateConfig validates a configuration if it implements Validator.
func ValidateConfig(cfg interface{}) error {
	v, ok := cfg.(Validator)
	if !ok {
		return nil
	}

	return v.Validate()
}

// LoadAndValidate loads cfg from path, applies environment overrides and
// validates it.
func (c *Config) LoadAndValidate(ctx context.Context, path string, cfg interface{}) error {
	source := strings.ToLower(os.Getenv("CONFIG_SOURCE"))

	var loader ConfigLoader

	switch source {
	case configSourceFile, "":
		loader = &FileConfigLoader{}
	case configSourceEtcd:
		if c.etcd == nil {
			return errEtcdNotSet
		}

		loader = NewEtcdConfigLoader(c.etcd)
	case configSourceEnv:
		loader = nil
	default:
		return fmt.Errorf("%w: %s (expected '%s', '%s', or '%s')",
			errInvalidConfigSource, source, configSourceFile, configSourceEtcd, configSourceEnv)
	}

	if loader != nil {
		if err := loader.Load(ctx, path, cfg); err != nil {
			return err
		}
	}

	if err := NewEnvConfigLoader(c.logger, c.envPrefix).Load(ctx, "", cfg); err != nil {
		return fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	return ValidateConfig(cfg)
}
