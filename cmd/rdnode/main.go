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

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/carverauto/rdregistry/pkg/config"
	"github.com/carverauto/rdregistry/pkg/discovery"
	"github.com/carverauto/rdregistry/pkg/lifecycle"
	"github.com/carverauto/rdregistry/pkg/logger"
	"github.com/carverauto/rdregistry/pkg/node"
	"github.com/carverauto/rdregistry/pkg/version"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	configPath := flag.String("config", "/etc/rdregistry/rdnode.json", "Path to rdnode config file")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Get())

		return nil
	}

	ctx, cancel := lifecycle.SignalContext(context.Background())
	defer cancel()

	cfgLoader := config.NewConfig(nil)

	// CONFIG_SOURCE=etcd reads the document from ETCD_ENDPOINTS.
	if endpoints := os.Getenv("ETCD_ENDPOINTS"); endpoints != "" {
		cli, err := discovery.NewEtcdClient(splitEndpoints(endpoints))
		if err != nil {
			return err
		}
		defer func() { _ = cli.Close() }()

		cfgLoader.SetEtcd(cli)
	}

	var cfg node.Config
	if err := cfgLoader.LoadAndValidate(ctx, *configPath, &cfg); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logConfig := cfg.Logging
	if logConfig == nil {
		logConfig = logger.DefaultConfig()
	}

	nodeLogger, err := lifecycle.CreateComponentLogger("rdnode", logConfig)
	if err != nil {
		return err
	}

	n, err := node.New(ctx, &cfg, nodeLogger)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}

	return n.Run(ctx)
}

func splitEndpoints(s string) []string {
	var out []string

	for _, e := range strings.Split(s, ",") {
		if e = strings.TrimSpace(e); e != "" {
			out = append(out, e)
		}
	}

	return out
}
