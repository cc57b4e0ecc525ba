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

// Package lifecycle runs long-lived components until the process is told to
// stop.
package lifecycle

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/carverauto/rdregistry/pkg/logger"
)

const defaultStopTimeout = 15 * time.Second

// Service is a component with a blocking Start and a graceful Stop.
type Service interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// NamedService pairs a service with the name used in logs.
type NamedService struct {
	Name    string
	Service Service
}

// SignalContext is cancelled on SIGINT or SIGTERM.
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// Run starts every service and blocks until ctx is cancelled or one of them
// fails. All services are then stopped in reverse order.
func Run(ctx context.Context, log logger.Logger, services ...NamedService) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, svc := range services {
		g.Go(func() error {
			log.Info().Str("service", svc.Name).Msg("Starting service")

			err := svc.Service.Start(gctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Str("service", svc.Name).Msg("Service exited with error")

				return err
			}

			return nil
		})
	}

	<-gctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), defaultStopTimeout)
	defer cancel()

	for i := len(services) - 1; i >= 0; i-- {
		svc := services[i]
		if err := svc.Service.Stop(stopCtx); err != nil {
			log.Warn().Err(err).Str("service", svc.Name).Msg("Error stopping service")
		}
	}

	return g.Wait()
}
