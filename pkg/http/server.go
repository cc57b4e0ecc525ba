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

package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/carverauto/rdregistry/pkg/logger"
	"github.com/carverauto/rdregistry/pkg/metrics"
	"github.com/carverauto/rdregistry/pkg/models"
	"github.com/carverauto/rdregistry/pkg/supervisor"
	"github.com/carverauto/rdregistry/pkg/version"
)

const (
	readHeaderTimeout = 10 * time.Second
	fetchTimeout      = 5 * time.Second
)

// Trackers is the view of the supervisor the API needs.
type Trackers interface {
	Hosts() []string
	Fetch(ctx context.Context, host string) ([]models.Resource, error)
}

// Probes schedules liveness checks.
type Probes interface {
	Probe(host string)
	ProbeAll()
}

// Options holds optional API settings.
type Options struct {
	CORS   models.CORSConfig
	APIKey string
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Message string `json:"message"`
	Status  int    `json:"status"`
}

// HostsResponse lists tracked hosts.
type HostsResponse struct {
	Hosts []string `json:"hosts"`
}

// ResourcesResponse carries one host's cached resources.
type ResourcesResponse struct {
	Host      string            `json:"host"`
	Resources []models.Resource `json:"resources"`
}

// APIServer serves the REST API, health and metrics.
type APIServer struct {
	addr     string
	trackers Trackers
	probes   Probes
	logger   logger.Logger
	router   *mux.Router
	handler  http.Handler

	mu  sync.Mutex
	srv *http.Server
}

// NewAPIServer builds the router. Nothing listens until Start.
func NewAPIServer(addr string, trackers Trackers, probes Probes, opts Options, log logger.Logger) *APIServer {
	s := &APIServer{
		addr:     addr,
		trackers: trackers,
		probes:   probes,
		logger:   log,
		router:   mux.NewRouter(),
	}

	s.setupRoutes(opts)
	s.handler = CommonMiddleware(s.router, opts.CORS, log)

	return s
}

func (s *APIServer) setupRoutes(opts Options) {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(APIKeyMiddlewareWithOptions(APIKeyOptions{
		APIKey:          opts.APIKey,
		LogUnauthorized: true,
		Logger:          s.logger,
	}))

	api.HandleFunc("/hosts", s.getHosts).Methods(http.MethodGet)
	api.HandleFunc("/hosts/{host}/resources", s.getResources).Methods(http.MethodGet)
	api.HandleFunc("/probe", s.probeAll).Methods(http.MethodPost)
	api.HandleFunc("/probe/{host}", s.probeHost).Methods(http.MethodPost)
}

// Handler exposes the full middleware chain, mainly for tests.
func (s *APIServer) Handler() http.Handler { return s.handler }

// Start serves until ctx is cancelled or Stop is called.
func (s *APIServer) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), readHeaderTimeout)
		defer cancel()

		_ = srv.Shutdown(shutdownCtx)
	})
	defer stop()

	s.logger.Info().Str("addr", s.addr).Msg("HTTP API listening")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}

	return ctx.Err()
}

func (s *APIServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	return srv.Shutdown(ctx)
}

func (s *APIServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"trackers": len(s.trackers.Hosts()),
		"version":  version.Get().Version,
	})
}

func (s *APIServer) getHosts(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, HostsResponse{Hosts: s.trackers.Hosts()})
}

func (s *APIServer) getResources(w http.ResponseWriter, r *http.Request) {
	host := mux.Vars(r)["host"]

	ctx, cancel := context.WithTimeout(r.Context(), fetchTimeout)
	defer cancel()

	resources, err := s.trackers.Fetch(ctx, host)

	switch {
	case errors.Is(err, supervisor.ErrNotTracked):
		writeError(w, fmt.Sprintf("host %q is not tracked", host), http.StatusNotFound)

		return
	case err != nil:
		s.logger.Error().Err(err).Str("host", host).Msg("Failed to fetch resources")
		writeError(w, "failed to fetch resources", http.StatusServiceUnavailable)

		return
	}

	if resources == nil {
		resources = []models.Resource{}
	}

	s.writeJSON(w, http.StatusOK, ResourcesResponse{Host: host, Resources: resources})
}

func (s *APIServer) probeAll(w http.ResponseWriter, _ *http.Request) {
	s.probes.ProbeAll()
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

func (s *APIServer) probeHost(w http.ResponseWriter, r *http.Request) {
	host := mux.Vars(r)["host"]

	s.probes.Probe(host)
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled", "host": host})
}

func (s *APIServer) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(ErrorResponse{Message: message, Status: statusCode}); err != nil {
		http.Error(w, "Failed to encode error response", http.StatusInternalServerError)
	}
}
