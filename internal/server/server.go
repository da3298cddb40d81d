// Copyright 2024 Acnodal Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server is the exporter's HTTP surface: health, readiness
// and metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lbinternode/lb-inter-node-exporter/internal/health"
	"github.com/lbinternode/lb-inter-node-exporter/internal/logging"
)

const shutdownTimeout = 5 * time.Second

// Config configures a Server.
type Config struct {
	Logger   log.Logger
	Address  string
	Health   *health.Registry
	Gatherer prometheus.Gatherer
}

// Server serves /healthz, /readyz and /metrics.
type Server struct {
	logger  log.Logger
	address string
	handler http.Handler
}

// New returns a Server. A nil Gatherer means the default registry.
func New(cfg Config) *Server {
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{logger: cfg.Logger, address: cfg.Address}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", cfg.Health.Healthz).Methods(http.MethodGet).Name("health")
	r.HandleFunc("/readyz", cfg.Health.Readyz).Methods(http.MethodGet).Name("ready")
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet).Name("metrics")
	r.Use(s.accessLog)
	s.handler = r

	return s
}

// Handler returns the routes.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.address, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() { errs <- srv.Serve(ln) }()
	logging.Info(s.logger, "op", "serve", "address", ln.Addr().String(), "msg", "serving health and metrics")

	select {
	case err := <-errs:
		return fmt.Errorf("serving http: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http: %w", err)
	}
	if err := <-errs; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving http: %w", err)
	}
	return nil
}

// accessLog logs requests at debug level. Probes are frequent so
// they're left out.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		if route := mux.CurrentRoute(r); route != nil {
			switch route.GetName() {
			case "health", "ready":
				return
			}
		}
		logging.Debug(s.logger, "op", "http", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr, "duration", time.Since(start), "msg", "request")
	})
}
