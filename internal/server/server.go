// Copyright 2025 The Paasd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server exposes the orchestration components over HTTP.
//
// Every route answers JSON. Errors are mapped to status codes by writeError
// alone, from the errdefs kind of the returned error. Initialization
// failures at a known step are not errors: they answer 200 with success
// false and the failing step.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"sigs.k8s.io/controller-runtime/pkg/log"

	paasv1alpha1 "github.com/woowtech/paasd/api/v1alpha1"
	"github.com/woowtech/paasd/internal/bootstrap"
	"github.com/woowtech/paasd/internal/deploy"
	"github.com/woowtech/paasd/internal/helm"
	"github.com/woowtech/paasd/internal/namespace"
)

// Namespaces provisions tenant namespaces.
type Namespaces interface {
	CreateNamespace(ctx context.Context, name string, limits namespace.Limits) (*namespace.Descriptor, error)
	EnsureQuota(ctx context.Context, name string, limits namespace.Limits) (*namespace.Descriptor, error)
	Describe(ctx context.Context, name string) (*namespace.Descriptor, error)
	Delete(ctx context.Context, name string) error
}

// Deployer deploys applications into namespaces.
type Deployer interface {
	DeployApplication(ctx context.Context, namespace, app string, overlay map[string]any, opts ...deploy.Option) (*deploy.Result, error)
	Teardown(ctx context.Context, namespace, app string) error
	ReleaseStatus(ctx context.Context, namespace, release string) (*helm.Release, error)
}

// Initializer bootstraps deployed applications.
type Initializer interface {
	Initialize(ctx context.Context, req bootstrap.Request) (*bootstrap.Result, error)
	Run(ctx context.Context, key paasv1alpha1.RunKey) (*paasv1alpha1.InitializationRun, error)
}

// Config configures the API server.
type Config struct {
	// Addr is the listen address, e.g. ":8082".
	Addr string
	// SignatureSecret enables HMAC verification of request bodies.
	SignatureSecret string
	// RateLimit is the sustained requests per second allowed per namespace.
	RateLimit float64
	// RateBurst is the bucket size per namespace.
	RateBurst int
	// ShutdownTimeout bounds the graceful shutdown.
	ShutdownTimeout time.Duration
}

// Server is the paasd HTTP API. It is a manager.Runnable that runs on
// every replica.
type Server struct {
	cfg        Config
	namespaces Namespaces
	deployer   Deployer
	init       Initializer
	limiter    *limiterSet
	logger     logr.Logger
	handler    http.Handler
}

// New returns a server over the given components.
func New(cfg Config, namespaces Namespaces, deployer Deployer, init Initializer) *Server {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 5
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 10
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	s := &Server{
		cfg:        cfg,
		namespaces: namespaces,
		deployer:   deployer,
		init:       init,
		limiter:    newLimiterSet(cfg.RateLimit, cfg.RateBurst),
		logger:     log.Log.WithName("api"),
	}
	s.handler = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// NeedLeaderElection implements manager.LeaderElectionRunnable. Every
// replica serves the API; leases serialize the mutations.
func (s *Server) NeedLeaderElection() bool {
	return false
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("Starting API server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Shutting down API server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		case err := <-errChan:
			return err
		case now := <-ticker.C:
			s.limiter.prune(now.Add(-10 * time.Minute))
		}
	}
}
