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

package server

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/woowtech/paasd/internal/metrics"
)

const maxRequestBodySize = 1 << 20

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)
	r.Use(bodySizeLimit)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(s.verifySignature)

		r.Post("/namespaces", s.createNamespace)
		r.Route("/namespaces/{namespace}", func(r chi.Router) {
			r.Use(s.rateLimit)
			r.Get("/", s.describeNamespace)
			r.Delete("/", s.deleteNamespace)
			r.Put("/quota", s.ensureQuota)
		})

		r.Route("/releases/{namespace}", func(r chi.Router) {
			r.Use(s.rateLimit)
			r.Post("/{app}", s.deployApplication)
			r.Get("/{release}", s.releaseStatus)
			r.Delete("/{app}", s.teardown)
			r.Post("/{release}/init/{appKind}", s.initialize)
			r.Get("/{release}/init/{appKind}", s.initializationRun)
		})
	})
	return r
}

// instrument logs each request and records its latency by route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		logger := s.logger.WithValues("requestID", middleware.GetReqID(r.Context()))
		r = r.WithContext(log.IntoContext(r.Context(), logger))

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		metrics.ObserveHTTPRequest(r.Method, route, status, time.Since(start))
		logger.V(1).Info("Handled request", "method", r.Method, "path", r.URL.Path, "status", status, "duration", time.Since(start).String())
	})
}

func bodySizeLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		next.ServeHTTP(w, r)
	})
}

// verifySignature rejects requests whose body does not carry a valid
// signature. It is a no-op when no secret is configured.
func (s *Server) verifySignature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.SignatureSecret == "" {
			next.ServeHTTP(w, r)
			return
		}
		payload, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("failed to read body", "validation"))
			return
		}
		_ = r.Body.Close()
		if !ValidateSignature(payload, r.Header.Get(SignatureHeader), s.cfg.SignatureSecret) {
			log.FromContext(r.Context()).Info("Invalid request signature", "path", r.URL.Path)
			writeJSON(w, http.StatusUnauthorized, errorBody("invalid signature", "unauthorized"))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(payload))
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.allow(w, r, chi.URLParam(r, "namespace")) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) allow(w http.ResponseWriter, r *http.Request, namespace string) bool {
	if s.limiter.allow(namespace, time.Now()) {
		return true
	}
	log.FromContext(r.Context()).Info("Rate limit exceeded", "namespace", namespace)
	w.Header().Set("Retry-After", "1")
	writeJSON(w, http.StatusTooManyRequests, errorBody("rate limit exceeded", "rate_limited"))
	return false
}
