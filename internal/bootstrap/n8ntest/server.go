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

// Package n8ntest provides an in-process n8n API for tests.
package n8ntest

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
)

const authCookie = "n8n-auth"

// Server answers the subset of the n8n REST API used during bootstrap.
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	owner     *account
	sessions  map[string]bool
	requests  map[string]int
	fail      map[string]int
	unhealthy int
	keys      []string
}

type account struct {
	email    string
	password string
}

// NewServer starts a fresh instance without an owner. Close it when done.
func NewServer() *Server {
	s := &Server{
		sessions: map[string]bool{},
		requests: map[string]int{},
		fail:     map[string]int{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.count(s.health))
	mux.HandleFunc("POST /rest/owner/setup", s.count(s.setup))
	mux.HandleFunc("POST /rest/login", s.count(s.login))
	mux.HandleFunc("POST /rest/api-keys", s.count(s.apiKey))
	s.Server = httptest.NewServer(mux)
	return s
}

// SetOwner gives the instance an existing owner.
func (s *Server) SetOwner(email, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owner = &account{email: email, password: password}
}

// FailWith makes every request matching pattern, e.g. "POST /rest/api-keys",
// answer status until cleared with status 0.
func (s *Server) FailWith(pattern string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 0 {
		delete(s.fail, pattern)
		return
	}
	s.fail[pattern] = status
}

// UnhealthyFor makes the next n health checks fail.
func (s *Server) UnhealthyFor(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unhealthy = n
}

// Requests returns how many requests matched pattern.
func (s *Server) Requests(pattern string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[pattern]
}

// Keys returns the API keys issued so far.
func (s *Server) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.keys...)
}

func (s *Server) count(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pattern := r.Method + " " + r.URL.Path
		s.mu.Lock()
		s.requests[pattern]++
		status := s.fail[pattern]
		s.mu.Unlock()
		if status != 0 {
			writeJSON(w, status, map[string]any{"code": status, "message": "injected failure\n    at Handler (/usr/local/lib/node_modules/n8n/dist/x.js:1:1)"})
			return
		}
		h(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	sick := s.unhealthy > 0
	if sick {
		s.unhealthy--
	}
	s.mu.Unlock()
	if sick {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type credentials struct {
	Email              string `json:"email"`
	EmailOrLdapLoginID string `json:"emailOrLdapLoginId"`
	Password           string `json:"password"`
}

func (c credentials) email() string {
	if c.EmailOrLdapLoginID != "" {
		return c.EmailOrLdapLoginID
	}
	return c.Email
}

func (s *Server) setup(w http.ResponseWriter, r *http.Request) {
	var c credentials
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil || c.Email == "" || c.Password == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "email and password are required"})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Instance owner already setup"})
		return
	}
	s.owner = &account{email: c.Email, password: c.Password}
	s.startSession(w)
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]string{"email": c.Email, "role": "global:owner"}})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var c credentials
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "malformed body"})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner == nil || s.owner.email != c.email() || s.owner.password != c.Password {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Wrong username or password. Do you have caps lock on?"})
		return
	}
	s.startSession(w)
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]string{"email": c.email()}})
}

func (s *Server) startSession(w http.ResponseWriter) {
	token := randomHex(16)
	s.sessions[token] = true
	http.SetCookie(w, &http.Cookie{Name: authCookie, Value: token, Path: "/", HttpOnly: true})
}

func (s *Server) apiKey(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(authCookie)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil || !s.sessions[cookie.Value] {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Unauthorized"})
		return
	}
	key := "n8n_api_" + randomHex(20)
	s.keys = append(s.keys, key)
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
		"id":        randomHex(8),
		"label":     "paasd",
		"apiKey":    key[:12] + "******",
		"rawApiKey": key,
	}})
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
