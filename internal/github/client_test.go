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

package github

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/woowtech/paasd/internal/errdefs"
)

var catalogRepo = Repository{Owner: "woowtech", Name: "paas-catalog", Ref: "main"}

func fastRetry() *RetryConfig {
	return &RetryConfig{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		BackoffFactor:  2.0,
	}
}

func newTestClient(t *testing.T, handler http.Handler) Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient("github_pat_test123", WithBaseURL(server.URL), WithRetryConfig(fastRetry()))
	if err != nil {
		t.Fatalf("NewClient() unexpected error: %v", err)
	}
	return client
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, body any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		t.Errorf("failed to encode response: %v", err)
	}
}

func TestNewClient(t *testing.T) {
	tests := []struct {
		name      string
		token     string
		opts      []Option
		wantError bool
	}{
		{name: "Valid token creates client", token: "github_pat_test123"},
		{name: "Empty token creates client", token: ""},
		{name: "Enterprise base URL", token: "t", opts: []Option{WithBaseURL("https://github.example.com/api/v3")}},
		{name: "Invalid base URL", token: "t", opts: []Option{WithBaseURL("://bad")}, wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewClient(tt.token, tt.opts...)
			if tt.wantError {
				if err == nil {
					t.Errorf("NewClient() expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewClient() unexpected error: %v", err)
			}
			if client == nil {
				t.Errorf("NewClient() returned nil client")
			}
		})
	}
}

func TestGetFile(t *testing.T) {
	body := "slug: n8n\nport: 5678\n"

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/woowtech/paas-catalog/contents/templates/n8n.yaml" {
			writeJSON(t, w, http.StatusNotFound, map[string]string{"message": "Not Found"})
			return
		}
		if got := r.URL.Query().Get("ref"); got != "main" {
			t.Errorf("ref = %q, want main", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer github_pat_test123" {
			t.Errorf("Authorization = %q", got)
		}
		writeJSON(t, w, http.StatusOK, map[string]string{
			"type":     "file",
			"name":     "n8n.yaml",
			"path":     "templates/n8n.yaml",
			"sha":      "3d21ec5",
			"encoding": "base64",
			"content":  base64.StdEncoding.EncodeToString([]byte(body)),
		})
	}))

	file, err := client.GetFile(context.Background(), catalogRepo, "templates/n8n.yaml")
	if err != nil {
		t.Fatalf("GetFile() unexpected error: %v", err)
	}
	want := &File{Path: "templates/n8n.yaml", SHA: "3d21ec5", Content: []byte(body)}
	if diff := cmp.Diff(want, file); diff != "" {
		t.Errorf("GetFile() mismatch (-want +got):\n%s", diff)
	}

	_, err = client.GetFile(context.Background(), catalogRepo, "templates/missing.yaml")
	if !errors.Is(err, errdefs.ErrNotFound) {
		t.Errorf("GetFile() of missing file = %v, want ErrNotFound", err)
	}
}

func TestListDirectory(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, []map[string]string{
			{"type": "file", "name": "n8n.yaml", "path": "templates/n8n.yaml"},
			{"type": "file", "name": "wordpress.yaml", "path": "templates/wordpress.yaml"},
		})
	}))

	names, err := client.ListDirectory(context.Background(), catalogRepo, "templates")
	if err != nil {
		t.Fatalf("ListDirectory() unexpected error: %v", err)
	}
	if diff := cmp.Diff([]string{"n8n.yaml", "wordpress.yaml"}, names); diff != "" {
		t.Errorf("ListDirectory() mismatch (-want +got):\n%s", diff)
	}
}

func TestRetryWithBackoff(t *testing.T) {
	tests := []struct {
		name         string
		statusCodes  []int
		wantAttempts int32
		wantError    bool
	}{
		{
			name:         "Retries on 502 and succeeds",
			statusCodes:  []int{http.StatusBadGateway, http.StatusOK},
			wantAttempts: 2,
		},
		{
			name:         "Retries on 503 twice and succeeds",
			statusCodes:  []int{http.StatusServiceUnavailable, http.StatusServiceUnavailable, http.StatusOK},
			wantAttempts: 3,
		},
		{
			name:         "Exhausts retries on persistent errors",
			statusCodes:  []int{http.StatusBadGateway, http.StatusBadGateway, http.StatusBadGateway, http.StatusBadGateway},
			wantAttempts: 4, // Initial + 3 retries
			wantError:    true,
		},
		{
			name:         "Does not retry on 401",
			statusCodes:  []int{http.StatusUnauthorized},
			wantAttempts: 1,
			wantError:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var attempts int32
			client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := atomic.AddInt32(&attempts, 1)
				status := http.StatusOK
				if int(n) <= len(tt.statusCodes) {
					status = tt.statusCodes[n-1]
				}
				if status != http.StatusOK {
					writeJSON(t, w, status, map[string]string{"message": http.StatusText(status)})
					return
				}
				writeJSON(t, w, http.StatusOK, map[string]string{
					"type": "file", "path": "templates/n8n.yaml", "encoding": "base64",
					"content": base64.StdEncoding.EncodeToString([]byte("slug: n8n\n")),
				})
			}))

			_, err := client.GetFile(context.Background(), catalogRepo, "templates/n8n.yaml")
			if tt.wantError && err == nil {
				t.Errorf("GetFile() expected error, got nil")
			}
			if !tt.wantError && err != nil {
				t.Errorf("GetFile() unexpected error: %v", err)
			}
			if got := atomic.LoadInt32(&attempts); got != tt.wantAttempts {
				t.Errorf("made %d attempts, want %d", got, tt.wantAttempts)
			}
		})
	}
}

func TestCalculateBackoff(t *testing.T) {
	c := &githubClient{retryConfig: &RetryConfig{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
		BackoffFactor:  2.0,
	}}

	for attempt, want := range []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond} {
		got := c.calculateBackoff(attempt)
		low, high := time.Duration(float64(want)*0.8), time.Duration(float64(want)*1.2)
		if got < low || got > high {
			t.Errorf("attempt %d: backoff %v outside [%v, %v]", attempt, got, low, high)
		}
	}
	if got := c.calculateBackoff(10); got != time.Second {
		t.Errorf("backoff should cap at MaxBackoff, got %v", got)
	}
}
