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

package config

import (
	"flag"
	"strings"
	"testing"
	"time"
)

func parse(t *testing.T, args ...string) *Config {
	t.Helper()
	var c Config
	fs := flag.NewFlagSet("paasd", flag.ContinueOnError)
	c.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse() unexpected error: %v", err)
	}
	return &c
}

func TestDefaults(t *testing.T) {
	c := parse(t)

	if c.Store != StoreKube || c.Edge != EdgeCloudflare || c.Catalog != CatalogFile {
		t.Errorf("backends = %s/%s/%s, want kube/cloudflare/file", c.Store, c.Edge, c.Catalog)
	}
	if c.TenantPrefix != "paas-ws-" {
		t.Errorf("TenantPrefix = %q", c.TenantPrefix)
	}
	if c.HelmTimeout != 5*time.Minute || c.HelmQueryTimeout != 5*time.Minute || c.LeaseTTL != 10*time.Minute {
		t.Errorf("HelmTimeout = %s, HelmQueryTimeout = %s, LeaseTTL = %s", c.HelmTimeout, c.HelmQueryTimeout, c.LeaseTTL)
	}
	if c.RateLimit != 5 || c.RateBurst != 10 {
		t.Errorf("rate = %v/%d", c.RateLimit, c.RateBurst)
	}
}

func TestEnvironmentDefaults(t *testing.T) {
	t.Setenv("PAASD_DOMAIN", "apps.example.com")
	t.Setenv("PAASD_STORE", StoreSQL)
	t.Setenv("PAASD_ISOLATE", "false")
	t.Setenv("PAASD_RATE_BURST", "3")
	t.Setenv("PAASD_INIT_TIMEOUT", "90s")
	t.Setenv("PAASD_RATE_LIMIT", "not-a-number")

	c := parse(t, "--rate-burst=4")

	if c.Domain != "apps.example.com" || c.Store != StoreSQL || c.Isolate {
		t.Errorf("environment not applied: %+v", c)
	}
	if c.RateBurst != 4 {
		t.Errorf("flag should override the environment, RateBurst = %d", c.RateBurst)
	}
	if c.InitTimeout != 90*time.Second {
		t.Errorf("InitTimeout = %s", c.InitTimeout)
	}
	if c.RateLimit != 5 {
		t.Errorf("unparseable environment should fall back, RateLimit = %v", c.RateLimit)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr []string
	}{
		{
			name: "ingress with file catalog",
			args: []string{"--domain=apps.example.com", "--edge=ingress"},
		},
		{
			name: "cloudflare with github catalog",
			args: []string{
				"--domain=apps.example.com",
				"--cloudflare-api-token=t", "--cloudflare-account-id=a",
				"--cloudflare-tunnel-id=tn", "--cloudflare-zone-id=z",
				"--catalog=github", "--github-repo=woowtech/paas-catalog",
			},
		},
		{
			name:    "missing domain and cloudflare credentials",
			args:    nil,
			wantErr: []string{"--domain", "--edge=cloudflare"},
		},
		{
			name:    "sql store without dsn",
			args:    []string{"--domain=d", "--edge=ingress", "--store=sql", "--database-driver=mysql"},
			wantErr: []string{"--database-dsn", "mysql"},
		},
		{
			name:    "unknown backends",
			args:    []string{"--domain=d", "--edge=traefik", "--store=etcd", "--catalog=s3"},
			wantErr: []string{`"traefik"`, `"etcd"`, `"s3"`},
		},
		{
			name:    "github repo without owner",
			args:    []string{"--domain=d", "--edge=ingress", "--catalog=github", "--github-repo=paas-catalog"},
			wantErr: []string{"owner/name"},
		},
		{
			name:    "lease shorter than helm timeout",
			args:    []string{"--domain=d", "--edge=ingress", "--lease-ttl=1m", "--helm-timeout=5m"},
			wantErr: []string{"--lease-ttl"},
		},
		{
			name:    "lease shorter than init timeout",
			args:    []string{"--domain=d", "--edge=ingress", "--lease-ttl=5m", "--init-timeout=15m"},
			wantErr: []string{"--init-timeout"},
		},
		{
			name:    "non-positive rate",
			args:    []string{"--domain=d", "--edge=ingress", "--rate-limit=0"},
			wantErr: []string{"rate limit"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := parse(t, tt.args...).Validate()
			if len(tt.wantErr) == 0 {
				if err != nil {
					t.Fatalf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() expected error")
			}
			for _, want := range tt.wantErr {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("Validate() = %q, want it to mention %q", err, want)
				}
			}
		})
	}
}
