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

// Package config collects the paasd settings. Every flag takes its default
// from an environment variable so the same binary runs from a Deployment
// manifest or a shell.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Backends.
const (
	StoreKube = "kube"
	StoreSQL  = "sql"

	EdgeCloudflare = "cloudflare"
	EdgeIngress    = "ingress"

	CatalogFile   = "file"
	CatalogGitHub = "github"
)

// Config holds every paasd setting.
type Config struct {
	MetricsAddr string
	ProbeAddr   string
	APIAddr     string
	LeaderElect bool

	// Namespace holds leases and runs when the kube store is used.
	Namespace string

	Store       string
	DatabaseDSN string
	DatabaseDrv string

	Domain        string
	TenantPrefix  string
	Isolate       bool
	EdgeNamespace string

	Edge                string
	CloudflareToken     string
	CloudflareAccountID string
	CloudflareTunnelID  string
	CloudflareZoneID    string
	CloudflareRetries   int
	CloudflareRPS       float64
	IngressClass        string
	CertIssuer          string

	Catalog     string
	CatalogDir  string
	GitHubToken string
	GitHubRepo  string
	GitHubRef   string

	HelmBinary  string
	HelmTimeout time.Duration
	// HelmQueryTimeout bounds helm status and history calls.
	HelmQueryTimeout time.Duration
	LeaseTTL         time.Duration
	InitTimeout      time.Duration

	SignatureSecret string
	RateLimit       float64
	RateBurst       int

	JanitorInterval time.Duration
	RunRetention    time.Duration
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return def
}

func getEnvInt(key string, def int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if f, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return f
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return def
}

// BindFlags registers the settings on fs. Call fs.Parse afterwards.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.MetricsAddr, "metrics-bind-address", getEnv("PAASD_METRICS_ADDR", ":8080"), "The address the metrics endpoint binds to.")
	fs.StringVar(&c.ProbeAddr, "health-probe-bind-address", getEnv("PAASD_PROBE_ADDR", ":8081"), "The address the probe endpoint binds to.")
	fs.StringVar(&c.APIAddr, "api-bind-address", getEnv("PAASD_API_ADDR", ":8082"), "The address the HTTP API binds to.")
	fs.BoolVar(&c.LeaderElect, "leader-elect", getEnvBool("PAASD_LEADER_ELECT", false), "Enable leader election for the janitor.")
	fs.StringVar(&c.Namespace, "namespace", getEnv("POD_NAMESPACE", "paasd-system"), "Namespace holding leases and initialization runs.")

	fs.StringVar(&c.Store, "store", getEnv("PAASD_STORE", StoreKube), "Lease and run store: kube or sql.")
	fs.StringVar(&c.DatabaseDrv, "database-driver", getEnv("PAASD_DATABASE_DRIVER", "postgres"), "SQL driver: postgres or sqlite.")
	fs.StringVar(&c.DatabaseDSN, "database-dsn", getEnv("DATABASE_URL", ""), "SQL data source name.")

	fs.StringVar(&c.Domain, "domain", getEnv("PAASD_DOMAIN", ""), "Public domain applications are published under.")
	fs.StringVar(&c.TenantPrefix, "tenant-prefix", getEnv("PAASD_TENANT_PREFIX", "paas-ws-"), "Prefix every tenant namespace must carry.")
	fs.BoolVar(&c.Isolate, "isolate-namespaces", getEnvBool("PAASD_ISOLATE", true), "Apply network policies to tenant namespaces.")
	fs.StringVar(&c.EdgeNamespace, "edge-namespace", getEnv("PAASD_EDGE_NAMESPACE", "cloudflared"), "Namespace of the edge connector admitted into tenants.")

	fs.StringVar(&c.Edge, "edge", getEnv("PAASD_EDGE", EdgeCloudflare), "Edge router: cloudflare or ingress.")
	fs.StringVar(&c.CloudflareToken, "cloudflare-api-token", getEnv("CLOUDFLARE_API_TOKEN", ""), "Cloudflare API token.")
	fs.StringVar(&c.CloudflareAccountID, "cloudflare-account-id", getEnv("CLOUDFLARE_ACCOUNT_ID", ""), "Cloudflare account id.")
	fs.StringVar(&c.CloudflareTunnelID, "cloudflare-tunnel-id", getEnv("CLOUDFLARE_TUNNEL_ID", ""), "Cloudflare tunnel id.")
	fs.StringVar(&c.CloudflareZoneID, "cloudflare-zone-id", getEnv("CLOUDFLARE_ZONE_ID", ""), "Cloudflare DNS zone id.")
	fs.IntVar(&c.CloudflareRetries, "cloudflare-max-retries", getEnvInt("PAASD_CLOUDFLARE_MAX_RETRIES", 3), "Retries of Cloudflare calls answered with 429 or 5xx.")
	fs.Float64Var(&c.CloudflareRPS, "cloudflare-rps", getEnvFloat("PAASD_CLOUDFLARE_RPS", 4), "Cloudflare API requests per second.")
	fs.StringVar(&c.IngressClass, "ingress-class", getEnv("PAASD_INGRESS_CLASS", ""), "Ingress class of published routes.")
	fs.StringVar(&c.CertIssuer, "cert-issuer", getEnv("PAASD_CERT_ISSUER", ""), "cert-manager ClusterIssuer for Ingress TLS.")

	fs.StringVar(&c.Catalog, "catalog", getEnv("PAASD_CATALOG", CatalogFile), "Template catalog: file or github.")
	fs.StringVar(&c.CatalogDir, "catalog-dir", getEnv("PAASD_CATALOG_DIR", "/etc/paasd/templates"), "Directory of template files, or path inside the GitHub repository.")
	fs.StringVar(&c.GitHubToken, "github-token", getEnv("GITHUB_TOKEN", ""), "GitHub token for the catalog repository.")
	fs.StringVar(&c.GitHubRepo, "github-repo", getEnv("PAASD_GITHUB_REPO", ""), "Catalog repository as owner/name.")
	fs.StringVar(&c.GitHubRef, "github-ref", getEnv("PAASD_GITHUB_REF", ""), "Branch, tag or commit of the catalog.")

	fs.StringVar(&c.HelmBinary, "helm-binary", getEnv("PAASD_HELM", "helm"), "Path of the helm executable.")
	fs.DurationVar(&c.HelmTimeout, "helm-timeout", getEnvDuration("PAASD_HELM_TIMEOUT", 5*time.Minute), "Timeout of each helm operation.")
	fs.DurationVar(&c.HelmQueryTimeout, "helm-query-timeout", getEnvDuration("PAASD_HELM_QUERY_TIMEOUT", 5*time.Minute), "Timeout of helm status and history calls.")
	fs.DurationVar(&c.LeaseTTL, "lease-ttl", getEnvDuration("PAASD_LEASE_TTL", 10*time.Minute), "Expiry of release and initialization leases.")
	fs.DurationVar(&c.InitTimeout, "init-timeout", getEnvDuration("PAASD_INIT_TIMEOUT", 10*time.Minute), "Timeout of one initialization call.")

	fs.StringVar(&c.SignatureSecret, "signature-secret", getEnv("PAASD_SIGNATURE_SECRET", ""), "Shared secret for request signatures. Empty disables verification.")
	fs.Float64Var(&c.RateLimit, "rate-limit", getEnvFloat("PAASD_RATE_LIMIT", 5), "Requests per second allowed per namespace.")
	fs.IntVar(&c.RateBurst, "rate-burst", getEnvInt("PAASD_RATE_BURST", 10), "Request burst allowed per namespace.")

	fs.DurationVar(&c.JanitorInterval, "janitor-interval", getEnvDuration("PAASD_JANITOR_INTERVAL", 5*time.Minute), "Interval between janitor passes.")
	fs.DurationVar(&c.RunRetention, "run-retention", getEnvDuration("PAASD_RUN_RETENTION", 7*24*time.Hour), "How long succeeded initialization runs are kept.")
}

// GitHubOwnerRepo splits GitHubRepo.
func (c *Config) GitHubOwnerRepo() (owner, name string) {
	owner, name, _ = strings.Cut(c.GitHubRepo, "/")
	return owner, name
}

// Validate reports every inconsistent setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Domain == "" {
		errs = append(errs, errors.New("--domain is required"))
	}
	if c.TenantPrefix == "" {
		errs = append(errs, errors.New("--tenant-prefix must not be empty"))
	}

	switch c.Store {
	case StoreKube:
	case StoreSQL:
		if c.DatabaseDSN == "" {
			errs = append(errs, errors.New("--database-dsn is required with --store=sql"))
		}
		if c.DatabaseDrv != "postgres" && c.DatabaseDrv != "sqlite" {
			errs = append(errs, fmt.Errorf("unsupported --database-driver %q", c.DatabaseDrv))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown --store %q", c.Store))
	}

	switch c.Edge {
	case EdgeCloudflare:
		if c.CloudflareToken == "" || c.CloudflareAccountID == "" || c.CloudflareTunnelID == "" || c.CloudflareZoneID == "" {
			errs = append(errs, errors.New("--edge=cloudflare needs the API token, account, tunnel and zone ids"))
		}
		if c.CloudflareRetries < 0 || c.CloudflareRPS <= 0 {
			errs = append(errs, errors.New("--cloudflare-max-retries must not be negative and --cloudflare-rps must be positive"))
		}
	case EdgeIngress:
	default:
		errs = append(errs, fmt.Errorf("unknown --edge %q", c.Edge))
	}

	switch c.Catalog {
	case CatalogFile:
		if c.CatalogDir == "" {
			errs = append(errs, errors.New("--catalog-dir is required"))
		}
	case CatalogGitHub:
		if owner, name := c.GitHubOwnerRepo(); owner == "" || name == "" {
			errs = append(errs, fmt.Errorf("--github-repo %q is not owner/name", c.GitHubRepo))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown --catalog %q", c.Catalog))
	}

	if c.HelmTimeout <= 0 || c.HelmQueryTimeout <= 0 || c.LeaseTTL <= 0 || c.InitTimeout <= 0 {
		errs = append(errs, errors.New("timeouts must be positive"))
	}
	if c.LeaseTTL < c.HelmTimeout {
		errs = append(errs, fmt.Errorf("--lease-ttl %s is shorter than --helm-timeout %s", c.LeaseTTL, c.HelmTimeout))
	}
	if c.LeaseTTL < c.InitTimeout {
		errs = append(errs, fmt.Errorf("--lease-ttl %s is shorter than --init-timeout %s", c.LeaseTTL, c.InitTimeout))
	}
	if c.RateLimit <= 0 || c.RateBurst <= 0 {
		errs = append(errs, errors.New("rate limit and burst must be positive"))
	}
	if c.JanitorInterval <= 0 {
		errs = append(errs, errors.New("--janitor-interval must be positive"))
	}
	return errors.Join(errs...)
}
